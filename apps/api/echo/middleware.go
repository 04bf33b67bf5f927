package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

var (
	errHttpForbidden  = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound   = echo.NewHTTPError(http.StatusNotFound, "not found")
	errAlreadyPending = echo.NewHTTPError(http.StatusConflict, "a previous request is still in progress")
)

func adminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			acc, err := getContextAccount(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context account")
			}
			if acc.IsAdmin() {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// inflightMiddleware rejects a request while the same account still has the same one running
// (double-clicked submit buttons and the like).
func (s *Server) inflightMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			acc, err := getContextAccount(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context account")
			}
			key := acc.ID + " " + ctx.Request().Method + " " + ctx.Request().URL.Path
			if _, running := s.inflight.LoadOrStore(key, struct{}{}); running {
				return errAlreadyPending
			}
			defer s.inflight.Delete(key)
			return next(ctx)
		}
	}
}
