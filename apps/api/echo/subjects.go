package echoapi

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core/subject"
)

type subjectApi struct {
	svc subject.Service
}

func registerSubjectAPI(g *echo.Group, s *Server, authed []echo.MiddlewareFunc) {
	api := subjectApi{svc: s.deps.SubjectSvc}

	sg := g.Group("/subjects", authed...)
	sg.GET("", api.list)

	// admin endpoints
	admin := adminMiddleware()
	sg.POST("", api.create, admin)
	sg.POST("/reset", api.reset, admin)
	sg.PUT("/:name", api.rename, admin, s.inflightMiddleware())
	sg.DELETE("/:name", api.destroy, admin)
}

// nameParam returns the unescaped subject name of the path.
func nameParam(ctx echo.Context) string {
	name := ctx.Param("name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}

// Handlers

func (api *subjectApi) list(ctx echo.Context) error {
	items, err := api.svc.List(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "listing subjects")
	}
	return ctx.JSON(http.StatusOK, items)
}

func (api *subjectApi) create(ctx echo.Context) error {
	var data SubjectRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SubjectRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}
	if err := api.svc.Add(ctx.Request().Context(), data.Name); err != nil {
		return errors.Wrap(err, "adding subject")
	}
	return api.list(ctx)
}

func (api *subjectApi) rename(ctx echo.Context) error {
	var data SubjectRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SubjectRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}
	moved, err := api.svc.Rename(ctx.Request().Context(), nameParam(ctx), data.Name)
	if err != nil {
		return errors.Wrap(err, "renaming subject")
	}
	return ctx.JSON(http.StatusOK, RenameResponse{Name: data.Name, Moved: moved})
}

func (api *subjectApi) destroy(ctx echo.Context) error {
	if err := api.svc.Remove(ctx.Request().Context(), nameParam(ctx)); err != nil {
		return errors.Wrap(err, "removing subject")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *subjectApi) reset(ctx echo.Context) error {
	if err := api.svc.Reset(ctx.Request().Context()); err != nil {
		return errors.Wrap(err, "resetting subjects")
	}
	return api.list(ctx)
}
