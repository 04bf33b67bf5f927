package echoapi

import (
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
)

const (
	contextTokenKey   = "accountToken"
	contextAccountKey = "account"
)

var (
	errUnauthorized       = echo.NewHTTPError(http.StatusUnauthorized, "account not authenticated")
	errAwaitingApproval   = echo.NewHTTPError(http.StatusForbidden, account.ErrAwaitingApproval.Error())
	errAccessDenied       = echo.NewHTTPError(http.StatusForbidden, account.ErrAccessDenied.Error())
	errRefreshExpired     = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errTokenSigningFailed = errors.New("signing token")
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64  `json:"oriat,omitempty"`
	Username     string `json:"username,omitempty"`
	Role         string `json:"role,omitempty"`
	IsAdmin      bool   `json:"is_admin,omitempty"`
}

func newJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

func (s *Server) accountClaims(acc account.Account, origIat ...int64) *Claims {
	now := time.Now()
	nownix := now.Unix()

	oriat := nownix
	if len(origIat) > 0 {
		oriat = origIat[0]
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    s.conf.AppName,
			Subject:   acc.ID,
			Audience:  "LectureLog",
			ExpiresAt: now.Add(s.conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Username:     acc.Username,
		Role:         acc.Role,
		IsAdmin:      acc.IsAdmin(),
	}
}

// GenerateToken returns a signed token for acc.
func (s *Server) GenerateToken(acc account.Account, origIat ...int64) (string, error) {
	method := jwt.GetSigningMethod(s.jwt.SigningMethod)
	token := jwt.NewWithClaims(method, s.accountClaims(acc, origIat...))

	ss, err := token.SignedString(s.jwt.SigningKey)
	if err != nil {
		return "", errTokenSigningFailed
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextAccount(ctx echo.Context) (account.Account, error) {
	if acc, ok := ctx.Get(contextAccountKey).(account.Account); ok {
		return acc, nil
	}
	return account.Account{}, errUnauthorized
}

// checkStatus maps a non-active account to the message its holder should see.
func checkStatus(acc account.Account) error {
	switch acc.Status {
	case account.StatusActive:
		return nil
	case account.StatusPending:
		return errAwaitingApproval
	}
	return errAccessDenied
}

// accountMiddleware loads the token's account and refuses deleted or inactive ones,
// so a status change takes effect before the token expires.
func accountMiddleware(svc account.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return err
			}
			acc, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					return errUnauthorized
				}
				return errors.Wrap(err, "finding account by ID")
			}
			if err = checkStatus(acc); err != nil {
				return err
			}
			ctx.Set(contextAccountKey, acc)
			return next(ctx)
		}
	}
}

func (s *Server) refreshToken(ctx echo.Context) (string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting context claims")
	}
	acc, err := getContextAccount(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting context account")
	}

	// check if refresh has not expired
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(s.conf.Server.JWTRefreshExpirationDelta)
	if time.Now().After(expTime) {
		return "", errRefreshExpired
	}

	token, err := s.GenerateToken(acc, claims.OrigIssuedAt)
	return token, errors.Wrap(err, "generating token")
}
