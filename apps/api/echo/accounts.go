package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core/account"
)

type accountApi struct {
	server *Server
	svc    account.Service
}

func registerAccountAPI(g *echo.Group, s *Server, authed []echo.MiddlewareFunc) {
	api := accountApi{server: s, svc: s.deps.AccountSvc}

	ag := g.Group("/accounts")

	// un-authed endpoints
	ag.POST("/register", api.register)
	ag.POST("/login", api.login)

	// authed endpoints
	mg := ag.Group("", authed...)
	mg.POST("/token-refresh", api.refreshToken)
	mg.GET("/me", api.me)
	mg.PUT("/me", api.updateMe, s.inflightMiddleware())

	// admin endpoints
	dg := mg.Group("", adminMiddleware())
	dg.GET("", api.query)
	dg.POST("", api.create, s.inflightMiddleware())
	dg.GET("/:id", api.retrieve)
	dg.PUT("/:id", api.update)
	dg.PUT("/:id/status", api.updateStatus)
	dg.DELETE("/:id", api.destroy)
}

// Handlers

func (api *accountApi) register(ctx echo.Context) error {
	var data account.NewAccount
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAccount")
	}
	acc, err := api.svc.Register(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "registering account")
	}
	return ctx.JSON(http.StatusCreated, acc)
}

func (api *accountApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	acc, err := api.svc.Login(ctx.Request().Context(), data.Username, data.Password)
	if err != nil {
		return errors.Wrap(err, "logging in")
	}
	token, err := api.server.GenerateToken(acc)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token, Account: acc})
}

func (api *accountApi) refreshToken(ctx echo.Context) error {
	token, err := api.server.refreshToken(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, TokenResponse{Token: token})
}

func (api *accountApi) me(ctx echo.Context) error {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, acc)
}

func (api *accountApi) updateMe(ctx echo.Context) error {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	var data account.UpdateProfile
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateProfile")
	}
	acc, err = api.svc.UpdateProfile(ctx.Request().Context(), acc.ID, data)
	if err != nil {
		return errors.Wrap(err, "updating profile")
	}
	return ctx.JSON(http.StatusOK, acc)
}

func (api *accountApi) query(ctx echo.Context) error {
	var filter account.QueryFilter
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []account.Account{})
	}
	accounts, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying accounts")
	}
	if accounts == nil {
		accounts = []account.Account{}
	}
	return ctx.JSON(http.StatusOK, accounts)
}

func (api *accountApi) create(ctx echo.Context) error {
	var data account.NewAccount
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAccount")
	}
	acc, err := api.svc.AdminAdd(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "adding account")
	}
	return ctx.JSON(http.StatusCreated, acc)
}

func (api *accountApi) retrieve(ctx echo.Context) error {
	acc, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding account by ID")
	}
	return ctx.JSON(http.StatusOK, acc)
}

func (api *accountApi) update(ctx echo.Context) error {
	var data account.AdminUpdate
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AdminUpdate")
	}
	acc, err := api.svc.AdminUpdate(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "updating account")
	}
	return ctx.JSON(http.StatusOK, acc)
}

func (api *accountApi) updateStatus(ctx echo.Context) error {
	var data StatusRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to StatusRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	// admins cannot lock themselves out
	ctxAcc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	id := ctx.Param("id")
	if id == ctxAcc.ID && data.Status != account.StatusActive {
		return errHttpForbidden
	}

	acc, err := api.svc.UpdateStatus(ctx.Request().Context(), id, data.Status)
	if err != nil {
		return errors.Wrap(err, "updating status")
	}
	return ctx.JSON(http.StatusOK, acc)
}

func (api *accountApi) destroy(ctx echo.Context) error {
	// Say No to Suicide! ctxAccount cannot delete themselves
	ctxAcc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	id := ctx.Param("id")
	if id == ctxAcc.ID {
		return errHttpForbidden
	}

	if err := api.svc.Delete(ctx.Request().Context(), id); err != nil {
		return errors.Wrap(err, "deleting account")
	}
	return ctx.NoContent(http.StatusNoContent)
}
