package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core/announcement"
)

type announcementApi struct {
	svc announcement.Service
}

func registerAnnouncementAPI(g *echo.Group, s *Server, authed []echo.MiddlewareFunc) {
	api := announcementApi{svc: s.deps.AnnouncementSvc}

	ag := g.Group("/announcements", authed...)
	ag.GET("", api.query)
	ag.GET("/unread-count", api.unreadCount)
	ag.POST("/:id/read", api.markRead)

	// admin endpoints
	admin := adminMiddleware()
	ag.POST("", api.create, admin, s.inflightMiddleware())
	ag.PUT("/:id", api.update, admin)
	ag.DELETE("/:id", api.destroy, admin)
}

// Handlers

func (api *announcementApi) query(ctx echo.Context) error {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	anns, err := api.svc.Query(ctx.Request().Context(), acc)
	if err != nil {
		return errors.Wrap(err, "querying announcements")
	}
	if anns == nil {
		anns = []announcement.Announcement{}
	}
	return ctx.JSON(http.StatusOK, anns)
}

func (api *announcementApi) unreadCount(ctx echo.Context) error {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	n, err := api.svc.UnreadCount(ctx.Request().Context(), acc)
	if err != nil {
		return errors.Wrap(err, "counting unread announcements")
	}
	return ctx.JSON(http.StatusOK, CountResponse{Count: n})
}

func (api *announcementApi) markRead(ctx echo.Context) error {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	ann, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding announcement by ID")
	}
	if !ann.IsFor(acc) {
		return errHttpNotFound
	}
	if err := api.svc.MarkRead(ctx.Request().Context(), ann.ID, acc.ID); err != nil {
		return errors.Wrap(err, "marking announcement read")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *announcementApi) create(ctx echo.Context) error {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	var data announcement.NewAnnouncement
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAnnouncement")
	}
	ann, err := api.svc.Create(ctx.Request().Context(), acc, data)
	if err != nil {
		return errors.Wrap(err, "creating announcement")
	}
	return ctx.JSON(http.StatusCreated, ann)
}

func (api *announcementApi) update(ctx echo.Context) error {
	var data announcement.EditAnnouncement
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to EditAnnouncement")
	}
	ann, err := api.svc.EditMessage(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "editing announcement")
	}
	return ctx.JSON(http.StatusOK, ann)
}

func (api *announcementApi) destroy(ctx echo.Context) error {
	if err := api.svc.Delete(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return errors.Wrap(err, "deleting announcement")
	}
	return ctx.NoContent(http.StatusNoContent)
}
