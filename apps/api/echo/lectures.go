package echoapi

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/lecture"
	"github.com/trezcool/lecturelog/core/media"
)

const filesField = "files"

type lectureApi struct {
	svc lecture.Service
}

func registerLectureAPI(g *echo.Group, s *Server, authed []echo.MiddlewareFunc) {
	api := lectureApi{svc: s.deps.LectureSvc}

	lg := g.Group("/lectures", authed...)
	lg.GET("", api.query)
	lg.POST("", api.submit, s.inflightMiddleware())

	// detail endpoints
	lg.GET("/:id", api.retrieve)
	lg.DELETE("/:id", api.destroy)
	lg.POST("/:id/like", api.toggleLike, s.inflightMiddleware())
	lg.GET("/:id/attachments/:attachmentID", api.download)
	lg.PUT("/:id/approve", api.approve, adminMiddleware())
	lg.PUT("/:id/reject", api.reject, adminMiddleware())
}

// visibleLecture finds the lecture of the request, hiding the ones the account may not see.
func (api *lectureApi) visibleLecture(ctx echo.Context) (lecture.Lecture, account.Account, error) {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return lecture.Lecture{}, acc, err
	}
	l, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return lecture.Lecture{}, acc, errors.Wrap(err, "finding lecture by ID")
	}
	if !l.VisibleTo(acc) {
		return lecture.Lecture{}, acc, errHttpNotFound
	}
	return l, acc, nil
}

// Handlers

func (api *lectureApi) query(ctx echo.Context) error {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	var filter lecture.QueryFilter
	if err := ctx.Bind(&filter); err != nil {
		return errors.Wrap(err, "binding to QueryFilter")
	}
	lectures, err := api.svc.Query(ctx.Request().Context(), acc, filter)
	if err != nil {
		return errors.Wrap(err, "querying lectures")
	}
	if lectures == nil {
		lectures = []lecture.Lecture{}
	}
	return ctx.JSON(http.StatusOK, lectures)
}

func (api *lectureApi) submit(ctx echo.Context) error {
	acc, err := getContextAccount(ctx)
	if err != nil {
		return err
	}
	form, err := ctx.MultipartForm()
	if err != nil {
		return core.NewValidationError(errors.New("expected a multipart form"))
	}

	files, closeFiles, err := openFiles(form.File[filesField])
	defer closeFiles()
	if err != nil {
		return errors.Wrap(err, "opening uploaded files")
	}

	data := lecture.NewLecture{
		Subject:     ctx.FormValue("subject"),
		Topic:       ctx.FormValue("topic"),
		Description: ctx.FormValue("description"),
		Date:        ctx.FormValue("date"),
		Files:       files,
	}
	l, err := api.svc.Submit(ctx.Request().Context(), acc, data)
	if err != nil {
		return errors.Wrap(err, "submitting lecture")
	}
	return ctx.JSON(http.StatusCreated, l)
}

// openFiles turns the uploaded parts into media files; the returned func closes them all.
func openFiles(headers []*multipart.FileHeader) ([]media.File, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	files := make([]media.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, f)
		files = append(files, media.File{
			Name:     fh.Filename,
			MimeType: fh.Header.Get(echo.HeaderContentType),
			Size:     fh.Size,
			Content:  f,
		})
	}
	return files, closeAll, nil
}

func (api *lectureApi) retrieve(ctx echo.Context) error {
	l, _, err := api.visibleLecture(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, l)
}

func (api *lectureApi) destroy(ctx echo.Context) error {
	l, acc, err := api.visibleLecture(ctx)
	if err != nil {
		return err
	}
	if !(acc.IsAdmin() || l.OwnerID == acc.ID) {
		return errHttpForbidden
	}
	if err := api.svc.Delete(ctx.Request().Context(), l.ID); err != nil {
		return errors.Wrap(err, "deleting lecture")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *lectureApi) toggleLike(ctx echo.Context) error {
	l, acc, err := api.visibleLecture(ctx)
	if err != nil {
		return err
	}
	liked, err := api.svc.ToggleLike(ctx.Request().Context(), l.ID, acc)
	if err != nil {
		return errors.Wrap(err, "toggling like")
	}
	return ctx.JSON(http.StatusOK, LikeResponse{Liked: liked})
}

func (api *lectureApi) download(ctx echo.Context) error {
	l, _, err := api.visibleLecture(ctx)
	if err != nil {
		return err
	}
	url, err := api.svc.DownloadURL(ctx.Request().Context(), l.ID, ctx.Param("attachmentID"))
	if err != nil {
		return errors.Wrap(err, "building download URL")
	}
	return ctx.Redirect(http.StatusFound, url)
}

func (api *lectureApi) approve(ctx echo.Context) error {
	return api.review(ctx, api.svc.Approve)
}

func (api *lectureApi) reject(ctx echo.Context) error {
	return api.review(ctx, api.svc.Reject)
}

func (api *lectureApi) review(ctx echo.Context, decide func(ctx context.Context, id, remark string) (lecture.Lecture, error)) error {
	var data ReviewRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReviewRequest")
	}
	l, err := decide(ctx.Request().Context(), ctx.Param("id"), core.CleanString(data.Remark))
	if err != nil {
		return errors.Wrap(err, "reviewing lecture")
	}
	return ctx.JSON(http.StatusOK, l)
}
