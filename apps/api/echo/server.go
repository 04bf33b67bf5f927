package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kat-co/vala"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/announcement"
	"github.com/trezcool/lecturelog/core/lecture"
	"github.com/trezcool/lecturelog/core/subject"
)

type (
	Deps struct {
		AccountSvc      account.Service
		LectureSvc      lecture.Service
		SubjectSvc      subject.Service
		AnnouncementSvc announcement.Service
		// Media serves locally stored files under /media; nil when media lives elsewhere.
		Media http.Handler
	}

	Server struct {
		conf     *core.Config
		logger   core.Logger
		deps     *Deps
		app      *echo.Echo
		jwt      middleware.JWTConfig
		inflight sync.Map // {accountID method path: struct{}}
		shutdown chan os.Signal
		errors   chan error
	}
)

func NewServer(conf *core.Config, logger core.Logger, deps *Deps) *Server {
	vala.BeginValidation().Validate(
		core.NotNil(conf, "conf"),
		core.NotNil(deps, "deps"),
		core.NotNil(deps.AccountSvc, "deps.AccountSvc"),
		core.NotNil(deps.LectureSvc, "deps.LectureSvc"),
		core.NotNil(deps.SubjectSvc, "deps.SubjectSvc"),
		core.NotNil(deps.AnnouncementSvc, "deps.AnnouncementSvc"),
	).CheckAndPanic()
	if logger == nil {
		logger = core.NopLogger{}
	}

	s := &Server{
		conf:     conf,
		logger:   logger,
		deps:     deps,
		app:      echo.New(),
		shutdown: make(chan os.Signal, 1),
		errors:   make(chan error, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.conf.Server.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(s.conf.Debug || s.conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.logger, s.signalShutdown)
	s.app.Debug = s.conf.Debug

	s.app.GET("/", s.home)
	if s.deps.Media != nil {
		s.app.GET("/media/*", echo.WrapHandler(http.StripPrefix("/media", s.deps.Media)))
	}

	s.jwt = newJWTConfig(s.conf)
	jwt := middleware.JWTWithConfig(s.jwt)
	authed := []echo.MiddlewareFunc{jwt, accountMiddleware(s.deps.AccountSvc)}

	v1 := s.app.Group("/v1")
	registerAccountAPI(v1, s, authed)
	registerLectureAPI(v1, s, authed)
	registerSubjectAPI(v1, s, authed)
	registerAnnouncementAPI(v1, s, authed)
	registerLiveAPI(v1, s)
}

func (s *Server) Start() {
	if err := s.app.Start(s.conf.Server.Host); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

// Errors delivers a fatal listener error.
func (s *Server) Errors() <-chan error { return s.errors }

// ShutdownSignal delivers SIGINT, SIGTERM or an internal shutdown request.
func (s *Server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.conf.AppName+" API!")
}
