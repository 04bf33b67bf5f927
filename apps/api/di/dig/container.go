package dig_container

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/lecturelog/apps/api/echo"
	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/announcement"
	"github.com/trezcool/lecturelog/core/lecture"
	"github.com/trezcool/lecturelog/core/media"
	"github.com/trezcool/lecturelog/core/subject"
	emailsvc "github.com/trezcool/lecturelog/services/email"
	logsvc "github.com/trezcool/lecturelog/services/logger"
	"github.com/trezcool/lecturelog/storage/database"
	"github.com/trezcool/lecturelog/storage/media/b2store"
	"github.com/trezcool/lecturelog/storage/media/diskstore"
)

type (
	StoreLoggerParam struct {
		dig.In
		Logger core.Logger `name:"storeLogger"`
	}

	// MediaParam carries the uploader and, for disk storage, the handler serving the files.
	MediaParam struct {
		dig.Out
		Uploader media.Uploader
		Handler  http.Handler `name:"mediaHandler"`
	}

	servicesParam struct {
		dig.In
		Accounts      account.Service
		Lectures      lecture.Service
		Subjects      subject.Service
		Announcements announcement.Service
		Media         http.Handler `name:"mediaHandler" optional:"true"`
	}
)

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newStoreLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "STORE : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newStore(conf *core.Config, loggerParam StoreLoggerParam) core.DocStore {
	setUp := func() (core.DocStore, error) {
		if err := database.Prepare(conf); err != nil {
			return nil, err
		}
		return database.Open(context.Background(), conf, loggerParam.Logger)
	}

	store, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up store: %v", err), err)
	}
	return store
}

func newMedia(conf *core.Config, logger core.Logger) MediaParam {
	if conf.Media.Engine == "b2" {
		store, err := b2store.Open(context.Background(), conf.Media.B2KeyID, conf.Media.B2AppKey, conf.Media.B2Bucket)
		if err != nil {
			logger.Fatal(fmt.Sprintf("opening B2 bucket: %v", err), err)
		}
		return MediaParam{Uploader: store}
	}

	store, err := diskstore.New(conf.Media.DiskDir, conf.Media.DiskBaseURL)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening media dir: %v", err), err)
	}
	return MediaParam{Uploader: store, Handler: store.Handler()}
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf, logger, log.New(os.Stdout, "MAIL : ", log.LstdFlags))
	}
	return emailsvc.NewSendgridService(conf, logger)
}

// newLectureService breaks the lecture <-> subject cycle: submissions check names against
// a subject service without cascade.
func newLectureService(conf *core.Config, store core.DocStore, repo lecture.Repository, uploader media.Uploader) lecture.Service {
	return lecture.NewService(repo, subject.NewService(store, nil), uploader, conf.Media.MaxBatchBytes)
}

func newSubjectService(store core.DocStore, lectures lecture.Service) subject.Service {
	return subject.NewService(store, lectures)
}

func newAccountService(repo account.Repository, mailSvc core.EmailService, lectures lecture.Service) account.Service {
	return account.NewService(repo, mailSvc, lectures)
}

func newAnnouncementService(repo announcement.Repository, accounts account.Service, mailSvc core.EmailService) announcement.Service {
	return announcement.NewService(repo, accounts, mailSvc)
}

func newServer(conf *core.Config, logger core.Logger, svcs servicesParam) *echoapi.Server {
	return echoapi.NewServer(conf, logger, &echoapi.Deps{
		AccountSvc:      svcs.Accounts,
		LectureSvc:      svcs.Lectures,
		SubjectSvc:      svcs.Subjects,
		AnnouncementSvc: svcs.Announcements,
		Media:           svcs.Media,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newStoreLogger, dig.Name("storeLogger")))
	must(c.Provide(newStore))
	must(c.Provide(newMedia))
	must(c.Provide(newEmailService))
	must(c.Provide(account.NewRepository))
	must(c.Provide(lecture.NewRepository))
	must(c.Provide(announcement.NewRepository))
	must(c.Provide(newLectureService))
	must(c.Provide(newSubjectService))
	must(c.Provide(newAccountService))
	must(c.Provide(newAnnouncementService))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
