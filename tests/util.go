// Package testutil wires every service on top of an in-memory store. For tests.
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/announcement"
	"github.com/trezcool/lecturelog/core/lecture"
	"github.com/trezcool/lecturelog/core/media"
	"github.com/trezcool/lecturelog/core/subject"
	"github.com/trezcool/lecturelog/services/email"
	"github.com/trezcool/lecturelog/storage/database"
	"github.com/trezcool/lecturelog/storage/database/memdb"
)

// App holds one fully wired set of services sharing a fresh store.
type App struct {
	Conf     *core.Config
	Store    *memdb.DB
	Mail     *emailsvc.ConsoleServiceMock
	Uploader *media.UploaderMock

	AccountRepo     account.Repository
	LectureRepo     lecture.Repository
	AccountSvc      account.Service
	LectureSvc      lecture.Service
	SubjectSvc      subject.Service
	AnnouncementSvc announcement.Service
}

func NewApp(t testing.TB) *App {
	t.Helper()
	conf := core.NewTestConfig()
	db, err := memdb.Open(memdb.Options{Uniques: database.Uniques()})
	if err != nil {
		t.Fatalf("NewApp() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	app := &App{
		Conf:        conf,
		Store:       db,
		Mail:        emailsvc.NewConsoleServiceMock(conf),
		Uploader:    new(media.UploaderMock),
		AccountRepo: account.NewRepository(db),
		LectureRepo: lecture.NewRepository(db),
	}
	app.LectureSvc = lecture.NewService(app.LectureRepo, subject.NewService(db, nil), app.Uploader, conf.Media.MaxBatchBytes)
	app.SubjectSvc = subject.NewService(db, app.LectureSvc)
	app.AccountSvc = account.NewService(app.AccountRepo, app.Mail, app.LectureSvc)
	app.AnnouncementSvc = announcement.NewService(announcement.NewRepository(db), app.AccountSvc, app.Mail)

	if err := app.SubjectSvc.Seed(context.Background()); err != nil {
		t.Fatalf("NewApp() failed: %v", err)
	}
	return app
}

// CreateAccount stores an account with the given role and status, bypassing validation.
func (app *App) CreateAccount(t testing.TB, name, username, pwd, role, status string, createdAt ...time.Time) account.Account {
	t.Helper()
	return account.CreateAccount(t, app.AccountRepo, name, username, pwd, role, status, createdAt...)
}

// CreateStudent stores an active student.
func (app *App) CreateStudent(t testing.TB, name, username string) account.Account {
	t.Helper()
	return app.CreateAccount(t, name, username, "", account.RoleStudent, account.StatusActive)
}

// CreateAdmin stores an active admin.
func (app *App) CreateAdmin(t testing.TB, name, username string) account.Account {
	t.Helper()
	return app.CreateAccount(t, name, username, "", account.RoleAdmin, account.StatusActive)
}

// SubmitLecture submits a one-file lecture on behalf of owner.
func (app *App) SubmitLecture(t testing.TB, owner account.Account, subj, topic string) lecture.Lecture {
	t.Helper()
	l, err := app.LectureSvc.Submit(context.Background(), owner, lecture.NewLecture{
		Subject: subj,
		Topic:   topic,
		Files:   []media.File{{Name: "notes.pdf", MimeType: "application/pdf", Size: 4, Content: strings.NewReader("%PDF")}},
	})
	if err != nil {
		t.Fatalf("SubmitLecture() failed: %v", err)
	}
	return l
}
