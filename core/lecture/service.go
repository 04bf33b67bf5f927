package lecture

import (
	"context"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/media"
	"github.com/trezcool/lecturelog/core/realtime"
)

var (
	// errors
	ErrUnknownSubject      = errors.New("unknown subject")
	ErrAttachmentNotFound  = errors.New("attachment not found")
	ErrSubmissionForbidden = errors.New("only active students may submit lectures")
)

type (
	// Subjects is the part of the subject list a submission is checked against.
	Subjects interface {
		Exists(ctx context.Context, name string) (bool, error)
	}

	Service interface {
		// Submit uploads every file, then stores a pending lecture referencing them.
		// Nothing is stored when any upload fails (core.ErrUploadFailed).
		Submit(ctx context.Context, owner account.Account, nl NewLecture) (Lecture, error)
		Get(ctx context.Context, id string) (Lecture, error)
		// Query lists the lectures matching filter that viewer may see, newest first.
		Query(ctx context.Context, viewer account.Account, filter QueryFilter) ([]Lecture, error)
		Approve(ctx context.Context, id, remark string) (Lecture, error)
		Reject(ctx context.Context, id, remark string) (Lecture, error)
		Delete(ctx context.Context, id string) error
		// ToggleLike likes or unlikes the lecture for liker; returns whether it is now liked.
		ToggleLike(ctx context.Context, id string, liker account.Account) (bool, error)
		RenameSubject(ctx context.Context, oldName, newName string) (int, error)
		RenameOwner(ctx context.Context, ownerID, name string) error
		// DownloadURL returns the forced-download URL of one attachment.
		DownloadURL(ctx context.Context, id, attachmentID string) (string, error)
		Subscribe(ctx context.Context, viewer account.Account, filter QueryFilter, fn func([]Lecture), opts ...realtime.Options) (*realtime.Subscription, error)
	}

	service struct {
		repo          Repository
		subjects      Subjects
		uploader      media.Uploader
		maxBatchBytes int64
	}
)

var (
	_ Service              = (*service)(nil)
	_ account.OwnerRenamer = (*service)(nil)
)

func NewService(repo Repository, subjects Subjects, uploader media.Uploader, maxBatchBytes int64) Service {
	vala.BeginValidation().Validate(
		core.NotNil(repo, "repo"),
		core.NotNil(uploader, "uploader"),
	).CheckAndPanic()
	return &service{repo: repo, subjects: subjects, uploader: uploader, maxBatchBytes: maxBatchBytes}
}

func (svc *service) Submit(ctx context.Context, owner account.Account, nl NewLecture) (Lecture, error) {
	if !owner.IsActive() {
		return Lecture{}, core.NewValidationError(ErrSubmissionForbidden)
	}
	if err := nl.Validate(); err != nil {
		return Lecture{}, err
	}
	if svc.subjects != nil {
		ok, err := svc.subjects.Exists(ctx, nl.Subject)
		if err != nil {
			return Lecture{}, errors.Wrap(err, "checking subject")
		}
		if !ok {
			return Lecture{}, core.NewValidationError(ErrUnknownSubject, core.FieldError{Field: "subject", Error: ErrUnknownSubject.Error()})
		}
	}
	if err := media.CheckBatch(nl.Files, svc.maxBatchBytes); err != nil {
		return Lecture{}, err
	}

	uploaded, err := media.UploadBatch(ctx, svc.uploader, nl.Files, nl.Topic)
	if err != nil {
		return Lecture{}, err
	}
	attachments := make([]Attachment, 0, len(uploaded))
	for _, up := range uploaded {
		attachments = append(attachments, Attachment{
			ID:       core.NewID(),
			URL:      up.URL,
			Name:     up.Name,
			Kind:     up.Kind,
			MimeType: up.MimeType,
		})
	}

	l, err := svc.repo.CreateLecture(ctx, Lecture{
		ID:          core.NewID(),
		OwnerID:     owner.ID,
		OwnerName:   owner.Name,
		RollNo:      owner.Username,
		Subject:     nl.Subject,
		Topic:       nl.Topic,
		Description: nl.Description,
		Attachments: attachments,
		Date:        nl.Date,
		Timestamp:   core.NowMillis(),
		Status:      StatusPending,
	})
	return l, errors.Wrap(err, "creating lecture")
}

func (svc *service) Get(ctx context.Context, id string) (Lecture, error) {
	return svc.repo.GetLecture(ctx, id)
}

func (svc *service) Query(ctx context.Context, viewer account.Account, filter QueryFilter) ([]Lecture, error) {
	filter.Clean()
	lectures, err := svc.repo.QueryLectures(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "querying lectures")
	}
	return visible(viewer, lectures), nil
}

func visible(viewer account.Account, lectures []Lecture) []Lecture {
	if viewer.IsAdmin() {
		return lectures
	}
	out := make([]Lecture, 0, len(lectures))
	for _, l := range lectures {
		if l.VisibleTo(viewer) {
			out = append(out, l)
		}
	}
	return out
}

func (svc *service) Approve(ctx context.Context, id, remark string) (Lecture, error) {
	l, err := svc.repo.SetStatus(ctx, id, StatusApproved, core.CleanString(remark))
	return l, errors.Wrap(err, "approving lecture")
}

func (svc *service) Reject(ctx context.Context, id, remark string) (Lecture, error) {
	l, err := svc.repo.SetStatus(ctx, id, StatusRejected, core.CleanString(remark))
	return l, errors.Wrap(err, "rejecting lecture")
}

func (svc *service) Delete(ctx context.Context, id string) error {
	return errors.Wrap(svc.repo.DeleteLecture(ctx, id), "deleting lecture")
}

func (svc *service) ToggleLike(ctx context.Context, id string, liker account.Account) (bool, error) {
	return svc.repo.ToggleLike(ctx, id, Liker{ID: liker.ID, Name: liker.Name})
}

// RenameSubject moves every lecture filed under oldName to newName, one update at a time.
func (svc *service) RenameSubject(ctx context.Context, oldName, newName string) (int, error) {
	return svc.updateWhere(ctx, QueryFilter{Subject: oldName}, core.Fields{"subject": newName})
}

// RenameOwner refreshes the owner name shown on every lecture of ownerID.
func (svc *service) RenameOwner(ctx context.Context, ownerID, name string) error {
	_, err := svc.updateWhere(ctx, QueryFilter{OwnerID: ownerID}, core.Fields{"studentName": name})
	return err
}

func (svc *service) updateWhere(ctx context.Context, filter QueryFilter, fields core.Fields) (int, error) {
	lectures, err := svc.repo.QueryLectures(ctx, filter)
	if err != nil {
		return 0, errors.Wrap(err, "querying lectures")
	}
	var n int
	for _, l := range lectures {
		err := svc.repo.UpdateFields(ctx, l.ID, fields)
		switch {
		case errors.Is(err, core.ErrNotFound):
			// deleted meanwhile
		case err != nil:
			return n, errors.Wrapf(err, "updating lecture %s", l.ID)
		default:
			n++
		}
	}
	return n, nil
}

func (svc *service) DownloadURL(ctx context.Context, id, attachmentID string) (string, error) {
	l, err := svc.repo.GetLecture(ctx, id)
	if err != nil {
		return "", err
	}
	for _, a := range l.Attachments {
		if a.ID == attachmentID {
			return svc.uploader.ForceDownloadURL(a.URL, a.Name), nil
		}
	}
	return "", errors.Wrap(core.ErrNotFound, ErrAttachmentNotFound.Error())
}

func (svc *service) Subscribe(ctx context.Context, viewer account.Account, filter QueryFilter, fn func([]Lecture), opts ...realtime.Options) (*realtime.Subscription, error) {
	filter.Clean()
	return svc.repo.SubscribeLectures(ctx, filter, func(lectures []Lecture) {
		fn(visible(viewer, lectures))
	}, opts...)
}
