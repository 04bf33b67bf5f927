package lecture

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/realtime"
	"github.com/trezcool/lecturelog/core/setops"
)

const (
	likedByField = "likedBy"
	likersField  = "likers"
)

type (
	Repository interface {
		CreateLecture(ctx context.Context, l Lecture) (Lecture, error)
		GetLecture(ctx context.Context, id string) (Lecture, error)
		QueryLectures(ctx context.Context, filter QueryFilter) ([]Lecture, error)
		// SetStatus changes status (and remark, unless empty) in a transaction; core.ErrNotFound if gone.
		SetStatus(ctx context.Context, id, status, remark string) (Lecture, error)
		UpdateFields(ctx context.Context, id string, fields core.Fields) error
		DeleteLecture(ctx context.Context, id string) error
		ToggleLike(ctx context.Context, id string, liker Liker) (bool, error)
		SubscribeLectures(ctx context.Context, filter QueryFilter, fn func([]Lecture), opts ...realtime.Options) (*realtime.Subscription, error)
	}

	repository struct {
		store core.DocStore
	}

	// record is the stored shape of a Lecture. Legacy records only carry ImageURL.
	record struct {
		StudentID   string       `json:"studentId"`
		StudentName string       `json:"studentName"`
		RollNo      string       `json:"rollNo"`
		Subject     string       `json:"subject"`
		Topic       string       `json:"topic"`
		Description string       `json:"description,omitempty"`
		ImageURL    string       `json:"imageURL,omitempty"`
		Attachments []Attachment `json:"attachments,omitempty"`
		Date        string       `json:"date"`
		Timestamp   int64        `json:"timestamp"`
		Status      string       `json:"status"`
		AdminRemark string       `json:"adminRemark,omitempty"`
		LikedBy     []string     `json:"likedBy"`
		Likers      []Liker      `json:"likers"`
	}
)

var _ Repository = (*repository)(nil) // interface compliance check

func NewRepository(store core.DocStore) Repository {
	return &repository{store: store}
}

func toFields(l Lecture) (core.Fields, error) {
	return core.EncodeFields(record{
		StudentID:   l.OwnerID,
		StudentName: l.OwnerName,
		RollNo:      l.RollNo,
		Subject:     l.Subject,
		Topic:       l.Topic,
		Description: l.Description,
		Attachments: l.Attachments,
		Date:        l.Date,
		Timestamp:   l.Timestamp,
		Status:      l.Status,
		AdminRemark: l.AdminRemark,
		LikedBy:     nonNilStrings(l.LikedBy),
		Likers:      nonNilLikers(l.Likers),
	})
}

// fromDocument is the read boundary: legacy single-image records come out with a
// one-element attachment list, indistinguishable from native ones.
func fromDocument(doc core.Document) (Lecture, error) {
	var rec record
	if err := core.DecodeFields(doc.Fields, &rec); err != nil {
		return Lecture{}, errors.Wrapf(err, "decoding lecture %s", doc.ID)
	}
	l := Lecture{
		ID:          doc.ID,
		OwnerID:     rec.StudentID,
		OwnerName:   rec.StudentName,
		RollNo:      rec.RollNo,
		Subject:     rec.Subject,
		Topic:       rec.Topic,
		Description: rec.Description,
		Attachments: rec.Attachments,
		Date:        rec.Date,
		Timestamp:   rec.Timestamp,
		Status:      rec.Status,
		AdminRemark: rec.AdminRemark,
		LikedBy:     nonNilStrings(rec.LikedBy),
		Likers:      nonNilLikers(rec.Likers),
	}
	if len(l.Attachments) == 0 && rec.ImageURL != "" {
		l.Attachments = []Attachment{legacyAttachment(rec.ImageURL)}
	}
	if l.Attachments == nil {
		l.Attachments = []Attachment{}
	}
	if l.Status == "" {
		l.Status = StatusPending
	}
	return l, nil
}

func fromDocuments(docs []core.Document) ([]Lecture, error) {
	lectures := make([]Lecture, 0, len(docs))
	for _, doc := range docs {
		l, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		lectures = append(lectures, l)
	}
	return lectures, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilLikers(s []Liker) []Liker {
	if s == nil {
		return []Liker{}
	}
	return s
}

func (repo *repository) CreateLecture(ctx context.Context, l Lecture) (Lecture, error) {
	fields, err := toFields(l)
	if err != nil {
		return Lecture{}, err
	}
	doc, err := repo.store.Create(ctx, core.CollLectures, l.ID, fields)
	if err != nil {
		return Lecture{}, err
	}
	return fromDocument(doc)
}

func (repo *repository) GetLecture(ctx context.Context, id string) (Lecture, error) {
	doc, err := repo.store.Get(ctx, core.CollLectures, id)
	if err != nil {
		return Lecture{}, err
	}
	return fromDocument(doc)
}

func (repo *repository) QueryLectures(ctx context.Context, filter QueryFilter) ([]Lecture, error) {
	q := filter.query()
	docs, err := repo.store.Query(ctx, core.CollLectures, q)
	if errors.Is(err, core.ErrOrderingUnsupported) {
		docs, err = repo.store.Query(ctx, core.CollLectures, q.Unordered())
		docs = core.ApplyQuery(docs, q)
	}
	if err != nil {
		return nil, err
	}
	return fromDocuments(docs)
}

func (repo *repository) SetStatus(ctx context.Context, id, status, remark string) (Lecture, error) {
	var l Lecture
	err := repo.store.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
		doc, err := tx.Get(ctx, core.CollLectures, id)
		if err != nil {
			return err
		}
		fields := core.Fields{"status": status}
		if remark != "" {
			fields["adminRemark"] = remark
		}
		if l, err = fromDocument(doc); err != nil {
			return err
		}
		l.Status = status
		if remark != "" {
			l.AdminRemark = remark
		}
		return tx.Update(core.CollLectures, id, fields)
	})
	if err != nil {
		return Lecture{}, err
	}
	return l, nil
}

func (repo *repository) UpdateFields(ctx context.Context, id string, fields core.Fields) error {
	return repo.store.Update(ctx, core.CollLectures, id, fields)
}

func (repo *repository) DeleteLecture(ctx context.Context, id string) error {
	return repo.store.Delete(ctx, core.CollLectures, id)
}

func (repo *repository) ToggleLike(ctx context.Context, id string, liker Liker) (bool, error) {
	return setops.ToggleMembership(ctx, repo.store, core.CollLectures, id, likedByField, likersField, liker.ID, liker)
}

func (repo *repository) SubscribeLectures(ctx context.Context, filter QueryFilter, fn func([]Lecture), opts ...realtime.Options) (*realtime.Subscription, error) {
	logger := realtime.LoggerOf(opts...)
	return realtime.Subscribe(ctx, repo.store, core.CollLectures, filter.query(), func(docs []core.Document) {
		lectures, err := fromDocuments(docs)
		if err != nil {
			logger.Error("decoding lectures snapshot", err)
			return
		}
		fn(lectures)
	}, opts...)
}
