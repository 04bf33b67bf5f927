package announcement

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/realtime"
	"github.com/trezcool/lecturelog/core/setops"
)

const readByField = "readBy"

type (
	Repository interface {
		CreateAnnouncement(ctx context.Context, a Announcement) (Announcement, error)
		GetAnnouncement(ctx context.Context, id string) (Announcement, error)
		QueryAnnouncements(ctx context.Context) ([]Announcement, error)
		SetMessage(ctx context.Context, id, message string) error
		DeleteAnnouncement(ctx context.Context, id string) error
		AddReader(ctx context.Context, id, accountID string) error
		SubscribeAnnouncements(ctx context.Context, fn func([]Announcement), opts ...realtime.Options) (*realtime.Subscription, error)
	}

	repository struct {
		store core.DocStore
	}

	record struct {
		Message      string   `json:"message"`
		Audience     string   `json:"audience"`
		AudienceName string   `json:"audienceName,omitempty"`
		CreatedBy    string   `json:"createdBy"`
		Date         string   `json:"date"`
		Timestamp    int64    `json:"timestamp"`
		ReadBy       []string `json:"readBy"`
	}
)

var _ Repository = (*repository)(nil) // interface compliance check

func NewRepository(store core.DocStore) Repository {
	return &repository{store: store}
}

var newestFirst = core.Query{}.OrderedBy("timestamp", false)

func toFields(a Announcement) (core.Fields, error) {
	readBy := a.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return core.EncodeFields(record{
		Message:      a.Message,
		Audience:     a.Audience,
		AudienceName: a.AudienceLabel,
		CreatedBy:    a.AuthorLabel,
		Date:         a.Date,
		Timestamp:    a.Timestamp,
		ReadBy:       readBy,
	})
}

func fromDocument(doc core.Document) (Announcement, error) {
	var rec record
	if err := core.DecodeFields(doc.Fields, &rec); err != nil {
		return Announcement{}, errors.Wrapf(err, "decoding announcement %s", doc.ID)
	}
	a := Announcement{
		ID:            doc.ID,
		Message:       rec.Message,
		Audience:      rec.Audience,
		AudienceLabel: rec.AudienceName,
		AuthorLabel:   rec.CreatedBy,
		Date:          rec.Date,
		Timestamp:     rec.Timestamp,
		ReadBy:        rec.ReadBy,
	}
	if a.ReadBy == nil {
		a.ReadBy = []string{}
	}
	return a, nil
}

func fromDocuments(docs []core.Document) ([]Announcement, error) {
	anns := make([]Announcement, 0, len(docs))
	for _, doc := range docs {
		a, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		anns = append(anns, a)
	}
	return anns, nil
}

func (repo *repository) CreateAnnouncement(ctx context.Context, a Announcement) (Announcement, error) {
	fields, err := toFields(a)
	if err != nil {
		return Announcement{}, err
	}
	doc, err := repo.store.Create(ctx, core.CollAnnouncements, a.ID, fields)
	if err != nil {
		return Announcement{}, err
	}
	return fromDocument(doc)
}

func (repo *repository) GetAnnouncement(ctx context.Context, id string) (Announcement, error) {
	doc, err := repo.store.Get(ctx, core.CollAnnouncements, id)
	if err != nil {
		return Announcement{}, err
	}
	return fromDocument(doc)
}

func (repo *repository) QueryAnnouncements(ctx context.Context) ([]Announcement, error) {
	docs, err := repo.store.Query(ctx, core.CollAnnouncements, newestFirst)
	if errors.Is(err, core.ErrOrderingUnsupported) {
		docs, err = repo.store.Query(ctx, core.CollAnnouncements, newestFirst.Unordered())
		docs = core.ApplyQuery(docs, newestFirst)
	}
	if err != nil {
		return nil, err
	}
	return fromDocuments(docs)
}

func (repo *repository) SetMessage(ctx context.Context, id, message string) error {
	return repo.store.Update(ctx, core.CollAnnouncements, id, core.Fields{"message": message})
}

func (repo *repository) DeleteAnnouncement(ctx context.Context, id string) error {
	return repo.store.Delete(ctx, core.CollAnnouncements, id)
}

func (repo *repository) AddReader(ctx context.Context, id, accountID string) error {
	ref := core.Ref{Collection: core.CollAnnouncements, ID: id, Field: readByField}
	return setops.AddToSet(ctx, repo.store, ref, accountID)
}

func (repo *repository) SubscribeAnnouncements(ctx context.Context, fn func([]Announcement), opts ...realtime.Options) (*realtime.Subscription, error) {
	logger := realtime.LoggerOf(opts...)
	return realtime.Subscribe(ctx, repo.store, core.CollAnnouncements, newestFirst, func(docs []core.Document) {
		anns, err := fromDocuments(docs)
		if err != nil {
			logger.Error("decoding announcements snapshot", err)
			return
		}
		fn(anns)
	}, opts...)
}
