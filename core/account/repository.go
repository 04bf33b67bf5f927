package account

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/realtime"
)

// Uniques lists the unique fields stores must enforce for accounts.
var Uniques = []core.UniqueIndex{{Collection: core.CollAccounts, Field: "username"}}

type (
	Repository interface {
		CreateAccount(ctx context.Context, acc Account) (Account, error)
		GetAccountByID(ctx context.Context, id string) (Account, error)
		GetAccountByUsername(ctx context.Context, username string) (Account, error)
		QueryAccounts(ctx context.Context, filter QueryFilter) ([]Account, error)
		// UpdateAccount writes every mutable field of acc; core.ErrNotFound if it is gone.
		UpdateAccount(ctx context.Context, acc Account) (Account, error)
		SetStatus(ctx context.Context, id, status string) error
		SetLastLogin(ctx context.Context, id string, at time.Time) error
		DeleteAccount(ctx context.Context, id string) error
		SubscribeAccounts(ctx context.Context, filter QueryFilter, fn func([]Account), opts ...realtime.Options) (*realtime.Subscription, error)
		SubscribeAccount(ctx context.Context, id string, fn func(*Account), opts ...realtime.Options) (*realtime.Subscription, error)
	}

	repository struct {
		store core.DocStore
	}

	// record is the stored shape of an Account.
	record struct {
		Name         string    `json:"name"`
		Username     string    `json:"username"`
		Email        string    `json:"email"`
		Role         string    `json:"role"`
		Status       string    `json:"status"`
		PasswordHash []byte    `json:"passwordHash"`
		CreatedAt    time.Time `json:"createdAt"`
		UpdatedAt    time.Time `json:"updatedAt"`
		LastLogin    time.Time `json:"lastLogin"`
	}
)

var _ Repository = (*repository)(nil) // interface compliance check

func NewRepository(store core.DocStore) Repository {
	return &repository{store: store}
}

func toFields(acc Account) (core.Fields, error) {
	return core.EncodeFields(record{
		Name:         acc.Name,
		Username:     acc.Username,
		Email:        acc.Email,
		Role:         acc.Role,
		Status:       acc.Status,
		PasswordHash: acc.PasswordHash,
		CreatedAt:    acc.CreatedAt.UTC(),
		UpdatedAt:    acc.UpdatedAt.UTC(),
		LastLogin:    acc.LastLogin.UTC(),
	})
}

func fromDocument(doc core.Document) (Account, error) {
	var rec record
	if err := core.DecodeFields(doc.Fields, &rec); err != nil {
		return Account{}, errors.Wrapf(err, "decoding account %s", doc.ID)
	}
	return Account{
		ID:           doc.ID,
		Name:         rec.Name,
		Username:     rec.Username,
		Email:        rec.Email,
		Role:         rec.Role,
		Status:       rec.Status,
		PasswordHash: rec.PasswordHash,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		LastLogin:    rec.LastLogin,
	}, nil
}

func fromDocuments(docs []core.Document) ([]Account, error) {
	accs := make([]Account, 0, len(docs))
	for _, doc := range docs {
		acc, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		accs = append(accs, acc)
	}
	return accs, nil
}

func (repo *repository) CreateAccount(ctx context.Context, acc Account) (Account, error) {
	fields, err := toFields(acc)
	if err != nil {
		return Account{}, err
	}
	doc, err := repo.store.Create(ctx, core.CollAccounts, acc.ID, fields)
	if err != nil {
		return Account{}, err
	}
	return fromDocument(doc)
}

func (repo *repository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	doc, err := repo.store.Get(ctx, core.CollAccounts, id)
	if err != nil {
		return Account{}, err
	}
	return fromDocument(doc)
}

func (repo *repository) GetAccountByUsername(ctx context.Context, username string) (Account, error) {
	q := core.Where("username", username)
	q.Limit = 1
	docs, err := repo.store.Query(ctx, core.CollAccounts, q)
	if err != nil {
		return Account{}, err
	}
	if len(docs) == 0 {
		return Account{}, errors.Wrapf(core.ErrNotFound, "account %q", username)
	}
	return fromDocument(docs[0])
}

func (repo *repository) QueryAccounts(ctx context.Context, filter QueryFilter) ([]Account, error) {
	q := filter.query()
	docs, err := repo.store.Query(ctx, core.CollAccounts, q)
	if errors.Is(err, core.ErrOrderingUnsupported) {
		docs, err = repo.store.Query(ctx, core.CollAccounts, q.Unordered())
		docs = core.ApplyQuery(docs, q)
	}
	if err != nil {
		return nil, err
	}
	return fromDocuments(docs)
}

func (repo *repository) UpdateAccount(ctx context.Context, acc Account) (Account, error) {
	fields, err := toFields(acc)
	if err != nil {
		return Account{}, err
	}
	delete(fields, "createdAt")
	if err := repo.store.Update(ctx, core.CollAccounts, acc.ID, fields); err != nil {
		return Account{}, err
	}
	return repo.GetAccountByID(ctx, acc.ID)
}

func (repo *repository) SetStatus(ctx context.Context, id, status string) error {
	return repo.store.Update(ctx, core.CollAccounts, id, core.Fields{
		"status":    status,
		"updatedAt": time.Now().UTC(),
	})
}

func (repo *repository) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	return repo.store.Update(ctx, core.CollAccounts, id, core.Fields{"lastLogin": at.UTC()})
}

func (repo *repository) DeleteAccount(ctx context.Context, id string) error {
	return repo.store.Delete(ctx, core.CollAccounts, id)
}

func (repo *repository) SubscribeAccounts(ctx context.Context, filter QueryFilter, fn func([]Account), opts ...realtime.Options) (*realtime.Subscription, error) {
	logger := realtime.LoggerOf(opts...)
	return realtime.Subscribe(ctx, repo.store, core.CollAccounts, filter.query(), func(docs []core.Document) {
		accs, err := fromDocuments(docs)
		if err != nil {
			logger.Error("decoding accounts snapshot", err)
			return
		}
		fn(accs)
	}, opts...)
}

func (repo *repository) SubscribeAccount(ctx context.Context, id string, fn func(*Account), opts ...realtime.Options) (*realtime.Subscription, error) {
	logger := realtime.LoggerOf(opts...)
	return realtime.SubscribeOne(ctx, repo.store, core.CollAccounts, id, func(doc *core.Document) {
		if doc == nil {
			fn(nil)
			return
		}
		acc, err := fromDocument(*doc)
		if err != nil {
			logger.Error("decoding account snapshot", err)
			return
		}
		fn(&acc)
	}, opts...)
}
