// Package subject manages the shared, case-insensitively unique list of subject names.
package subject

import (
	"context"
	"sort"
	"strings"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/realtime"
	"github.com/trezcool/lecturelog/core/setops"
)

// ListID is the id of the single record holding the list.
const ListID = "list"

const itemsField = "items"

var (
	Defaults = []string{
		"Physics",
		"Chemistry",
		"Mathematics",
		"Computer Science",
		"English Literature",
		"Biology",
		"History",
	}

	// errors
	ErrSubjectExists   = errors.New("Subject already exists")
	ErrSubjectNotFound = errors.New("Subject not found")
	ErrNameTaken       = errors.New("Subject name already exists")
	errNameRequired    = errors.New("Subject name is required")

	listRef = core.Ref{Collection: core.CollSubjects, ID: ListID, Field: itemsField}
)

type (
	// Renamer moves lectures filed under one subject to another and reports how many moved.
	Renamer interface {
		RenameSubject(ctx context.Context, oldName, newName string) (int, error)
	}

	Service interface {
		// Seed stores the default list when none exists (or it is empty).
		Seed(ctx context.Context) error
		List(ctx context.Context) ([]string, error)
		// Exists reports whether name is in the list, ignoring case.
		Exists(ctx context.Context, name string) (bool, error)
		Add(ctx context.Context, name string) error
		// Rename renames a subject and waits until every lecture filed under it has moved.
		Rename(ctx context.Context, oldName, newName string) (int, error)
		Remove(ctx context.Context, name string) error
		// Reset restores the defaults, discarding custom entries.
		Reset(ctx context.Context) error
		Subscribe(ctx context.Context, fn func([]string), opts ...realtime.Options) (*realtime.Subscription, error)
	}

	service struct {
		store   core.DocStore
		renamer Renamer
	}
)

var _ Service = (*service)(nil)

// NewService returns the subject service. renamer may be nil (no cascade).
func NewService(store core.DocStore, renamer Renamer) Service {
	vala.BeginValidation().Validate(
		core.NotNil(store, "store"),
	).CheckAndPanic()
	return &service{store: store, renamer: renamer}
}

// Sort orders names case-insensitively, the way they are displayed.
func Sort(names []string) {
	lessFn := less()
	sort.SliceStable(names, func(i, j int) bool { return lessFn(names[i], names[j]) })
}

func less() func(a, b string) bool {
	coll := collate.New(language.English, collate.IgnoreCase)
	return func(a, b string) bool { return coll.CompareString(a, b) < 0 }
}

func nameError(err error) error {
	return core.NewValidationError(err, core.FieldError{Field: "name", Error: err.Error()})
}

func itemsOf(doc core.Document) []string {
	items := setops.Strings(core.ArrayValues(doc.Fields, itemsField))
	Sort(items)
	return items
}

func defaults() []string {
	items := append([]string(nil), Defaults...)
	Sort(items)
	return items
}

func (svc *service) Seed(ctx context.Context) error {
	err := svc.store.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
		doc, err := tx.Get(ctx, core.CollSubjects, ListID)
		switch {
		case errors.Is(err, core.ErrNotFound):
		case err != nil:
			return err
		case len(core.ArrayValues(doc.Fields, itemsField)) > 0:
			return nil
		}
		return tx.Set(core.CollSubjects, ListID, core.Fields{itemsField: defaults()})
	})
	return errors.Wrap(err, "seeding subjects")
}

func (svc *service) List(ctx context.Context) ([]string, error) {
	doc, err := svc.store.Get(ctx, core.CollSubjects, ListID)
	if errors.Is(err, core.ErrNotFound) {
		return []string{}, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "getting subjects")
	}
	return itemsOf(doc), nil
}

func (svc *service) Exists(ctx context.Context, name string) (bool, error) {
	items, err := svc.List(ctx)
	if err != nil {
		return false, err
	}
	return setops.ContainsFold(items, core.CleanString(name)), nil
}

func (svc *service) Add(ctx context.Context, name string) error {
	name = core.CleanString(name)
	if name == "" {
		return nameError(errNameRequired)
	}
	if err := svc.Seed(ctx); err != nil {
		return err
	}
	err := setops.AddToListFold(ctx, svc.store, listRef, name, less())
	if errors.Is(err, core.ErrDuplicateKey) {
		return nameError(ErrSubjectExists)
	}
	return err
}

func (svc *service) Rename(ctx context.Context, oldName, newName string) (int, error) {
	newName = core.CleanString(newName)
	if newName == "" {
		return 0, nameError(errNameRequired)
	}
	items, err := svc.List(ctx)
	if err != nil {
		return 0, err
	}
	var found bool
	for _, item := range items {
		if item == oldName {
			found = true
		} else if strings.EqualFold(item, newName) {
			return 0, nameError(ErrNameTaken)
		}
	}
	if !found {
		return 0, errors.Wrap(core.ErrNotFound, ErrSubjectNotFound.Error())
	}
	if oldName == newName {
		return 0, nil
	}

	if err := setops.RenameInList(ctx, svc.store, listRef, oldName, newName, less()); err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			return 0, errors.Wrap(core.ErrNotFound, ErrSubjectNotFound.Error())
		case errors.Is(err, core.ErrConflict):
			// a concurrent writer may have added newName in the meantime
			if taken, _ := svc.Exists(ctx, newName); taken {
				return 0, nameError(ErrNameTaken)
			}
		}
		return 0, err
	}

	if svc.renamer == nil {
		return 0, nil
	}
	n, err := svc.renamer.RenameSubject(ctx, oldName, newName)
	return n, errors.Wrap(err, "moving lectures to renamed subject")
}

func (svc *service) Remove(ctx context.Context, name string) error {
	err := setops.RemoveFromSet(ctx, svc.store, listRef, name)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}

func (svc *service) Reset(ctx context.Context) error {
	return errors.Wrap(
		svc.store.Set(ctx, core.CollSubjects, ListID, core.Fields{itemsField: defaults()}),
		"resetting subjects",
	)
}

func (svc *service) Subscribe(ctx context.Context, fn func([]string), opts ...realtime.Options) (*realtime.Subscription, error) {
	// the list record may not exist yet, so watch the whole collection
	return realtime.Subscribe(ctx, svc.store, core.CollSubjects, core.Query{}, func(docs []core.Document) {
		for _, doc := range docs {
			if doc.ID == ListID {
				fn(itemsOf(doc))
				return
			}
		}
		fn([]string{})
	}, opts...)
}
