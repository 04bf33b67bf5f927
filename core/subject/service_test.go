package subject

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/storage/database/memdb"
)

type renamerMock struct {
	mu    sync.Mutex
	calls [][2]string
}

func (r *renamerMock) RenameSubject(_ context.Context, oldName, newName string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]string{oldName, newName})
	return 3, nil
}

func setup(t *testing.T) (Service, *memdb.DB, *renamerMock) {
	db, err := memdb.Open(memdb.Options{})
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	renamer := new(renamerMock)
	return NewService(db, renamer), db, renamer
}

func isValidation(t *testing.T, err, want error) {
	t.Helper()
	var verr *core.ValidationError
	if assert.True(t, errors.As(err, &verr), "err = %v; want *core.ValidationError", err) {
		assert.Equal(t, want, verr.Err)
	}
}

// valueStore is a DocStore implemented by a struct value.
type valueStore struct{ *memdb.DB }

func TestNewService(t *testing.T) {
	db, err := memdb.Open(memdb.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.NotPanics(t, func() { NewService(valueStore{db}, nil) })
	assert.Panics(t, func() { NewService(nil, nil) })
	assert.Panics(t, func() { NewService((*memdb.DB)(nil), nil) })
}

func TestSort(t *testing.T) {
	names := []string{"physics", "Biology", "Computer Science", "chemistry", "Art"}
	Sort(names)
	assert.Equal(t, []string{"Art", "Biology", "chemistry", "Computer Science", "physics"}, names)
}

func Test_service_Seed(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := setup(t)

	items, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, svc.Seed(ctx))
	items, err = svc.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, Defaults, items)

	// an existing non-empty list is left alone
	require.NoError(t, db.Set(ctx, core.CollSubjects, ListID, core.Fields{"items": []string{"Art"}}))
	require.NoError(t, svc.Seed(ctx))
	items, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Art"}, items)

	// an empty one is re-seeded
	require.NoError(t, db.Set(ctx, core.CollSubjects, ListID, core.Fields{"items": []string{}}))
	require.NoError(t, svc.Seed(ctx))
	items, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, len(Defaults))
}

func Test_service_Add(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	require.NoError(t, svc.Add(ctx, "  Astronomy "))
	items, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, items, "Astronomy")
	assert.Len(t, items, len(Defaults)+1)

	isValidation(t, svc.Add(ctx, "astronomy"), ErrSubjectExists)
	isValidation(t, svc.Add(ctx, "PHYSICS"), ErrSubjectExists)
	isValidation(t, svc.Add(ctx, "   "), errNameRequired)
}

func Test_service_AddConcurrently(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	var wg sync.WaitGroup
	for _, name := range []string{"Physics Lab", "Chemistry Lab"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, svc.Add(ctx, name))
		}(name)
	}
	wg.Wait()

	items, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, items, "Physics Lab")
	assert.Contains(t, items, "Chemistry Lab")
	assert.Len(t, items, len(Defaults)+2)
}

func Test_service_AddCaseVariantsConcurrently(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)
	require.NoError(t, svc.Seed(ctx))

	names := []string{"Physics Lab", "physics lab", "PHYSICS LAB", "Physics lab"}
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			errs[i] = svc.Add(ctx, name)
		}(i, name)
	}
	wg.Wait()

	var added int
	for _, err := range errs {
		if err == nil {
			added++
			continue
		}
		isValidation(t, err, ErrSubjectExists)
	}
	assert.Equal(t, 1, added)

	items, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, len(Defaults)+1)
}

func Test_service_Rename(t *testing.T) {
	ctx := context.Background()
	svc, _, renamer := setup(t)
	require.NoError(t, svc.Seed(ctx))

	n, err := svc.Rename(ctx, "Computer Science", "CS")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][2]string{{"Computer Science", "CS"}}, renamer.calls)

	items, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, items, "CS")
	assert.NotContains(t, items, "Computer Science")

	_, err = svc.Rename(ctx, "Alchemy", "Chemistry II")
	assert.True(t, errors.Is(err, core.ErrNotFound), "err = %v", err)

	_, err = svc.Rename(ctx, "CS", "physics")
	isValidation(t, err, ErrNameTaken)

	// changing only the case of the same entry is allowed
	_, err = svc.Rename(ctx, "CS", "cs")
	require.NoError(t, err)
	items, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, items, "cs")
}

func Test_service_RemoveAndReset(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	require.NoError(t, svc.Remove(ctx, "Physics"), "removing from a missing list is a no-op")

	require.NoError(t, svc.Add(ctx, "Astronomy"))
	require.NoError(t, svc.Remove(ctx, "Physics"))
	require.NoError(t, svc.Remove(ctx, "Physics"))

	items, err := svc.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, items, "Physics")
	assert.Contains(t, items, "Astronomy")

	require.NoError(t, svc.Reset(ctx))
	items, err = svc.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, Defaults, items)
}

func Test_service_Subscribe(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	got := make(chan []string, 8)
	sub, err := svc.Subscribe(ctx, func(items []string) { got <- items })
	require.NoError(t, err)
	defer sub.Cancel()

	next := func() []string {
		select {
		case items := <-got:
			return items
		case <-time.After(2 * time.Second):
			t.Fatal("no subjects snapshot")
		}
		return nil
	}
	assert.Empty(t, next())

	require.NoError(t, svc.Seed(ctx))
	assert.Len(t, next(), len(Defaults))
}
