package setops

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/storage/database/memdb"
)

var listRef = core.Ref{Collection: core.CollSubjects, ID: "list", Field: "items"}

func setup(t *testing.T, items ...string) *memdb.DB {
	db, err := memdb.Open(memdb.Options{})
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	if _, err := db.Create(context.Background(), listRef.Collection, listRef.ID, core.Fields{listRef.Field: items}); err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	return db
}

func listItems(t *testing.T, db *memdb.DB) []string {
	doc, err := db.Get(context.Background(), listRef.Collection, listRef.ID)
	require.NoError(t, err)
	return Strings(core.ArrayValues(doc.Fields, listRef.Field))
}

func TestAddToSet_Concurrent(t *testing.T) {
	ctx := context.Background()
	db := setup(t, "Physics")

	var wg sync.WaitGroup
	for _, s := range []string{"Chemistry", "Biology"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			assert.NoError(t, AddToSet(ctx, db, listRef, s))
		}(s)
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"Physics", "Chemistry", "Biology"}, listItems(t, db))
}

func TestAddToListFold(t *testing.T) {
	ctx := context.Background()
	less := func(a, b string) bool { return strings.ToLower(a) < strings.ToLower(b) }

	t.Run("case variants race", func(t *testing.T) {
		db := setup(t, "Physics")

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for _, name := range []string{"Physics Lab", "physics lab", "PHYSICS LAB"} {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				err := AddToListFold(ctx, db, listRef, name, less)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}(name)
		}
		wg.Wait()

		var added int
		for _, err := range errs {
			if err == nil {
				added++
			} else {
				assert.True(t, errors.Is(err, core.ErrDuplicateKey), "err = %v", err)
			}
		}
		assert.Equal(t, 1, added)
		assert.Len(t, listItems(t, db), 2)
	})

	t.Run("distinct names all land", func(t *testing.T) {
		db := setup(t, "Physics")

		var wg sync.WaitGroup
		for _, name := range []string{"Chemistry", "Biology"} {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				assert.NoError(t, AddToListFold(ctx, db, listRef, name, less))
			}(name)
		}
		wg.Wait()
		assert.Equal(t, []string{"Biology", "Chemistry", "Physics"}, listItems(t, db))
	})

	t.Run("missing list", func(t *testing.T) {
		db := setup(t)
		err := AddToListFold(ctx, db, core.Ref{Collection: core.CollSubjects, ID: "missing", Field: "items"}, "Art", less)
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})
}

func TestRemoveFromSet(t *testing.T) {
	ctx := context.Background()
	db := setup(t, "Physics", "History")

	require.NoError(t, RemoveFromSet(ctx, db, listRef, "History"))
	require.NoError(t, RemoveFromSet(ctx, db, listRef, "History"))
	assert.Equal(t, []string{"Physics"}, listItems(t, db))

	err := RemoveFromSet(ctx, db, core.Ref{Collection: core.CollSubjects, ID: "missing", Field: "items"}, "x")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestRenameInList(t *testing.T) {
	ctx := context.Background()
	less := func(a, b string) bool { return strings.ToLower(a) < strings.ToLower(b) }

	tests := []struct {
		name      string
		old, new  string
		wantErr   error
		wantItems []string
	}{
		{name: "rename and sort", old: "Physics", new: "Astronomy", wantItems: []string{"Astronomy", "Chemistry", "History"}},
		{name: "case only change", old: "Physics", new: "PHYSICS", wantItems: []string{"Chemistry", "History", "PHYSICS"}},
		{name: "missing", old: "Art", new: "Music", wantErr: core.ErrNotFound, wantItems: []string{"Physics", "Chemistry", "History"}},
		{name: "collision ignoring case", old: "Physics", new: "chemistry", wantErr: core.ErrConflict, wantItems: []string{"Physics", "Chemistry", "History"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setup(t, "Physics", "Chemistry", "History")
			err := RenameInList(ctx, db, listRef, tt.old, tt.new, less)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "err = %v; want %v", err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantItems, listItems(t, db))
		})
	}
}

func TestToggleMembership(t *testing.T) {
	ctx := context.Background()
	db, err := memdb.Open(memdb.Options{})
	require.NoError(t, err)
	_, err = db.Create(ctx, core.CollLectures, "l1", core.Fields{"topic": "Optics"})
	require.NoError(t, err)

	toggle := func(actor string) bool {
		member, err := ToggleMembership(ctx, db, core.CollLectures, "l1", "likedBy", "likers", actor,
			map[string]string{"id": actor, "name": "Name " + actor})
		require.NoError(t, err)
		return member
	}
	state := func() (ids []string, names []interface{}) {
		doc, err := db.Get(ctx, core.CollLectures, "l1")
		require.NoError(t, err)
		for _, l := range core.ArrayValues(doc.Fields, "likers") {
			names = append(names, l.(map[string]interface{})["name"])
		}
		return Strings(core.ArrayValues(doc.Fields, "likedBy")), names
	}

	assert.True(t, toggle("a"))
	assert.True(t, toggle("b"))
	ids, names := state()
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, []interface{}{"Name a", "Name b"}, names)

	// toggling twice restores the original state
	assert.False(t, toggle("a"))
	ids, names = state()
	assert.Equal(t, []string{"b"}, ids)
	assert.Equal(t, []interface{}{"Name b"}, names)

	_, err = ToggleMembership(ctx, db, core.CollLectures, "gone", "likedBy", "likers", "a", nil)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestToggleMembership_ConcurrentActors(t *testing.T) {
	ctx := context.Background()
	db, err := memdb.Open(memdb.Options{TxMaxAttempts: 50})
	require.NoError(t, err)
	_, err = db.Create(ctx, core.CollLectures, "l1", core.Fields{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	actors := []string{"a", "b", "c", "d"}
	for _, a := range actors {
		wg.Add(1)
		go func(a string) {
			defer wg.Done()
			_, err := ToggleMembership(ctx, db, core.CollLectures, "l1", "likedBy", "likers", a, map[string]string{"id": a})
			assert.NoError(t, err)
		}(a)
	}
	wg.Wait()

	doc, err := db.Get(ctx, core.CollLectures, "l1")
	require.NoError(t, err)
	assert.ElementsMatch(t, actors, Strings(core.ArrayValues(doc.Fields, "likedBy")))
	assert.Len(t, core.ArrayValues(doc.Fields, "likers"), len(actors))
}
