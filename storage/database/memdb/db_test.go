package memdb

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lecturelog/core"
)

func setup(t *testing.T, opts ...Options) *DB {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Uniques == nil {
		o.Uniques = []core.UniqueIndex{{Collection: core.CollAccounts, Field: "username"}}
	}
	db, err := Open(o)
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDB_Create(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	doc, err := db.Create(ctx, core.CollAccounts, "", core.Fields{"username": "cs101", "name": "Ada"})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, "Ada", doc.Get("name"))

	tests := []struct {
		name    string
		id      string
		fields  core.Fields
		wantErr error
	}{
		{name: "duplicate unique field", fields: core.Fields{"username": "cs101"}, wantErr: core.ErrDuplicateKey},
		{name: "duplicate id", id: doc.ID, fields: core.Fields{"username": "cs102"}, wantErr: core.ErrDuplicateKey},
		{name: "empty unique value is not indexed", fields: core.Fields{"username": ""}},
		{name: "other value", fields: core.Fields{"username": "cs103"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Create(ctx, core.CollAccounts, tt.id, tt.fields)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "err = %v; want %v", err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDB_CreateConcurrentUniqueness(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.Create(ctx, core.CollAccounts, "", core.Fields{"username": "same"}); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}

func TestDB_UpdateSetDelete(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	err := db.Update(ctx, core.CollLectures, "nope", core.Fields{"status": "approved"})
	assert.True(t, errors.Is(err, core.ErrNotFound))

	doc, err := db.Create(ctx, core.CollLectures, "l1", core.Fields{"topic": "Optics", "status": "pending"})
	require.NoError(t, err)

	require.NoError(t, db.Update(ctx, core.CollLectures, doc.ID, core.Fields{"status": "approved"}))
	got, err := db.Get(ctx, core.CollLectures, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved", got.Get("status"))
	assert.Equal(t, "Optics", got.Get("topic"))
	assert.Equal(t, int64(2), got.Version)

	require.NoError(t, db.Set(ctx, core.CollLectures, doc.ID, core.Fields{"topic": "Waves"}))
	got, err = db.Get(ctx, core.CollLectures, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Get("status"))
	assert.Equal(t, doc.CreatedAt, got.CreatedAt)
	assert.Equal(t, int64(3), got.Version)

	require.NoError(t, db.Delete(ctx, core.CollLectures, doc.ID))
	doc, err = db.Create(ctx, core.CollLectures, doc.ID, core.Fields{"topic": "Waves"})
	require.NoError(t, err)
	assert.Greater(t, doc.Version, got.Version, "versions are never reused")

	require.NoError(t, db.Delete(ctx, core.CollLectures, doc.ID))
	require.NoError(t, db.Delete(ctx, core.CollLectures, doc.ID), "delete must be idempotent")
	_, err = db.Get(ctx, core.CollLectures, doc.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestDB_ReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	doc, err := db.Create(ctx, core.CollSubjects, "list", core.Fields{"items": []string{"Physics"}})
	require.NoError(t, err)
	doc.Fields["items"] = []interface{}{"Hacked"}

	got, err := db.Get(ctx, core.CollSubjects, "list")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Physics"}, got.Get("items"))
}

func TestDB_Query(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	for i, topic := range []string{"b", "c", "a"} {
		_, err := db.Create(ctx, core.CollLectures, "", core.Fields{"topic": topic, "timestamp": i, "status": "approved"})
		require.NoError(t, err)
	}
	_, err := db.Create(ctx, core.CollLectures, "", core.Fields{"topic": "z", "timestamp": 9, "status": "pending"})
	require.NoError(t, err)

	topics := func(docs []core.Document) []interface{} {
		out := make([]interface{}, 0, len(docs))
		for _, d := range docs {
			out = append(out, d.Get("topic"))
		}
		return out
	}

	docs, err := db.Query(ctx, core.CollLectures, core.Where("status", "approved").OrderedBy("timestamp", false))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "c", "b"}, topics(docs))

	docs, err = db.Query(ctx, core.CollLectures, core.Query{OrderBy: []core.Ordering{{Field: "topic", Ascending: true}}, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, topics(docs))

	docs, err = db.Query(ctx, "unknown", core.Query{})
	require.NoError(t, err)
	assert.Empty(t, docs)

	noOrd := setup(t, Options{NoOrdering: true})
	_, err = noOrd.Query(ctx, core.CollLectures, core.Query{}.OrderedBy("timestamp", false))
	assert.True(t, errors.Is(err, core.ErrOrderingUnsupported))
}

func TestDB_ArrayOps(t *testing.T) {
	ctx := context.Background()
	db := setup(t)
	ref := core.Ref{Collection: core.CollSubjects, ID: "list", Field: "items"}

	err := db.ArrayUnion(ctx, ref, "Physics")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = db.Create(ctx, core.CollSubjects, "list", core.Fields{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, s := range []string{"Physics", "Chemistry", "Physics", "History"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			assert.NoError(t, db.ArrayUnion(ctx, ref, s))
		}(s)
	}
	wg.Wait()

	doc, err := db.Get(ctx, core.CollSubjects, "list")
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{"Physics", "Chemistry", "History"}, doc.Get("items"))

	require.NoError(t, db.ArrayRemove(ctx, ref, "Chemistry", "Unknown"))
	require.NoError(t, db.ArrayRemove(ctx, ref, "Chemistry"))
	doc, err = db.Get(ctx, core.CollSubjects, "list")
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{"Physics", "History"}, doc.Get("items"))
}

func TestDB_RunTransaction(t *testing.T) {
	ctx := context.Background()
	db := setup(t, Options{TxMaxAttempts: 3})

	_, err := db.Create(ctx, core.CollLectures, "l1", core.Fields{"likes": 0})
	require.NoError(t, err)

	t.Run("retries on conflict", func(t *testing.T) {
		var attempts int
		err := db.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
			attempts++
			doc, err := tx.Get(ctx, core.CollLectures, "l1")
			if err != nil {
				return err
			}
			if attempts == 1 {
				// concurrent writer sneaks in
				if err := db.Update(ctx, core.CollLectures, "l1", core.Fields{"other": true}); err != nil {
					return err
				}
			}
			n, _ := doc.Get("likes").(json.Number).Int64()
			return tx.Update(core.CollLectures, "l1", core.Fields{"likes": n + 1})
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)

		doc, err := db.Get(ctx, core.CollLectures, "l1")
		require.NoError(t, err)
		assert.True(t, core.ValuesEqual(doc.Get("likes"), 1))
		assert.Equal(t, true, doc.Get("other"))
	})

	t.Run("gives up with ErrConflict", func(t *testing.T) {
		var attempts int
		err := db.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
			attempts++
			if _, err := tx.Get(ctx, core.CollLectures, "l1"); err != nil {
				return err
			}
			if err := db.Update(ctx, core.CollLectures, "l1", core.Fields{"n": attempts}); err != nil {
				return err
			}
			return tx.Update(core.CollLectures, "l1", core.Fields{"never": true})
		})
		assert.True(t, errors.Is(err, core.ErrConflict))
		assert.Equal(t, 3, attempts)
	})

	t.Run("fn error aborts without writes", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
			if err := tx.Update(core.CollLectures, "l1", core.Fields{"aborted": true}); err != nil {
				return err
			}
			return boom
		})
		assert.Equal(t, boom, err)
		doc, err := db.Get(ctx, core.CollLectures, "l1")
		require.NoError(t, err)
		assert.Nil(t, doc.Get("aborted"))
	})

	t.Run("re-created document conflicts", func(t *testing.T) {
		_, err := db.Create(ctx, core.CollLectures, "l2", core.Fields{"likes": 0})
		require.NoError(t, err)

		var attempts int
		err = db.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
			attempts++
			if _, err := tx.Get(ctx, core.CollLectures, "l2"); err != nil {
				return err
			}
			if attempts == 1 {
				if err := db.Delete(ctx, core.CollLectures, "l2"); err != nil {
					return err
				}
				if _, err := db.Create(ctx, core.CollLectures, "l2", core.Fields{"likes": 0}); err != nil {
					return err
				}
			}
			return tx.Update(core.CollLectures, "l2", core.Fields{"likes": 1})
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts, "the stale read must not commit")
	})

	t.Run("update of deleted doc fails with ErrNotFound", func(t *testing.T) {
		err := db.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
			return tx.Update(core.CollLectures, "gone", core.Fields{"status": "approved"})
		})
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})
}

func TestDB_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := setup(t)

	ch, err := db.Watch(ctx, core.CollAnnouncements)
	require.NoError(t, err)

	doc, err := db.Create(ctx, core.CollAnnouncements, "", core.Fields{"message": "hi"})
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, core.CollAnnouncements, doc.ID))

	want := []core.ChangeKind{core.ChangeCreated, core.ChangeDeleted}
	for _, kind := range want {
		select {
		case c := <-ch:
			assert.Equal(t, kind, c.Kind)
			assert.Equal(t, doc.ID, c.ID)
		case <-time.After(time.Second):
			t.Fatalf("no %s notification", kind)
		}
	}
}

func TestDB_Unavailable(t *testing.T) {
	ctx := context.Background()
	db := setup(t)

	ch, err := db.Watch(ctx, core.CollLectures)
	require.NoError(t, err)

	db.SetUnavailable(true)
	_, err = db.Create(ctx, core.CollLectures, "", core.Fields{})
	assert.True(t, errors.Is(err, core.ErrUnavailable))
	_, err = db.Query(ctx, core.CollLectures, core.Query{})
	assert.True(t, errors.Is(err, core.ErrUnavailable))

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "watch channel must be closed")
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}

	db.SetUnavailable(false)
	_, err = db.Create(ctx, core.CollLectures, "", core.Fields{})
	assert.NoError(t, err)
}
