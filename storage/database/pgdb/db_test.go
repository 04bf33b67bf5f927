package pgdb

import (
	"context"
	"database/sql/driver"
	"os"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lecturelog/core"
)

func TestDSN(t *testing.T) {
	conf := core.NewTestConfig()
	conf.Database = core.DatabaseConfig{
		Engine:        "postgres",
		Host:          "db",
		Port:          5432,
		Name:          "lecturelog",
		User:          "app",
		Password:      "p@ss",
		AdminUser:     "root",
		AdminPassword: "toor",
	}

	assert.Equal(t, "postgres://app:p%40ss@db:5432/lecturelog?sslmode=require&timezone=utc", DSN("lecturelog", false, conf))

	conf.Database.DisableTLS = true
	assert.Equal(t, "postgres://root:toor@db:5432/postgres?sslmode=disable&timezone=utc", DSN("postgres", true, conf))
}

func Test_buildQuery(t *testing.T) {
	tests := []struct {
		name     string
		q        core.Query
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:     "all",
			wantSQL:  selectDocument + ` WHERE collection = $1 ORDER BY id ASC`,
			wantArgs: []interface{}{"lectures"},
		},
		{
			name: "filters ordering limit",
			q:    core.Where("status", "approved").OrderedBy("timestamp", false),
			wantSQL: selectDocument + ` WHERE collection = $1 AND fields @> $2::jsonb` +
				` ORDER BY fields -> $3 DESC NULLS LAST, id ASC`,
			wantArgs: []interface{}{"lectures", `{"status":"approved"}`, "timestamp"},
		},
		{
			name: "nil filter and limit",
			q:    core.Query{Where: []core.Filter{{Field: "adminRemark"}}, OrderBy: []core.Ordering{{Field: "topic", Ascending: true}}, Limit: 5},
			wantSQL: selectDocument + ` WHERE collection = $1 AND (fields -> $2 IS NULL OR fields -> $2 = 'null'::jsonb)` +
				` ORDER BY fields -> $3 ASC NULLS FIRST, id ASC LIMIT 5`,
			wantArgs: []interface{}{"lectures", "adminRemark", "topic"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSQL, gotArgs, err := buildQuery("lectures", tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, gotSQL)
			assert.Equal(t, tt.wantArgs, gotArgs)
		})
	}
}

func Test_mapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: core.ErrDuplicateKey},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, want: core.ErrConflict},
		{name: "deadlock", err: &pq.Error{Code: "40P01"}, want: core.ErrConflict},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, want: core.ErrUnavailable},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, want: core.ErrUnavailable},
		{name: "bad conn", err: driver.ErrBadConn, want: core.ErrUnavailable},
		{name: "wrapped", err: errors.Wrap(&pq.Error{Code: "23505"}, "insert"), want: core.ErrDuplicateKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapErr(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapErr(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}

	other := &pq.Error{Code: "42P01"}
	assert.Equal(t, other, mapErr(other))
	assert.Nil(t, mapErr(nil))
}

// setupDB connects to the database named by TEST_PGDB_DSN, migrated and emptied.
func setupDB(t *testing.T) *DB {
	dsn := os.Getenv("TEST_PGDB_DSN")
	if dsn == "" {
		t.Skip("TEST_PGDB_DSN not set")
	}
	sdb, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(sdb.DB, "up"))
	_, err = sdb.Exec(`TRUNCATE documents CASCADE`)
	require.NoError(t, err)

	db, err := New(sdb, dsn, Options{
		Uniques:       []core.UniqueIndex{{Collection: core.CollAccounts, Field: "username"}},
		TxMaxAttempts: 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDB_Integration(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	doc, err := db.Create(ctx, core.CollAccounts, "", core.Fields{"username": "cs101", "name": "Ada"})
	require.NoError(t, err)
	assert.Positive(t, doc.Version)

	_, err = db.Create(ctx, core.CollAccounts, "", core.Fields{"username": "cs101"})
	assert.True(t, errors.Is(err, core.ErrDuplicateKey), "err = %v", err)

	require.NoError(t, db.Update(ctx, core.CollAccounts, doc.ID, core.Fields{"username": "cs102"}))
	_, err = db.Create(ctx, core.CollAccounts, "", core.Fields{"username": "cs101"})
	assert.NoError(t, err, "released value must be claimable")

	err = db.Update(ctx, core.CollAccounts, "nope", core.Fields{"name": "x"})
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = db.Create(ctx, core.CollSubjects, "list", core.Fields{})
	require.NoError(t, err)
	ref := core.Ref{Collection: core.CollSubjects, ID: "list", Field: "items"}
	var wg sync.WaitGroup
	for _, s := range []string{"Physics", "Chemistry", "Physics"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			assert.NoError(t, db.ArrayUnion(ctx, ref, s))
		}(s)
	}
	wg.Wait()
	list, err := db.Get(ctx, core.CollSubjects, "list")
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{"Physics", "Chemistry"}, list.Get("items"))

	for i, topic := range []string{"b", "c", "a"} {
		_, err := db.Create(ctx, core.CollLectures, "", core.Fields{"topic": topic, "timestamp": i, "status": "approved"})
		require.NoError(t, err)
	}
	docs, err := db.Query(ctx, core.CollLectures, core.Where("status", "approved").OrderedBy("timestamp", false))
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "a", docs[0].Get("topic"))

	updated, err := db.Get(ctx, core.CollAccounts, doc.ID)
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, core.CollAccounts, doc.ID))
	require.NoError(t, db.Delete(ctx, core.CollAccounts, doc.ID))

	recreated, err := db.Create(ctx, core.CollAccounts, doc.ID, core.Fields{"username": "cs103"})
	require.NoError(t, err)
	assert.Greater(t, recreated.Version, updated.Version, "versions are never reused")
}
