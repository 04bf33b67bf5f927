// Package memdb is an in-process core.DocStore, used for local development and tests.
package memdb

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/storage/database/changefeed"
)

type (
	Options struct {
		Uniques       []core.UniqueIndex
		TxMaxAttempts int
		// NoOrdering makes ordered queries fail with core.ErrOrderingUnsupported.
		NoOrdering bool
	}

	DB struct {
		sync.RWMutex
		tables      map[string]*table
		uniques     map[string][]string // {collection: fields}
		feed        *changefeed.Feed
		seq         int64 // last version handed out, store-wide
		maxAttempts int
		noOrdering  bool
		unavailable bool
	}

	table struct {
		docs map[string]*record
	}

	record struct {
		fields    core.Fields
		version   int64
		createdAt time.Time
		updatedAt time.Time
	}

	docKey struct {
		coll string
		id   string
	}
)

var _ core.DocStore = (*DB)(nil) // interface compliance check

func Open(opts Options) (*DB, error) {
	db := &DB{
		tables:      make(map[string]*table),
		uniques:     make(map[string][]string),
		feed:        changefeed.New(),
		maxAttempts: opts.TxMaxAttempts,
		noOrdering:  opts.NoOrdering,
	}
	if db.maxAttempts <= 0 {
		db.maxAttempts = core.DefaultTxMaxAttempts
	}
	for _, idx := range opts.Uniques {
		db.uniques[idx.Collection] = append(db.uniques[idx.Collection], idx.Field)
	}
	return db, nil
}

// SetUnavailable simulates losing (or regaining) the store. Current watchers are dropped.
func (db *DB) SetUnavailable(unavailable bool) {
	db.Lock()
	db.unavailable = unavailable
	feed := db.feed
	if unavailable {
		db.feed = changefeed.New()
	}
	db.Unlock()
	if unavailable {
		feed.Close()
	}
}

func (db *DB) checkAvailable() error {
	if db.unavailable {
		return errors.Wrap(core.ErrUnavailable, "memdb")
	}
	return nil
}

func (db *DB) lookup(k docKey) *record {
	if tbl, ok := db.tables[k.coll]; ok {
		return tbl.docs[k.id]
	}
	return nil
}

func (r *record) document(id string) core.Document {
	return core.Document{
		ID:        id,
		Fields:    cloneFields(r.fields),
		Version:   r.version,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
}

func (db *DB) Create(ctx context.Context, coll, id string, fields core.Fields) (core.Document, error) {
	if id == "" {
		id = core.NewID()
	}
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return core.Document{}, err
	}
	if err := db.write(op{kind: opCreate, key: docKey{coll, id}, fields: nf}); err != nil {
		return core.Document{}, err
	}
	return db.Get(ctx, coll, id)
}

func (db *DB) Get(_ context.Context, coll, id string) (core.Document, error) {
	db.RLock()
	defer db.RUnlock()
	if err := db.checkAvailable(); err != nil {
		return core.Document{}, err
	}
	rec := db.lookup(docKey{coll, id})
	if rec == nil {
		return core.Document{}, errors.Wrapf(core.ErrNotFound, "%s/%s", coll, id)
	}
	return rec.document(id), nil
}

func (db *DB) Query(_ context.Context, coll string, q core.Query) ([]core.Document, error) {
	if db.noOrdering && len(q.OrderBy) > 0 {
		return nil, core.ErrOrderingUnsupported
	}
	db.RLock()
	defer db.RUnlock()
	if err := db.checkAvailable(); err != nil {
		return nil, err
	}
	tbl, ok := db.tables[coll]
	if !ok {
		return []core.Document{}, nil
	}
	docs := make([]core.Document, 0, len(tbl.docs))
	for id, rec := range tbl.docs {
		docs = append(docs, rec.document(id))
	}
	return core.ApplyQuery(docs, q), nil
}

func (db *DB) Update(_ context.Context, coll, id string, fields core.Fields) error {
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return err
	}
	return db.write(op{kind: opUpdate, key: docKey{coll, id}, fields: nf})
}

func (db *DB) Set(_ context.Context, coll, id string, fields core.Fields) error {
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return err
	}
	return db.write(op{kind: opSet, key: docKey{coll, id}, fields: nf})
}

func (db *DB) Delete(_ context.Context, coll, id string) error {
	return db.write(op{kind: opDelete, key: docKey{coll, id}})
}

func (db *DB) ArrayUnion(_ context.Context, ref core.Ref, values ...interface{}) error {
	return db.arrayOp(opUnion, ref, values)
}

func (db *DB) ArrayRemove(_ context.Context, ref core.Ref, values ...interface{}) error {
	return db.arrayOp(opRemove, ref, values)
}

func (db *DB) arrayOp(kind opKind, ref core.Ref, values []interface{}) error {
	nv, err := core.NormalizeValue(values)
	if err != nil {
		return err
	}
	vals, _ := nv.([]interface{})
	return db.write(op{kind: kind, key: docKey{ref.Collection, ref.ID}, field: ref.Field, values: vals})
}

func (db *DB) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx core.Tx) error) error {
	return core.RetryTransaction(ctx, db.maxAttempts, func() error {
		tx := &transaction{db: db, reads: make(map[docKey]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.commit()
	})
}

func (db *DB) Watch(ctx context.Context, coll string) (<-chan core.Change, error) {
	db.RLock()
	defer db.RUnlock()
	if err := db.checkAvailable(); err != nil {
		return nil, err
	}
	return db.feed.Watch(ctx, coll)
}

func (db *DB) Close() error {
	db.Lock()
	feed := db.feed
	db.Unlock()
	feed.Close()
	return nil
}

// write applies ops atomically and notifies watchers.
func (db *DB) write(ops ...op) error {
	db.Lock()
	if err := db.checkAvailable(); err != nil {
		db.Unlock()
		return err
	}
	changes, err := db.applyLocked(ops)
	feed := db.feed
	db.Unlock()
	if err != nil {
		return err
	}
	for _, c := range changes {
		feed.Publish(c)
	}
	return nil
}

func cloneFields(f core.Fields) core.Fields {
	if f == nil {
		return core.Fields{}
	}
	out := make(core.Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(cloneFields(val))
	case core.Fields:
		return cloneFields(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
