// Package redisdb is a core.DocStore on Redis: one hash per document, optimistic
// WATCH/MULTI transactions and change notifications over pub/sub.
// Server-side ordering is not supported; ordered queries fail with core.ErrOrderingUnsupported.
package redisdb

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/storage/database/changefeed"
)

// hash fields of a stored document
const (
	hFields    = "f"
	hVersion   = "v"
	hCreatedAt = "c"
	hUpdatedAt = "u"
)

type (
	Options struct {
		Addr          string
		Password      string
		DB            int
		Prefix        string
		Uniques       []core.UniqueIndex
		TxMaxAttempts int
		Logger        core.Logger
	}

	DB struct {
		rdb         *redis.Client
		pubsub      *redis.PubSub
		prefix      string
		uniques     map[string][]string // {collection: fields}
		maxAttempts int
		logger      core.Logger

		mu     sync.RWMutex
		feed   *changefeed.Feed
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	docKey struct {
		coll string
		id   string
	}

	stored struct {
		fields    core.Fields
		version   int64
		createdAt time.Time
		updatedAt time.Time
	}
)

var _ core.DocStore = (*DB)(nil) // interface compliance check

// Open connects to Redis and starts listening for changes.
func Open(ctx context.Context, opts Options) (*DB, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	db, err := New(ctx, rdb, opts)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an existing client. Closing the DB closes the client.
func New(ctx context.Context, rdb *redis.Client, opts Options) (*DB, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(mapErr(err), "pinging redis")
	}
	db := &DB{
		rdb:         rdb,
		prefix:      opts.Prefix,
		uniques:     make(map[string][]string),
		maxAttempts: opts.TxMaxAttempts,
		logger:      opts.Logger,
		feed:        changefeed.New(),
	}
	if db.prefix == "" {
		db.prefix = "lecturelog"
	}
	if db.maxAttempts <= 0 {
		db.maxAttempts = core.DefaultTxMaxAttempts
	}
	if db.logger == nil {
		db.logger = core.NopLogger{}
	}
	for _, idx := range opts.Uniques {
		db.uniques[idx.Collection] = append(db.uniques[idx.Collection], idx.Field)
	}

	db.pubsub = rdb.PSubscribe(ctx, db.prefix+":changes:*")
	// wait for the subscription to be confirmed so no change published after Open is missed
	if _, err := db.pubsub.Receive(ctx); err != nil {
		_ = db.pubsub.Close()
		return nil, errors.Wrap(mapErr(err), "subscribing to changes")
	}
	lctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	db.wg.Add(1)
	go db.listen(lctx)
	return db, nil
}

func (db *DB) docKey(k docKey) string      { return db.prefix + ":doc:" + k.coll + ":" + k.id }
func (db *DB) idsKey(coll string) string    { return db.prefix + ":ids:" + coll }
func (db *DB) changesKey(coll string) string { return db.prefix + ":changes:" + coll }
func (db *DB) seqKey() string                { return db.prefix + ":seq" }
func (db *DB) uniqKey(coll, field string) string {
	return db.prefix + ":uniq:" + coll + ":" + field
}

// mapErr translates connection failures into core.ErrUnavailable and lost WATCH races into core.ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return errors.Wrap(core.ErrConflict, err.Error())
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, redis.ErrClosed):
		return errors.Wrap(core.ErrUnavailable, err.Error())
	}
	return err
}

func decodeJSON(data string) (core.Fields, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var f core.Fields
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decoding document")
	}
	if f == nil {
		f = core.Fields{}
	}
	return f, nil
}

func (db *DB) read(ctx context.Context, c redis.Cmdable, k docKey) (*stored, error) {
	m, err := c.HGetAll(ctx, db.docKey(k)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return decodeStored(m)
}

func decodeStored(m map[string]string) (*stored, error) {
	fields, err := decodeJSON(m[hFields])
	if err != nil {
		return nil, err
	}
	version, err := strconv.ParseInt(m[hVersion], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "decoding version")
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, m[hCreatedAt])
	updatedAt, _ := time.Parse(time.RFC3339Nano, m[hUpdatedAt])
	return &stored{fields: fields, version: version, createdAt: createdAt, updatedAt: updatedAt}, nil
}

func (s *stored) document(id string) core.Document {
	return core.Document{ID: id, Fields: s.fields, Version: s.version, CreatedAt: s.createdAt, UpdatedAt: s.updatedAt}
}

func (db *DB) Create(ctx context.Context, coll, id string, fields core.Fields) (core.Document, error) {
	if id == "" {
		id = core.NewID()
	}
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return core.Document{}, err
	}
	if err := db.write(ctx, op{kind: opCreate, key: docKey{coll, id}, fields: nf}); err != nil {
		return core.Document{}, err
	}
	return db.Get(ctx, coll, id)
}

func (db *DB) Get(ctx context.Context, coll, id string) (core.Document, error) {
	s, err := db.read(ctx, db.rdb, docKey{coll, id})
	if err != nil {
		return core.Document{}, err
	}
	if s == nil {
		return core.Document{}, errors.Wrapf(core.ErrNotFound, "%s/%s", coll, id)
	}
	return s.document(id), nil
}

func (db *DB) Query(ctx context.Context, coll string, q core.Query) ([]core.Document, error) {
	if len(q.OrderBy) > 0 {
		return nil, core.ErrOrderingUnsupported
	}
	ids, err := db.rdb.SMembers(ctx, db.idsKey(coll)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	if len(ids) == 0 {
		return []core.Document{}, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = db.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, db.docKey(docKey{coll, id}))
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}

	docs := make([]core.Document, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue // deleted between SMEMBERS and HGETALL
		}
		s, err := decodeStored(m)
		if err != nil {
			return nil, errors.Wrapf(err, "%s/%s", coll, ids[i])
		}
		docs = append(docs, s.document(ids[i]))
	}
	return core.ApplyQuery(docs, q), nil
}

func (db *DB) Update(ctx context.Context, coll, id string, fields core.Fields) error {
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return err
	}
	return db.write(ctx, op{kind: opUpdate, key: docKey{coll, id}, fields: nf})
}

func (db *DB) Set(ctx context.Context, coll, id string, fields core.Fields) error {
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return err
	}
	return db.write(ctx, op{kind: opSet, key: docKey{coll, id}, fields: nf})
}

func (db *DB) Delete(ctx context.Context, coll, id string) error {
	return db.write(ctx, op{kind: opDelete, key: docKey{coll, id}})
}

func (db *DB) ArrayUnion(ctx context.Context, ref core.Ref, values ...interface{}) error {
	return db.arrayOp(ctx, opUnion, ref, values)
}

func (db *DB) ArrayRemove(ctx context.Context, ref core.Ref, values ...interface{}) error {
	return db.arrayOp(ctx, opRemove, ref, values)
}

func (db *DB) arrayOp(ctx context.Context, kind opKind, ref core.Ref, values []interface{}) error {
	nv, err := core.NormalizeValue(values)
	if err != nil {
		return err
	}
	vals, _ := nv.([]interface{})
	return db.write(ctx, op{kind: kind, key: docKey{ref.Collection, ref.ID}, field: ref.Field, values: vals})
}

func (db *DB) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx core.Tx) error) error {
	return core.RetryTransaction(ctx, db.maxAttempts, func() error {
		tx := &transaction{db: db, reads: make(map[docKey]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return db.commit(ctx, tx.reads, tx.ops)
	})
}

// write applies ops atomically, retrying when another client touches the same keys.
func (db *DB) write(ctx context.Context, ops ...op) error {
	return core.RetryTransaction(ctx, db.maxAttempts, func() error {
		return db.commit(ctx, nil, ops)
	})
}

func (db *DB) Watch(ctx context.Context, coll string) (<-chan core.Change, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.feed.Watch(ctx, coll)
}

// listen forwards published changes to the in-process feed. When the connection drops,
// current watchers are closed so subscribers notice and re-watch.
func (db *DB) listen(ctx context.Context) {
	defer db.wg.Done()
	for {
		msg, err := db.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			db.logger.Warn("redisdb: change listener failed", err)
			db.resetFeed()
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		var c core.Change
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			db.logger.Error("redisdb: bad change payload", msg.Payload, err)
			continue
		}
		db.mu.RLock()
		db.feed.Publish(c)
		db.mu.RUnlock()
	}
}

func (db *DB) resetFeed() {
	db.mu.Lock()
	old := db.feed
	db.feed = changefeed.New()
	db.mu.Unlock()
	old.Close()
}

func (db *DB) Close() error {
	db.cancel()
	err := db.pubsub.Close()
	db.wg.Wait()
	db.mu.Lock()
	db.feed.Close()
	db.mu.Unlock()
	if cErr := db.rdb.Close(); err == nil {
		err = cErr
	}
	return err
}
