// Package pgdb is a core.DocStore on PostgreSQL: documents are JSONB rows, unique fields live in
// a side table and changes are announced with LISTEN/NOTIFY.
package pgdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/storage/database/changefeed"
)

const changesChannel = "document_changes"

type (
	Options struct {
		Uniques       []core.UniqueIndex
		TxMaxAttempts int
		Logger        core.Logger
	}

	DB struct {
		db          *sqlx.DB
		listener    *pq.Listener
		uniques     map[string][]string // {collection: fields}
		maxAttempts int
		logger      core.Logger

		mu   sync.RWMutex
		feed *changefeed.Feed
		done chan struct{}
		wg   sync.WaitGroup
	}

	row struct {
		ID        string    `db:"id"`
		Fields    null.JSON `db:"fields"`
		Version   int64     `db:"version"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	docKey struct {
		coll string
		id   string
	}
)

var _ core.DocStore = (*DB)(nil) // interface compliance check

// Open connects to the configured database. Migrations are not run; see Migrate.
func Open(conf *core.Config, opts Options) (*DB, error) {
	dsn := DSN(conf.Database.Name, false, conf)
	db, err := sqlx.Open(conf.Database.Engine, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err := ping(db.DB, 10); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(core.ErrUnavailable, err.Error())
	}
	d, err := New(db, dsn, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an open database; listenerDSN is used for the dedicated LISTEN connection.
// Closing the DB closes db.
func New(db *sqlx.DB, listenerDSN string, opts Options) (*DB, error) {
	d := &DB{
		db:          db,
		uniques:     make(map[string][]string),
		maxAttempts: opts.TxMaxAttempts,
		logger:      opts.Logger,
		feed:        changefeed.New(),
		done:        make(chan struct{}),
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = core.DefaultTxMaxAttempts
	}
	if d.logger == nil {
		d.logger = core.NopLogger{}
	}
	for _, idx := range opts.Uniques {
		d.uniques[idx.Collection] = append(d.uniques[idx.Collection], idx.Field)
	}

	d.listener = pq.NewListener(listenerDSN, 100*time.Millisecond, 10*time.Second, d.onListenerEvent)
	if err := d.listener.Listen(changesChannel); err != nil {
		_ = d.listener.Close()
		return nil, errors.Wrap(mapErr(err), "listening for changes")
	}
	d.wg.Add(1)
	go d.listen()
	return d, nil
}

func (d *DB) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		d.logger.Warn("pgdb: change listener disconnected", err)
		// notifications sent while disconnected are lost: let watchers re-read
		d.resetFeed()
	case pq.ListenerEventReconnected:
		d.logger.Info("pgdb: change listener reconnected")
	}
}

func (d *DB) listen() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case n, ok := <-d.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue // sent after a reconnect
			}
			var c core.Change
			if err := json.Unmarshal([]byte(n.Extra), &c); err != nil {
				d.logger.Error("pgdb: bad change payload", n.Extra, err)
				continue
			}
			d.mu.RLock()
			d.feed.Publish(c)
			d.mu.RUnlock()
		case <-time.After(90 * time.Second):
			go func() { _ = d.listener.Ping() }()
		}
	}
}

func (d *DB) resetFeed() {
	d.mu.Lock()
	old := d.feed
	d.feed = changefeed.New()
	d.mu.Unlock()
	old.Close()
}

// mapErr translates driver errors into the core taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505": // unique_violation
			return errors.Wrap(core.ErrDuplicateKey, pqErr.Message)
		case pqErr.Code == "40001", pqErr.Code == "40P01": // serialization_failure, deadlock_detected
			return errors.Wrap(core.ErrConflict, pqErr.Message)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57": // connection exception, operator intervention
			return errors.Wrap(core.ErrUnavailable, pqErr.Message)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return errors.Wrap(core.ErrUnavailable, err.Error())
	}
	return err
}

func decodeJSON(data []byte) (core.Fields, error) {
	f := core.Fields{}
	if len(data) == 0 {
		return f, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decoding document")
	}
	if f == nil {
		f = core.Fields{}
	}
	return f, nil
}

func (r row) document() (core.Document, error) {
	var raw []byte
	if r.Fields.Valid {
		raw = r.Fields.JSON
	}
	fields, err := decodeJSON(raw)
	if err != nil {
		return core.Document{}, errors.Wrapf(err, "document %s", r.ID)
	}
	return core.Document{
		ID:        r.ID,
		Fields:    fields,
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}, nil
}

const selectDocument = `SELECT id, fields, version, created_at, updated_at FROM documents`

func (d *DB) Create(ctx context.Context, coll, id string, fields core.Fields) (core.Document, error) {
	if id == "" {
		id = core.NewID()
	}
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return core.Document{}, err
	}
	if err := d.write(ctx, op{kind: opCreate, key: docKey{coll, id}, fields: nf}); err != nil {
		return core.Document{}, err
	}
	return d.Get(ctx, coll, id)
}

func (d *DB) Get(ctx context.Context, coll, id string) (core.Document, error) {
	var r row
	err := d.db.GetContext(ctx, &r, selectDocument+` WHERE collection = $1 AND id = $2`, coll, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Document{}, errors.Wrapf(core.ErrNotFound, "%s/%s", coll, id)
	}
	if err != nil {
		return core.Document{}, mapErr(err)
	}
	return r.document()
}

// buildQuery translates q into SQL. Equality filters use JSONB containment; a nil value
// matches absent and null fields alike.
func buildQuery(coll string, q core.Query) (string, []interface{}, error) {
	var sb strings.Builder
	args := []interface{}{coll}
	sb.WriteString(selectDocument + ` WHERE collection = $1`)

	contains := make(map[string]interface{})
	for _, flt := range q.Where {
		if flt.Value == nil {
			args = append(args, flt.Field)
			n := itoa(len(args))
			sb.WriteString(` AND (fields -> $` + n + ` IS NULL OR fields -> $` + n + ` = 'null'::jsonb)`)
			continue
		}
		contains[flt.Field] = flt.Value
	}
	if len(contains) > 0 {
		data, err := json.Marshal(contains)
		if err != nil {
			return "", nil, errors.Wrap(err, "encoding filter")
		}
		args = append(args, string(data))
		sb.WriteString(` AND fields @> $` + itoa(len(args)) + `::jsonb`)
	}

	sb.WriteString(` ORDER BY `)
	for _, ord := range q.OrderBy {
		args = append(args, ord.Field)
		sb.WriteString(`fields -> $` + itoa(len(args)))
		if ord.Ascending {
			sb.WriteString(` ASC NULLS FIRST, `)
		} else {
			sb.WriteString(` DESC NULLS LAST, `)
		}
	}
	sb.WriteString(`id ASC`)

	if q.Limit > 0 {
		sb.WriteString(` LIMIT ` + itoa(q.Limit))
	}
	return sb.String(), args, nil
}

func (d *DB) Query(ctx context.Context, coll string, q core.Query) ([]core.Document, error) {
	query, args, err := buildQuery(coll, q)
	if err != nil {
		return nil, err
	}
	var rows []row
	if err := d.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	docs := make([]core.Document, 0, len(rows))
	for _, r := range rows {
		doc, err := r.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (d *DB) Update(ctx context.Context, coll, id string, fields core.Fields) error {
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return err
	}
	return d.write(ctx, op{kind: opUpdate, key: docKey{coll, id}, fields: nf})
}

func (d *DB) Set(ctx context.Context, coll, id string, fields core.Fields) error {
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return err
	}
	return d.write(ctx, op{kind: opSet, key: docKey{coll, id}, fields: nf})
}

func (d *DB) Delete(ctx context.Context, coll, id string) error {
	return d.write(ctx, op{kind: opDelete, key: docKey{coll, id}})
}

func (d *DB) ArrayUnion(ctx context.Context, ref core.Ref, values ...interface{}) error {
	return d.arrayOp(ctx, opUnion, ref, values)
}

func (d *DB) ArrayRemove(ctx context.Context, ref core.Ref, values ...interface{}) error {
	return d.arrayOp(ctx, opRemove, ref, values)
}

func (d *DB) arrayOp(ctx context.Context, kind opKind, ref core.Ref, values []interface{}) error {
	nv, err := core.NormalizeValue(values)
	if err != nil {
		return err
	}
	vals, _ := nv.([]interface{})
	return d.write(ctx, op{kind: kind, key: docKey{ref.Collection, ref.ID}, field: ref.Field, values: vals})
}

func (d *DB) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx core.Tx) error) error {
	return core.RetryTransaction(ctx, d.maxAttempts, func() error {
		tx := &transaction{db: d, reads: make(map[docKey]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return d.commit(ctx, tx.reads, tx.ops)
	})
}

// write applies ops in one database transaction, retrying on serialization failures.
func (d *DB) write(ctx context.Context, ops ...op) error {
	return core.RetryTransaction(ctx, d.maxAttempts, func() error {
		return d.commit(ctx, nil, ops)
	})
}

func (d *DB) Watch(ctx context.Context, coll string) (<-chan core.Change, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.feed.Watch(ctx, coll)
}

func (d *DB) Close() error {
	close(d.done)
	err := d.listener.Close()
	d.wg.Wait()
	d.mu.Lock()
	d.feed.Close()
	d.mu.Unlock()
	if cErr := d.db.Close(); err == nil {
		err = cErr
	}
	return err
}
