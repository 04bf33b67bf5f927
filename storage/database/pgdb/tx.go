package pgdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/lecturelog/core"
)

type opKind int

const (
	opCreate opKind = iota + 1
	opSet
	opUpdate
	opDelete
	opUnion
	opRemove
)

type op struct {
	kind   opKind
	key    docKey
	fields core.Fields
	field  string
	values []interface{}
}

func itoa(i int) string { return strconv.Itoa(i) }

// commit applies ops in one database transaction. When reads are given the transaction is
// serializable and fails with core.ErrConflict if any read document changed since.
func (d *DB) commit(ctx context.Context, reads map[docKey]int64, ops []op) error {
	if len(ops) == 0 {
		return nil
	}
	var txOpts *sql.TxOptions
	if len(reads) > 0 {
		txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := d.db.BeginTxx(ctx, txOpts)
	if err != nil {
		return mapErr(err)
	}
	if err := d.apply(ctx, tx, reads, ops); err != nil {
		_ = tx.Rollback()
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

func (d *DB) apply(ctx context.Context, tx *sqlx.Tx, reads map[docKey]int64, ops []op) error {
	for k, version := range reads {
		var current int64
		err := tx.GetContext(ctx, &current,
			`SELECT version FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`, k.coll, k.id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if current != version {
			return errors.Wrapf(core.ErrConflict, "%s/%s changed", k.coll, k.id)
		}
	}

	now := time.Now().UTC()
	for _, o := range ops {
		if err := d.applyOp(ctx, tx, o, now); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) applyOp(ctx context.Context, tx *sqlx.Tx, o op, now time.Time) error {
	k := o.key
	switch o.kind {
	case opCreate, opSet:
		data, err := json.Marshal(o.fields)
		if err != nil {
			return errors.Wrap(err, "encoding document")
		}
		q := `INSERT INTO documents (collection, id, fields, version, created_at, updated_at)
			VALUES ($1, $2, $3::jsonb, nextval('document_versions'), $4, $4)`
		if o.kind == opSet {
			q += ` ON CONFLICT (collection, id) DO UPDATE
				SET fields = EXCLUDED.fields, version = nextval('document_versions'), updated_at = EXCLUDED.updated_at`
		}
		if _, err := tx.ExecContext(ctx, q, k.coll, k.id, string(data), now); err != nil {
			if errors.Is(mapErr(err), core.ErrDuplicateKey) {
				return errors.Wrapf(core.ErrDuplicateKey, "%s/%s already exists", k.coll, k.id)
			}
			return err
		}
		return d.syncUniques(ctx, tx, k, o.fields)

	case opUpdate:
		data, err := json.Marshal(o.fields)
		if err != nil {
			return errors.Wrap(err, "encoding document")
		}
		var merged null.JSON
		err = tx.GetContext(ctx, &merged,
			`UPDATE documents SET fields = COALESCE(fields, '{}'::jsonb) || $3::jsonb, version = nextval('document_versions'), updated_at = $4
			WHERE collection = $1 AND id = $2 RETURNING fields`,
			k.coll, k.id, string(data), now)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(core.ErrNotFound, "%s/%s", k.coll, k.id)
		}
		if err != nil {
			return err
		}
		fields, err := decodeJSON(merged.JSON)
		if err != nil {
			return err
		}
		return d.syncUniques(ctx, tx, k, fields)

	case opDelete:
		// unique entries go with the row (ON DELETE CASCADE)
		_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, k.coll, k.id)
		return err

	case opUnion, opRemove:
		var current null.JSON
		err := tx.GetContext(ctx, &current,
			`SELECT fields FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`, k.coll, k.id)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(core.ErrNotFound, "%s/%s", k.coll, k.id)
		}
		if err != nil {
			return err
		}
		fields, err := decodeJSON(current.JSON)
		if err != nil {
			return err
		}
		arr := core.ArrayValues(fields, o.field)
		if o.kind == opUnion {
			arr = core.UnionValues(arr, o.values...)
		} else {
			arr = core.RemoveValues(arr, o.values...)
		}
		data, err := json.Marshal(core.MergeFields(fields, core.Fields{o.field: arr}))
		if err != nil {
			return errors.Wrap(err, "encoding document")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET fields = $3::jsonb, version = nextval('document_versions'), updated_at = $4 WHERE collection = $1 AND id = $2`,
			k.coll, k.id, string(data), now)
		return err
	}
	return nil
}

// syncUniques rewrites the unique entries of a document. Collisions surface at commit.
func (d *DB) syncUniques(ctx context.Context, tx *sqlx.Tx, k docKey, fields core.Fields) error {
	uniques := d.uniques[k.coll]
	if len(uniques) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_uniques WHERE collection = $1 AND doc_id = $2`, k.coll, k.id); err != nil {
		return err
	}
	for _, field := range uniques {
		val, ok := core.IndexValue(fields[field])
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_uniques (collection, field, value, doc_id) VALUES ($1, $2, $3, $4)`,
			k.coll, field, val, k.id); err != nil {
			return err
		}
	}
	return nil
}

// transaction records the version of every document it reads (0 when absent)
// and buffers its writes until commit.
type transaction struct {
	db    *DB
	reads map[docKey]int64
	ops   []op
}

var _ core.Tx = (*transaction)(nil)

func (tx *transaction) Get(ctx context.Context, coll, id string) (core.Document, error) {
	k := docKey{coll, id}
	doc, err := tx.db.Get(ctx, coll, id)
	if errors.Is(err, core.ErrNotFound) {
		if _, ok := tx.reads[k]; !ok {
			tx.reads[k] = 0
		}
		return core.Document{}, err
	}
	if err != nil {
		return core.Document{}, err
	}
	if _, ok := tx.reads[k]; !ok {
		tx.reads[k] = doc.Version
	}
	return doc, nil
}

func (tx *transaction) Set(coll, id string, fields core.Fields) error {
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return err
	}
	tx.ops = append(tx.ops, op{kind: opSet, key: docKey{coll, id}, fields: nf})
	return nil
}

func (tx *transaction) Update(coll, id string, fields core.Fields) error {
	nf, err := core.NormalizeFields(fields)
	if err != nil {
		return err
	}
	tx.ops = append(tx.ops, op{kind: opUpdate, key: docKey{coll, id}, fields: nf})
	return nil
}

func (tx *transaction) Delete(coll, id string) error {
	tx.ops = append(tx.ops, op{kind: opDelete, key: docKey{coll, id}})
	return nil
}
