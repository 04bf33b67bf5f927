package memdb

import (
	"context"
	"time"

	"github.com/pkg/errors"

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

// applyLocked stages ops on top of the current tables, checks unique fields and commits.
// Nothing is written when any op fails. db must be write-locked.
// Versions come from a store-wide sequence, so a re-created document never reuses an old one.
func (db *DB) applyLocked(ops []op) ([]core.Change, error) {
	now := time.Now().UTC()
	seq := db.seq
	nextVersion := func() int64 {
		seq++
		return seq
	}
	staged := make(map[docKey]*record)
	order := make([]docKey, 0, len(ops))
	existed := make(map[docKey]bool)

	get := func(k docKey) *record {
		if rec, ok := staged[k]; ok {
			return rec
		}
		return db.lookup(k)
	}
	stage := func(k docKey, rec *record) {
		if _, ok := staged[k]; !ok {
			existed[k] = db.lookup(k) != nil
			order = append(order, k)
		}
		staged[k] = rec
	}

	for _, o := range ops {
		cur := get(o.key)
		switch o.kind {
		case opCreate:
			if cur != nil {
				return nil, errors.Wrapf(core.ErrDuplicateKey, "%s/%s already exists", o.key.coll, o.key.id)
			}
			stage(o.key, &record{fields: o.fields, version: nextVersion(), createdAt: now, updatedAt: now})
		case opSet:
			rec := &record{fields: o.fields, version: nextVersion(), createdAt: now, updatedAt: now}
			if cur != nil {
				rec.createdAt = cur.createdAt
			}
			stage(o.key, rec)
		case opUpdate:
			if cur == nil {
				return nil, errors.Wrapf(core.ErrNotFound, "%s/%s", o.key.coll, o.key.id)
			}
			stage(o.key, &record{
				fields:    core.MergeFields(cur.fields, o.fields),
				version:   nextVersion(),
				createdAt: cur.createdAt,
				updatedAt: now,
			})
		case opDelete:
			if cur != nil {
				stage(o.key, nil)
			}
		case opUnion, opRemove:
			if cur == nil {
				return nil, errors.Wrapf(core.ErrNotFound, "%s/%s", o.key.coll, o.key.id)
			}
			arr := core.ArrayValues(cur.fields, o.field)
			if o.kind == opUnion {
				arr = core.UnionValues(arr, o.values...)
			} else {
				arr = core.RemoveValues(arr, o.values...)
			}
			stage(o.key, &record{
				fields:    core.MergeFields(cur.fields, core.Fields{o.field: arr}),
				version:   nextVersion(),
				createdAt: cur.createdAt,
				updatedAt: now,
			})
		}
	}

	if err := db.checkUniquesLocked(staged); err != nil {
		return nil, err
	}

	db.seq = seq
	changes := make([]core.Change, 0, len(order))
	for _, k := range order {
		rec := staged[k]
		tbl, ok := db.tables[k.coll]
		if !ok {
			tbl = &table{docs: make(map[string]*record)}
			db.tables[k.coll] = tbl
		}
		c := core.Change{Collection: k.coll, ID: k.id}
		switch {
		case rec == nil:
			if !existed[k] {
				continue
			}
			delete(tbl.docs, k.id)
			c.Kind = core.ChangeDeleted
		case existed[k]:
			tbl.docs[k.id] = rec
			c.Kind = core.ChangeUpdated
		default:
			tbl.docs[k.id] = rec
			c.Kind = core.ChangeCreated
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func (db *DB) checkUniquesLocked(staged map[docKey]*record) error {
	for k, rec := range staged {
		if rec == nil {
			continue
		}
		for _, field := range db.uniques[k.coll] {
			val := rec.fields[field]
			if val == nil || val == "" {
				continue
			}
			// staged documents shadow stored ones
			for sk, other := range staged {
				if sk.coll == k.coll && sk.id != k.id && other != nil && core.ValuesEqual(other.fields[field], val) {
					return errors.Wrapf(core.ErrDuplicateKey, "%s.%s", k.coll, field)
				}
			}
			if tbl, ok := db.tables[k.coll]; ok {
				for id, other := range tbl.docs {
					if _, shadowed := staged[docKey{k.coll, id}]; shadowed || id == k.id {
						continue
					}
					if core.ValuesEqual(other.fields[field], val) {
						return errors.Wrapf(core.ErrDuplicateKey, "%s.%s", k.coll, field)
					}
				}
			}
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

func (tx *transaction) Get(_ context.Context, coll, id string) (core.Document, error) {
	tx.db.RLock()
	defer tx.db.RUnlock()
	if err := tx.db.checkAvailable(); err != nil {
		return core.Document{}, err
	}
	k := docKey{coll, id}
	rec := tx.db.lookup(k)
	if rec == nil {
		tx.reads[k] = 0
		return core.Document{}, errors.Wrapf(core.ErrNotFound, "%s/%s", coll, id)
	}
	if _, ok := tx.reads[k]; !ok {
		tx.reads[k] = rec.version
	}
	return rec.document(id), nil
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

func (tx *transaction) commit() error {
	db := tx.db
	db.Lock()
	if err := db.checkAvailable(); err != nil {
		db.Unlock()
		return err
	}
	for k, version := range tx.reads {
		var current int64
		if rec := db.lookup(k); rec != nil {
			current = rec.version
		}
		if current != version {
			db.Unlock()
			return errors.Wrapf(core.ErrConflict, "%s/%s changed", k.coll, k.id)
		}
	}
	changes, err := db.applyLocked(tx.ops)
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
