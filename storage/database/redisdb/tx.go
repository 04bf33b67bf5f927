package redisdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
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

// commit WATCHes every touched key, checks that the documents in reads still carry the
// recorded versions, then applies ops in a single MULTI/EXEC. A concurrent write to any
// watched key makes EXEC fail, which surfaces as core.ErrConflict.
func (db *DB) commit(ctx context.Context, reads map[docKey]int64, ops []op) error {
	if len(ops) == 0 && len(reads) == 0 {
		return nil
	}

	keys := make([]docKey, 0, len(reads)+len(ops))
	seen := make(map[docKey]bool)
	addKey := func(k docKey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range reads {
		addKey(k)
	}
	for _, o := range ops {
		addKey(o.key)
	}

	watched := make([]string, 0, len(keys))
	watchedUniq := make(map[string]bool)
	for _, k := range keys {
		watched = append(watched, db.docKey(k))
		for _, field := range db.uniques[k.coll] {
			if uk := db.uniqKey(k.coll, field); !watchedUniq[uk] {
				watchedUniq[uk] = true
				watched = append(watched, uk)
			}
		}
	}

	err := db.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current := make(map[docKey]*stored, len(keys))
		for _, k := range keys {
			s, err := db.read(ctx, tx, k)
			if err != nil {
				return err
			}
			current[k] = s
		}
		for k, version := range reads {
			var v int64
			if s := current[k]; s != nil {
				v = s.version
			}
			if v != version {
				return errors.Wrapf(core.ErrConflict, "%s/%s changed", k.coll, k.id)
			}
		}

		staged, order, err := stage(ops, current, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := db.checkUniques(ctx, tx, staged); err != nil {
			return err
		}
		if len(order) == 0 {
			return nil
		}
		if err := db.assignVersions(ctx, tx, staged, order); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			// release old unique values before claiming new ones: a value may move between documents
			for _, k := range order {
				if old := current[k]; old != nil {
					for _, field := range db.uniques[k.coll] {
						if v, ok := core.IndexValue(old.fields[field]); ok {
							p.HDel(ctx, db.uniqKey(k.coll, field), v)
						}
					}
				}
			}
			for _, k := range order {
				rec := staged[k]
				c := core.Change{Collection: k.coll, ID: k.id, Kind: core.ChangeUpdated}
				switch {
				case rec == nil:
					p.Del(ctx, db.docKey(k))
					p.SRem(ctx, db.idsKey(k.coll), k.id)
					c.Kind = core.ChangeDeleted
				default:
					data, err := json.Marshal(rec.fields)
					if err != nil {
						return errors.Wrap(err, "encoding document")
					}
					p.HSet(ctx, db.docKey(k),
						hFields, string(data),
						hVersion, rec.version,
						hCreatedAt, rec.createdAt.Format(time.RFC3339Nano),
						hUpdatedAt, rec.updatedAt.Format(time.RFC3339Nano),
					)
					p.SAdd(ctx, db.idsKey(k.coll), k.id)
					for _, field := range db.uniques[k.coll] {
						if v, ok := core.IndexValue(rec.fields[field]); ok {
							p.HSet(ctx, db.uniqKey(k.coll, field), v, k.id)
						}
					}
					if current[k] == nil {
						c.Kind = core.ChangeCreated
					}
				}
				payload, _ := json.Marshal(c)
				p.Publish(ctx, db.changesKey(k.coll), string(payload))
			}
			return nil
		})
		return err
	}, watched...)
	return mapErr(err)
}

// stage computes the resulting documents of ops on top of current, without versions.
// A nil entry in staged means deletion; order lists keys that actually change.
func stage(ops []op, current map[docKey]*stored, now time.Time) (map[docKey]*stored, []docKey, error) {
	staged := make(map[docKey]*stored)
	order := make([]docKey, 0, len(ops))

	get := func(k docKey) *stored {
		if s, ok := staged[k]; ok {
			return s
		}
		return current[k]
	}
	put := func(k docKey, s *stored) {
		if _, ok := staged[k]; !ok {
			order = append(order, k)
		}
		staged[k] = s
	}

	for _, o := range ops {
		cur := get(o.key)
		switch o.kind {
		case opCreate:
			if cur != nil {
				return nil, nil, errors.Wrapf(core.ErrDuplicateKey, "%s/%s already exists", o.key.coll, o.key.id)
			}
			put(o.key, &stored{fields: o.fields, createdAt: now, updatedAt: now})
		case opSet:
			s := &stored{fields: o.fields, createdAt: now, updatedAt: now}
			if cur != nil {
				s.createdAt = cur.createdAt
			}
			put(o.key, s)
		case opUpdate:
			if cur == nil {
				return nil, nil, errors.Wrapf(core.ErrNotFound, "%s/%s", o.key.coll, o.key.id)
			}
			put(o.key, &stored{
				fields:    core.MergeFields(cur.fields, o.fields),
				createdAt: cur.createdAt,
				updatedAt: now,
			})
		case opDelete:
			if cur != nil {
				put(o.key, nil)
			}
		case opUnion, opRemove:
			if cur == nil {
				return nil, nil, errors.Wrapf(core.ErrNotFound, "%s/%s", o.key.coll, o.key.id)
			}
			arr := core.ArrayValues(cur.fields, o.field)
			if o.kind == opUnion {
				arr = core.UnionValues(arr, o.values...)
			} else {
				arr = core.RemoveValues(arr, o.values...)
			}
			put(o.key, &stored{
				fields:    core.MergeFields(cur.fields, core.Fields{o.field: arr}),
				createdAt: cur.createdAt,
				updatedAt: now,
			})
		}
	}

	// a document created and deleted within the same commit never existed
	out := order[:0]
	for _, k := range order {
		if staged[k] == nil && current[k] == nil {
			continue
		}
		out = append(out, k)
	}
	return staged, out, nil
}

// assignVersions numbers the written documents from the store-wide version sequence,
// so a deleted and re-created document never carries a version seen before.
func (db *DB) assignVersions(ctx context.Context, tx *redis.Tx, staged map[docKey]*stored, order []docKey) error {
	var n int64
	for _, k := range order {
		if staged[k] != nil {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	last, err := tx.IncrBy(ctx, db.seqKey(), n).Result()
	if err != nil {
		return errors.Wrap(err, "allocating versions")
	}
	v := last - n
	for _, k := range order {
		if rec := staged[k]; rec != nil {
			v++
			rec.version = v
		}
	}
	return nil
}

func (db *DB) checkUniques(ctx context.Context, tx *redis.Tx, staged map[docKey]*stored) error {
	for k, s := range staged {
		if s == nil {
			continue
		}
		for _, field := range db.uniques[k.coll] {
			val, ok := core.IndexValue(s.fields[field])
			if !ok {
				continue
			}
			for sk, other := range staged {
				if sk.coll != k.coll || sk.id == k.id || other == nil {
					continue
				}
				if ov, ok := core.IndexValue(other.fields[field]); ok && ov == val {
					return errors.Wrapf(core.ErrDuplicateKey, "%s.%s", k.coll, field)
				}
			}
			owner, err := tx.HGet(ctx, db.uniqKey(k.coll, field), val).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return mapErr(err)
			}
			if owner == k.id {
				continue
			}
			// the owner may be released by this very commit
			if other, ok := staged[docKey{k.coll, owner}]; ok {
				if other == nil {
					continue
				}
				if ov, ok := core.IndexValue(other.fields[field]); !ok || ov != val {
					continue
				}
			}
			return errors.Wrapf(core.ErrDuplicateKey, "%s.%s", k.coll, field)
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
	s, err := tx.db.read(ctx, tx.db.rdb, k)
	if err != nil {
		return core.Document{}, err
	}
	if s == nil {
		if _, ok := tx.reads[k]; !ok {
			tx.reads[k] = 0
		}
		return core.Document{}, errors.Wrapf(core.ErrNotFound, "%s/%s", coll, id)
	}
	if _, ok := tx.reads[k]; !ok {
		tx.reads[k] = s.version
	}
	return s.document(id), nil
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
