package core

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Collections
const (
	CollAccounts      = "accounts"
	CollLectures      = "lectures"
	CollSubjects      = "subjects"
	CollAnnouncements = "announcements"
)

// DefaultTxMaxAttempts is used when a store is opened without an explicit attempt budget.
const DefaultTxMaxAttempts = 5

type (
	// Fields is the schema-less payload of a Document.
	// Values are JSON-compatible: strings, json.Number, bools, nil, []interface{} and Fields.
	Fields map[string]interface{}

	Document struct {
		ID        string
		Fields    Fields
		Version   int64
		CreatedAt time.Time // UTC
		UpdatedAt time.Time // UTC
	}

	// Filter is an equality predicate on a top-level field.
	Filter struct {
		Field string
		Value interface{}
	}

	Ordering struct {
		Field     string
		Ascending bool
	}

	Query struct {
		Where   []Filter
		OrderBy []Ordering
		Limit   int
	}

	// Ref points at an array field of a single document.
	Ref struct {
		Collection string
		ID         string
		Field      string
	}

	// UniqueIndex declares that no two documents of Collection may share a value of Field.
	UniqueIndex struct {
		Collection string
		Field      string
	}

	ChangeKind int

	Change struct {
		Collection string     `json:"c"`
		ID         string     `json:"id"`
		Kind       ChangeKind `json:"k"`
	}

	// Tx is the view of the store inside RunTransaction.
	// Reads go to the store; writes are buffered and applied on commit, all or none.
	Tx interface {
		Get(ctx context.Context, coll, id string) (Document, error)
		Set(coll, id string, fields Fields) error
		Update(coll, id string, fields Fields) error
		Delete(coll, id string) error
	}

	// DocStore is the record store every domain repository talks to.
	DocStore interface {
		// Create stores a new document; an empty id gets a generated one.
		// Fails with ErrDuplicateKey when id or a unique field collides.
		Create(ctx context.Context, coll, id string, fields Fields) (Document, error)
		Get(ctx context.Context, coll, id string) (Document, error)
		// Query may fail with ErrOrderingUnsupported when q.OrderBy is set.
		Query(ctx context.Context, coll string, q Query) ([]Document, error)
		// Update merges fields into an existing document (ErrNotFound otherwise).
		Update(ctx context.Context, coll, id string, fields Fields) error
		// Set creates or replaces a document.
		Set(ctx context.Context, coll, id string, fields Fields) error
		// Delete is idempotent.
		Delete(ctx context.Context, coll, id string) error
		// ArrayUnion appends the values missing from the array at ref.
		ArrayUnion(ctx context.Context, ref Ref, values ...interface{}) error
		// ArrayRemove removes every occurrence of values from the array at ref.
		ArrayRemove(ctx context.Context, ref Ref, values ...interface{}) error
		// RunTransaction retries fn on concurrent modification and fails with ErrConflict
		// once the attempt budget is spent.
		RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
		// Watch notifies about changes in coll until ctx is done.
		// Notifications may be coalesced: a receive only means "something changed".
		Watch(ctx context.Context, coll string) (<-chan Change, error)
		Close() error
	}
)

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeUpdated
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	}
	return "unknown"
}

func (ord Ordering) String() string {
	direction := "DESC"
	if ord.Ascending {
		direction = "ASC"
	}
	return ord.Field + " " + direction
}

// Where is shorthand for building an equality Query.
func Where(field string, value interface{}) Query {
	return Query{Where: []Filter{{Field: field, Value: value}}}
}

// OrderedBy returns a copy of q ordered by field.
func (q Query) OrderedBy(field string, ascending bool) Query {
	q.OrderBy = append(append([]Ordering(nil), q.OrderBy...), Ordering{Field: field, Ascending: ascending})
	return q
}

// Unordered returns a copy of q without ordering or limit.
func (q Query) Unordered() Query {
	return Query{Where: q.Where}
}

// Get returns the value of field or nil.
func (d Document) Get(field string) interface{} {
	if d.Fields == nil {
		return nil
	}
	return d.Fields[field]
}

// EncodeFields converts any JSON-serializable value into normalized Fields.
func EncodeFields(v interface{}) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling fields")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var f Fields
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "unmarshalling fields")
	}
	return f, nil
}

// NormalizeFields returns a deep copy of f with JSON-normalized values.
func NormalizeFields(f Fields) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	return EncodeFields(map[string]interface{}(f))
}

// NormalizeValue returns the JSON-normalized form of v.
func NormalizeValue(v interface{}) (interface{}, error) {
	f, err := EncodeFields(map[string]interface{}{"v": v})
	if err != nil {
		return nil, err
	}
	return f["v"], nil
}

// DecodeFields fills v (a pointer) from f.
func DecodeFields(f Fields, v interface{}) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshalling fields")
	}
	return errors.Wrap(json.Unmarshal(data, v), "decoding fields")
}

// MergeFields returns a copy of dst with src's top-level keys applied.
func MergeFields(dst, src Fields) Fields {
	out := make(Fields, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ValuesEqual reports whether two normalized values are equal.
func ValuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// CompareValues orders normalized scalar values: nil < bool < number < string.
// Composite values compare equal to each other.
func CompareValues(a, b interface{}) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case 2:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.(string), b.(string))
	}
	return 0
}

func valueRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	return 4
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// Matches reports whether d satisfies every filter of q.
func (q Query) Matches(d Document) bool {
	for _, flt := range q.Where {
		if !ValuesEqual(d.Get(flt.Field), flt.Value) {
			return false
		}
	}
	return true
}

// SortDocuments sorts docs in place by orderings; the id breaks ties.
func SortDocuments(docs []Document, orderings []Ordering) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, ord := range orderings {
			c := CompareValues(docs[i].Get(ord.Field), docs[j].Get(ord.Field))
			if c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		return docs[i].ID < docs[j].ID
	})
}

// ApplyQuery filters, sorts and limits docs client-side.
func ApplyQuery(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	SortDocuments(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// ArrayValues returns the array stored in field (nil if absent or not an array).
func ArrayValues(f Fields, field string) []interface{} {
	arr, _ := f[field].([]interface{})
	return arr
}

// UnionValues appends to arr the values not already present.
func UnionValues(arr []interface{}, values ...interface{}) []interface{} {
	out := append([]interface{}{}, arr...)
	for _, v := range values {
		var found bool
		for _, e := range out {
			if ValuesEqual(e, v) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}

// RemoveValues drops from arr every element equal to one of values.
func RemoveValues(arr []interface{}, values ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(arr))
	for _, e := range arr {
		var drop bool
		for _, v := range values {
			if ValuesEqual(e, v) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, e)
		}
	}
	return out
}

// IndexValue is the key of a unique field value in an index; nil and "" are not indexed.
func IndexValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, val != ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// RetryTransaction runs attempt until it succeeds, fails with anything but ErrConflict,
// or maxAttempts runs have conflicted.
func RetryTransaction(ctx context.Context, maxAttempts int, attempt func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultTxMaxAttempts
	}
	var err error
	for i := 0; i < maxAttempts; i++ {
		if cErr := ctx.Err(); cErr != nil {
			return cErr
		}
		if err = attempt(); !errors.Is(err, ErrConflict) {
			return err
		}
		// small, growing pause before the next attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 5 * time.Millisecond):
		}
	}
	return errors.Wrapf(ErrConflict, "transaction gave up after %d attempts", maxAttempts)
}
