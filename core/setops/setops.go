// Package setops holds the only sanctioned ways of mutating shared list fields:
// atomic set add/remove, transactional rename and paired membership toggles.
package setops

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
)

// AddToSet atomically adds value to the array at ref; concurrent adds all survive.
func AddToSet(ctx context.Context, store core.DocStore, ref core.Ref, value interface{}) error {
	return errors.Wrapf(store.ArrayUnion(ctx, ref, value), "adding to %s/%s.%s", ref.Collection, ref.ID, ref.Field)
}

// RemoveFromSet atomically removes value from the array at ref. Removing an absent value is a no-op.
func RemoveFromSet(ctx context.Context, store core.DocStore, ref core.Ref, value interface{}) error {
	return errors.Wrapf(store.ArrayRemove(ctx, ref, value), "removing from %s/%s.%s", ref.Collection, ref.ID, ref.Field)
}

var errNameTaken = errors.New("name already present")

// AddToListFold adds name to the string array at ref unless it is already present ignoring case,
// in which case it fails with core.ErrDuplicateKey. The list is then sorted with less (nil appends).
func AddToListFold(ctx context.Context, store core.DocStore, ref core.Ref, name string, less func(a, b string) bool) error {
	err := store.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
		doc, err := tx.Get(ctx, ref.Collection, ref.ID)
		if err != nil {
			return err
		}
		items := Strings(core.ArrayValues(doc.Fields, ref.Field))
		if ContainsFold(items, name) {
			return errors.Wrapf(core.ErrDuplicateKey, "%q already exists", name)
		}

		items = append(items, name)
		if less != nil {
			sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
		}
		return tx.Update(ref.Collection, ref.ID, core.Fields{ref.Field: items})
	})
	return errors.Wrapf(err, "adding %q to %s/%s.%s", name, ref.Collection, ref.ID, ref.Field)
}

// RenameInList replaces oldName with newName in the string array at ref, then sorts it with less
// (nil keeps the current order). Fails with core.ErrNotFound when oldName is absent and with
// core.ErrConflict when newName is already present (case-insensitively) under another entry.
func RenameInList(ctx context.Context, store core.DocStore, ref core.Ref, oldName, newName string, less func(a, b string) bool) error {
	err := store.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
		doc, err := tx.Get(ctx, ref.Collection, ref.ID)
		if err != nil {
			return err
		}
		items := Strings(core.ArrayValues(doc.Fields, ref.Field))

		idx := -1
		for i, item := range items {
			if item == oldName {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errors.Wrapf(core.ErrNotFound, "%q", oldName)
		}
		for i, item := range items {
			if i != idx && strings.EqualFold(item, newName) {
				return errNameTaken
			}
		}

		items[idx] = newName
		if less != nil {
			sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
		}
		return tx.Update(ref.Collection, ref.ID, core.Fields{ref.Field: items})
	})
	if errors.Is(err, errNameTaken) {
		// a collision is final: report it as a conflict once the transaction is over
		return errors.Wrapf(core.ErrConflict, "renaming %q to %q: %q already exists", oldName, newName, newName)
	}
	return errors.Wrapf(err, "renaming %q to %q", oldName, newName)
}

// ToggleMembership adds actorID to the idsField array of a document and display to its displayField
// array, or removes both when actorID is already a member. The two arrays change together.
// Returns whether actorID is a member afterwards.
func ToggleMembership(ctx context.Context, store core.DocStore, coll, id, idsField, displayField, actorID string, display interface{}) (bool, error) {
	var member bool
	err := store.RunTransaction(ctx, func(ctx context.Context, tx core.Tx) error {
		doc, err := tx.Get(ctx, coll, id)
		if err != nil {
			return err
		}
		ids := core.ArrayValues(doc.Fields, idsField)
		displays := core.ArrayValues(doc.Fields, displayField)

		member = false
		for _, v := range ids {
			if v == actorID {
				member = true
				break
			}
		}

		if member {
			ids = core.RemoveValues(ids, actorID)
			displays = removeDisplaysOf(displays, actorID)
		} else {
			nd, err := core.NormalizeValue(display)
			if err != nil {
				return err
			}
			ids = core.UnionValues(ids, actorID)
			displays = append(removeDisplaysOf(displays, actorID), nd)
		}
		member = !member
		return tx.Update(coll, id, core.Fields{idsField: ids, displayField: displays})
	})
	if err != nil {
		return false, errors.Wrapf(err, "toggling %s on %s/%s", actorID, coll, id)
	}
	return member, nil
}

// removeDisplaysOf drops display records whose "id" is actorID.
func removeDisplaysOf(displays []interface{}, actorID string) []interface{} {
	out := make([]interface{}, 0, len(displays))
	for _, d := range displays {
		if m, ok := d.(map[string]interface{}); ok && m["id"] == actorID {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Strings converts a stored array into strings, skipping non-string entries.
func Strings(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ContainsFold reports whether items holds s, ignoring case.
func ContainsFold(items []string, s string) bool {
	for _, item := range items {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
