package doc

import (
	"fmt"
	"slices"

	"github.com/astromechza/graphsync/pkg/clock"
)

// Tx is the only way to mutate a Doc. It is valid until the function passed to
// Transaction returns.
type Tx struct {
	d       *Doc
	res     *clock.Reservation
	ops     []Op
	undo    []func()
	effects []Effect
	closed  bool
}

// Element is a visible sequence element.
type Element struct {
	ID    clock.OpID
	Value string
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.ops = nil
	tx.effects = nil
	tx.res.Restore()
}

func (tx *Tx) check(names ...string) error {
	if tx.closed {
		return ErrTxClosed
	}
	for _, n := range names {
		if n == "" {
			return ErrInvalidName
		}
	}
	return nil
}

func (tx *Tx) apply(op Op) clock.OpID {
	id := tx.res.Next()
	undo, eff := tx.d.state.integrate(op, id)
	tx.ops = append(tx.ops, op)
	tx.undo = append(tx.undo, undo)
	tx.effects = append(tx.effects, eff)
	return id
}

func (tx *Tx) Get(coll, key string) (Fields, bool) { return tx.d.state.get(coll, key) }
func (tx *Tx) Keys(coll string) []string           { return tx.d.state.keys(coll) }
func (tx *Tx) Values(seq string) []string          { return tx.d.state.values(seq) }
func (tx *Tx) Len(seq string) int                  { return len(tx.d.state.values(seq)) }

// Elements returns the visible elements of a sequence with their ids.
func (tx *Tx) Elements(seq string) []Element {
	s := tx.d.state.sequence(seq)
	if s == nil {
		return nil
	}
	out := make([]Element, 0, len(s.elems))
	for _, e := range s.visible() {
		out = append(out, Element{ID: e.id, Value: e.value})
	}
	return out
}

// Set makes the entity hold exactly the given non-null fields. Only fields
// whose value differs are written, so concurrent edits to other fields of the
// same entity survive the merge.
func (tx *Tx) Set(coll, key string, fields Fields) error {
	if err := tx.check(coll, key); err != nil {
		return err
	}
	current, alive := tx.d.state.get(coll, key)
	if !alive {
		tx.apply(Op{Kind: OpCreate, Target: coll, Key: key})
		current = Fields{}
	}
	names := make([]string, 0, len(fields)+len(current))
	for name := range fields {
		names = append(names, name)
	}
	for name := range current {
		if _, ok := fields[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		if name == "" {
			return ErrInvalidName
		}
		next := fields[name]
		prev, had := current[name]
		if (had && prev.Equal(next)) || (!had && next.IsNull()) {
			continue
		}
		tx.apply(Op{Kind: OpSetField, Target: coll, Key: key, Field: name, Value: next})
	}
	return nil
}

// SetField writes one field of an existing entity.
func (tx *Tx) SetField(coll, key, field string, value Value) error {
	if err := tx.check(coll, key, field); err != nil {
		return err
	}
	current, alive := tx.d.state.get(coll, key)
	if !alive {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, key)
	}
	if prev, had := current[field]; (had && prev.Equal(value)) || (!had && value.IsNull()) {
		return nil
	}
	tx.apply(Op{Kind: OpSetField, Target: coll, Key: key, Field: field, Value: value})
	return nil
}

func (tx *Tx) UnsetField(coll, key, field string) error {
	return tx.SetField(coll, key, field, Null())
}

// Delete tombstones an entity. It reports whether the entity existed.
func (tx *Tx) Delete(coll, key string) (bool, error) {
	if err := tx.check(coll, key); err != nil {
		return false, err
	}
	if _, alive := tx.d.state.get(coll, key); !alive {
		return false, nil
	}
	tx.apply(Op{Kind: OpDelete, Target: coll, Key: key})
	return true, nil
}

// Clear deletes every entity of a collection.
func (tx *Tx) Clear(coll string) error {
	if err := tx.check(coll); err != nil {
		return err
	}
	for _, key := range tx.d.state.keys(coll) {
		tx.apply(Op{Kind: OpDelete, Target: coll, Key: key})
	}
	return nil
}

// InsertOrdered inserts value so that it becomes the index-th visible element.
func (tx *Tx) InsertOrdered(seq string, index int, value string) error {
	if err := tx.check(seq); err != nil {
		return err
	}
	n := tx.Len(seq)
	if index < 0 || index > n {
		return fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, index, n)
	}
	after := clock.Root
	if index > 0 {
		after = tx.d.state.sequence(seq).visibleAt(index - 1).id
	}
	tx.apply(Op{Kind: OpInsert, Target: seq, Ref: after, Elem: value})
	return nil
}

// InsertAfter inserts value directly after the element with the given id, which
// may be deleted already. It returns the id of the new element.
func (tx *Tx) InsertAfter(seq string, after clock.OpID, value string) (clock.OpID, error) {
	if err := tx.check(seq); err != nil {
		return clock.Root, err
	}
	if !after.IsRoot() {
		s := tx.d.state.sequence(seq)
		if s == nil || s.byID[after] == nil {
			return clock.Root, fmt.Errorf("%w: element %s in %s", ErrNotFound, after, seq)
		}
	}
	return tx.apply(Op{Kind: OpInsert, Target: seq, Ref: after, Elem: value}), nil
}

// DeleteOrdered removes the index-th visible element.
func (tx *Tx) DeleteOrdered(seq string, index int) error {
	if err := tx.check(seq); err != nil {
		return err
	}
	n := tx.Len(seq)
	if index < 0 || index >= n {
		return fmt.Errorf("%w: delete at %d of %d", ErrOutOfRange, index, n)
	}
	el := tx.d.state.sequence(seq).visibleAt(index)
	tx.apply(Op{Kind: OpRemove, Target: seq, Ref: el.id})
	return nil
}

// RemoveElement removes the element with the given id. It reports whether the
// element was visible.
func (tx *Tx) RemoveElement(seq string, id clock.OpID) (bool, error) {
	if err := tx.check(seq); err != nil {
		return false, err
	}
	s := tx.d.state.sequence(seq)
	if s == nil {
		return false, nil
	}
	el := s.byID[id]
	if el == nil || el.deleted {
		return false, nil
	}
	tx.apply(Op{Kind: OpRemove, Target: seq, Ref: id})
	return true, nil
}

// ClearOrdered removes every visible element of a sequence.
func (tx *Tx) ClearOrdered(seq string) error {
	if err := tx.check(seq); err != nil {
		return err
	}
	s := tx.d.state.sequence(seq)
	if s == nil {
		return nil
	}
	for _, el := range s.visible() {
		tx.apply(Op{Kind: OpRemove, Target: seq, Ref: el.id})
	}
	return nil
}
