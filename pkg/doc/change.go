package doc

import (
	"slices"
	"time"

	"github.com/astromechza/graphsync/pkg/clock"
)

// OpKind enumerates the operations a change can carry.
type OpKind uint8

const (
	// OpCreate marks an entity as (re)created.
	OpCreate OpKind = iota + 1
	// OpSetField writes one field register of an entity. A null value unsets it.
	OpSetField
	// OpDelete tombstones an entity. Fields written before it become invisible.
	OpDelete
	// OpInsert adds a sequence element after the element named by Ref.
	OpInsert
	// OpRemove tombstones the sequence element named by Ref.
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpSetField:
		return "set"
	case OpDelete:
		return "delete"
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	}
	return "unknown"
}

func (k OpKind) valid() bool {
	return k >= OpCreate && k <= OpRemove
}

// Op is one operation. Target is a collection name for map operations and a
// sequence name for sequence operations.
type Op struct {
	Kind   OpKind
	Target string
	Key    string
	Field  string
	Value  Value
	Elem   string
	Ref    clock.OpID
}

// Change is the replicated unit: everything one transaction did.
type Change struct {
	clock.Stamp
	Deps clock.VersionVector
	Time time.Time
	Ops  []Op
}

// ID returns the OpID of the i-th operation.
func (c *Change) ID(i int) clock.OpID {
	return c.Stamp.Op(i)
}

func compareChanges(a, b *Change) int {
	if c := (clock.OpID{Lamport: a.Lamport, Origin: a.Origin}).Compare(clock.OpID{Lamport: b.Lamport, Origin: b.Origin}); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// sortChanges orders changes canonically. A change's Lamport time is greater
// than that of every change it depends on, so the order is also causal.
func sortChanges(changes []*Change) {
	slices.SortFunc(changes, compareChanges)
}

type changeKey struct {
	origin string
	seq    uint64
}

func keyOf(c *Change) changeKey {
	return changeKey{origin: c.Origin, seq: c.Seq}
}
