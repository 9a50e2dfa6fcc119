package doc

import (
	"slices"

	"github.com/astromechza/graphsync/pkg/clock"
)

type register struct {
	id    clock.OpID
	value Value
}

type entity struct {
	created clock.OpID
	deleted clock.OpID
	fields  map[string]register
}

func (e *entity) alive() bool {
	return e.deleted.Less(e.created)
}

// visible returns the fields written after the last delete.
func (e *entity) visible() Fields {
	out := make(Fields, len(e.fields))
	for name, reg := range e.fields {
		if e.deleted.Less(reg.id) && !reg.value.IsNull() {
			out[name] = reg.value
		}
	}
	return out
}

func (e *entity) field(name string) (Value, bool) {
	reg, ok := e.fields[name]
	if !ok || !e.deleted.Less(reg.id) || reg.value.IsNull() {
		return Null(), false
	}
	return reg.value, true
}

type element struct {
	id      clock.OpID
	parent  clock.OpID
	value   string
	deleted bool
}

// sequence is a replicated growable array. Elements are never removed from
// elems; deletes only mark them.
type sequence struct {
	elems []*element
	byID  map[clock.OpID]*element
}

func newSequence() *sequence {
	return &sequence{byID: map[clock.OpID]*element{}}
}

func (s *sequence) position(id clock.OpID) int {
	for i, e := range s.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// placement finds where an element with the given id and parent goes: directly
// after its parent, skipping every element with a greater id. Concurrent siblings
// therefore end up in descending id order and each keeps its own subtree behind it.
func (s *sequence) placement(id, parent clock.OpID) int {
	i := 0
	if !parent.IsRoot() {
		i = s.position(parent) + 1
	}
	for i < len(s.elems) && id.Less(s.elems[i].id) {
		i++
	}
	return i
}

// visibleAt returns the i-th element that is not deleted.
func (s *sequence) visibleAt(index int) *element {
	n := 0
	for _, e := range s.elems {
		if e.deleted {
			continue
		}
		if n == index {
			return e
		}
		n++
	}
	return nil
}

func (s *sequence) visible() []*element {
	out := make([]*element, 0, len(s.elems))
	for _, e := range s.elems {
		if !e.deleted {
			out = append(out, e)
		}
	}
	return out
}

// state is the materialised content of a document.
type state struct {
	maps      map[string]map[string]*entity
	sequences map[string]*sequence
}

func newState() *state {
	return &state{maps: map[string]map[string]*entity{}, sequences: map[string]*sequence{}}
}

func (s *state) entity(coll, key string) *entity {
	if m, ok := s.maps[coll]; ok {
		return m[key]
	}
	return nil
}

func (s *state) sequence(name string) *sequence {
	return s.sequences[name]
}

func (s *state) get(coll, key string) (Fields, bool) {
	e := s.entity(coll, key)
	if e == nil || !e.alive() {
		return nil, false
	}
	return e.visible(), true
}

func (s *state) keys(coll string) []string {
	out := make([]string, 0, len(s.maps[coll]))
	for key, e := range s.maps[coll] {
		if e.alive() {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}

func (s *state) values(name string) []string {
	seq := s.sequences[name]
	if seq == nil {
		return nil
	}
	out := make([]string, 0, len(seq.elems))
	for _, e := range seq.elems {
		if !e.deleted {
			out = append(out, e.value)
		}
	}
	return out
}

// integrate applies one operation. It returns a function reverting the
// operation exactly and the effect the operation had on the visible state.
// Integration never fails for ops whose dependencies are present.
func (s *state) integrate(op Op, id clock.OpID) (func(), Effect) {
	switch op.Kind {
	case OpCreate, OpSetField, OpDelete:
		return s.integrateMapOp(op, id)
	case OpInsert:
		return s.integrateInsert(op, id)
	case OpRemove:
		return s.integrateRemove(op)
	}
	return func() {}, Effect{}
}

func (s *state) integrateMapOp(op Op, id clock.OpID) (func(), Effect) {
	m, hadMap := s.maps[op.Target]
	if !hadMap {
		m = map[string]*entity{}
		s.maps[op.Target] = m
	}
	e, hadEntity := m[op.Key]
	if !hadEntity {
		e = &entity{fields: map[string]register{}}
		m[op.Key] = e
	}
	dropNew := func() {
		if !hadEntity {
			delete(m, op.Key)
		}
		if !hadMap {
			delete(s.maps, op.Target)
		}
	}

	eff := Effect{Target: op.Target, Key: op.Key}
	switch op.Kind {
	case OpCreate:
		eff.Kind = EffectCreate
		eff.Noop = e.alive()
		prev := e.created
		if prev.Less(id) {
			e.created = id
		}
		return func() { e.created = prev; dropNew() }, eff

	case OpSetField:
		eff.Kind = EffectField
		eff.Field = op.Field
		eff.Before, eff.HadBefore = e.field(op.Field)
		prev, hadPrev := e.fields[op.Field]
		if !hadPrev || prev.id.Less(id) {
			e.fields[op.Field] = register{id: id, value: op.Value}
		}
		eff.Noop = !e.alive()
		return func() {
			if hadPrev {
				e.fields[op.Field] = prev
			} else {
				delete(e.fields, op.Field)
			}
			dropNew()
		}, eff

	default:
		eff.Kind = EffectDelete
		wasAlive := e.alive()
		if wasAlive {
			eff.Prior = e.visible()
		}
		eff.Noop = !wasAlive
		prev := e.deleted
		if prev.Less(id) {
			e.deleted = id
		}
		return func() { e.deleted = prev; dropNew() }, eff
	}
}

func (s *state) integrateInsert(op Op, id clock.OpID) (func(), Effect) {
	seq, had := s.sequences[op.Target]
	if !had {
		seq = newSequence()
		s.sequences[op.Target] = seq
	}
	eff := Effect{Kind: EffectInsert, Target: op.Target, Element: id, Elem: op.Elem}
	if _, exists := seq.byID[id]; exists {
		eff.Noop = true
		return func() {}, eff
	}
	el := &element{id: id, parent: op.Ref, value: op.Elem}
	at := seq.placement(id, op.Ref)
	seq.elems = slices.Insert(seq.elems, at, el)
	seq.byID[id] = el
	return func() {
		if i := seq.position(id); i >= 0 {
			seq.elems = slices.Delete(seq.elems, i, i+1)
		}
		delete(seq.byID, id)
		if !had {
			delete(s.sequences, op.Target)
		}
	}, eff
}

func (s *state) integrateRemove(op Op) (func(), Effect) {
	eff := Effect{Kind: EffectRemove, Target: op.Target, Element: op.Ref}
	seq := s.sequences[op.Target]
	if seq == nil {
		eff.Noop = true
		return func() {}, eff
	}
	el := seq.byID[op.Ref]
	if el == nil || el.deleted {
		eff.Noop = true
		return func() {}, eff
	}
	eff.Elem = el.value
	el.deleted = true
	return func() { el.deleted = false }, eff
}
