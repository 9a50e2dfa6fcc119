// Package clock tracks causality between replicas of a document.
//
// Every operation is stamped with an OpID (a Lamport time plus the origin that
// produced it). OpIDs are totally ordered, which gives every replica the same
// answer for "which write wins" without trusting wall clocks. Every change also
// carries a per-origin sequence number so that replicas can summarise what they
// have seen as a VersionVector and exchange only the missing range.
package clock

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// OpID identifies a single operation.
type OpID struct {
	Lamport uint64
	Origin  string
}

// Root is the zero OpID. It sorts before every real operation and is used as the
// left origin of elements inserted at the head of a sequence.
var Root = OpID{}

func (id OpID) IsRoot() bool {
	return id.Lamport == 0 && id.Origin == ""
}

// Compare orders by Lamport time first and breaks ties on the origin id.
func (id OpID) Compare(other OpID) int {
	switch {
	case id.Lamport < other.Lamport:
		return -1
	case id.Lamport > other.Lamport:
		return 1
	}
	return strings.Compare(id.Origin, other.Origin)
}

func (id OpID) Less(other OpID) bool {
	return id.Compare(other) < 0
}

func (id OpID) String() string {
	if id.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%d@%s", id.Lamport, id.Origin)
}

// VersionVector maps an origin to the highest contiguous change sequence
// integrated from it.
type VersionVector map[string]uint64

func (v VersionVector) Get(origin string) uint64 {
	if v == nil {
		return 0
	}
	return v[origin]
}

// Covers reports whether the change (origin, seq) is already included.
func (v VersionVector) Covers(origin string, seq uint64) bool {
	return seq <= v.Get(origin)
}

// Dominates reports whether v includes everything other includes.
func (v VersionVector) Dominates(other VersionVector) bool {
	for origin, seq := range other {
		if v.Get(origin) < seq {
			return false
		}
	}
	return true
}

func (v VersionVector) Equal(other VersionVector) bool {
	return v.Dominates(other) && other.Dominates(v)
}

// Merge raises every entry of v to at least the entry in other.
func (v VersionVector) Merge(other VersionVector) {
	for origin, seq := range other {
		if v[origin] < seq {
			v[origin] = seq
		}
	}
}

func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for origin, seq := range v {
		out[origin] = seq
	}
	return out
}

// Origins returns the origins in v in sorted order.
func (v VersionVector) Origins() []string {
	out := make([]string, 0, len(v))
	for origin := range v {
		out = append(out, origin)
	}
	slices.Sort(out)
	return out
}

func (v VersionVector) String() string {
	parts := make([]string, 0, len(v))
	for _, origin := range v.Origins() {
		parts = append(parts, fmt.Sprintf("%s:%d", origin, v[origin]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Stamp is the causal header of one change: who made it, its position in that
// origin's history, the Lamport time of its first operation, and how many
// operations it holds.
type Stamp struct {
	Origin  string
	Seq     uint64
	Lamport uint64
	Ops     int
}

// Op returns the OpID of the i-th operation of the change.
func (s Stamp) Op(i int) OpID {
	return OpID{Lamport: s.Lamport + uint64(i), Origin: s.Origin}
}

// End is the Lamport time of the last operation of the change.
func (s Stamp) End() uint64 {
	if s.Ops == 0 {
		return s.Lamport
	}
	return s.Lamport + uint64(s.Ops) - 1
}

// Tracker owns the local origin id, the Lamport clock and the version vector of
// one replica.
type Tracker struct {
	mu      sync.Mutex
	origin  string
	lamport uint64
	version VersionVector
}

func NewTracker(origin string) *Tracker {
	return &Tracker{origin: origin, version: VersionVector{}}
}

func (t *Tracker) Origin() string {
	return t.origin
}

// Lamport returns the highest Lamport time observed or issued.
func (t *Tracker) Lamport() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lamport
}

// Version returns a copy of the version vector.
func (t *Tracker) Version() VersionVector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version.Clone()
}

// Reservation is an uncommitted local change header. Operation ids are handed out
// one at a time as the transaction runs; Commit or Restore finishes it.
type Reservation struct {
	t       *Tracker
	stamp   Stamp
	lamport uint64
	deps    VersionVector
}

// Reserve starts a local change. The returned dependency vector excludes the
// local origin since the per-origin sequence already implies it.
func (t *Tracker) Reserve() *Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()
	deps := t.version.Clone()
	delete(deps, t.origin)
	return &Reservation{
		t:       t,
		lamport: t.lamport,
		deps:    deps,
		stamp: Stamp{
			Origin:  t.origin,
			Seq:     t.version.Get(t.origin) + 1,
			Lamport: t.lamport + 1,
		},
	}
}

// Next hands out the next operation id of the change.
func (r *Reservation) Next() OpID {
	id := r.stamp.Op(r.stamp.Ops)
	r.stamp.Ops++
	return id
}

func (r *Reservation) Stamp() Stamp {
	return r.stamp
}

func (r *Reservation) Deps() VersionVector {
	return r.deps
}

// Commit records the change in the tracker.
func (r *Reservation) Commit() Stamp {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	if end := r.stamp.End(); end > r.t.lamport {
		r.t.lamport = end
	}
	r.t.version[r.stamp.Origin] = r.stamp.Seq
	return r.stamp
}

// Restore abandons the change; no sequence number or Lamport time is consumed.
func (r *Reservation) Restore() {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.t.lamport = r.lamport
}

// Observe records a change integrated from any origin. It returns false when the
// change does not directly follow what has been seen from its origin.
func (t *Tracker) Observe(s Stamp) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Seq != t.version.Get(s.Origin)+1 {
		return false
	}
	t.version[s.Origin] = s.Seq
	if end := s.End(); end > t.lamport {
		t.lamport = end
	}
	return true
}

// Ready reports whether a change with the given header and dependencies can be
// integrated now: it is the next change from its origin and everything it
// depended on has been seen.
func (t *Tracker) Ready(s Stamp, deps VersionVector) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.Seq == t.version.Get(s.Origin)+1 && t.version.Dominates(deps)
}

// Seen reports whether the change has already been integrated.
func (t *Tracker) Seen(s Stamp) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version.Covers(s.Origin, s.Seq)
}
