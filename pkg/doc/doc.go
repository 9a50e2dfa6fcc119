// Package doc implements the replicated document store.
//
// A Doc holds named last-writer-wins maps of entities and named ordered
// sequences. Every mutation happens inside a transaction; a committed
// transaction becomes one Change that is replicated to peers as a binary delta.
// Merging is deterministic, commutative and idempotent, so replicas that have
// seen the same changes hold the same state regardless of arrival order.
package doc

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/astromechza/graphsync/pkg/clock"
)

var (
	ErrTxClosed       = errors.New("transaction is closed")
	ErrNotFound       = errors.New("entity not found")
	ErrOutOfRange     = errors.New("index out of range")
	ErrInvalidName    = errors.New("invalid name")
	ErrMalformedDelta = errors.New("malformed delta")
	ErrCorruptState   = errors.New("corrupt document state")
)

// Tag describes why a transaction happened. Observers use it to tell user edits
// from undo, redo and proposal writes.
type Tag string

const (
	TagUser     Tag = "user"
	TagUndo     Tag = "undo"
	TagRedo     Tag = "redo"
	TagProposal Tag = "proposal"
	TagImport   Tag = "import"
	TagRemote   Tag = "remote"
)

// EffectKind says what an operation did to the visible state.
type EffectKind uint8

const (
	EffectField EffectKind = iota + 1
	EffectCreate
	EffectDelete
	EffectInsert
	EffectRemove
)

// Effect records the visible state an operation replaced, which is what an
// inverse operation has to put back.
type Effect struct {
	Kind   EffectKind
	Target string
	Key    string
	Field  string

	// Before is the visible field value before an EffectField.
	Before    Value
	HadBefore bool
	// Prior holds the visible fields of an entity removed by an EffectDelete.
	Prior Fields

	// Element is the inserted or removed sequence element and Elem its value.
	Element clock.OpID
	Elem    string

	// Noop is set when the operation did not change the visible state.
	Noop bool
}

// Event is delivered to observers after a change has been integrated.
type Event struct {
	Change  *Change
	Local   bool
	Tag     Tag
	Effects []Effect
}

// Observer receives events in commit order. Observers run synchronously after
// the document lock is released; they must not block and must not call back
// into the document. Everything they need is carried by the event.
type Observer func(Event)

// ApplyResult summarises one ApplyDelta call.
type ApplyResult struct {
	Applied    int
	Duplicates int
	Pending    int
}

// Reader gives read access to the document content.
type Reader interface {
	Get(coll, key string) (Fields, bool)
	Keys(coll string) []string
	Values(seq string) []string
	Len(seq string) int
}

type Doc struct {
	mu       sync.RWMutex
	notifyMu sync.Mutex

	tracker *clock.Tracker
	state   *state
	log     []*Change
	byKey   map[changeKey]*Change
	pending map[changeKey]*Change

	observers  map[int]Observer
	observerID int

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Doc)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Doc) { d.logger = logger }
}

// WithClock overrides the wall clock used to timestamp changes. Timestamps are
// informational only; they never take part in conflict resolution.
func WithClock(now func() time.Time) Option {
	return func(d *Doc) { d.now = now }
}

// New creates an empty document whose local changes are attributed to origin.
func New(origin string, opts ...Option) *Doc {
	d := &Doc{
		tracker:   clock.NewTracker(origin),
		state:     newState(),
		byKey:     map[changeKey]*Change{},
		pending:   map[changeKey]*Change{},
		observers: map[int]Observer{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Doc) Origin() string {
	return d.tracker.Origin()
}

// Version returns the state summary of the document.
func (d *Doc) Version() clock.VersionVector {
	return d.tracker.Version()
}

// Subscribe registers an observer and returns the function removing it.
func (d *Doc) Subscribe(fn Observer) func() {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	d.observerID++
	id := d.observerID
	d.observers[id] = fn
	return func() {
		d.notifyMu.Lock()
		defer d.notifyMu.Unlock()
		delete(d.observers, id)
	}
}

// notify must be called with notifyMu held.
func (d *Doc) notify(events []Event) {
	for _, ev := range events {
		for _, id := range sortedObserverIDs(d.observers) {
			d.observers[id](ev)
		}
	}
}

func sortedObserverIDs(m map[int]Observer) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// View runs fn with read access to a consistent state.
func (d *Doc) View(fn func(Reader)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn(stateReader{d.state})
}

// Changes returns the integrated change log in canonical order.
func (d *Doc) Changes() []*Change {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := append([]*Change(nil), d.log...)
	sortChanges(out)
	return out
}

// PendingCount returns the number of received changes waiting for their
// dependencies.
func (d *Doc) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

type stateReader struct{ s *state }

func (r stateReader) Get(coll, key string) (Fields, bool) { return r.s.get(coll, key) }
func (r stateReader) Keys(coll string) []string           { return r.s.keys(coll) }
func (r stateReader) Values(seq string) []string          { return r.s.values(seq) }
func (r stateReader) Len(seq string) int                  { return len(r.s.values(seq)) }

type txOptions struct {
	tag Tag
}

type TxOption func(*txOptions)

// WithTag labels the transaction for observers.
func WithTag(tag Tag) TxOption {
	return func(o *txOptions) { o.tag = tag }
}

// Transaction runs fn as one atomic change. Operations become visible to fn as
// they are made. If fn returns an error or panics, every operation is reverted
// and nothing is recorded. A transaction that made no operations records
// nothing and returns a nil event. Transaction must not be called from within fn.
func (d *Doc) Transaction(fn func(tx *Tx) error, opts ...TxOption) (*Event, error) {
	o := txOptions{tag: TagUser}
	for _, opt := range opts {
		opt(&o)
	}

	d.mu.Lock()
	locked := true
	defer func() {
		if locked {
			d.mu.Unlock()
		}
	}()

	tx := &Tx{d: d, res: d.tracker.Reserve()}
	committed := false
	defer func() {
		tx.closed = true
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return nil, err
	}
	if len(tx.ops) == 0 {
		committed = true
		tx.res.Restore()
		return nil, nil
	}

	stamp := tx.res.Commit()
	change := &Change{
		Stamp: stamp,
		Deps:  tx.res.Deps(),
		Time:  d.now().UTC().Truncate(time.Millisecond),
		Ops:   tx.ops,
	}
	d.record(change)
	committed = true

	ev := Event{Change: change, Local: true, Tag: o.tag, Effects: tx.effects}
	d.notifyMu.Lock()
	d.mu.Unlock()
	locked = false
	defer d.notifyMu.Unlock()
	d.notify([]Event{ev})
	return &ev, nil
}

func (d *Doc) record(c *Change) {
	d.log = append(d.log, c)
	d.byKey[keyOf(c)] = c
}

// GenerateDelta encodes every integrated change not covered by since, in
// canonical order. A nil or empty since yields the full history.
func (d *Doc) GenerateDelta(since clock.VersionVector) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeDelta(d.missing(since))
}

// GenerateDeltas is GenerateDelta split into deltas of at most maxBytes each,
// to be applied in the returned order. A change larger than maxBytes is sent
// alone. It returns nil when the peer misses nothing.
func (d *Doc) GenerateDeltas(since clock.VersionVector, maxBytes int) [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeDeltas(d.missing(since), maxBytes)
}

// EncodeChanges encodes the given changes as a delta in canonical order. It is
// used to push freshly committed changes without scanning the log.
func EncodeChanges(changes ...*Change) []byte {
	sorted := slices.Clone(changes)
	sortChanges(sorted)
	return encodeDelta(sorted)
}

// HasMissing reports whether a peer with the given summary lacks any change.
func (d *Doc) HasMissing(since clock.VersionVector) bool {
	return !since.Dominates(d.tracker.Version())
}

func (d *Doc) missing(since clock.VersionVector) []*Change {
	out := make([]*Change, 0)
	for _, c := range d.log {
		if !since.Covers(c.Origin, c.Seq) {
			out = append(out, c)
		}
	}
	sortChanges(out)
	return out
}

// ApplyDelta merges a delta received from a peer. Corrupt deltas are rejected
// as a whole before anything is applied.
func (d *Doc) ApplyDelta(data []byte) (ApplyResult, error) {
	changes, err := decodeDelta(data)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %w", ErrMalformedDelta, err)
	}

	d.mu.Lock()
	res, events := d.merge(changes)
	d.notifyMu.Lock()
	d.mu.Unlock()
	defer d.notifyMu.Unlock()
	d.notify(events)
	return res, nil
}

// merge must be called with mu held.
func (d *Doc) merge(changes []*Change) (ApplyResult, []Event) {
	var res ApplyResult
	for _, c := range changes {
		k := keyOf(c)
		if d.tracker.Seen(c.Stamp) || d.pending[k] != nil {
			res.Duplicates++
			continue
		}
		d.pending[k] = c
	}

	var events []Event
	for progress := true; progress; {
		progress = false
		ready := make([]*Change, 0)
		for _, c := range d.pending {
			if d.tracker.Ready(c.Stamp, c.Deps) {
				ready = append(ready, c)
			}
		}
		sortChanges(ready)
		for _, c := range ready {
			if !d.tracker.Ready(c.Stamp, c.Deps) {
				continue
			}
			delete(d.pending, keyOf(c))
			events = append(events, d.integrateRemote(c))
			res.Applied++
			progress = true
		}
	}
	res.Pending = len(d.pending)
	if res.Pending > 0 {
		d.logger.Debug("changes waiting for dependencies", "pending", res.Pending, "version", d.tracker.Version())
	}
	return res, events
}

func (d *Doc) integrateRemote(c *Change) Event {
	effects := make([]Effect, 0, len(c.Ops))
	for i, op := range c.Ops {
		_, eff := d.state.integrate(op, c.ID(i))
		effects = append(effects, eff)
	}
	d.tracker.Observe(c.Stamp)
	d.record(c)
	return Event{Change: c, Tag: TagRemote, Effects: effects}
}
