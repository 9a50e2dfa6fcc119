// Package history implements local undo and redo on top of a replicated
// document. Undo never rewrites history: it commits a compensating
// transaction that peers merge like any other edit.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/astromechza/graphsync/pkg/clock"
	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/metrics"
)

// DefaultCaptureWindow is the idle time after which the next local transaction
// starts a new stack item.
const DefaultCaptureWindow = 500 * time.Millisecond

// item is one undo or redo unit: the effects of one or more transactions in
// commit order.
type item struct {
	effects [][]doc.Effect
}

type Manager struct {
	doc    *doc.Doc
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	untracked map[doc.Tag]bool

	mu       sync.Mutex
	undo     []*item
	redo     []*item
	lastAt   time.Time
	boundary bool

	subs  map[int]func(canUndo, canRedo bool)
	subID int

	unsubscribe func()
}

type Option func(*Manager)

func WithCaptureWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithUntracked adds tags whose transactions are not recorded.
func WithUntracked(tags ...doc.Tag) Option {
	return func(m *Manager) {
		for _, t := range tags {
			m.untracked[t] = true
		}
	}
}

// New starts recording the local transactions of d.
func New(d *doc.Doc, opts ...Option) *Manager {
	m := &Manager{
		doc:    d,
		window: DefaultCaptureWindow,
		now:    time.Now,
		logger: slog.Default(),
		untracked: map[doc.Tag]bool{
			doc.TagRemote: true,
			doc.TagUndo:   true,
			doc.TagRedo:   true,
		},
		subs: map[int]func(bool, bool){},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = d.Subscribe(m.observe)
	return m
}

// Close stops recording.
func (m *Manager) Close() {
	m.unsubscribe()
}

func (m *Manager) observe(ev doc.Event) {
	if !ev.Local || m.untracked[ev.Tag] || len(ev.Effects) == 0 {
		return
	}
	now := m.now()
	m.mu.Lock()
	if n := len(m.undo); n > 0 && !m.boundary && now.Sub(m.lastAt) < m.window {
		top := m.undo[n-1]
		top.effects = append(top.effects, ev.Effects)
	} else {
		m.undo = append(m.undo, &item{effects: [][]doc.Effect{ev.Effects}})
	}
	m.lastAt = now
	m.boundary = false
	m.redo = nil
	m.mu.Unlock()
	m.changed()
}

// StopCapturing makes the next local transaction start a new stack item.
func (m *Manager) StopCapturing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boundary = true
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Clear drops both stacks.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.undo, m.redo = nil, nil
	m.mu.Unlock()
	m.changed()
}

// Subscribe registers fn to be told whenever the stacks change.
func (m *Manager) Subscribe(fn func(canUndo, canRedo bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subID++
	id := m.subID
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) changed() {
	m.mu.Lock()
	canUndo, canRedo := len(m.undo) > 0, len(m.redo) > 0
	subs := make([]func(bool, bool), 0, len(m.subs))
	for _, id := range slices.Sorted(maps.Keys(m.subs)) {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(canUndo, canRedo)
	}
}

// Undo reverts the most recent stack item. It returns false when there is
// nothing to undo.
func (m *Manager) Undo() (bool, error) {
	return m.step(&m.undo, &m.redo, doc.TagUndo)
}

// Redo reapplies the most recently undone stack item. It returns false when
// there is nothing to redo.
func (m *Manager) Redo() (bool, error) {
	return m.step(&m.redo, &m.undo, doc.TagRedo)
}

// step pops from one stack, commits the inverse and pushes the inverse's own
// effects onto the other stack. The lock is not held across the transaction
// since document observers run on the committing goroutine.
func (m *Manager) step(from, to *[]*item, tag doc.Tag) (bool, error) {
	m.mu.Lock()
	n := len(*from)
	if n == 0 {
		m.mu.Unlock()
		return false, nil
	}
	it := (*from)[n-1]
	*from = (*from)[:n-1]
	m.mu.Unlock()

	ev, err := m.doc.Transaction(func(tx *doc.Tx) error { return invert(tx, it) }, doc.WithTag(tag))

	m.mu.Lock()
	if err != nil {
		*from = append(*from, it)
		m.mu.Unlock()
		return false, fmt.Errorf("failed to %s: %w", tag, err)
	}
	if ev != nil {
		*to = append(*to, &item{effects: [][]doc.Effect{ev.Effects}})
	}
	m.boundary = true
	m.mu.Unlock()

	metrics.HistoryOps.WithLabelValues(string(tag)).Inc()
	m.logger.Debug("applied history step", "op", tag, "empty", ev == nil)
	m.changed()
	return true, nil
}

// invert writes the compensating operations of an item, newest effect first.
// An element both inserted and removed within the item is not restored, since
// undoing its insert removes it anyway.
func invert(tx *doc.Tx, it *item) error {
	inserted := make(map[clock.OpID]bool)
	for _, effects := range it.effects {
		for _, e := range effects {
			if e.Kind == doc.EffectInsert && !e.Noop {
				inserted[e.Element] = true
			}
		}
	}
	for i := len(it.effects) - 1; i >= 0; i-- {
		effects := it.effects[i]
		for j := len(effects) - 1; j >= 0; j-- {
			if err := inverse(tx, effects[j], inserted); err != nil {
				return err
			}
		}
	}
	return nil
}

func inverse(tx *doc.Tx, e doc.Effect, inserted map[clock.OpID]bool) error {
	if e.Noop {
		return nil
	}
	switch e.Kind {
	case doc.EffectField:
		before := doc.Null()
		if e.HadBefore {
			before = e.Before
		}
		err := tx.SetField(e.Target, e.Key, e.Field, before)
		// a peer deleted the entity since; there is nothing left to revert
		if errors.Is(err, doc.ErrNotFound) {
			return nil
		}
		return err
	case doc.EffectCreate:
		_, err := tx.Delete(e.Target, e.Key)
		return err
	case doc.EffectDelete:
		return tx.Set(e.Target, e.Key, e.Prior)
	case doc.EffectInsert:
		_, err := tx.RemoveElement(e.Target, e.Element)
		return err
	case doc.EffectRemove:
		if inserted[e.Element] {
			return nil
		}
		_, err := tx.InsertAfter(e.Target, e.Element, e.Elem)
		return err
	}
	return fmt.Errorf("unknown effect kind %d", e.Kind)
}
