// Package projector publishes immutable snapshots of a document's workflow
// graph. Bursts of changes are debounced into one recomputation.
package projector

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/astromechza/graphsync/pkg/awareness"
	"github.com/astromechza/graphsync/pkg/clock"
	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/graph"
)

const DefaultDebounce = 16 * time.Millisecond

// View is one published snapshot. It must not be modified.
type View struct {
	Graph    *graph.WorkflowGraph
	Presence []awareness.State
	Version  clock.VersionVector
}

// Empty reports whether the graph has nothing to show.
func (v View) Empty() bool {
	return v.Graph.IsEmpty()
}

type Projector struct {
	doc      *doc.Doc
	presence *awareness.Registry
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	current View
	subs    map[int]func(View)
	subID   int

	// publishMu keeps subscribers seeing snapshots in computation order.
	publishMu sync.Mutex

	trigger  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	closeOne sync.Once
	unsubs   []func()
}

type Option func(*Projector)

func WithDebounce(d time.Duration) Option {
	return func(p *Projector) { p.debounce = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) { p.logger = logger }
}

// WithPresence merges the displayable entries of the registry into every view
// and republishes when presence changes.
func WithPresence(r *awareness.Registry) Option {
	return func(p *Projector) { p.presence = r }
}

// New starts a projector over d. The first snapshot is computed before New
// returns.
func New(d *doc.Doc, opts ...Option) *Projector {
	p := &Projector{
		doc:      d,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		subs:     map[int]func(View){},
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.current = p.compute()

	p.unsubs = append(p.unsubs, d.Subscribe(func(doc.Event) { p.Touch() }))
	if p.presence != nil {
		p.unsubs = append(p.unsubs, p.presence.Subscribe(p.Touch))
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Touch schedules a recomputation.
func (p *Projector) Touch() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Projector) loop() {
	defer p.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-p.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-p.trigger:
			if fire == nil {
				timer = time.NewTimer(p.debounce)
				fire = timer.C
			}
		case <-fire:
			fire = nil
			p.refresh()
		}
	}
}

func (p *Projector) compute() View {
	var v View
	p.doc.View(func(r doc.Reader) {
		v.Graph = graph.Read(r)
		v.Version = p.doc.Version()
	})
	if p.presence != nil {
		v.Presence = p.presence.List()
	} else {
		v.Presence = []awareness.State{}
	}
	return v
}

func (p *Projector) refresh() View {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	next := p.compute()
	p.mu.Lock()
	prev := p.current
	if next.Version.Equal(prev.Version) && slices.Equal(next.Presence, prev.Presence) {
		p.mu.Unlock()
		return prev
	}
	p.current = next
	subs := make([]func(View), 0, len(p.subs))
	for _, id := range slices.Sorted(maps.Keys(p.subs)) {
		subs = append(subs, p.subs[id])
	}
	p.mu.Unlock()

	p.logger.Debug("published snapshot", "version", next.Version, "nodes", len(next.Graph.Nodes), "lanes", len(next.Graph.Lanes))
	for _, fn := range subs {
		fn(next)
	}
	return next
}

// Current returns the latest published snapshot.
func (p *Projector) Current() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Flush recomputes synchronously and returns the resulting snapshot.
func (p *Projector) Flush() View {
	return p.refresh()
}

// Subscribe registers fn for every published snapshot. Subscribers run on the
// projector goroutine and must not block.
func (p *Projector) Subscribe(fn func(View)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subID++
	id := p.subID
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Close stops the projector. Pending recomputations are dropped.
func (p *Projector) Close() {
	p.closeOne.Do(func() {
		for _, unsub := range p.unsubs {
			unsub()
		}
		close(p.done)
		p.wg.Wait()
	})
}
