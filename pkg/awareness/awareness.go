// Package awareness tracks the ephemeral presence of collaborators: who is
// connected, their display name and color, and which node they focus. Presence
// is never written into the document or persisted.
package awareness

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// DefaultTimeout is how long an entry lives without being refreshed.
const DefaultTimeout = 30 * time.Second

type State struct {
	ClientID      string `json:"clientId"`
	Name          string `json:"name,omitempty"`
	Color         string `json:"color,omitempty"`
	FocusedNodeID string `json:"focusedNodeId,omitempty"`
	// Clock increases with every update a client publishes about itself.
	Clock uint64 `json:"clock"`
}

type entry struct {
	state State
	seen  time.Time
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	timeout time.Duration
	now     func() time.Time

	subs  map[int]func()
	subID int
}

type Option func(*Registry)

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: map[string]entry{},
		timeout: DefaultTimeout,
		now:     time.Now,
		subs:    map[int]func(){},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn to be called after every change. fn runs without the
// registry lock held.
func (r *Registry) Subscribe(fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subID++
	id := r.subID
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Registry) changed() {
	r.mu.Lock()
	subs := make([]func(), 0, len(r.subs))
	for _, id := range slices.Sorted(maps.Keys(r.subs)) {
		subs = append(subs, r.subs[id])
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Set records a state. An update older than the one already held is ignored,
// though it still refreshes the liveness of the entry. It reports whether the
// visible state changed.
func (r *Registry) Set(s State) bool {
	if s.ClientID == "" {
		return false
	}
	r.mu.Lock()
	prev, had := r.entries[s.ClientID]
	if had && s.Clock < prev.state.Clock {
		prev.seen = r.now()
		r.entries[s.ClientID] = prev
		r.mu.Unlock()
		return false
	}
	r.entries[s.ClientID] = entry{state: s, seen: r.now()}
	r.mu.Unlock()
	if had && prev.state == s {
		return false
	}
	r.changed()
	return true
}

// Touch refreshes the liveness of an entry without changing it.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[clientID]; ok {
		e.seen = r.now()
		r.entries[clientID] = e
	}
}

func (r *Registry) Remove(clientID string) bool {
	r.mu.Lock()
	_, had := r.entries[clientID]
	delete(r.entries, clientID)
	r.mu.Unlock()
	if had {
		r.changed()
	}
	return had
}

// Expire drops every entry not refreshed within the timeout and returns their
// client ids.
func (r *Registry) Expire() []string {
	r.mu.Lock()
	cutoff := r.now().Add(-r.timeout)
	var gone []string
	for id, e := range r.entries {
		if e.seen.Before(cutoff) {
			gone = append(gone, id)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	if len(gone) > 0 {
		slices.Sort(gone)
		r.changed()
	}
	return gone
}

func (r *Registry) Get(clientID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[clientID]
	return e.state, ok
}

// All returns every entry sorted by client id.
func (r *Registry) All() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.entries))
	for _, id := range slices.Sorted(maps.Keys(r.entries)) {
		out = append(out, r.entries[id].state)
	}
	return out
}

// List returns the entries that can be displayed, those with both a name and
// a color, sorted by client id.
func (r *Registry) List() []State {
	all := r.All()
	out := all[:0]
	for _, s := range all {
		if s.Name != "" && s.Color != "" {
			out = append(out, s)
		}
	}
	return out
}

type MessageType string

const (
	MessageUpdate MessageType = "update"
	MessageRemove MessageType = "remove"
)

// Message is the presence wire record.
type Message struct {
	Type      MessageType `json:"type"`
	States    []State     `json:"states,omitempty"`
	ClientIDs []string    `json:"clientIds,omitempty"`
}

func Encode(m Message) ([]byte, error) {
	return sonic.ConfigStd.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := sonic.ConfigStd.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode presence message: %w", err)
	}
	switch m.Type {
	case MessageUpdate, MessageRemove:
		return m, nil
	}
	return Message{}, fmt.Errorf("unknown presence message type %q", m.Type)
}

// Apply merges a received message and reports whether anything changed.
func (r *Registry) Apply(m Message) bool {
	changed := false
	switch m.Type {
	case MessageUpdate:
		for _, s := range m.States {
			changed = r.Set(s) || changed
		}
	case MessageRemove:
		for _, id := range m.ClientIDs {
			changed = r.Remove(id) || changed
		}
	}
	return changed
}
