package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/graphsync/pkg/awareness"
	"github.com/astromechza/graphsync/pkg/backend"
	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/metrics"
)

const DefaultFlushInterval = 5 * time.Second

var ErrInvalidSession = errors.New("invalid session id")

type HubOption func(*Hub)

func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

func WithFlushInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.flushInterval = d
		}
	}
}

func WithPresenceTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.presenceTimeout = d
		}
	}
}

func WithHubPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

func WithHubBacklog(n int) HubOption {
	return func(h *Hub) { h.maxBacklog = n }
}

// Hub hosts one replica per session and relays between the peers connected
// to it.
type Hub struct {
	backend         backend.Backend
	logger          *slog.Logger
	origin          string
	flushInterval   time.Duration
	presenceTimeout time.Duration
	pingInterval    time.Duration
	maxBacklog      int
	upgrader        websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	peers  sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*roomSlot
}

type roomSlot struct {
	ready chan struct{}
	room  *Room
	err   error
}

func NewHub(b backend.Backend, opts ...HubOption) *Hub {
	h := &Hub{
		backend:         b,
		logger:          slog.Default(),
		origin:          "hub-" + ulid.Make().String(),
		flushInterval:   DefaultFlushInterval,
		presenceTimeout: awareness.DefaultTimeout,
		pingInterval:    DefaultPingInterval,
		maxBacklog:      DefaultMaxBacklog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: map[string]*roomSlot{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Register mounts the hub endpoints on r.
func (h *Hub) Register(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/sessions/{session}/sync").HandlerFunc(h.ServeSync)
	r.Methods(http.MethodPost).Path("/sessions/{session}/catchup").HandlerFunc(h.ServeCatchUp)
	r.Methods(http.MethodGet).Path("/sessions/{session}/latest").HandlerFunc(h.ServeLatest)
}

// Room returns the replica of a session, loading it from the backend on first
// use. A session whose stored state is corrupt is refused, and retried on the
// next call.
func (h *Hub) Room(ctx context.Context, id string) (*Room, error) {
	if !backend.ValidSessionID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	h.mu.Lock()
	slot, ok := h.rooms[id]
	if !ok {
		slot = &roomSlot{ready: make(chan struct{})}
		h.rooms[id] = slot
	}
	h.mu.Unlock()

	if ok {
		select {
		case <-slot.ready:
			return slot.room, slot.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	slot.room, slot.err = h.load(ctx, id)
	if slot.err != nil {
		h.mu.Lock()
		delete(h.rooms, id)
		h.mu.Unlock()
	}
	close(slot.ready)
	return slot.room, slot.err
}

func (h *Hub) load(ctx context.Context, id string) (*Room, error) {
	logger := h.logger.With("session", id)
	data, err := h.backend.Load(ctx, id)
	var d *doc.Doc
	switch {
	case errors.Is(err, backend.ErrNotFound):
		logger.Info("starting new session")
		d = doc.New(h.origin, doc.WithLogger(logger))
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	default:
		if d, err = doc.Load(data, h.origin, doc.WithLogger(logger)); err != nil {
			logger.Error("refusing to host session", "err", err)
			return nil, err
		}
		logger.Info("loaded session", "version", d.Version(), "bytes", len(data))
	}
	r := &Room{
		id:       id,
		doc:      d,
		presence: awareness.NewRegistry(awareness.WithTimeout(h.presenceTimeout)),
		logger:   logger,
		peers:    map[*hubPeer]struct{}{},
	}
	d.Subscribe(func(doc.Event) {
		r.dirty.Store(true)
		metrics.ChangesPending.WithLabelValues(id).Set(float64(d.PendingCount()))
	})
	return r, nil
}

func (h *Hub) readyRooms() []*Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Room, 0, len(h.rooms))
	for _, slot := range h.rooms {
		select {
		case <-slot.ready:
			if slot.room != nil {
				out = append(out, slot.room)
			}
		default:
		}
	}
	slices.SortFunc(out, func(a, b *Room) int { return strings.Compare(a.id, b.id) })
	return out
}

// Rooms returns the loaded rooms sorted by session id.
func (h *Hub) Rooms() []*Room {
	return h.readyRooms()
}

// Run flushes dirty rooms and expires stale presence until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	flushTicker := time.NewTicker(h.flushInterval)
	defer flushTicker.Stop()
	expireTicker := time.NewTicker(h.presenceTimeout / 2)
	defer expireTicker.Stop()
	for {
		select {
		case <-flushTicker.C:
			if err := h.Flush(ctx); err != nil {
				h.logger.Error("failed to flush sessions", "err", err)
			}
		case <-expireTicker.C:
			for _, r := range h.readyRooms() {
				r.expirePresence()
			}
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Flush writes every room changed since its last flush.
func (h *Hub) Flush(ctx context.Context) error {
	var errs []error
	for _, r := range h.readyRooms() {
		if err := r.flush(ctx, h.backend); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", r.id, err))
		}
	}
	return errors.Join(errs...)
}

// Close disconnects every peer and flushes all rooms.
func (h *Hub) Close(ctx context.Context) error {
	h.cancel()
	h.peers.Wait()
	return h.Flush(ctx)
}

func (h *Hub) roomFor(w http.ResponseWriter, r *http.Request) (*Room, bool) {
	room, err := h.Room(r.Context(), mux.Vars(r)["session"])
	switch {
	case err == nil:
		return room, true
	case errors.Is(err, ErrInvalidSession):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, doc.ErrCorruptState):
		http.Error(w, "stored session state is corrupt", http.StatusConflict)
	default:
		h.logger.Error("failed to open session", "err", err)
		http.Error(w, "failed to open session", http.StatusInternalServerError)
	}
	return nil, false
}

// ServeSync upgrades to a websocket and syncs the peer until it leaves.
func (h *Hub) ServeSync(w http.ResponseWriter, r *http.Request) {
	room, ok := h.roomFor(w, r)
	if !ok {
		return
	}
	select {
	case <-h.ctx.Done():
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "err", err)
		return
	}
	h.peers.Add(1)
	defer h.peers.Done()

	p := &hubPeer{
		peer:  newPeer(ws, room.logger, h.maxBacklog, catchUpFrom(room.doc, maxCatchUpBytes)),
		owned: map[string]struct{}{},
	}
	room.join(p)
	defer room.leave(p)

	if err := p.run(h.ctx, h.pingInterval, func(mt int, data []byte) {
		h.handle(room, p, mt, data)
	}); err != nil {
		room.logger.Info("peer connection ended", "client", p.clientID.Load(), "err", err)
	}
}

func (h *Hub) handle(room *Room, p *hubPeer, mt int, data []byte) {
	room.touch(p)
	if mt == websocket.TextMessage {
		room.receivePresence(p, data)
		return
	}
	f, err := DecodeFrame(data)
	if err != nil {
		room.logger.Warn("dropped malformed frame", "err", err)
		metrics.DeltasRejected.WithLabelValues("server").Inc()
		return
	}
	switch f.Type {
	case FrameHello:
		p.clientID.Store(f.ClientID)
		room.logger.Info("peer joined", "client", f.ClientID, "summary", f.Summary)
		p.send(Frame{Type: FrameHello, ClientID: h.origin, Summary: room.doc.Version()})
		p.requestCatchUp(f.Summary)
	case FrameDelta:
		res, err := applyDelta(room.doc, f.Payload, "server", room.logger)
		if err != nil {
			return
		}
		p.send(Frame{Type: FrameAck, Summary: room.doc.Version()})
		if res.Applied > 0 || res.Pending > 0 {
			room.relayDelta(p, data)
		}
	case FrameAck:
		p.ack(f.Summary)
	case FramePing:
	}
}

type hubPeer struct {
	*peer
	clientID atomic.Value
	// owned holds the presence entries announced over this connection; guarded
	// by the room lock.
	owned map[string]struct{}
}

// Room is the server replica of one session.
type Room struct {
	id       string
	doc      *doc.Doc
	presence *awareness.Registry
	logger   *slog.Logger
	dirty    atomic.Bool

	mu    sync.Mutex
	peers map[*hubPeer]struct{}
}

func (r *Room) ID() string { return r.id }

func (r *Room) Doc() *doc.Doc { return r.doc }

func (r *Room) Presence() *awareness.Registry { return r.presence }

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) join(p *hubPeer) {
	r.mu.Lock()
	r.peers[p] = struct{}{}
	n := len(r.peers)
	r.mu.Unlock()
	metrics.ConnectedPeers.WithLabelValues(r.id).Set(float64(n))

	if states := r.presence.All(); len(states) > 0 {
		if data, err := awareness.Encode(awareness.Message{Type: awareness.MessageUpdate, States: states}); err == nil {
			p.sendText(data)
		}
	}
}

// leave drops the peer and withdraws the presence it announced.
func (r *Room) leave(p *hubPeer) {
	r.mu.Lock()
	delete(r.peers, p)
	n := len(r.peers)
	owned := make([]string, 0, len(p.owned))
	for id := range p.owned {
		owned = append(owned, id)
	}
	r.mu.Unlock()
	metrics.ConnectedPeers.WithLabelValues(r.id).Set(float64(n))

	removed := make([]string, 0, len(owned))
	for _, id := range owned {
		if r.presence.Remove(id) {
			removed = append(removed, id)
		}
	}
	r.broadcastRemove(removed)
}

func (r *Room) others(except *hubPeer) []*hubPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*hubPeer, 0, len(r.peers))
	for p := range r.peers {
		if p != except {
			out = append(out, p)
		}
	}
	return out
}

// relayDelta forwards an encoded delta frame to every peer except from.
func (r *Room) relayDelta(from *hubPeer, frame []byte) {
	for _, p := range r.others(from) {
		p.pushDeltaFrame(frame)
	}
}

func (r *Room) touch(p *hubPeer) {
	r.mu.Lock()
	owned := make([]string, 0, len(p.owned))
	for id := range p.owned {
		owned = append(owned, id)
	}
	r.mu.Unlock()
	for _, id := range owned {
		r.presence.Touch(id)
	}
}

func (r *Room) receivePresence(p *hubPeer, data []byte) {
	m, err := awareness.Decode(data)
	if err != nil {
		r.logger.Warn("dropped malformed presence", "err", err)
		return
	}
	if m.Type == awareness.MessageUpdate {
		r.mu.Lock()
		for _, s := range m.States {
			p.owned[s.ClientID] = struct{}{}
		}
		r.mu.Unlock()
	}
	if r.presence.Apply(m) {
		for _, other := range r.others(p) {
			other.sendText(data)
		}
	}
}

func (r *Room) expirePresence() {
	r.broadcastRemove(r.presence.Expire())
}

func (r *Room) broadcastRemove(ids []string) {
	if len(ids) == 0 {
		return
	}
	r.logger.Debug("presence removed", "clients", ids)
	data, err := awareness.Encode(awareness.Message{Type: awareness.MessageRemove, ClientIDs: ids})
	if err != nil {
		r.logger.Error("failed to encode presence", "err", err)
		return
	}
	for _, p := range r.others(nil) {
		p.sendText(data)
	}
}

func (r *Room) flush(ctx context.Context, b backend.Backend) error {
	if !r.dirty.Swap(false) {
		return nil
	}
	data := r.doc.Save()
	if err := b.Save(ctx, r.id, data); err != nil {
		r.dirty.Store(true)
		metrics.Flushes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to save: %w", err)
	}
	metrics.Flushes.WithLabelValues("ok").Inc()
	r.logger.Info("backed up", "version", r.doc.Version(), "bytes", len(data))
	return nil
}
