package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/astromechza/graphsync/pkg/awareness"
	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/metrics"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

const (
	DefaultMinReconnectDelay = 250 * time.Millisecond
	DefaultMaxReconnectDelay = 30 * time.Second
)

// SyncURL returns the websocket endpoint of a session on a server at base.
func SyncURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath("sessions", sessionID, "sync").String(), nil
}

type ClientOption func(*Client)

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithPresence shares presence through the given registry. The client
// publishes its own entry with SetPresence and merges everyone else's.
func WithPresence(r *awareness.Registry) ClientOption {
	return func(c *Client) { c.presence = r }
}

func WithReconnectDelay(initial, limit time.Duration) ClientOption {
	return func(c *Client) {
		if initial > 0 {
			c.minDelay = initial
		}
		if limit >= c.minDelay {
			c.maxDelay = limit
		}
	}
}

func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithMaxBacklog(n int) ClientOption {
	return func(c *Client) { c.maxBacklog = n }
}

func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// Client keeps one replica in sync with a hub. Local commits never wait on
// the network: they are queued for the current connection, or picked up by
// the catch-up of the next one.
type Client struct {
	url          string
	doc          *doc.Doc
	presence     *awareness.Registry
	logger       *slog.Logger
	dialer       *websocket.Dialer
	minDelay     time.Duration
	maxDelay     time.Duration
	pingInterval time.Duration
	maxBacklog   int

	mu      sync.Mutex
	status  Status
	current *peer
	self    *awareness.State
	subs    map[int]func(Status)
	subID   int

	startOnce   sync.Once
	closeOnce   sync.Once
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewClient(syncURL string, d *doc.Doc, opts ...ClientOption) *Client {
	c := &Client{
		url:          syncURL,
		doc:          d,
		logger:       slog.Default(),
		dialer:       websocket.DefaultDialer,
		minDelay:     DefaultMinReconnectDelay,
		maxDelay:     DefaultMaxReconnectDelay,
		pingInterval: DefaultPingInterval,
		maxBacklog:   DefaultMaxBacklog,
		status:       StatusDisconnected,
		subs:         map[int]func(Status){},
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.presence == nil {
		c.presence = awareness.NewRegistry()
	}
	c.logger = c.logger.With("origin", d.Origin())
	return c
}

// Start connects in the background and keeps reconnecting until ctx is done
// or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.unsubscribe = c.doc.Subscribe(c.onEvent)
		go c.run(ctx)
	})
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel == nil {
			close(c.done)
			return
		}
		c.cancel()
		<-c.done
		c.unsubscribe()
	})
	return nil
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SubscribeStatus registers fn for status transitions.
func (c *Client) SubscribeStatus(fn func(Status)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.subID
	c.subID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.mu.Unlock()

	c.logger.Info("sync status", "status", s)
	for _, fn := range fns {
		fn(s)
	}
}

// Presence returns the registry holding everyone's presence.
func (c *Client) Presence() *awareness.Registry {
	return c.presence
}

// SetPresence publishes this replica's presence.
func (c *Client) SetPresence(s awareness.State) {
	c.mu.Lock()
	s.ClientID = c.doc.Origin()
	if c.self != nil {
		s.Clock = c.self.Clock + 1
	}
	c.self = &s
	p := c.current
	c.mu.Unlock()

	c.presence.Set(s)
	if p != nil {
		c.publishPresence(p, s)
	}
}

func (c *Client) publishPresence(p *peer, s awareness.State) {
	data, err := awareness.Encode(awareness.Message{Type: awareness.MessageUpdate, States: []awareness.State{s}})
	if err != nil {
		c.logger.Error("failed to encode presence", "err", err)
		return
	}
	p.sendText(data)
}

func (c *Client) onEvent(ev doc.Event) {
	if !ev.Local || ev.Change == nil {
		return
	}
	c.mu.Lock()
	p := c.current
	c.mu.Unlock()
	if p != nil {
		p.sendDelta(doc.EncodeChanges(ev.Change))
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minDelay
	b.MaxInterval = c.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		c.setStatus(StatusConnecting)
		connected, err := c.connectAndSync(ctx)
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			c.logger.Info("stopped syncing")
			return
		}
		c.setStatus(StatusConnecting)
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.logger.Warn("connection lost, retrying", "err", err, "wait", wait)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.setStatus(StatusDisconnected)
			c.logger.Info("stopped syncing")
			return
		}
	}
}

// connectAndSync runs one connection to completion and reports whether the
// handshake finished.
func (c *Client) connectAndSync(ctx context.Context) (bool, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	p := newPeer(ws, c.logger, c.maxBacklog, catchUpFrom(c.doc, maxCatchUpBytes))

	c.mu.Lock()
	c.current = p
	self := c.self
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		c.dropRemotePresence()
	}()

	p.send(Frame{Type: FrameHello, ClientID: c.doc.Origin(), Summary: c.doc.Version()})
	if self != nil {
		c.publishPresence(p, *self)
	}

	var connected atomic.Bool
	err = p.run(ctx, c.pingInterval, func(mt int, data []byte) {
		if mt == websocket.TextMessage {
			c.receivePresence(data)
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropped malformed frame", "err", err)
			metrics.DeltasRejected.WithLabelValues("client").Inc()
			return
		}
		switch f.Type {
		case FrameHello:
			p.requestCatchUp(f.Summary)
			if connected.CompareAndSwap(false, true) {
				c.setStatus(StatusConnected)
			}
		case FrameDelta:
			if _, err := applyDelta(c.doc, f.Payload, "client", c.logger); err == nil {
				p.send(Frame{Type: FrameAck, Summary: c.doc.Version()})
			}
		case FrameAck:
			p.ack(f.Summary)
		case FramePing:
		}
	})
	if err != nil {
		return connected.Load(), fmt.Errorf("connection failed: %w", err)
	}
	return connected.Load(), nil
}

func (c *Client) receivePresence(data []byte) {
	m, err := awareness.Decode(data)
	if err != nil {
		c.logger.Warn("dropped malformed presence", "err", err)
		return
	}
	c.presence.Apply(m)
}

// dropRemotePresence forgets everyone else once the hub stops vouching for
// them.
func (c *Client) dropRemotePresence() {
	for _, s := range c.presence.All() {
		if s.ClientID != c.doc.Origin() {
			c.presence.Remove(s.ClientID)
		}
	}
}
