// Package collab ties a replicated document to everything an editor needs:
// undo history, snapshots, proposal adoption, presence and an optional sync
// connection. Each Session is independent; nothing is global.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/astromechza/graphsync/pkg/awareness"
	"github.com/astromechza/graphsync/pkg/backend"
	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/graph"
	"github.com/astromechza/graphsync/pkg/history"
	"github.com/astromechza/graphsync/pkg/importer"
	"github.com/astromechza/graphsync/pkg/projector"
	"github.com/astromechza/graphsync/pkg/proposal"
	"github.com/astromechza/graphsync/pkg/session"
	"github.com/astromechza/graphsync/pkg/validate"
)

var ErrNoBackend = errors.New("session has no persistence backend")

type Options struct {
	// SessionID names the shared document on the server and in the backend.
	SessionID string
	// Origin identifies this replica. A fresh ulid is used when empty.
	Origin string
	Logger *slog.Logger

	// Backend, when set, is read by Open and written by Save and Close. The
	// session does not close it.
	Backend backend.Backend
	// ServerURL, when set, starts a sync client against the graphsyncd at
	// that address.
	ServerURL string

	Validator       validate.Validator
	Mode            proposal.Mode
	CaptureWindow   time.Duration
	Debounce        time.Duration
	PresenceTimeout time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
}

type Session struct {
	id      string
	logger  *slog.Logger
	backend backend.Backend

	doc       *doc.Doc
	history   *history.Manager
	projector *projector.Projector
	applier   *proposal.Applier
	importer  *proposal.Applier
	presence  *awareness.Registry
	client    *session.Client
}

// Open loads the session's document from the backend, or starts an empty one
// when the backend has never seen it. Corrupt bytes fail with an error
// wrapping doc.ErrCorruptState; New is the explicit way to start over.
func Open(ctx context.Context, opts Options) (*Session, error) {
	opts = withDefaults(opts)
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	data, err := opts.Backend.Load(ctx, opts.SessionID)
	if errors.Is(err, backend.ErrNotFound) {
		opts.Logger.Info("no stored document, starting empty", "session", opts.SessionID)
		return start(ctx, doc.New(opts.Origin, doc.WithLogger(opts.Logger)), opts)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load session %q: %w", opts.SessionID, err)
	}
	d, err := doc.Load(data, opts.Origin, doc.WithLogger(opts.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open session %q: %w", opts.SessionID, err)
	}
	return start(ctx, d, opts)
}

// New starts a session over an empty document without reading the backend.
func New(ctx context.Context, opts Options) (*Session, error) {
	opts = withDefaults(opts)
	return start(ctx, doc.New(opts.Origin, doc.WithLogger(opts.Logger)), opts)
}

func withDefaults(opts Options) Options {
	if opts.Origin == "" {
		opts.Origin = ulid.Make().String()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("session", opts.SessionID, "origin", opts.Origin)
	if opts.Validator == nil {
		opts.Validator = validate.Default
	}
	if opts.CaptureWindow == 0 {
		opts.CaptureWindow = history.DefaultCaptureWindow
	}
	if opts.Debounce == 0 {
		opts.Debounce = projector.DefaultDebounce
	}
	if opts.PresenceTimeout == 0 {
		opts.PresenceTimeout = awareness.DefaultTimeout
	}
	return opts
}

func start(ctx context.Context, d *doc.Doc, opts Options) (*Session, error) {
	s := &Session{
		id:       opts.SessionID,
		logger:   opts.Logger,
		backend:  opts.Backend,
		doc:      d,
		presence: awareness.NewRegistry(awareness.WithTimeout(opts.PresenceTimeout)),
	}
	s.history = history.New(d, history.WithCaptureWindow(opts.CaptureWindow), history.WithLogger(opts.Logger))
	s.projector = projector.New(d,
		projector.WithDebounce(opts.Debounce),
		projector.WithPresence(s.presence),
		projector.WithLogger(opts.Logger),
	)
	applierOpts := []proposal.Option{
		proposal.WithValidator(opts.Validator),
		proposal.WithHistory(s.history),
		proposal.WithMode(opts.Mode),
		proposal.WithLogger(opts.Logger),
	}
	s.applier = proposal.New(d, applierOpts...)
	s.importer = proposal.New(d, append(applierOpts, proposal.WithTag(doc.TagImport))...)

	if opts.ServerURL != "" {
		u, err := session.SyncURL(opts.ServerURL, opts.SessionID)
		if err != nil {
			s.stop()
			return nil, err
		}
		clientOpts := []session.ClientOption{
			session.WithLogger(opts.Logger),
			session.WithPresence(s.presence),
		}
		if opts.ReconnectMin > 0 || opts.ReconnectMax > 0 {
			clientOpts = append(clientOpts, session.WithReconnectDelay(opts.ReconnectMin, opts.ReconnectMax))
		}
		if opts.PingInterval > 0 {
			clientOpts = append(clientOpts, session.WithPingInterval(opts.PingInterval))
		}
		s.client = session.NewClient(u, d, clientOpts...)
		s.client.Start(ctx)
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Doc exposes the underlying replica.
func (s *Session) Doc() *doc.Doc { return s.doc }

func (s *Session) History() *history.Manager { return s.history }

func (s *Session) Presence() *awareness.Registry { return s.presence }

// Edit runs fn as one user transaction.
func (s *Session) Edit(fn func(tx *doc.Tx) error) (*doc.Event, error) {
	return s.doc.Transaction(fn)
}

func (s *Session) Undo() (bool, error) { return s.history.Undo() }

func (s *Session) Redo() (bool, error) { return s.history.Redo() }

// AdoptProposal validates the proposal and writes its graph as one undoable
// transaction.
func (s *Session) AdoptProposal(p graph.Proposal) (*doc.Event, error) {
	return s.applier.Adopt(p)
}

// Import reads a graph from a .json, .hcl or .automerge file and adopts it
// like a proposal.
func (s *Session) Import(path string) (*doc.Event, error) {
	p, err := importer.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.importer.Adopt(p)
}

func (s *Session) Clear() (*doc.Event, error) {
	return s.applier.Clear()
}

// Snapshot returns the current view, recomputed if the document moved since
// the last publish.
func (s *Session) Snapshot() projector.View {
	return s.projector.Flush()
}

// Subscribe registers fn for every published view.
func (s *Session) Subscribe(fn func(projector.View)) func() {
	return s.projector.Subscribe(fn)
}

// SetPresence publishes this replica's presence. Without a server it is only
// recorded locally.
func (s *Session) SetPresence(st awareness.State) {
	if s.client != nil {
		s.client.SetPresence(st)
		return
	}
	st.ClientID = s.doc.Origin()
	if prev, ok := s.presence.Get(st.ClientID); ok {
		st.Clock = prev.Clock + 1
	}
	s.presence.Set(st)
}

// Status is the sync status, always disconnected for offline sessions.
func (s *Session) Status() session.Status {
	if s.client == nil {
		return session.StatusDisconnected
	}
	return s.client.Status()
}

func (s *Session) SubscribeStatus(fn func(session.Status)) func() {
	if s.client == nil {
		return func() {}
	}
	return s.client.SubscribeStatus(fn)
}

// Save writes the document to the backend.
func (s *Session) Save(ctx context.Context) error {
	if s.backend == nil {
		return ErrNoBackend
	}
	if err := s.backend.Save(ctx, s.id, s.doc.Save()); err != nil {
		return fmt.Errorf("failed to save session %q: %w", s.id, err)
	}
	return nil
}

// Close disconnects, stops background work and saves when a backend is set.
func (s *Session) Close(ctx context.Context) error {
	s.stop()
	if s.backend == nil {
		return nil
	}
	return s.Save(ctx)
}

func (s *Session) stop() {
	if s.client != nil {
		_ = s.client.Close()
	}
	s.projector.Close()
	s.history.Close()
}
