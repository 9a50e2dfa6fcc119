package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"

	"github.com/astromechza/graphsync/pkg/clock"
	"github.com/astromechza/graphsync/pkg/doc"
)

// CatchUpRequest is the body of a polling sync: what the caller has and what
// it thinks the server misses.
type CatchUpRequest struct {
	Summary clock.VersionVector `json:"summary"`
	Delta   []byte              `json:"delta,omitempty"`
}

type CatchUpResponse struct {
	Summary clock.VersionVector `json:"summary"`
	Delta   []byte              `json:"delta,omitempty"`
	Applied int                 `json:"applied"`
	Pending int                 `json:"pending"`
}

// ServeCatchUp merges the posted delta and answers with whatever the caller
// misses.
func (h *Hub) ServeCatchUp(w http.ResponseWriter, r *http.Request) {
	room, ok := h.roomFor(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var req CatchUpRequest
	if err := sonic.ConfigStd.Unmarshal(raw, &req); err != nil {
		http.Error(w, "failed to decode body", http.StatusBadRequest)
		return
	}

	var resp CatchUpResponse
	if len(req.Delta) > 0 {
		res, err := applyDelta(room.doc, req.Delta, "server", room.logger)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp.Applied, resp.Pending = res.Applied, res.Pending
		if res.Applied > 0 || res.Pending > 0 {
			room.relayDelta(nil, EncodeFrame(Frame{Type: FrameDelta, Payload: req.Delta}))
		}
	}
	if room.doc.HasMissing(req.Summary) {
		resp.Delta = room.doc.GenerateDelta(req.Summary)
	}
	resp.Summary = room.doc.Version()

	out, err := sonic.ConfigStd.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(out); err != nil {
		h.logger.Error("failed to write out", "err", err)
	}
}

// ServeLatest returns the saved state of a session.
func (h *Hub) ServeLatest(w http.ResponseWriter, r *http.Request) {
	room, ok := h.roomFor(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(room.doc.Save()); err != nil {
		h.logger.Error("failed to write out", "err", err)
	}
}

// Poller syncs a replica through the catch-up endpoint, for callers that
// cannot hold a websocket open.
type Poller struct {
	base      *url.URL
	sessionID string
	doc       *doc.Doc
	client    *http.Client
	logger    *slog.Logger
	remote    clock.VersionVector
	// known is set once the server has told us its summary.
	known bool
}

func NewPoller(baseURL, sessionID string, d *doc.Doc, client *http.Client) (*Poller, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Poller{
		base:      u,
		sessionID: sessionID,
		doc:       d,
		client:    client,
		logger:    slog.Default().With("session", sessionID),
		remote:    clock.VersionVector{},
	}, nil
}

// Sync pushes what the server is known to miss and merges what it sends back.
// Until the server summary is known, the first round carries no delta.
func (p *Poller) Sync(ctx context.Context) (doc.ApplyResult, error) {
	var total doc.ApplyResult
	if !p.known {
		res, err := p.exchange(ctx, nil)
		if err != nil || !p.doc.HasMissing(p.remote) {
			return res, err
		}
		total = res
	}
	var delta []byte
	if p.doc.HasMissing(p.remote) {
		delta = p.doc.GenerateDelta(p.remote)
	}
	res, err := p.exchange(ctx, delta)
	total.Applied += res.Applied
	total.Duplicates += res.Duplicates
	total.Pending = res.Pending
	return total, err
}

func (p *Poller) exchange(ctx context.Context, delta []byte) (doc.ApplyResult, error) {
	body, err := sonic.ConfigStd.Marshal(CatchUpRequest{Summary: p.doc.Version(), Delta: delta})
	if err != nil {
		return doc.ApplyResult{}, fmt.Errorf("failed to encode request: %w", err)
	}
	u := p.base.JoinPath("sessions", p.sessionID, "catchup")
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return doc.ApplyResult{}, err
	}
	hr.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(hr)
	if err != nil {
		return doc.ApplyResult{}, fmt.Errorf("failed to post: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return doc.ApplyResult{}, fmt.Errorf("failed to read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return doc.ApplyResult{}, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out CatchUpResponse
	if err := sonic.ConfigStd.Unmarshal(raw, &out); err != nil {
		return doc.ApplyResult{}, fmt.Errorf("failed to decode response: %w", err)
	}

	var res doc.ApplyResult
	if len(out.Delta) > 0 {
		if res, err = applyDelta(p.doc, out.Delta, "client", p.logger); err != nil {
			return res, err
		}
	}
	if out.Summary != nil {
		p.remote = out.Summary
		p.known = true
	}
	p.logger.Debug("caught up", "sent", len(delta), "received", len(out.Delta), "applied", res.Applied)
	return res, nil
}

// Latest downloads the saved state of the session.
func (p *Poller) Latest(ctx context.Context) ([]byte, error) {
	u := p.base.JoinPath("sessions", p.sessionID, "latest")
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body from get: %w", err)
	}
	return raw, nil
}
