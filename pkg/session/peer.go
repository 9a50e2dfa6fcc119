package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/graphsync/pkg/clock"
	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/metrics"
)

const (
	DefaultPingInterval = 10 * time.Second
	DefaultMaxBacklog   = 256

	writeWait      = 10 * time.Second
	maxMessageSize = 32 << 20
	// catch-up is written as several frames so each stays well under the
	// remote read limit
	maxCatchUpBytes = maxMessageSize / 4
)

type outFrame struct {
	messageType int
	data        []byte
	delta       bool
}

// peer is one websocket connection. Only its write loop writes to the socket;
// everything else queues.
type peer struct {
	ws         *websocket.Conn
	logger     *slog.Logger
	maxBacklog int
	// catchUp returns the deltas the remote side misses given the last summary
	// it acknowledged, in apply order, or nil when it misses nothing.
	catchUp func(acked clock.VersionVector) [][]byte

	mu      sync.Mutex
	queue   []outFrame
	deltas  int
	lagging bool
	acked   clock.VersionVector

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(ws *websocket.Conn, logger *slog.Logger, maxBacklog int, catchUp func(clock.VersionVector) [][]byte) *peer {
	if maxBacklog <= 0 {
		maxBacklog = DefaultMaxBacklog
	}
	return &peer{
		ws:         ws,
		logger:     logger,
		maxBacklog: maxBacklog,
		catchUp:    catchUp,
		acked:      clock.VersionVector{},
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// catchUpFrom builds the catch-up function for a replica, splitting it into
// deltas of at most maxBytes.
func catchUpFrom(d *doc.Doc, maxBytes int) func(clock.VersionVector) [][]byte {
	return func(acked clock.VersionVector) [][]byte {
		if !d.HasMissing(acked) {
			return nil
		}
		return d.GenerateDeltas(acked, maxBytes)
	}
}

func (p *peer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *peer) push(f outFrame) {
	p.mu.Lock()
	switch {
	case f.delta && p.lagging:
		// the pending catch-up covers it
	case f.delta && p.deltas >= p.maxBacklog:
		p.logger.Debug("backlog overflow, collapsing into catch-up", "backlog", p.deltas)
		p.dropDeltas()
		p.lagging = true
	default:
		p.queue = append(p.queue, f)
		if f.delta {
			p.deltas++
		}
	}
	p.mu.Unlock()
	p.signal()
}

// dropDeltas must be called with mu held.
func (p *peer) dropDeltas() {
	kept := p.queue[:0]
	for _, f := range p.queue {
		if !f.delta {
			kept = append(kept, f)
		}
	}
	clear(p.queue[len(kept):])
	p.queue = kept
	p.deltas = 0
}

func (p *peer) send(f Frame) {
	p.push(outFrame{messageType: websocket.BinaryMessage, data: EncodeFrame(f)})
}

func (p *peer) sendDelta(payload []byte) {
	p.pushDeltaFrame(EncodeFrame(Frame{Type: FrameDelta, Payload: payload}))
}

func (p *peer) pushDeltaFrame(frame []byte) {
	p.push(outFrame{messageType: websocket.BinaryMessage, data: frame, delta: true})
}

func (p *peer) sendText(data []byte) {
	p.push(outFrame{messageType: websocket.TextMessage, data: data})
}

// requestCatchUp replaces queued deltas with one delta computed from summary
// at write time.
func (p *peer) requestCatchUp(summary clock.VersionVector) {
	p.mu.Lock()
	p.acked = summary.Clone()
	p.dropDeltas()
	p.lagging = true
	p.mu.Unlock()
	p.signal()
}

func (p *peer) ack(summary clock.VersionVector) {
	p.mu.Lock()
	p.acked.Merge(summary)
	p.mu.Unlock()
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}

func (p *peer) write(messageType int, data []byte) error {
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return p.ws.WriteMessage(messageType, data)
}

func (p *peer) flush() error {
	p.mu.Lock()
	frames := p.queue
	p.queue = nil
	p.deltas = 0
	lagging := p.lagging
	p.lagging = false
	acked := p.acked.Clone()
	p.mu.Unlock()

	// a lagging queue holds no deltas, so control frames can go first
	for _, f := range frames {
		if err := p.write(f.messageType, f.data); err != nil {
			return err
		}
	}
	if lagging && p.catchUp != nil {
		deltas := p.catchUp(acked)
		if len(deltas) > 1 {
			p.logger.Debug("splitting catch-up", "frames", len(deltas))
		}
		for _, delta := range deltas {
			if err := p.write(websocket.BinaryMessage, EncodeFrame(Frame{Type: FrameDelta, Payload: delta})); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *peer) writeLoop(ctx context.Context, pingInterval time.Duration) error {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-p.wake:
			if err := p.flush(); err != nil {
				return err
			}
		case <-t.C:
			if err := p.write(websocket.BinaryMessage, EncodeFrame(Frame{Type: FramePing})); err != nil {
				return err
			}
		case <-ctx.Done():
			_ = p.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return nil
		case <-p.done:
			return nil
		}
	}
}

func (p *peer) readLoop(pingInterval time.Duration, handle func(messageType int, data []byte)) error {
	p.ws.SetReadLimit(maxMessageSize)
	for {
		_ = p.ws.SetReadDeadline(time.Now().Add(3 * pingInterval))
		mt, data, err := p.ws.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			p.logger.Error("dropping connection, frame exceeds read limit", "limit", maxMessageSize)
			metrics.OversizedFrames.Inc()
			return err
		}
		if err != nil {
			return err
		}
		handle(mt, data)
	}
}

// run pumps the connection until either side stops. A normal close is not an
// error.
func (p *peer) run(ctx context.Context, pingInterval time.Duration, handle func(messageType int, data []byte)) error {
	var readErr error
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.close()
		readErr = p.readLoop(pingInterval, handle)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.close()
		if err := p.writeLoop(ctx, pingInterval); err != nil {
			p.logger.Debug("write loop stopped", "err", err)
		}
	}()
	wg.Wait()

	if readErr == nil || ctx.Err() != nil || errors.Is(readErr, websocket.ErrCloseSent) ||
		websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return readErr
}

// applyDelta merges a received delta and records the outcome.
func applyDelta(d *doc.Doc, payload []byte, side string, logger *slog.Logger) (doc.ApplyResult, error) {
	start := time.Now()
	res, err := d.ApplyDelta(payload)
	if err != nil {
		logger.Warn("rejected malformed delta", "err", err, "bytes", len(payload))
		metrics.DeltasRejected.WithLabelValues(side).Inc()
		return res, err
	}
	metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	metrics.DeltasApplied.Inc()
	metrics.ChangesIntegrated.Add(float64(res.Applied))
	return res, nil
}
