package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/graphsync/pkg/awareness"
	"github.com/astromechza/graphsync/pkg/backend"
	"github.com/astromechza/graphsync/pkg/clock"
	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/graph"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

func newServer(t *testing.T, b backend.Backend, opts ...HubOption) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(b, opts...)
	r := mux.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = h.Close(context.Background())
		srv.Close()
	})
	return h, srv
}

// dropPeers cuts every server side connection of the test room.
func dropPeers(t *testing.T, h *Hub) {
	t.Helper()
	room, err := h.Room(context.Background(), "room-1")
	require.NoError(t, err)
	for _, p := range room.others(nil) {
		p.close()
	}
}

func startClient(t *testing.T, srv *httptest.Server, d *doc.Doc, opts ...ClientOption) *Client {
	t.Helper()
	u, err := SyncURL(srv.URL, "room-1")
	require.NoError(t, err)
	opts = append([]ClientOption{WithReconnectDelay(10*time.Millisecond, 50*time.Millisecond)}, opts...)
	c := NewClient(u, d, opts...)
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func putNode(t *testing.T, d *doc.Doc, id, title string) {
	t.Helper()
	_, err := d.Transaction(func(tx *doc.Tx) error {
		return graph.PutNode(tx, graph.Node{ID: id, Kind: graph.NodeStep, Title: title})
	})
	require.NoError(t, err)
}

func converged(docs ...*doc.Doc) bool {
	first := docs[0].Save()
	for _, d := range docs[1:] {
		if !bytes.Equal(first, d.Save()) {
			return false
		}
	}
	return true
}

func TestFrameEncoding(t *testing.T) {
	f := Frame{Type: FrameHello, ClientID: "a", Summary: clock.VersionVector{"a": 3, "b": 1}, Payload: []byte{1}}
	got, err := DecodeFrame(EncodeFrame(f))
	require.NoError(t, err)
	assert.Equal(t, f, got)

	got, err = DecodeFrame(EncodeFrame(Frame{Type: FramePing}))
	require.NoError(t, err)
	assert.Equal(t, FramePing, got.Type)
	assert.Empty(t, got.Summary)

	_, err = DecodeFrame(nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, err = DecodeFrame([]byte{0x08, 0x63})
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, err = DecodeFrame(EncodeFrame(f)[:7])
	assert.ErrorIs(t, err, ErrMalformedFrame)

	// unknown fields are skipped
	withExtra := append(EncodeFrame(Frame{Type: FrameAck}), 0x78, 0x01)
	got, err = DecodeFrame(withExtra)
	require.NoError(t, err)
	assert.Equal(t, FrameAck, got.Type)
}

func TestBacklogCollapsesIntoCatchUp(t *testing.T) {
	p := newPeer(nil, slog.Default(), 2, nil)
	p.sendDelta([]byte{1})
	p.send(Frame{Type: FrameAck})
	p.sendDelta([]byte{2})
	assert.Len(t, p.queue, 3)
	assert.False(t, p.lagging)

	p.sendDelta([]byte{3})
	assert.True(t, p.lagging)
	require.Len(t, p.queue, 1)
	assert.False(t, p.queue[0].delta)

	p.sendDelta([]byte{4})
	assert.Len(t, p.queue, 1)

	p.requestCatchUp(clock.VersionVector{"a": 1})
	assert.Equal(t, clock.VersionVector{"a": 1}, p.acked)
	p.ack(clock.VersionVector{"b": 2})
	assert.Equal(t, clock.VersionVector{"a": 1, "b": 2}, p.acked)
}

func TestSyncURL(t *testing.T) {
	u, err := SyncURL("http://localhost:8080", "s1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/sessions/s1/sync", u)
	u, err = SyncURL("https://example.com/base", "s1")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/base/sessions/s1/sync", u)
}

func TestClientsConverge(t *testing.T) {
	hub, srv := newServer(t, backend.NewMemory())

	a := doc.New("a")
	b := doc.New("b")
	putNode(t, a, "n1", "offline edit")

	startClient(t, srv, a)
	startClient(t, srv, b)

	putNode(t, b, "n2", "from b")
	putNode(t, a, "n3", "from a")

	room, err := hub.Room(context.Background(), "room-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return converged(a, b, room.Doc()) }, waitFor, tick)

	var g *graph.WorkflowGraph
	b.View(func(r doc.Reader) { g = graph.Read(r) })
	assert.ElementsMatch(t, []string{"n1", "n2", "n3"}, g.NodeIDs())
}

func TestConcurrentEditsWhileConnected(t *testing.T) {
	hub, srv := newServer(t, backend.NewMemory())
	a := doc.New("a")
	b := doc.New("b")
	ca := startClient(t, srv, a)
	cb := startClient(t, srv, b)
	require.Eventually(t, func() bool {
		return ca.Status() == StatusConnected && cb.Status() == StatusConnected
	}, waitFor, tick)

	wg := new(sync.WaitGroup)
	for _, d := range []*doc.Doc{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, _ = d.Transaction(func(tx *doc.Tx) error {
					return graph.PutNode(tx, graph.Node{ID: "shared", Kind: graph.NodeStep, Title: d.Origin()})
				})
			}
		}()
	}
	wg.Wait()

	room, err := hub.Room(context.Background(), "room-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return converged(a, b, room.Doc()) }, waitFor, tick)
}

func TestStatusTransitions(t *testing.T) {
	hub, srv := newServer(t, backend.NewMemory())
	u, err := SyncURL(srv.URL, "room-1")
	require.NoError(t, err)
	c := NewClient(u, doc.New("a"), WithReconnectDelay(10*time.Millisecond, 20*time.Millisecond))
	assert.Equal(t, StatusDisconnected, c.Status())

	var mu sync.Mutex
	var seen []Status
	c.SubscribeStatus(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	c.Start(context.Background())
	require.Eventually(t, func() bool { return c.Status() == StatusConnected }, waitFor, tick)

	dropPeers(t, hub)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, waitFor, tick)
	require.Eventually(t, func() bool { return c.Status() == StatusConnected }, waitFor, tick)

	require.NoError(t, c.Close())
	assert.Equal(t, StatusDisconnected, c.Status())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusConnecting}, seen[:3])
	assert.Equal(t, StatusDisconnected, seen[len(seen)-1])
}

func TestReconnectCatchesUp(t *testing.T) {
	hub, srv := newServer(t, backend.NewMemory())
	a := doc.New("a")
	ca := startClient(t, srv, a)
	require.Eventually(t, func() bool { return ca.Status() == StatusConnected }, waitFor, tick)

	dropPeers(t, hub)
	putNode(t, a, "n1", "written during the outage")

	room, err := hub.Room(context.Background(), "room-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return converged(a, room.Doc()) }, waitFor, tick)
}

func dialRaw(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u, err := SyncURL(srv.URL, "room-1")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, want FrameType) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := DecodeFrame(data)
		require.NoError(t, err)
		if f.Type == want {
			return f
		}
	}
}

func TestMalformedDeltaKeepsConnection(t *testing.T) {
	_, srv := newServer(t, backend.NewMemory())
	conn := dialRaw(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(Frame{Type: FrameHello, ClientID: "raw"})))
	readFrame(t, conn, FrameHello)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(Frame{Type: FrameDelta, Payload: []byte("garbage")})))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff}))

	d := doc.New("raw")
	putNode(t, d, "n1", "valid")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(Frame{Type: FrameDelta, Payload: d.GenerateDelta(nil)})))
	ack := readFrame(t, conn, FrameAck)
	assert.Equal(t, uint64(1), ack.Summary.Get("raw"))
}

func TestHandshakeSendsOnlyMissing(t *testing.T) {
	hub, srv := newServer(t, backend.NewMemory())
	room, err := hub.Room(context.Background(), "room-1")
	require.NoError(t, err)

	src := doc.New("src")
	putNode(t, src, "n1", "one")
	putNode(t, src, "n2", "two")
	_, err = room.Doc().ApplyDelta(src.GenerateDelta(nil))
	require.NoError(t, err)

	conn := dialRaw(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(Frame{
		Type: FrameHello, ClientID: "raw", Summary: clock.VersionVector{"src": 1},
	})))
	hello := readFrame(t, conn, FrameHello)
	assert.Equal(t, uint64(2), hello.Summary.Get("src"))

	delta := readFrame(t, conn, FrameDelta)
	peerDoc := doc.New("raw")
	res, err := peerDoc.ApplyDelta(delta.Payload)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 1, res.Pending)
}

func TestCatchUpIsSplitIntoFrames(t *testing.T) {
	src := doc.New("src")
	for i := 0; i < 10; i++ {
		putNode(t, src, fmt.Sprintf("n%d", i), strings.Repeat("x", 100))
	}

	const budget = 1024
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := newPeer(ws, slog.Default(), 0, catchUpFrom(src, budget))
		p.requestCatchUp(clock.VersionVector{})
		_ = p.flush()
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	dst := doc.New("dst")
	frames := 0
	for src.HasMissing(dst.Version()) {
		f := readFrame(t, conn, FrameDelta)
		assert.LessOrEqual(t, len(f.Payload), budget)
		res, err := dst.ApplyDelta(f.Payload)
		require.NoError(t, err)
		assert.Zero(t, res.Pending)
		frames++
	}
	assert.Greater(t, frames, 1)
	assert.True(t, converged(src, dst))
}

func TestPresenceRelayAndRemoval(t *testing.T) {
	_, srv := newServer(t, backend.NewMemory())
	regA := awareness.NewRegistry()
	regB := awareness.NewRegistry()
	ca := startClient(t, srv, doc.New("a"), WithPresence(regA))
	cb := startClient(t, srv, doc.New("b"), WithPresence(regB))

	ca.SetPresence(awareness.State{Name: "Alice", Color: "#f00"})
	cb.SetPresence(awareness.State{Name: "Bob", Color: "#00f", FocusedNodeID: "n1"})

	require.Eventually(t, func() bool { return len(regA.List()) == 2 && len(regB.List()) == 2 }, waitFor, tick)
	bob, ok := regA.Get("b")
	require.True(t, ok)
	assert.Equal(t, "n1", bob.FocusedNodeID)

	require.NoError(t, cb.Close())
	require.Eventually(t, func() bool { return len(regA.List()) == 1 }, waitFor, tick)
}

func TestPresenceExpires(t *testing.T) {
	hub, srv := newServer(t, backend.NewMemory(), WithPresenceTimeout(200*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialRaw(t, srv)
	data, err := awareness.Encode(awareness.Message{Type: awareness.MessageUpdate, States: []awareness.State{{ClientID: "ghost", Name: "G", Color: "#000"}}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	room, err := hub.Room(context.Background(), "room-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := room.Presence().Get("ghost"); return ok }, waitFor, tick)
	require.Eventually(t, func() bool { _, ok := room.Presence().Get("ghost"); return !ok }, waitFor, tick)
}

func TestHubPersistsAndReloads(t *testing.T) {
	store := backend.NewMemory()
	hub, srv := newServer(t, store)
	a := doc.New("a")
	startClient(t, srv, a)
	putNode(t, a, "n1", "persist me")

	room, err := hub.Room(context.Background(), "room-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return converged(a, room.Doc()) }, waitFor, tick)
	require.NoError(t, hub.Flush(context.Background()))

	data, err := store.Load(context.Background(), "room-1")
	require.NoError(t, err)
	loaded, err := doc.Load(data, "check")
	require.NoError(t, err)
	assert.True(t, converged(a, loaded))

	// nothing changed, nothing written
	require.NoError(t, store.Save(context.Background(), "room-1", []byte("sentinel")))
	require.NoError(t, hub.Flush(context.Background()))
	data, err = store.Load(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("sentinel"), data)
}

func TestCorruptSessionRefused(t *testing.T) {
	store := backend.NewMemory()
	require.NoError(t, store.Save(context.Background(), "room-1", []byte("not a document")))
	hub, srv := newServer(t, store)

	_, err := hub.Room(context.Background(), "room-1")
	assert.ErrorIs(t, err, doc.ErrCorruptState)

	resp, err := http.Get(srv.URL + "/sessions/room-1/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/sessions/.bad/latest")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestPollerSync(t *testing.T) {
	hub, srv := newServer(t, backend.NewMemory())
	a := doc.New("a")
	b := doc.New("b")
	putNode(t, a, "n1", "from a")
	putNode(t, b, "n2", "from b")

	pa, err := NewPoller(srv.URL, "room-1", a, srv.Client())
	require.NoError(t, err)
	pb, err := NewPoller(srv.URL, "room-1", b, srv.Client())
	require.NoError(t, err)

	_, err = pa.Sync(context.Background())
	require.NoError(t, err)
	res, err := pb.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	res, err = pa.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	room, err := hub.Room(context.Background(), "room-1")
	require.NoError(t, err)
	assert.True(t, converged(a, b, room.Doc()))

	latest, err := pa.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.Save(), latest)
}

func TestPollerOffersNothingBeforeLearningServerState(t *testing.T) {
	h := NewHub(backend.NewMemory())
	var mu sync.Mutex
	var sent []int
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.HasSuffix(req.URL.Path, "/catchup") {
				raw, _ := io.ReadAll(req.Body)
				var body CatchUpRequest
				assert.NoError(t, sonic.ConfigStd.Unmarshal(raw, &body))
				mu.Lock()
				sent = append(sent, len(body.Delta))
				mu.Unlock()
				req.Body = io.NopCloser(bytes.NewReader(raw))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = h.Close(context.Background())
		srv.Close()
	})
	sizes := func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), sent...)
	}

	a := doc.New("a")
	putNode(t, a, "n1", "from a")
	pa, err := NewPoller(srv.URL, "room-1", a, srv.Client())
	require.NoError(t, err)
	_, err = pa.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sizes(), 2)
	assert.Zero(t, sizes()[0])
	assert.Positive(t, sizes()[1])

	// a replica that already holds everything the server has pushes nothing
	b, err := doc.Load(a.Save(), "b")
	require.NoError(t, err)
	pb, err := NewPoller(srv.URL, "room-1", b, srv.Client())
	require.NoError(t, err)
	res, err := pb.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	require.Len(t, sizes(), 3)
	assert.Zero(t, sizes()[2])

	putNode(t, b, "n2", "from b")
	_, err = pb.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sizes(), 4)
	assert.Positive(t, sizes()[3])

	room, err := h.Room(context.Background(), "room-1")
	require.NoError(t, err)
	assert.True(t, converged(b, room.Doc()))
}

func TestCatchUpRejectsMalformedDelta(t *testing.T) {
	_, srv := newServer(t, backend.NewMemory())
	resp, err := http.Post(srv.URL+"/sessions/room-1/catchup", "application/json",
		strings.NewReader(`{"summary":{},"delta":"AAEC"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
