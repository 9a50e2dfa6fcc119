package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/graph"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T) (*doc.Doc, *Manager, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	d := doc.New("a")
	m := New(d, WithClock(clk.now))
	t.Cleanup(m.Close)
	return d, m, clk
}

func edit(t *testing.T, d *doc.Doc, fn func(tx *doc.Tx) error) {
	t.Helper()
	_, err := d.Transaction(fn)
	require.NoError(t, err)
}

func read(d *doc.Doc) (g *graph.WorkflowGraph) {
	d.View(func(r doc.Reader) { g = graph.Read(r) })
	return
}

func seed() *graph.WorkflowGraph {
	return graph.Spec{
		Lanes: []graph.Lane{{ID: "l1", Name: "Support"}, {ID: "l2", Name: "Ops", Order: 1}},
		Nodes: []graph.Node{
			{ID: "n1", Kind: graph.NodeStart, LaneID: "l1", Title: "Draft", Metadata: map[string]any{"priority": "low"}},
			{ID: "n2", Kind: graph.NodeEnd, LaneID: "l2", Title: "Done"},
		},
		Edges: []graph.Edge{{ID: "e1", From: "n1", To: "n2", Kind: graph.EdgeNormal}},
	}.Graph()
}

func TestEmptyStacks(t *testing.T) {
	_, m, _ := setup(t)
	ok, err := m.Undo()
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.Redo()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	d, m, clk := setup(t)
	edit(t, d, func(tx *doc.Tx) error { return graph.Replace(tx, seed()) })
	clk.advance(time.Second)
	before := read(d)

	edit(t, d, func(tx *doc.Tx) error {
		require.NoError(t, graph.PutNode(tx, graph.Node{ID: "n1", Kind: graph.NodeStart, LaneID: "l2", Title: "Final", Description: "d"}))
		require.NoError(t, graph.InsertLane(tx, 0, graph.Lane{ID: "l3", Name: "New"}))
		_, err := graph.DeleteNode(tx, "n2")
		return err
	})
	after := read(d)
	require.False(t, before.Equal(after))

	ok, err := m.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, before.Equal(read(d)), "undo should restore %+v, got %+v", before, read(d))
	assert.True(t, m.CanRedo())

	ok, err = m.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, after.Equal(read(d)))

	// undo twice goes back to the empty document
	_, err = m.Undo()
	require.NoError(t, err)
	ok, err = m.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, read(d).IsEmpty())
	assert.False(t, m.CanUndo())
}

func TestRapidEditsCoalesce(t *testing.T) {
	d, m, clk := setup(t)
	for _, title := range []string{"a", "ab", "abc"} {
		edit(t, d, func(tx *doc.Tx) error {
			return graph.PutNode(tx, graph.Node{ID: "n1", Kind: graph.NodeStep, Title: title})
		})
		clk.advance(100 * time.Millisecond)
	}
	clk.advance(time.Second)
	edit(t, d, func(tx *doc.Tx) error {
		return graph.PutNode(tx, graph.Node{ID: "n1", Kind: graph.NodeStep, Title: "abcd"})
	})

	_, err := m.Undo()
	require.NoError(t, err)
	assert.Equal(t, "abc", read(d).Nodes["n1"].Title)
	_, err = m.Undo()
	require.NoError(t, err)
	assert.True(t, read(d).IsEmpty())
}

func TestStopCapturingForcesBoundary(t *testing.T) {
	d, m, _ := setup(t)
	edit(t, d, func(tx *doc.Tx) error { return graph.PutLane(tx, graph.Lane{ID: "l1", Name: "One"}) })
	m.StopCapturing()
	edit(t, d, func(tx *doc.Tx) error { return graph.PutLane(tx, graph.Lane{ID: "l2", Name: "Two"}) })

	_, err := m.Undo()
	require.NoError(t, err)
	lanes := read(d).Lanes
	require.Len(t, lanes, 1)
	assert.Equal(t, "l1", lanes[0].ID)
}

func TestNewWorkClearsRedo(t *testing.T) {
	d, m, clk := setup(t)
	edit(t, d, func(tx *doc.Tx) error { return graph.SetMeta(tx, "domain", "x") })
	_, err := m.Undo()
	require.NoError(t, err)
	require.True(t, m.CanRedo())

	clk.advance(time.Second)
	edit(t, d, func(tx *doc.Tx) error { return graph.SetMeta(tx, "domain", "y") })
	assert.False(t, m.CanRedo())
	ok, err := m.Redo()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteChangesAreNotTracked(t *testing.T) {
	d, m, _ := setup(t)
	peer := doc.New("b")
	edit(t, peer, func(tx *doc.Tx) error { return graph.SetMeta(tx, "domain", "remote") })
	_, err := d.Merge(peer)
	require.NoError(t, err)
	assert.False(t, m.CanUndo())
}

func TestUndoOnlyRevertsLocalEffects(t *testing.T) {
	d, m, clk := setup(t)
	peer := doc.New("b")
	edit(t, d, func(tx *doc.Tx) error {
		return graph.PutNode(tx, graph.Node{ID: "n1", Kind: graph.NodeStep, Title: "Draft"})
	})
	_, err := peer.Merge(d)
	require.NoError(t, err)
	clk.advance(time.Second)

	edit(t, d, func(tx *doc.Tx) error { return tx.SetField(graph.CollNodes, "n1", "title", doc.String("Mine")) })
	edit(t, peer, func(tx *doc.Tx) error { return tx.SetField(graph.CollNodes, "n1", "description", doc.String("Theirs")) })
	_, err = d.Merge(peer)
	require.NoError(t, err)

	_, err = m.Undo()
	require.NoError(t, err)
	n := read(d).Nodes["n1"]
	assert.Equal(t, "Draft", n.Title)
	assert.Equal(t, "Theirs", n.Description)
}

func TestUndoAfterRemoteDeleteIsHarmless(t *testing.T) {
	d, m, clk := setup(t)
	peer := doc.New("b")
	edit(t, d, func(tx *doc.Tx) error {
		return graph.PutNode(tx, graph.Node{ID: "n1", Kind: graph.NodeStep, Title: "Draft"})
	})
	_, err := peer.Merge(d)
	require.NoError(t, err)
	clk.advance(time.Second)

	edit(t, d, func(tx *doc.Tx) error { return tx.SetField(graph.CollNodes, "n1", "title", doc.String("Mine")) })
	edit(t, peer, func(tx *doc.Tx) error { _, err := graph.DeleteNode(tx, "n1"); return err })
	_, err = d.Merge(peer)
	require.NoError(t, err)

	ok, err := m.Undo()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, read(d).Nodes, "n1")
}

func TestSubscribeReportsStackState(t *testing.T) {
	d, m, _ := setup(t)
	var states [][2]bool
	m.Subscribe(func(u, r bool) { states = append(states, [2]bool{u, r}) })

	edit(t, d, func(tx *doc.Tx) error { return graph.SetMeta(tx, "domain", "x") })
	_, err := m.Undo()
	require.NoError(t, err)
	m.Clear()

	assert.Equal(t, [][2]bool{{true, false}, {false, true}, {false, false}}, states)
}

func laneOrder(d *doc.Doc) (out []string) {
	d.View(func(r doc.Reader) { out = r.Values(graph.SeqLaneOrder) })
	return
}

func threeLanes(t *testing.T, d *doc.Doc, m *Manager) {
	t.Helper()
	for _, id := range []string{"l1", "l2", "l3"} {
		edit(t, d, func(tx *doc.Tx) error { return graph.PutLane(tx, graph.Lane{ID: id, Name: id}) })
	}
	m.StopCapturing()
	require.Equal(t, []string{"l1", "l2", "l3"}, laneOrder(d))
}

func TestUndoCoalescedMovesRestoresOrder(t *testing.T) {
	d, m, clk := setup(t)
	threeLanes(t, d, m)

	edit(t, d, func(tx *doc.Tx) error { return graph.InsertLane(tx, 0, graph.Lane{ID: "l3", Name: "l3"}) })
	clk.advance(100 * time.Millisecond)
	edit(t, d, func(tx *doc.Tx) error { return graph.InsertLane(tx, 1, graph.Lane{ID: "l3", Name: "l3"}) })
	require.Equal(t, []string{"l1", "l3", "l2"}, laneOrder(d))

	ok, err := m.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"l1", "l2", "l3"}, laneOrder(d))

	_, err = m.Redo()
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l3", "l2"}, laneOrder(d))
}

func TestUndoAddThenDeleteLeavesNoEntry(t *testing.T) {
	d, m, clk := setup(t)
	edit(t, d, func(tx *doc.Tx) error { return graph.PutLane(tx, graph.Lane{ID: "l1", Name: "One"}) })
	m.StopCapturing()

	edit(t, d, func(tx *doc.Tx) error { return graph.PutLane(tx, graph.Lane{ID: "l5", Name: "Five"}) })
	clk.advance(100 * time.Millisecond)
	edit(t, d, func(tx *doc.Tx) error { _, err := graph.DeleteLane(tx, "l5"); return err })
	require.Equal(t, []string{"l1"}, laneOrder(d))

	_, err := m.Undo()
	require.NoError(t, err)
	assert.Equal(t, []string{"l1"}, laneOrder(d))
	assert.Len(t, read(d).Lanes, 1)
}

func TestUndoMoveWithinOneTransaction(t *testing.T) {
	d, m, _ := setup(t)
	threeLanes(t, d, m)

	edit(t, d, func(tx *doc.Tx) error {
		if err := graph.InsertLane(tx, 0, graph.Lane{ID: "l3", Name: "l3"}); err != nil {
			return err
		}
		return graph.InsertLane(tx, 2, graph.Lane{ID: "l3", Name: "l3"})
	})
	require.Equal(t, []string{"l1", "l2", "l3"}, laneOrder(d))

	_, err := m.Undo()
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l2", "l3"}, laneOrder(d))
}
