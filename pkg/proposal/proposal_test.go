package proposal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/graph"
	"github.com/astromechza/graphsync/pkg/history"
	"github.com/astromechza/graphsync/pkg/validate"
)

func current() graph.Spec {
	return graph.Spec{
		Lanes: []graph.Lane{{ID: "l1", Name: "Support"}},
		Nodes: []graph.Node{
			{ID: "s", Kind: graph.NodeStart, LaneID: "l1", Title: "Start"},
			{ID: "e", Kind: graph.NodeEnd, LaneID: "l1", Title: "End"},
		},
		Edges: []graph.Edge{{ID: "e1", From: "s", To: "e", Kind: graph.EdgeNormal}},
	}
}

func candidate() graph.Proposal {
	return graph.Proposal{
		WorkflowSpec: graph.Spec{
			Lanes: []graph.Lane{{ID: "l1", Name: "Support"}, {ID: "l2", Name: "Ops", Order: 1}},
			Nodes: []graph.Node{
				{ID: "s", Kind: graph.NodeStart, LaneID: "l1", Title: "Ticket"},
				{ID: "x", Kind: graph.NodeStep, LaneID: "l2", Title: "Fix"},
				{ID: "e", Kind: graph.NodeEnd, LaneID: "l2", Title: "Closed"},
			},
			Edges: []graph.Edge{
				{ID: "e1", From: "s", To: "x", Kind: graph.EdgeNormal},
				{ID: "e2", From: "x", To: "e", Kind: graph.EdgeNormal},
			},
			Metadata: map[string]any{"domain": "support"},
		},
		DiffSummary: graph.DiffSummary{Added: []string{"x", "e2"}, Summary: "add a fix step"},
	}
}

func read(d *doc.Doc) (g *graph.WorkflowGraph) {
	d.View(func(r doc.Reader) { g = graph.Read(r) })
	return
}

func seeded(t *testing.T) *doc.Doc {
	t.Helper()
	d := doc.New("a")
	_, err := d.Transaction(func(tx *doc.Tx) error {
		if err := graph.Replace(tx, current().Graph()); err != nil {
			return err
		}
		return graph.SetMeta(tx, "createdBy", "kim")
	})
	require.NoError(t, err)
	return d
}

func TestAdoptReplacesDocument(t *testing.T) {
	d := seeded(t)
	a := New(d)
	p := candidate()

	ev, err := a.Adopt(p)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, doc.TagProposal, ev.Tag)
	assert.True(t, p.WorkflowSpec.Graph().Equal(read(d)))
	assert.Len(t, d.Changes(), 2)
}

func TestInvalidProposalIsNotApplied(t *testing.T) {
	d := seeded(t)
	before := read(d)
	p := candidate()
	p.WorkflowSpec.Edges = append(p.WorkflowSpec.Edges, graph.Edge{ID: "bad", From: "e", To: "ghost", Kind: "weird"})

	_, err := New(d).Adopt(p)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 3)
	assert.Contains(t, err.Error(), "edges.bad")
	assert.True(t, before.Equal(read(d)))
	assert.Len(t, d.Changes(), 1)
}

func TestFailedApplyLeavesSnapshotIntact(t *testing.T) {
	d := seeded(t)
	before := read(d)
	boom := errors.New("injected")
	writeHook = func(*doc.Tx) error { return boom }
	t.Cleanup(func() { writeHook = func(*doc.Tx) error { return nil } })

	_, err := New(d).Adopt(candidate())
	require.ErrorIs(t, err, boom)
	assert.True(t, before.Equal(read(d)))
	assert.Equal(t, before.Lanes, read(d).Lanes)
	assert.Len(t, d.Changes(), 1)
}

func TestUndoAfterProposalRestoresPriorGraph(t *testing.T) {
	d := seeded(t)
	h := history.New(d)
	t.Cleanup(h.Close)
	before := read(d)

	// an edit right before the proposal stays its own undo step
	_, err := d.Transaction(func(tx *doc.Tx) error {
		return tx.SetField(graph.CollNodes, "s", "description", doc.String("typed"))
	})
	require.NoError(t, err)
	withEdit := read(d)

	a := New(d, WithHistory(h))
	_, err = a.Adopt(candidate())
	require.NoError(t, err)

	ok, err := h.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, withEdit.Equal(read(d)), "got %+v", read(d))

	ok, err = h.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, before.Equal(read(d)))

	_, err = h.Redo()
	require.NoError(t, err)
	_, err = h.Redo()
	require.NoError(t, err)
	assert.True(t, candidate().WorkflowSpec.Graph().Equal(read(d)))
}

func TestPatchModeKeepsUnrelatedMetadata(t *testing.T) {
	d := seeded(t)
	a := New(d, WithMode(ModePatch))
	p := candidate()

	_, err := a.Adopt(p)
	require.NoError(t, err)
	g := read(d)
	assert.Equal(t, "kim", g.Metadata["createdBy"])
	delete(g.Metadata, "createdBy")
	assert.True(t, p.WorkflowSpec.Graph().Equal(g))
}

func TestConcurrentEditIsOverwrittenByReplace(t *testing.T) {
	d := seeded(t)
	peer := doc.New("b")
	_, err := peer.Merge(d)
	require.NoError(t, err)

	_, err = peer.Transaction(func(tx *doc.Tx) error {
		return tx.SetField(graph.CollNodes, "s", "title", doc.String("peer title"))
	})
	require.NoError(t, err)
	_, err = New(d).Adopt(candidate())
	require.NoError(t, err)

	_, err = d.Merge(peer)
	require.NoError(t, err)
	_, err = peer.Merge(d)
	require.NoError(t, err)
	assert.True(t, read(d).Equal(read(peer)))
}

func TestClear(t *testing.T) {
	d := seeded(t)
	_, err := New(d, WithValidator(validate.Nop)).Clear()
	require.NoError(t, err)
	assert.True(t, read(d).IsEmpty())
	assert.Empty(t, read(d).Metadata)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("PATCH")
	require.NoError(t, err)
	assert.Equal(t, ModePatch, m)
	assert.Equal(t, "replace", ModeReplace.String())
	_, err = ParseMode("merge")
	assert.Error(t, err)
}
