package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/graphsync/pkg/doc"
)

func sample() *WorkflowGraph {
	return Spec{
		Lanes: []Lane{{ID: "l1", Name: "Support", Order: 0}, {ID: "l2", Name: "Ops", Order: 1}},
		Nodes: []Node{
			{ID: "n1", Kind: NodeStart, LaneID: "l1", Title: "Ticket received"},
			{ID: "n2", Kind: NodeDecision, LaneID: "l1", Title: "Known issue?", Metadata: map[string]any{"priority": "high", "isException": false}},
			{ID: "n3", Kind: NodeStep, LaneID: "l2", Title: "Investigate", Description: "Reproduce locally"},
			{ID: "n4", Kind: NodeEnd, LaneID: "l2", Title: "Closed"},
		},
		Edges: []Edge{
			{ID: "e1", From: "n1", To: "n2", Kind: EdgeNormal},
			{ID: "e2", From: "n2", To: "n4", Kind: EdgeDecisionYes, Label: "yes"},
			{ID: "e3", From: "n2", To: "n3", Kind: EdgeDecisionNo, Label: "no"},
			{ID: "e4", From: "n3", To: "n4", Kind: EdgeNormal},
		},
		Metadata: map[string]any{"domain": "support"},
	}.Graph()
}

func edit(t *testing.T, d *doc.Doc, fn func(tx *doc.Tx) error) {
	t.Helper()
	_, err := d.Transaction(fn)
	require.NoError(t, err)
}

func read(d *doc.Doc) (g *WorkflowGraph) {
	d.View(func(r doc.Reader) { g = Read(r) })
	return
}

func merge(t *testing.T, a, b *doc.Doc) {
	t.Helper()
	_, err := a.Merge(b)
	require.NoError(t, err)
	_, err = b.Merge(a)
	require.NoError(t, err)
}

func TestReplaceThenReadRoundTrips(t *testing.T) {
	d := doc.New("a")
	g := sample()
	edit(t, d, func(tx *doc.Tx) error { return Replace(tx, g) })

	got := read(d)
	assert.True(t, g.Equal(got), "got %+v", got)
	assert.Equal(t, "sv", got.Metadata["language"])
	assert.Equal(t, float64(1), got.Metadata["version"])
	assert.Equal(t, "high", got.Nodes["n2"].Metadata["priority"])
}

func TestEmptyDocumentReadsEmpty(t *testing.T) {
	d := doc.New("a")
	assert.True(t, read(d).IsEmpty())
	assert.False(t, sample().IsEmpty())
}

func TestConcurrentLaneInsertsKeepBothLanes(t *testing.T) {
	a := doc.New("a")
	b := doc.New("b")
	edit(t, a, func(tx *doc.Tx) error { return InsertLane(tx, 0, Lane{ID: "l1", Name: "Support"}) })
	edit(t, b, func(tx *doc.Tx) error { return InsertLane(tx, 0, Lane{ID: "l2", Name: "Ops"}) })
	merge(t, a, b)

	ga, gb := read(a), read(b)
	require.Len(t, ga.Lanes, 2)
	assert.Equal(t, ga.Lanes, gb.Lanes)
	// equal Lamport times: the greater origin goes first
	assert.Equal(t, "l2", ga.Lanes[0].ID)
	assert.Equal(t, "l1", ga.Lanes[1].ID)
}

func TestConcurrentFieldEditsMerge(t *testing.T) {
	a := doc.New("a")
	edit(t, a, func(tx *doc.Tx) error {
		return PutNode(tx, Node{ID: "n1", Kind: NodeStep, LaneID: "l1", Title: "Draft"})
	})
	b := doc.New("b")
	_, err := b.Merge(a)
	require.NoError(t, err)

	edit(t, a, func(tx *doc.Tx) error { return tx.SetField(CollNodes, "n1", "title", doc.String("Final")) })
	edit(t, b, func(tx *doc.Tx) error { return tx.SetField(CollNodes, "n1", "description", doc.String("desc")) })
	merge(t, a, b)

	for _, d := range []*doc.Doc{a, b} {
		n := read(d).Nodes["n1"]
		assert.Equal(t, "Final", n.Title)
		assert.Equal(t, "desc", n.Description)
	}
}

func TestNodeMetadataMergesPerKey(t *testing.T) {
	a := doc.New("a")
	edit(t, a, func(tx *doc.Tx) error {
		return PutNode(tx, Node{ID: "n1", Kind: NodeStep, Title: "x", Metadata: map[string]any{"priority": "low"}})
	})
	b := doc.New("b")
	_, err := b.Merge(a)
	require.NoError(t, err)

	edit(t, a, func(tx *doc.Tx) error {
		return PutNode(tx, Node{ID: "n1", Kind: NodeStep, Title: "x", Metadata: map[string]any{"priority": "high"}})
	})
	edit(t, b, func(tx *doc.Tx) error {
		return PutNode(tx, Node{ID: "n1", Kind: NodeStep, Title: "x", Metadata: map[string]any{"priority": "low", "assignee": "kim"}})
	})
	merge(t, a, b)

	assert.Equal(t, map[string]any{"priority": "high", "assignee": "kim"}, read(a).Nodes["n1"].Metadata)
}

func TestDeleteNodeRemovesTouchingEdges(t *testing.T) {
	d := doc.New("a")
	edit(t, d, func(tx *doc.Tx) error { return Replace(tx, sample()) })
	edit(t, d, func(tx *doc.Tx) error {
		ok, err := DeleteNode(tx, "n2")
		assert.True(t, ok)
		return err
	})

	g := read(d)
	assert.NotContains(t, g.Nodes, "n2")
	assert.Equal(t, []string{"e4"}, g.EdgeIDs())
}

func TestLaneOperations(t *testing.T) {
	d := doc.New("a")
	edit(t, d, func(tx *doc.Tx) error {
		require.NoError(t, PutLane(tx, Lane{ID: "l1", Name: "One"}))
		require.NoError(t, PutLane(tx, Lane{ID: "l2", Name: "Two", Order: 1}))
		// writing again does not duplicate the order entry
		return PutLane(tx, Lane{ID: "l1", Name: "Uno"})
	})
	g := read(d)
	assert.Equal(t, []Lane{{ID: "l1", Name: "Uno"}, {ID: "l2", Name: "Two", Order: 1}}, g.Lanes)

	edit(t, d, func(tx *doc.Tx) error { return InsertLane(tx, 0, Lane{ID: "l2", Name: "Two", Order: 1}) })
	assert.Equal(t, "l2", read(d).Lanes[0].ID)
	assert.Len(t, read(d).Lanes, 2)

	edit(t, d, func(tx *doc.Tx) error { _, err := DeleteLane(tx, "l2"); return err })
	assert.Equal(t, []Lane{{ID: "l1", Name: "Uno"}}, read(d).Lanes)
}

func TestReplaceDropsEverythingElse(t *testing.T) {
	d := doc.New("a")
	edit(t, d, func(tx *doc.Tx) error { return Replace(tx, sample()) })
	edit(t, d, func(tx *doc.Tx) error { return SetMeta(tx, "extra", "x") })

	next := New()
	next.Lanes = []Lane{{ID: "l9", Name: "Only"}}
	edit(t, d, func(tx *doc.Tx) error { return Replace(tx, next) })
	assert.True(t, next.Equal(read(d)))
}

func TestPatchKeepsUnrelatedMetadata(t *testing.T) {
	d := doc.New("a")
	edit(t, d, func(tx *doc.Tx) error { return Replace(tx, sample()) })
	edit(t, d, func(tx *doc.Tx) error { return SetMeta(tx, "createdBy", "kim") })

	candidate := sample()
	delete(candidate.Nodes, "n3")
	delete(candidate.Edges, "e3")
	delete(candidate.Edges, "e4")
	candidate.Lanes = []Lane{candidate.Lanes[1], candidate.Lanes[0]}
	ev, err := d.Transaction(func(tx *doc.Tx) error { return Patch(tx, candidate) })
	require.NoError(t, err)
	require.NotNil(t, ev)

	g := read(d)
	assert.Equal(t, "kim", g.Metadata["createdBy"])
	delete(g.Metadata, "createdBy")
	assert.True(t, candidate.Equal(g))

	// patching with the same graph again changes nothing
	ev, err = d.Transaction(func(tx *doc.Tx) error { return Patch(tx, candidate) })
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestNodeMetadataRejectsNestedValues(t *testing.T) {
	d := doc.New("a")
	_, err := d.Transaction(func(tx *doc.Tx) error {
		return PutNode(tx, Node{ID: "n1", Metadata: map[string]any{"nested": map[string]any{}}})
	})
	assert.Error(t, err)
	assert.True(t, read(d).IsEmpty())
}

func TestSummarize(t *testing.T) {
	before := sample()
	after := sample()
	delete(after.Nodes, "n3")
	n := after.Nodes["n1"]
	n.Title = "Changed"
	after.Nodes["n1"] = n
	after.Edges["e5"] = Edge{ID: "e5", From: "n1", To: "n4", Kind: EdgeEscalation}

	d := Summarize(before, after)
	assert.Equal(t, []string{"e5"}, d.Added)
	assert.Equal(t, []string{"n3"}, d.Removed)
	assert.Equal(t, []string{"n1"}, d.Modified)
}

func TestSpecRoundTrip(t *testing.T) {
	g := sample()
	s := g.Spec()
	assert.Equal(t, "n1", s.Nodes[0].ID)
	assert.True(t, g.Equal(s.Graph()))
	assert.NotEmpty(t, NewID())
	assert.NotEqual(t, NewID(), NewID())
}
