// Package graph defines the workflow graph that users and the proposal
// compiler collaborate on, and how it is laid out in a replicated document.
package graph

import (
	"maps"
	"reflect"
	"slices"

	"github.com/oklog/ulid/v2"

	"github.com/astromechza/graphsync/pkg/doc"
)

type NodeKind string

const (
	NodeStart    NodeKind = "start"
	NodeEnd      NodeKind = "end"
	NodeStep     NodeKind = "step"
	NodeDecision NodeKind = "decision"
)

var NodeKinds = []NodeKind{NodeStart, NodeEnd, NodeStep, NodeDecision}

type EdgeKind string

const (
	EdgeNormal      EdgeKind = "normal"
	EdgeDecisionYes EdgeKind = "decision_yes"
	EdgeDecisionNo  EdgeKind = "decision_no"
	EdgeLoop        EdgeKind = "loop"
	EdgeEscalation  EdgeKind = "escalation"
)

var EdgeKinds = []EdgeKind{EdgeNormal, EdgeDecisionYes, EdgeDecisionNo, EdgeLoop, EdgeEscalation}

// Priorities are the values accepted for the "priority" node metadata key.
var Priorities = []string{"low", "medium", "high", "critical"}

type Lane struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Order int    `json:"order" yaml:"order"`
}

type Node struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        NodeKind       `json:"type" yaml:"type"`
	LaneID      string         `json:"laneId" yaml:"laneId"`
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type Edge struct {
	ID    string   `json:"id" yaml:"id"`
	From  string   `json:"from" yaml:"from"`
	To    string   `json:"to" yaml:"to"`
	Kind  EdgeKind `json:"type" yaml:"type"`
	Label string   `json:"label,omitempty" yaml:"label,omitempty"`
}

// WorkflowGraph is a plain, fully materialised graph. Nodes and edges refer to
// each other and to lanes by id only.
type WorkflowGraph struct {
	Lanes    []Lane
	Nodes    map[string]Node
	Edges    map[string]Edge
	Metadata map[string]any
}

func New() *WorkflowGraph {
	return &WorkflowGraph{
		Lanes:    []Lane{},
		Nodes:    map[string]Node{},
		Edges:    map[string]Edge{},
		Metadata: map[string]any{},
	}
}

// NewID returns a fresh globally unique entity id.
func NewID() string {
	return ulid.Make().String()
}

// IsEmpty reports whether the graph has neither nodes nor lanes, which is how
// an untouched document reads.
func (g *WorkflowGraph) IsEmpty() bool {
	return g == nil || (len(g.Nodes) == 0 && len(g.Lanes) == 0)
}

// Clone returns a deep copy.
func (g *WorkflowGraph) Clone() *WorkflowGraph {
	out := New()
	if g == nil {
		return out
	}
	out.Lanes = append(out.Lanes, g.Lanes...)
	for id, n := range g.Nodes {
		n.Metadata = maps.Clone(n.Metadata)
		out.Nodes[id] = n
	}
	maps.Copy(out.Edges, g.Edges)
	maps.Copy(out.Metadata, g.Metadata)
	return out
}

// Equal compares two graphs the way they would read back from a document, so
// an int and an int64 of the same value are equal.
func (g *WorkflowGraph) Equal(other *WorkflowGraph) bool {
	a, b := g.Clone(), other.Clone()
	for _, n := range [2]*WorkflowGraph{a, b} {
		normalizeScalars(n.Metadata)
		for id, node := range n.Nodes {
			n.Nodes[id] = normalizeNode(node)
		}
	}
	return reflect.DeepEqual(a, b)
}

func nodesEqual(a, b Node) bool {
	a.Metadata, b.Metadata = maps.Clone(a.Metadata), maps.Clone(b.Metadata)
	return reflect.DeepEqual(normalizeNode(a), normalizeNode(b))
}

func normalizeNode(n Node) Node {
	if len(n.Metadata) == 0 {
		n.Metadata = nil
	}
	normalizeScalars(n.Metadata)
	return n
}

func normalizeScalars(m map[string]any) {
	for k, v := range m {
		if val, err := doc.ValueOf(v); err == nil {
			m[k] = val.Interface()
		}
	}
}

func (g *WorkflowGraph) Lane(id string) (Lane, bool) {
	for _, l := range g.Lanes {
		if l.ID == id {
			return l, true
		}
	}
	return Lane{}, false
}

// NodeIDs returns the node ids in sorted order.
func (g *WorkflowGraph) NodeIDs() []string {
	return slices.Sorted(maps.Keys(g.Nodes))
}

// EdgeIDs returns the edge ids in sorted order.
func (g *WorkflowGraph) EdgeIDs() []string {
	return slices.Sorted(maps.Keys(g.Edges))
}

// Outgoing returns the edges leaving a node, sorted by id.
func (g *WorkflowGraph) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, id := range g.EdgeIDs() {
		if e := g.Edges[id]; e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Spec is the interchange form of a graph, with nodes and edges as lists.
type Spec struct {
	Lanes    []Lane         `json:"lanes" yaml:"lanes"`
	Nodes    []Node         `json:"nodes" yaml:"nodes"`
	Edges    []Edge         `json:"edges" yaml:"edges"`
	Metadata map[string]any `json:"metadata" yaml:"metadata"`
}

// Spec converts the graph to its interchange form with nodes and edges sorted
// by id.
func (g *WorkflowGraph) Spec() Spec {
	s := Spec{
		Lanes:    append([]Lane{}, g.Lanes...),
		Nodes:    make([]Node, 0, len(g.Nodes)),
		Edges:    make([]Edge, 0, len(g.Edges)),
		Metadata: maps.Clone(g.Metadata),
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	for _, id := range g.NodeIDs() {
		s.Nodes = append(s.Nodes, g.Nodes[id])
	}
	for _, id := range g.EdgeIDs() {
		s.Edges = append(s.Edges, g.Edges[id])
	}
	return s
}

// Graph converts the interchange form into a graph. Missing workflow metadata
// defaults are filled in; later duplicates of a node or edge id win.
func (s Spec) Graph() *WorkflowGraph {
	g := New()
	g.Lanes = append(g.Lanes, s.Lanes...)
	for _, n := range s.Nodes {
		n.Metadata = maps.Clone(n.Metadata)
		g.Nodes[n.ID] = n
	}
	for _, e := range s.Edges {
		g.Edges[e.ID] = e
	}
	maps.Copy(g.Metadata, s.Metadata)
	ApplyMetadataDefaults(g.Metadata)
	return g
}

// ApplyMetadataDefaults fills the workflow metadata keys that have defaults.
func ApplyMetadataDefaults(m map[string]any) {
	if _, ok := m["language"]; !ok {
		m["language"] = "sv"
	}
	if _, ok := m["version"]; !ok {
		m["version"] = float64(1)
	}
}

// DiffSummary is the human readable account of what a proposal changes. It is
// displayed, never interpreted.
type DiffSummary struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
	Summary  string   `json:"summary"`
}

type Intel struct {
	DecisionCount int `json:"decisionCount"`
	ActionCount   int `json:"actionCount"`
}

// Proposal is a candidate graph produced by the compiler.
type Proposal struct {
	WorkflowSpec Spec        `json:"workflowSpec"`
	DiffSummary  DiffSummary `json:"diffSummary"`
	Intel        *Intel      `json:"intel,omitempty"`
	Warnings     []string    `json:"warnings,omitempty"`
	Assumptions  []string    `json:"assumptions,omitempty"`
}

// Summarize computes the diff summary between two graphs by entity id.
func Summarize(before, after *WorkflowGraph) DiffSummary {
	d := DiffSummary{Added: []string{}, Removed: []string{}, Modified: []string{}}
	if before == nil {
		before = New()
	}
	if after == nil {
		after = New()
	}
	for _, id := range after.NodeIDs() {
		prev, ok := before.Nodes[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case !nodesEqual(prev, after.Nodes[id]):
			d.Modified = append(d.Modified, id)
		}
	}
	for _, id := range before.NodeIDs() {
		if _, ok := after.Nodes[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	for _, id := range after.EdgeIDs() {
		prev, ok := before.Edges[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case prev != after.Edges[id]:
			d.Modified = append(d.Modified, id)
		}
	}
	for _, id := range before.EdgeIDs() {
		if _, ok := after.Edges[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}
