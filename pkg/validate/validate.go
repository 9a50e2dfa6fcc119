// Package validate checks candidate workflow graphs before they are adopted.
package validate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/astromechza/graphsync/pkg/graph"
)

// Violation is one problem found in a graph. Path points at the offending
// element, for example "nodes.n1.laneId".
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// Validator is anything that can judge a candidate graph.
type Validator interface {
	Validate(g *graph.WorkflowGraph) []Violation
}

// Func adapts a function to the Validator interface.
type Func func(g *graph.WorkflowGraph) []Violation

func (f Func) Validate(g *graph.WorkflowGraph) []Violation { return f(g) }

// Default applies the schema rules of the workflow format plus the structural
// rules the editor relies on.
var Default Validator = Func(Validate)

// Nop accepts every graph.
var Nop Validator = Func(func(*graph.WorkflowGraph) []Violation { return nil })

type collector []Violation

func (c *collector) add(path, format string, args ...any) {
	*c = append(*c, Violation{Path: path, Message: fmt.Sprintf(format, args...)})
}

func Validate(g *graph.WorkflowGraph) []Violation {
	var c collector
	if g == nil {
		c.add("", "graph is missing")
		return c
	}

	lanes := map[string]bool{}
	for i, l := range g.Lanes {
		path := fmt.Sprintf("lanes[%d]", i)
		if l.ID == "" {
			c.add(path+".id", "is required")
			continue
		}
		if lanes[l.ID] {
			c.add(path+".id", "duplicate lane id %q", l.ID)
		}
		lanes[l.ID] = true
		if strings.TrimSpace(l.Name) == "" {
			c.add(path+".name", "is required")
		}
	}

	starts, ends := 0, 0
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		path := "nodes." + id
		if n.ID != id {
			c.add(path+".id", "does not match its key")
		}
		if !slices.Contains(graph.NodeKinds, n.Kind) {
			c.add(path+".type", "unknown node type %q", n.Kind)
		}
		switch n.Kind {
		case graph.NodeStart:
			starts++
		case graph.NodeEnd:
			ends++
		}
		if strings.TrimSpace(n.Title) == "" {
			c.add(path+".title", "is required")
		}
		if !lanes[n.LaneID] {
			c.add(path+".laneId", "unknown lane %q", n.LaneID)
		}
		checkNodeMetadata(&c, path+".metadata", n.Metadata)
	}
	if len(g.Nodes) > 0 {
		if starts != 1 {
			c.add("nodes", "expected exactly one start node, found %d", starts)
		}
		if ends == 0 {
			c.add("nodes", "expected at least one end node")
		}
	}

	for _, id := range g.EdgeIDs() {
		e := g.Edges[id]
		path := "edges." + id
		if e.ID != id {
			c.add(path+".id", "does not match its key")
		}
		if !slices.Contains(graph.EdgeKinds, e.Kind) {
			c.add(path+".type", "unknown edge type %q", e.Kind)
		}
		from, ok := g.Nodes[e.From]
		if !ok {
			c.add(path+".from", "unknown node %q", e.From)
		} else if from.Kind == graph.NodeEnd {
			c.add(path+".from", "end node %q cannot have outgoing edges", e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			c.add(path+".to", "unknown node %q", e.To)
		}
	}

	for _, id := range g.NodeIDs() {
		if g.Nodes[id].Kind == graph.NodeDecision && len(g.Outgoing(id)) < 2 {
			c.add("nodes."+id, "decision node needs at least two outgoing edges")
		}
	}
	return c
}

func checkNodeMetadata(c *collector, path string, m map[string]any) {
	for _, key := range []string{"isException", "isEscalation"} {
		if v, ok := m[key]; ok {
			if _, isBool := v.(bool); !isBool {
				c.add(path+"."+key, "must be a boolean")
			}
		}
	}
	for _, key := range []string{"estimatedDuration", "assignee"} {
		if v, ok := m[key]; ok {
			if _, isString := v.(string); !isString {
				c.add(path+"."+key, "must be a string")
			}
		}
	}
	if v, ok := m["priority"]; ok {
		if s, isString := v.(string); !isString || !slices.Contains(graph.Priorities, s) {
			c.add(path+".priority", "must be one of %s", strings.Join(graph.Priorities, ", "))
		}
	}
}
