// Package viz renders a document's change history and its workflow graph with
// graphviz, for debugging.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/graph"
)

// Format is an output format understood by Render*.
type Format = graphviz.Format

const (
	SVG Format = graphviz.SVG
	DOT Format = graphviz.XDOT
)

// maxOpsInLabel limits how many operations a change node lists.
const maxOpsInLabel = 4

func render(w io.Writer, format Format, build func(*cgraph.Graph) error) error {
	g := graphviz.New()
	defer g.Close()

	root, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer root.Close()
	if err := build(root); err != nil {
		return err
	}
	if err := g.Render(root, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func changeName(origin string, seq uint64) string {
	return origin + "@" + strconv.FormatUint(seq, 10)
}

func changeLabel(c *doc.Change) string {
	lines := []string{fmt.Sprintf("%s L%d", changeName(c.Origin, c.Seq), c.Lamport)}
	for i, op := range c.Ops {
		if i == maxOpsInLabel {
			lines = append(lines, fmt.Sprintf("+%d more", len(c.Ops)-i))
			break
		}
		target := op.Target
		if op.Key != "" {
			target += "/" + op.Key
		}
		if op.Field != "" {
			target += "." + op.Field
		}
		lines = append(lines, op.Kind.String()+" "+target)
	}
	return strings.Join(lines, "\n")
}

// RenderChanges draws the change DAG: one node per change named origin@seq,
// with an edge from every change it depends on.
func RenderChanges(w io.Writer, format Format, changes []*doc.Change) error {
	return render(w, format, func(root *cgraph.Graph) error {
		nodes := make(map[string]*cgraph.Node, len(changes))
		for _, c := range changes {
			n, err := root.CreateNode(changeName(c.Origin, c.Seq))
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			n.SetShape(cgraph.BoxShape)
			n.SetLabel(changeLabel(c))
			nodes[n.Name()] = n
		}

		var edgeCounter int
		for _, c := range changes {
			self := nodes[changeName(c.Origin, c.Seq)]
			parents := map[string]bool{}
			if c.Seq > 1 {
				parents[changeName(c.Origin, c.Seq-1)] = true
			}
			for _, origin := range c.Deps.Origins() {
				if origin == c.Origin && c.Deps.Get(origin) >= c.Seq {
					continue
				}
				parents[changeName(origin, c.Deps.Get(origin))] = true
			}
			for _, name := range slices.Sorted(maps.Keys(parents)) {
				parent, ok := nodes[name]
				if !ok {
					continue
				}
				edgeCounter++
				if _, err := root.CreateEdge(strconv.Itoa(edgeCounter), parent, self); err != nil {
					return fmt.Errorf("failed to create edge: %w", err)
				}
			}
		}
		return nil
	})
}

// RenderWorkflow draws the workflow graph with one cluster per lane. Nodes in
// unknown lanes are drawn outside any cluster.
func RenderWorkflow(w io.Writer, format Format, g *graph.WorkflowGraph) error {
	return render(w, format, func(root *cgraph.Graph) error {
		root.SetRankDir(cgraph.LRRank)
		lanes := make(map[string]*cgraph.Graph, len(g.Lanes))
		for _, l := range g.Lanes {
			sub := root.SubGraph("cluster_"+l.ID, 1)
			sub.SetLabel(l.Name)
			lanes[l.ID] = sub
		}

		nodes := make(map[string]*cgraph.Node, len(g.Nodes))
		for _, id := range g.NodeIDs() {
			n := g.Nodes[id]
			parent, ok := lanes[n.LaneID]
			if !ok {
				parent = root
			}
			gn, err := parent.CreateNode(id)
			if err != nil {
				return fmt.Errorf("failed to create node %q: %w", id, err)
			}
			gn.SetLabel(n.Title)
			gn.SetShape(shapeOf(n.Kind))
			nodes[id] = gn
		}

		for _, id := range g.EdgeIDs() {
			e := g.Edges[id]
			from, to := nodes[e.From], nodes[e.To]
			if from == nil || to == nil {
				continue
			}
			ge, err := root.CreateEdge(id, from, to)
			if err != nil {
				return fmt.Errorf("failed to create edge %q: %w", id, err)
			}
			label := e.Label
			if label == "" && e.Kind != graph.EdgeNormal {
				label = string(e.Kind)
			}
			ge.SetLabel(label)
			if e.Kind == graph.EdgeEscalation || e.Kind == graph.EdgeLoop {
				ge.SetStyle(cgraph.DashedEdgeStyle)
			}
		}
		return nil
	})
}

func shapeOf(k graph.NodeKind) cgraph.Shape {
	switch k {
	case graph.NodeStart:
		return cgraph.EllipseShape
	case graph.NodeEnd:
		return cgraph.DoubleCircleShape
	case graph.NodeDecision:
		return cgraph.DiamondShape
	}
	return cgraph.BoxShape
}

// RenderDocToSvg writes the change DAG of d to outputPath.
func RenderDocToSvg(d *doc.Doc, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderChanges(&buff, SVG, d.Changes()); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(d *doc.Doc) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderDocToSvg(d, tf); err != nil {
		return "", err
	}
	return tf, nil
}
