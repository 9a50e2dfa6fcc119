package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/astromechza/graphsync/pkg/doc"
)

// Document layout. Lanes are entities in the lanes collection and their order
// lives in the laneOrder sequence so concurrent inserts keep both lanes.
const (
	CollNodes    = "nodes"
	CollEdges    = "edges"
	CollLanes    = "lanes"
	CollMetadata = "metadata"
	SeqLaneOrder = "laneOrder"

	metaPrefix = "meta."
	valueField = "value"
)

// Collections lists every map collection of the layout.
var Collections = []string{CollNodes, CollEdges, CollLanes, CollMetadata}

// Read materialises the graph held by a document.
func Read(r doc.Reader) *WorkflowGraph {
	g := New()

	seen := map[string]bool{}
	for _, id := range r.Values(SeqLaneOrder) {
		if seen[id] {
			continue
		}
		seen[id] = true
		if fields, ok := r.Get(CollLanes, id); ok {
			g.Lanes = append(g.Lanes, laneFrom(id, fields))
		}
	}
	// a lane whose order entry was removed concurrently with an edit still shows
	for _, id := range r.Keys(CollLanes) {
		if !seen[id] {
			fields, _ := r.Get(CollLanes, id)
			g.Lanes = append(g.Lanes, laneFrom(id, fields))
		}
	}

	for _, id := range r.Keys(CollNodes) {
		fields, _ := r.Get(CollNodes, id)
		g.Nodes[id] = nodeFrom(id, fields)
	}
	for _, id := range r.Keys(CollEdges) {
		fields, _ := r.Get(CollEdges, id)
		g.Edges[id] = edgeFrom(id, fields)
	}
	for _, key := range r.Keys(CollMetadata) {
		fields, _ := r.Get(CollMetadata, key)
		if v, ok := fields[valueField]; ok {
			g.Metadata[key] = v.Interface()
		}
	}
	return g
}

func str(f doc.Fields, name string) string {
	if v, ok := f[name]; ok && v.Kind() == doc.KindString {
		return v.Str()
	}
	return ""
}

func laneFrom(id string, f doc.Fields) Lane {
	l := Lane{ID: id, Name: str(f, "name")}
	if n, ok := f["order"].Number(); ok {
		l.Order = int(n)
	}
	return l
}

func nodeFrom(id string, f doc.Fields) Node {
	n := Node{
		ID:          id,
		Kind:        NodeKind(str(f, "type")),
		LaneID:      str(f, "laneId"),
		Title:       str(f, "title"),
		Description: str(f, "description"),
	}
	for name, v := range f {
		if key, ok := strings.CutPrefix(name, metaPrefix); ok {
			if n.Metadata == nil {
				n.Metadata = map[string]any{}
			}
			n.Metadata[key] = v.Interface()
		}
	}
	return n
}

func edgeFrom(id string, f doc.Fields) Edge {
	return Edge{
		ID:    id,
		From:  str(f, "from"),
		To:    str(f, "to"),
		Kind:  EdgeKind(str(f, "type")),
		Label: str(f, "label"),
	}
}

func optional(s string) doc.Value {
	if s == "" {
		return doc.Null()
	}
	return doc.String(s)
}

func laneFields(l Lane) doc.Fields {
	return doc.Fields{"name": doc.String(l.Name), "order": doc.Int(int64(l.Order))}
}

func nodeFields(n Node) (doc.Fields, error) {
	f := doc.Fields{
		"type":        doc.String(string(n.Kind)),
		"laneId":      doc.String(n.LaneID),
		"title":       doc.String(n.Title),
		"description": optional(n.Description),
	}
	for key, raw := range n.Metadata {
		v, err := doc.ValueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("node %s metadata %q: %w", n.ID, key, err)
		}
		f[metaPrefix+key] = v
	}
	return f, nil
}

func edgeFields(e Edge) doc.Fields {
	return doc.Fields{
		"from":  doc.String(e.From),
		"to":    doc.String(e.To),
		"type":  doc.String(string(e.Kind)),
		"label": optional(e.Label),
	}
}

func PutNode(tx *doc.Tx, n Node) error {
	fields, err := nodeFields(n)
	if err != nil {
		return err
	}
	return tx.Set(CollNodes, n.ID, fields)
}

func PutEdge(tx *doc.Tx, e Edge) error {
	return tx.Set(CollEdges, e.ID, edgeFields(e))
}

// PutLane writes a lane, appending it to the lane order if it is not there yet.
func PutLane(tx *doc.Tx, l Lane) error {
	if err := tx.Set(CollLanes, l.ID, laneFields(l)); err != nil {
		return err
	}
	if slices.Contains(tx.Values(SeqLaneOrder), l.ID) {
		return nil
	}
	return tx.InsertOrdered(SeqLaneOrder, tx.Len(SeqLaneOrder), l.ID)
}

// InsertLane writes a lane and places it at the given position of the lane
// order, moving it if it was elsewhere.
func InsertLane(tx *doc.Tx, index int, l Lane) error {
	if err := tx.Set(CollLanes, l.ID, laneFields(l)); err != nil {
		return err
	}
	if err := removeLaneEntries(tx, l.ID); err != nil {
		return err
	}
	if n := tx.Len(SeqLaneOrder); index > n {
		index = n
	}
	return tx.InsertOrdered(SeqLaneOrder, index, l.ID)
}

func removeLaneEntries(tx *doc.Tx, id string) error {
	for _, el := range tx.Elements(SeqLaneOrder) {
		if el.Value == id {
			if _, err := tx.RemoveElement(SeqLaneOrder, el.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteNode deletes a node and every edge touching it.
func DeleteNode(tx *doc.Tx, id string) (bool, error) {
	for _, edgeID := range tx.Keys(CollEdges) {
		f, _ := tx.Get(CollEdges, edgeID)
		if str(f, "from") == id || str(f, "to") == id {
			if _, err := tx.Delete(CollEdges, edgeID); err != nil {
				return false, err
			}
		}
	}
	return tx.Delete(CollNodes, id)
}

func DeleteEdge(tx *doc.Tx, id string) (bool, error) {
	return tx.Delete(CollEdges, id)
}

// DeleteLane deletes a lane and its order entries. Nodes in the lane are left
// for the validator to report.
func DeleteLane(tx *doc.Tx, id string) (bool, error) {
	if err := removeLaneEntries(tx, id); err != nil {
		return false, err
	}
	return tx.Delete(CollLanes, id)
}

// SetMeta writes one workflow metadata key. A nil value removes it.
func SetMeta(tx *doc.Tx, key string, raw any) error {
	if raw == nil {
		_, err := tx.Delete(CollMetadata, key)
		return err
	}
	v, err := doc.ValueOf(raw)
	if err != nil {
		return fmt.Errorf("metadata %q: %w", key, err)
	}
	return tx.Set(CollMetadata, key, doc.Fields{valueField: v})
}

// Replace clears the document and writes g in its place.
func Replace(tx *doc.Tx, g *WorkflowGraph) error {
	for _, coll := range Collections {
		if err := tx.Clear(coll); err != nil {
			return err
		}
	}
	if err := tx.ClearOrdered(SeqLaneOrder); err != nil {
		return err
	}
	return write(tx, g, true)
}

// Patch rewrites only what differs between the document and g. Workflow
// metadata keys missing from g are kept.
func Patch(tx *doc.Tx, g *WorkflowGraph) error {
	for _, id := range tx.Keys(CollNodes) {
		if _, ok := g.Nodes[id]; !ok {
			if _, err := tx.Delete(CollNodes, id); err != nil {
				return err
			}
		}
	}
	for _, id := range tx.Keys(CollEdges) {
		if _, ok := g.Edges[id]; !ok {
			if _, err := tx.Delete(CollEdges, id); err != nil {
				return err
			}
		}
	}
	want := make([]string, 0, len(g.Lanes))
	for _, l := range g.Lanes {
		want = append(want, l.ID)
	}
	for _, id := range tx.Keys(CollLanes) {
		if !slices.Contains(want, id) {
			if _, err := tx.Delete(CollLanes, id); err != nil {
				return err
			}
		}
	}
	order := !slices.Equal(tx.Values(SeqLaneOrder), want)
	if order {
		if err := tx.ClearOrdered(SeqLaneOrder); err != nil {
			return err
		}
	}
	return write(tx, g, order)
}

func write(tx *doc.Tx, g *WorkflowGraph, order bool) error {
	for i, l := range g.Lanes {
		if err := tx.Set(CollLanes, l.ID, laneFields(l)); err != nil {
			return err
		}
		if order {
			if err := tx.InsertOrdered(SeqLaneOrder, i, l.ID); err != nil {
				return err
			}
		}
	}
	for _, id := range g.NodeIDs() {
		if err := PutNode(tx, g.Nodes[id]); err != nil {
			return err
		}
	}
	for _, id := range g.EdgeIDs() {
		if err := PutEdge(tx, g.Edges[id]); err != nil {
			return err
		}
	}
	for _, key := range slices.Sorted(maps.Keys(g.Metadata)) {
		if err := SetMeta(tx, key, g.Metadata[key]); err != nil {
			return err
		}
	}
	return nil
}
