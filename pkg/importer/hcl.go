package importer

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/astromechza/graphsync/pkg/graph"
)

// hclFile is the layout of a workflow written in HCL:
//
//	metadata = { domain = "support" }
//
//	lane "intake" {
//	  name = "Intake"
//	}
//
//	node "start" {
//	  type     = "start"
//	  lane     = "intake"
//	  title    = "Ticket received"
//	  metadata = { priority = "high" }
//	}
//
//	edge "e1" {
//	  from = "start"
//	  to   = "triage"
//	}
type hclFile struct {
	Metadata *cty.Value `hcl:"metadata,optional"`
	Lanes    []hclLane  `hcl:"lane,block"`
	Nodes    []hclNode  `hcl:"node,block"`
	Edges    []hclEdge  `hcl:"edge,block"`
}

type hclLane struct {
	ID   string `hcl:"id,label"`
	Name string `hcl:"name"`
}

type hclNode struct {
	ID          string     `hcl:"id,label"`
	Type        string     `hcl:"type"`
	Lane        string     `hcl:"lane"`
	Title       string     `hcl:"title"`
	Description string     `hcl:"description,optional"`
	Metadata    *cty.Value `hcl:"metadata,optional"`
}

type hclEdge struct {
	ID    string `hcl:"id,label"`
	From  string `hcl:"from"`
	To    string `hcl:"to"`
	Type  string `hcl:"type,optional"`
	Label string `hcl:"label,optional"`
}

func ParseHCL(filename string, data []byte) (graph.Proposal, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return graph.Proposal{}, fmt.Errorf("failed to parse hcl: %w", diags)
	}
	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return graph.Proposal{}, fmt.Errorf("failed to decode hcl: %w", diags)
	}

	spec := graph.Spec{Lanes: []graph.Lane{}, Nodes: []graph.Node{}, Edges: []graph.Edge{}}
	var err error
	if spec.Metadata, err = flatObject(parsed.Metadata); err != nil {
		return graph.Proposal{}, fmt.Errorf("metadata: %w", err)
	}
	for i, l := range parsed.Lanes {
		spec.Lanes = append(spec.Lanes, graph.Lane{ID: l.ID, Name: l.Name, Order: i})
	}
	for _, n := range parsed.Nodes {
		meta, err := flatObject(n.Metadata)
		if err != nil {
			return graph.Proposal{}, fmt.Errorf("node %q metadata: %w", n.ID, err)
		}
		spec.Nodes = append(spec.Nodes, graph.Node{
			ID:          n.ID,
			Kind:        graph.NodeKind(n.Type),
			LaneID:      n.Lane,
			Title:       n.Title,
			Description: n.Description,
			Metadata:    meta,
		})
	}
	for _, e := range parsed.Edges {
		kind := graph.EdgeKind(e.Type)
		if kind == "" {
			kind = graph.EdgeNormal
		}
		spec.Edges = append(spec.Edges, graph.Edge{ID: e.ID, From: e.From, To: e.To, Kind: kind, Label: e.Label})
	}
	return graph.Proposal{WorkflowSpec: spec}, nil
}

// flatObject converts an object of scalars into plain Go values. Nested values
// are rejected since metadata is flat.
func flatObject(v *cty.Value) (map[string]any, error) {
	if v == nil || v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("expected an object, got %s", ty.FriendlyName())
	}
	out := map[string]any{}
	it := v.ElementIterator()
	for it.Next() {
		key, val := it.Element()
		native, err := ctyScalar(val)
		if err != nil {
			return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
		}
		out[key.AsString()] = native
	}
	return out, nil
}

func ctyScalar(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	switch ty := v.Type(); ty {
	case cty.String:
		return v.AsString(), nil
	case cty.Bool:
		return v.True(), nil
	case cty.Number:
		// numbers decode as float64, the same as json
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported %s, metadata values must be scalars", ty.FriendlyName())
	}
}
