package importer

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/astromechza/graphsync/pkg/graph"
)

// ParseJSON accepts either a bare workflow spec or a compiler response that
// wraps one in "workflowSpec".
func ParseJSON(data []byte) (graph.Proposal, error) {
	var probe struct {
		WorkflowSpec *graph.Spec `json:"workflowSpec"`
	}
	if err := sonic.ConfigStd.Unmarshal(data, &probe); err != nil {
		return graph.Proposal{}, fmt.Errorf("failed to decode json: %w", err)
	}
	if probe.WorkflowSpec != nil {
		var p graph.Proposal
		if err := sonic.ConfigStd.Unmarshal(data, &p); err != nil {
			return graph.Proposal{}, fmt.Errorf("failed to decode proposal: %w", err)
		}
		return p, nil
	}
	var spec graph.Spec
	if err := sonic.ConfigStd.Unmarshal(data, &spec); err != nil {
		return graph.Proposal{}, fmt.Errorf("failed to decode workflow spec: %w", err)
	}
	return graph.Proposal{WorkflowSpec: spec}, nil
}

// MarshalJSON writes g as an indented workflow spec.
func MarshalJSON(g *graph.WorkflowGraph) ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(g.Spec(), "", "  ")
}
