package importer

import (
	"fmt"
	"slices"

	"github.com/automerge/automerge-go"
	"github.com/bytedance/sonic"

	"github.com/astromechza/graphsync/pkg/graph"
)

// specKey is where ExportAutomerge puts the graph.
const specKey = "workflowSpec"

// ParseAutomerge reads a graph from an automerge document. The graph is either
// under "workflowSpec" or laid out at the root, where nodes and edges may be
// lists or maps keyed by id.
func ParseAutomerge(data []byte) (graph.Proposal, error) {
	doc, err := automerge.Load(data)
	if err != nil {
		return graph.Proposal{}, fmt.Errorf("failed to load doc: %w", err)
	}
	root, err := mapToNative(doc.RootMap())
	if err != nil {
		return graph.Proposal{}, fmt.Errorf("failed to read doc: %w", err)
	}
	if inner, ok := root[specKey].(map[string]any); ok {
		root = inner
	}
	for _, key := range []string{"nodes", "edges"} {
		if byID, ok := root[key].(map[string]any); ok {
			root[key] = valuesByKey(byID)
		}
	}

	// go through json so the spec decodes with the same rules as the json
	// importer
	raw, err := sonic.ConfigStd.Marshal(root)
	if err != nil {
		return graph.Proposal{}, fmt.Errorf("failed to encode doc contents: %w", err)
	}
	var spec graph.Spec
	if err := sonic.ConfigStd.Unmarshal(raw, &spec); err != nil {
		return graph.Proposal{}, fmt.Errorf("doc does not hold a workflow spec: %w", err)
	}
	return graph.Proposal{WorkflowSpec: spec}, nil
}

func valuesByKey(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func mapToNative(m *automerge.Map) (map[string]any, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := m.Get(k)
		if err != nil {
			return nil, fmt.Errorf("failed to get %q: %w", k, err)
		}
		if out[k], err = toNative(v); err != nil {
			return nil, fmt.Errorf("in %q: %w", k, err)
		}
	}
	return out, nil
}

func toNative(v *automerge.Value) (any, error) {
	switch t := v.Interface().(type) {
	case *automerge.Map:
		return mapToNative(t)
	case *automerge.List:
		out := make([]any, 0, t.Len())
		for i := 0; i < t.Len(); i++ {
			item, err := t.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to get item %d: %w", i, err)
			}
			native, err := toNative(item)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	case *automerge.Text:
		return t.Get()
	case *automerge.Counter:
		return t.Get()
	default:
		return t, nil
	}
}

// ExportAutomerge writes g as an automerge document holding the workflow spec
// under "workflowSpec".
func ExportAutomerge(g *graph.WorkflowGraph) ([]byte, error) {
	raw, err := sonic.ConfigStd.Marshal(g.Spec())
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	var tree map[string]any
	if err := sonic.ConfigStd.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	doc := automerge.New()
	if err := doc.Path(specKey).Set(tree); err != nil {
		return nil, fmt.Errorf("failed to set workflow spec: %w", err)
	}
	if _, err := doc.Commit("export workflow graph", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return doc.Save(), nil
}
