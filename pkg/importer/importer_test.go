package importer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/graphsync/pkg/graph"
	"github.com/astromechza/graphsync/pkg/validate"
)

const responseJSON = `{
  "workflowSpec": {
    "lanes": [{"id": "l1", "name": "Intake", "order": 0}],
    "nodes": [
      {"id": "start", "type": "start", "laneId": "l1", "title": "Ticket received"},
      {"id": "done", "type": "end", "laneId": "l1", "title": "Closed", "metadata": {"priority": "high", "estimatedDuration": "30m", "retries": 3}}
    ],
    "edges": [{"id": "e1", "from": "start", "to": "done", "type": "normal"}],
    "metadata": {"domain": "support"}
  },
  "diffSummary": {"added": ["start", "done", "e1"], "removed": [], "modified": [], "summary": "new flow"},
  "warnings": ["no escalation path"]
}`

const workflowHCL = `
metadata = { domain = "support" }

lane "l1" {
  name = "Intake"
}

node "start" {
  type  = "start"
  lane  = "l1"
  title = "Ticket received"
}

node "done" {
  type     = "end"
  lane     = "l1"
  title    = "Closed"
  metadata = { priority = "high", estimatedDuration = "30m", retries = 3 }
}

edge "e1" {
  from = "start"
  to   = "done"
}
`

func TestParseJSONProposal(t *testing.T) {
	p, err := ParseJSON([]byte(responseJSON))
	require.NoError(t, err)
	assert.Equal(t, "new flow", p.DiffSummary.Summary)
	assert.Equal(t, []string{"no escalation path"}, p.Warnings)

	g := p.WorkflowSpec.Graph()
	assert.Empty(t, validate.Default.Validate(g))
	assert.Equal(t, float64(3), g.Nodes["done"].Metadata["retries"])
	assert.Equal(t, "sv", g.Metadata["language"])
}

func TestParseJSONBareSpec(t *testing.T) {
	p, err := ParseJSON([]byte(`{"lanes": [], "nodes": [{"id": "n1", "type": "step", "laneId": "l1", "title": "x"}], "edges": []}`))
	require.NoError(t, err)
	assert.Len(t, p.WorkflowSpec.Nodes, 1)

	_, err = ParseJSON([]byte(`{"nodes": 3}`))
	assert.Error(t, err)
	_, err = ParseJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseHCLMatchesJSON(t *testing.T) {
	fromHCL, err := ParseHCL("workflow.hcl", []byte(workflowHCL))
	require.NoError(t, err)
	fromJSON, err := ParseJSON([]byte(responseJSON))
	require.NoError(t, err)
	assert.True(t, fromJSON.WorkflowSpec.Graph().Equal(fromHCL.WorkflowSpec.Graph()))
}

func TestParseHCLErrors(t *testing.T) {
	_, err := ParseHCL("bad.hcl", []byte(`node "x" {`))
	assert.Error(t, err)

	_, err = ParseHCL("missing.hcl", []byte(`node "x" { type = "step" }`))
	assert.Error(t, err)

	_, err = ParseHCL("nested.hcl", []byte(`
node "x" {
  type     = "step"
  lane     = "l1"
  title    = "x"
  metadata = { tags = ["a", "b"] }
}`))
	assert.ErrorContains(t, err, "scalars")
}

func TestAutomergeRoundTrip(t *testing.T) {
	p, err := ParseJSON([]byte(responseJSON))
	require.NoError(t, err)
	g := p.WorkflowSpec.Graph()

	data, err := ExportAutomerge(g)
	require.NoError(t, err)
	back, err := ParseAutomerge(data)
	require.NoError(t, err)
	assert.True(t, g.Equal(back.WorkflowSpec.Graph()))

	_, err = ParseAutomerge([]byte("nope"))
	assert.Error(t, err)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.hcl")
	require.NoError(t, os.WriteFile(path, []byte(workflowHCL), 0o600))
	p, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, p.WorkflowSpec.Nodes, 2)

	_, err = ReadFile(filepath.Join(dir, "flow.yaml"))
	assert.ErrorContains(t, err, "unsupported")

	f, err := FormatOf("x.AUTOMERGE")
	require.NoError(t, err)
	assert.Equal(t, FormatAutomerge, f)
}

func TestMarshalJSON(t *testing.T) {
	g := graph.Spec{Lanes: []graph.Lane{{ID: "l1", Name: "Intake"}}}.Graph()
	data, err := MarshalJSON(g)
	require.NoError(t, err)
	p, err := ParseJSON(data)
	require.NoError(t, err)
	assert.True(t, g.Equal(p.WorkflowSpec.Graph()))
}
