// Package importer reads candidate workflow graphs from files written by other
// tools. Everything it returns is a proposal: it still has to pass validation
// before it is adopted.
package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/astromechza/graphsync/pkg/graph"
)

type Format string

const (
	FormatJSON      Format = "json"
	FormatHCL       Format = "hcl"
	FormatAutomerge Format = "automerge"
)

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".hcl":
		return FormatHCL, nil
	case ".automerge", ".am":
		return FormatAutomerge, nil
	}
	return "", fmt.Errorf("unsupported import file %q: expected .json, .hcl or .automerge", filepath.Base(path))
}

func ReadFile(path string) (graph.Proposal, error) {
	format, err := FormatOf(path)
	if err != nil {
		return graph.Proposal{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return graph.Proposal{}, fmt.Errorf("failed to read input file: %w", err)
	}
	return Parse(format, filepath.Base(path), data)
}

func Parse(format Format, filename string, data []byte) (graph.Proposal, error) {
	switch format {
	case FormatJSON:
		return ParseJSON(data)
	case FormatHCL:
		return ParseHCL(filename, data)
	case FormatAutomerge:
		return ParseAutomerge(data)
	}
	return graph.Proposal{}, fmt.Errorf("unknown import format %q", format)
}
