package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/graph"
	"github.com/astromechza/graphsync/pkg/validate"
	"github.com/astromechza/graphsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svg := flag.Bool("svg", false, "render the change history to a temporary svg instead of printing dot")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	d, err := doc.Load(buff, "debug")
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	buff = nil

	var g *graph.WorkflowGraph
	d.View(func(r doc.Reader) { g = graph.Read(r) })
	slog.Info("loaded doc", "lanes", len(g.Lanes), "nodes", len(g.Nodes), "edges", len(g.Edges), "metadata", g.Metadata)
	slog.Info("loaded version", "version", d.Version(), "pending", d.PendingCount())
	for _, v := range validate.Default.Validate(g) {
		slog.Warn("violation", "path", v.Path, "message", v.Message)
	}

	slog.Info("changes:")
	changes := d.Changes()
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "origin", change.Origin, "seq", change.Seq, "lamport", change.Lamport, "deps", change.Deps, "ops", len(change.Ops), "time", change.Time)
	}

	if *svg {
		path, err := viz.RenderToTemp(d)
		if err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+path)
		return nil
	}
	return viz.RenderChanges(os.Stdout, viz.DOT, changes)
}
