package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/graphsync/pkg/awareness"
	"github.com/astromechza/graphsync/pkg/backend"
	"github.com/astromechza/graphsync/pkg/collab"
	"github.com/astromechza/graphsync/pkg/config"
	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/graph"
	"github.com/astromechza/graphsync/pkg/importer"
	"github.com/astromechza/graphsync/pkg/projector"
	"github.com/astromechza/graphsync/pkg/proposal"
	"github.com/astromechza/graphsync/pkg/session"
	"github.com/astromechza/graphsync/pkg/viz"
)

const Version = "0.1.0"

const usage = `Collaborative workflow graph client.

Usage:
    graphsync watch <session> [--server=<url>] [--name=<name>] [--color=<color>]
        [--config=<file>] [--log-level=<level>]
    graphsync pull <session> [--out=<file>] [--server=<url>]
        [--config=<file>] [--log-level=<level>]
    graphsync push <session> <input> [--mode=<mode>] [--server=<url>]
        [--config=<file>] [--log-level=<level>]
    graphsync import <session> <input> [--mode=<mode>]
        [--config=<file>] [--log-level=<level>]
    graphsync export <docfile> [--format=<format>] [--out=<file>]
    graphsync render <docfile> [--workflow] [--out=<file>]
    graphsync -h | --help
    graphsync --version

Commands:
    watch    Join a session, print every snapshot and presence change.
    pull     Bring a saved document file up to date with the server.
    push     Adopt a workflow from a .json, .hcl or .automerge file into a
             live session, through the http catch-up endpoint.
    import   Adopt a workflow file directly into the configured backend.
    export   Write the workflow of a saved document as json or automerge.
    render   Draw the change history, or the workflow, of a saved document.

Options:
    -h --help             Show this screen.
    --version             Show version.
    --server=<url>        Base url of graphsyncd.
    --config=<file>       YAML config file.
    --log-level=<level>   debug, info, warn or error.
    --name=<name>         Display name shown to other collaborators.
    --color=<color>       Display color shown to other collaborators.
    --out=<file>          Output file. Defaults to <session>.graphsync for
                          pull and stdout for export.
    --mode=<mode>         replace or patch.
    --format=<format>     json or automerge [default: json].
    --workflow            Render the workflow instead of the change history.`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if export_, _ := opts.Bool("export"); export_ {
		return export(opts)
	} else if render_, _ := opts.Bool("render"); render_ {
		return render(opts)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.Logger())

	if watch_, _ := opts.Bool("watch"); watch_ {
		return watch(ctx, cfg, opts)
	} else if pull_, _ := opts.Bool("pull"); pull_ {
		return pull(ctx, cfg, opts)
	} else if push_, _ := opts.Bool("push"); push_ {
		return push(ctx, cfg, opts)
	} else if import_, _ := opts.Bool("import"); import_ {
		return importFile(ctx, cfg, opts)
	}
	return nil
}

func loadConfig(opts docopt.Opts) (config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return config.Config{}, err
	}
	path, _ := opts.String("--config")
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	cfg, err := config.Resolve(path, os.LookupEnv)
	if err != nil {
		return cfg, err
	}
	if v, _ := opts.String("--server"); v != "" {
		cfg.Server = v
	}
	if v, _ := opts.String("--log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := opts.String("--mode"); v != "" {
		cfg.ProposalMode = v
	}
	return cfg, cfg.Validate()
}

func watch(ctx context.Context, cfg config.Config, opts docopt.Opts) error {
	sessionID, _ := opts.String("<session>")
	mode, _ := proposal.ParseMode(cfg.ProposalMode)
	s, err := collab.New(ctx, collab.Options{
		SessionID:       sessionID,
		Logger:          slog.Default(),
		ServerURL:       cfg.Server,
		Mode:            mode,
		Debounce:        cfg.Debounce,
		CaptureWindow:   cfg.CaptureWindow,
		PresenceTimeout: cfg.PresenceTimeout,
		ReconnectMin:    cfg.ReconnectMin,
		ReconnectMax:    cfg.ReconnectMax,
		PingInterval:    cfg.PingInterval,
	})
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	name, _ := opts.String("--name")
	if name == "" {
		name = s.Doc().Origin()
	}
	color, _ := opts.String("--color")
	if color == "" {
		color = "#888888"
	}
	s.SetPresence(awareness.State{Name: name, Color: color})

	defer s.SubscribeStatus(func(st session.Status) {
		slog.Info("status", "status", st)
	})()
	defer s.Subscribe(func(v projector.View) {
		if v.Empty() {
			slog.Info("snapshot", "version", v.Version, "empty", true)
		} else {
			slog.Info("snapshot", "version", v.Version, "lanes", len(v.Graph.Lanes), "nodes", len(v.Graph.Nodes), "edges", len(v.Graph.Edges))
		}
		for _, p := range v.Presence {
			slog.Info("present", "client", p.ClientID, "name", p.Name, "focus", p.FocusedNodeID)
		}
	})()

	<-ctx.Done()
	slog.Info("stopping")
	return nil
}

func loadDocFile(path string) (*doc.Doc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	d, err := doc.Load(raw, ulid.Make().String())
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return d, nil
}

func pull(ctx context.Context, cfg config.Config, opts docopt.Opts) error {
	sessionID, _ := opts.String("<session>")
	out, _ := opts.String("--out")
	if out == "" {
		out = sessionID + ".graphsync"
	}

	d, err := loadDocFile(out)
	if errors.Is(err, fs.ErrNotExist) {
		d = doc.New(ulid.Make().String())
	} else if err != nil {
		return err
	}

	poller, err := session.NewPoller(cfg.Server, sessionID, d, nil)
	if err != nil {
		return err
	}
	res, err := poller.Sync(ctx)
	if err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err := os.WriteFile(out, d.Save(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	slog.Info("pulled", "session", sessionID, "applied", res.Applied, "version", d.Version(), "path", out)
	return nil
}

func push(ctx context.Context, cfg config.Config, opts docopt.Opts) error {
	sessionID, _ := opts.String("<session>")
	input, _ := opts.String("<input>")
	p, err := importer.ReadFile(input)
	if err != nil {
		return err
	}
	mode, _ := proposal.ParseMode(cfg.ProposalMode)

	d := doc.New(ulid.Make().String())
	poller, err := session.NewPoller(cfg.Server, sessionID, d, nil)
	if err != nil {
		return err
	}
	if _, err := poller.Sync(ctx); err != nil {
		return fmt.Errorf("failed to fetch session: %w", err)
	}
	ev, err := proposal.New(d, proposal.WithMode(mode), proposal.WithTag(doc.TagImport)).Adopt(p)
	if err != nil {
		return err
	}
	if ev == nil {
		slog.Info("session already matches input", "session", sessionID)
		return nil
	}
	if _, err := poller.Sync(ctx); err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	slog.Info("pushed", "session", sessionID, "ops", len(ev.Change.Ops), "summary", graph.Summarize(nil, p.WorkflowSpec.Graph()).Summary)
	return nil
}

func importFile(ctx context.Context, cfg config.Config, opts docopt.Opts) error {
	sessionID, _ := opts.String("<session>")
	input, _ := opts.String("<input>")
	mode, _ := proposal.ParseMode(cfg.ProposalMode)

	store, err := backend.Open(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	defer store.Close()

	s, err := collab.Open(ctx, collab.Options{SessionID: sessionID, Backend: store, Mode: mode, Logger: slog.Default()})
	if err != nil {
		return err
	}
	ev, err := s.Import(input)
	if err != nil {
		_ = s.Close(ctx)
		return err
	}
	if err := s.Close(ctx); err != nil {
		return err
	}
	slog.Info("imported", "session", sessionID, "input", input, "changed", ev != nil)
	return nil
}

func writeOut(opts docopt.Opts, data []byte) error {
	out, _ := opts.String("--out")
	if out == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func export(opts docopt.Opts) error {
	path, _ := opts.String("<docfile>")
	d, err := loadDocFile(path)
	if err != nil {
		return err
	}
	var g *graph.WorkflowGraph
	d.View(func(r doc.Reader) { g = graph.Read(r) })

	var data []byte
	switch format, _ := opts.String("--format"); format {
	case "json", "":
		data, err = importer.MarshalJSON(g)
	case "automerge":
		data, err = importer.ExportAutomerge(g)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return err
	}
	return writeOut(opts, data)
}

func render(opts docopt.Opts) error {
	path, _ := opts.String("<docfile>")
	d, err := loadDocFile(path)
	if err != nil {
		return err
	}
	out, _ := opts.String("--out")
	if out == "" {
		out = path + ".svg"
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	if workflow, _ := opts.Bool("--workflow"); workflow {
		var g *graph.WorkflowGraph
		d.View(func(r doc.Reader) { g = graph.Read(r) })
		err = viz.RenderWorkflow(f, viz.SVG, g)
	} else {
		err = viz.RenderChanges(f, viz.SVG, d.Changes())
	}
	if err != nil {
		return err
	}
	fmt.Println("file://" + out)
	return nil
}
