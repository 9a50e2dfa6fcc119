// Package proposal adopts externally produced candidate graphs into a
// document as a single undoable transaction.
package proposal

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/astromechza/graphsync/pkg/doc"
	"github.com/astromechza/graphsync/pkg/graph"
	"github.com/astromechza/graphsync/pkg/metrics"
	"github.com/astromechza/graphsync/pkg/validate"
)

type Mode int

const (
	// ModeReplace clears the document and writes the candidate.
	ModeReplace Mode = iota
	// ModePatch writes only what differs and keeps workflow metadata keys the
	// candidate does not mention.
	ModePatch
)

func (m Mode) String() string {
	if m == ModePatch {
		return "patch"
	}
	return "replace"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "replace":
		return ModeReplace, nil
	case "patch":
		return ModePatch, nil
	}
	return ModeReplace, fmt.Errorf("unknown proposal mode %q", s)
}

// ValidationError carries the violations that stopped a candidate.
type ValidationError struct {
	Violations []validate.Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("candidate graph has %d violations: %s", len(e.Violations), strings.Join(parts, "; "))
}

// Boundary is implemented by the history manager.
type Boundary interface {
	StopCapturing()
}

// writeHook runs inside the adoption transaction after the candidate has been
// written. Tests use it to make the transaction fail.
var writeHook = func(*doc.Tx) error { return nil }

type Applier struct {
	doc       *doc.Doc
	validator validate.Validator
	history   Boundary
	mode      Mode
	tag       doc.Tag
	logger    *slog.Logger
}

type Option func(*Applier)

func WithValidator(v validate.Validator) Option {
	return func(a *Applier) { a.validator = v }
}

func WithHistory(b Boundary) Option {
	return func(a *Applier) { a.history = b }
}

func WithMode(m Mode) Option {
	return func(a *Applier) { a.mode = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Applier) { a.logger = logger }
}

// WithTag sets the tag of the transactions the applier commits. Bulk imports
// use doc.TagImport.
func WithTag(tag doc.Tag) Option {
	return func(a *Applier) { a.tag = tag }
}

func New(d *doc.Doc, opts ...Option) *Applier {
	a := &Applier{
		doc:       d,
		validator: validate.Default,
		mode:      ModeReplace,
		tag:       doc.TagProposal,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply writes the candidate in one transaction. The candidate is trusted;
// use Adopt for graphs from outside. A nil event means the document already
// matched.
func (a *Applier) Apply(candidate *graph.WorkflowGraph) (*doc.Event, error) {
	if candidate == nil {
		return nil, errors.New("candidate graph is missing")
	}
	if a.history != nil {
		a.history.StopCapturing()
		defer a.history.StopCapturing()
	}
	ev, err := a.doc.Transaction(func(tx *doc.Tx) error {
		var err error
		if a.mode == ModePatch {
			err = graph.Patch(tx, candidate)
		} else {
			err = graph.Replace(tx, candidate)
		}
		if err != nil {
			return err
		}
		return writeHook(tx)
	}, doc.WithTag(a.tag))
	if err != nil {
		metrics.Proposals.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to apply proposal: %w", err)
	}
	metrics.Proposals.WithLabelValues("adopted").Inc()
	a.logger.Info("adopted proposal", "mode", a.mode, "tag", a.tag, "nodes", len(candidate.Nodes), "lanes", len(candidate.Lanes), "empty", ev == nil)
	return ev, nil
}

// Adopt validates a proposal and applies its graph. Violations are returned as
// a *ValidationError and nothing is written.
func (a *Applier) Adopt(p graph.Proposal) (*doc.Event, error) {
	return a.AdoptGraph(p.WorkflowSpec.Graph())
}

func (a *Applier) AdoptGraph(candidate *graph.WorkflowGraph) (*doc.Event, error) {
	if vs := a.validator.Validate(candidate); len(vs) > 0 {
		metrics.Proposals.WithLabelValues("rejected").Inc()
		a.logger.Warn("rejected proposal", "violations", len(vs))
		return nil, &ValidationError{Violations: vs}
	}
	return a.Apply(candidate)
}

// Clear replaces the document with an empty graph.
func (a *Applier) Clear() (*doc.Event, error) {
	if a.history != nil {
		a.history.StopCapturing()
		defer a.history.StopCapturing()
	}
	ev, err := a.doc.Transaction(func(tx *doc.Tx) error {
		return graph.Replace(tx, graph.New())
	}, doc.WithTag(a.tag))
	if err != nil {
		return nil, fmt.Errorf("failed to clear document: %w", err)
	}
	return ev, nil
}
