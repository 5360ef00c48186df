package loom

import (
	"context"
	"errors"
	"slices"
)

// Engine executes workflow graphs against a registry of node behaviors.
//
// An Engine is safe for concurrent use; each Start creates an independent
// run that shares the engine's run store.
type Engine struct {
	registry *Registry
	caps     Capabilities
	opts     engineOptions
}

// New creates an engine.
func New(reg *Registry, caps Capabilities, opts ...Option) *Engine {
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.normalize()

	return &Engine{
		registry: reg,
		caps:     caps,
		opts:     o,
	}
}

// Registry returns the engine's behavior registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Runs returns the store holding the engine's runs.
func (e *Engine) Runs() *RunStore { return e.opts.runs }

// Start validates and plans g, then executes it in the background.
//
// A *ValidationError or *CycleError is returned before any run exists.
// The run executes on a copy of g, so later changes to g don't affect it.
// Cancelling ctx stops the run the same way Execution.Stop does.
func (e *Engine) Start(ctx context.Context, g *Graph, opts ...RunOption) (*Execution, error) {
	x, err := e.prepare(ctx, g, opts)
	if err != nil {
		return nil, err
	}
	x.launch()
	return x, nil
}

// Run executes g and blocks until the run is terminal.
func (e *Engine) Run(ctx context.Context, g *Graph, opts ...RunOption) (*Run, error) {
	x, err := e.Start(ctx, g, opts...)
	if err != nil {
		return nil, err
	}
	return x.Wait(), nil
}

// StartDocument runs the document's current graph. The document stays
// locked until the run is terminal; edits in the meantime fail with
// *GraphLockedError.
func (e *Engine) StartDocument(ctx context.Context, doc *Document, opts ...RunOption) (*Execution, error) {
	if runID := doc.LockedBy(); runID != "" {
		return nil, &GraphLockedError{GraphID: doc.Graph().ID, RunID: runID}
	}

	x, err := e.prepare(ctx, doc.Graph(), opts)
	if err != nil {
		return nil, err
	}
	if err := doc.Lock(x.id); err != nil {
		x.abandon()
		return nil, err
	}
	x.onDone = func() { doc.Unlock(x.id) }
	x.launch()
	return x, nil
}

func (e *Engine) prepare(ctx context.Context, g *Graph, opts []RunOption) (*Execution, error) {
	if g == nil {
		return nil, errors.New("loom: nil graph")
	}
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	// Cycles are reported by Plan as a *CycleError naming the nodes.
	result := validate(g, e.registry, ro.supplied)
	result.Violations = slices.DeleteFunc(result.Violations, func(v Violation) bool {
		return v.Code == ViolationCycle
	})
	if err := result.Err(); err != nil {
		return nil, err
	}
	plan, err := Plan(g)
	if err != nil {
		return nil, err
	}

	graph := g.Clone()
	run := e.opts.runs.createRun(graph, plan, fingerprints(graph, ro.inputs))
	return newExecution(ctx, e, graph, plan, run, ro), nil
}
