package loom

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ohler55/ojg/jp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agentstation/loom/internal/ctxlog"
	"github.com/agentstation/loom/internal/retry"
)

// Execution is a handle on a run in progress.
type Execution struct {
	id     string
	engine *Engine
	graph  *Graph
	plan   *ExecutionPlan
	inputs map[string]Values
	reuse  *Run
	// fingerprints are the node configuration hashes recorded on the run.
	fingerprints map[string]string
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	gate   gate
	done   chan struct{}
	result *Run
	onDone func()

	mu      sync.Mutex
	outputs map[string]Values
}

func newExecution(parent context.Context, e *Engine, g *Graph, plan *ExecutionPlan, run *Run, ro runOptions) *Execution {
	ctx, cancel := context.WithCancel(parent)
	return &Execution{
		id:           run.ID,
		engine:       e,
		graph:        g,
		plan:         plan,
		inputs:       ro.inputs,
		reuse:        ro.reuse,
		fingerprints: run.Fingerprints,
		logger:       e.opts.logger.With("run", run.ID, "graph", g.ID),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		outputs:      make(map[string]Values, len(g.Nodes)),
	}
}

// ID returns the run id.
func (x *Execution) ID() string { return x.id }

// Pause stops launching new nodes. Nodes already running finish.
func (x *Execution) Pause() {
	if x.gate.pause() {
		x.engine.opts.runs.setPaused(x.id, true)
		x.logger.Info("run paused")
	}
}

// Resume continues with the next node that has not started.
func (x *Execution) Resume() {
	if x.gate.resume() {
		x.engine.opts.runs.setPaused(x.id, false)
		x.logger.Info("run resumed")
	}
}

// Stop cancels the run. Nodes that have not reached a terminal status are
// skipped.
func (x *Execution) Stop() {
	x.cancel()
}

// Done is closed once the run is terminal.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Wait blocks until the run is terminal and returns its final state.
func (x *Execution) Wait() *Run {
	<-x.done
	return x.result
}

// Events returns the run's progress feed from the first event.
func (x *Execution) Events() iter.Seq[RunEvent] {
	return x.engine.opts.runs.Subscribe(x.id)
}

func (x *Execution) launch() {
	go x.execute()
}

// abandon finishes a run that was created but never launched.
func (x *Execution) abandon() {
	x.cancel()
	x.result, _ = x.engine.opts.runs.finish(x.id, true)
	close(x.done)
}

func (x *Execution) execute() {
	runs := x.engine.opts.runs
	defer func() {
		x.cancel()
		if x.onDone != nil {
			x.onDone()
		}
		close(x.done)
	}()

	ctx, span := x.engine.opts.tracer.Start(x.ctx, "loom.run", trace.WithAttributes(
		attribute.String("loom.run_id", x.id),
		attribute.String("loom.graph_id", x.graph.ID),
	))
	defer span.End()
	ctx = ctxlog.WithLogger(ctx, x.logger)

	if err := runs.start(x.id); err != nil {
		x.logger.Error("run start failed", "error", err)
	}
	started := time.Now()
	x.logger.Info("run started", "nodes", len(x.graph.Nodes), "levels", len(x.plan.Levels))

	reused := x.applyReuse()

	for level, ids := range x.plan.Levels {
		if ctx.Err() != nil {
			break
		}
		x.runLevel(ctx, ids, reused)
		if ctx.Err() != nil {
			break
		}
		counts := runs.checkpoint(x.id, level)
		x.logger.Debug("level completed", "level", level, "complete", counts.Complete, "error", counts.Error, "skipped", counts.Skipped)
	}

	cancelled := ctx.Err() != nil
	run, err := runs.finish(x.id, cancelled)
	if err != nil {
		x.logger.Error("run finish failed", "error", err)
		run, _ = runs.GetRun(x.id)
	}
	x.result = run

	if run != nil {
		span.SetAttributes(
			attribute.Int64("loom.generation", int64(run.Generation)),
			attribute.String("loom.status", string(run.Status)),
		)
		if run.Status != RunCompleted {
			span.SetStatus(codes.Error, string(run.Status))
		}
		level := slog.LevelInfo
		if run.Status == RunFailed || run.Status == RunPartiallyFailed {
			level = slog.LevelWarn
		}
		x.logger.Log(ctx, level, "run finished", "status", run.Status, "duration", time.Since(started))
	}
}

// runLevel launches the nodes of one level in insertion order through the
// bounded worker pool and waits for all of them.
func (x *Execution) runLevel(ctx context.Context, ids []string, reused map[string]bool) {
	runs := x.engine.opts.runs

	var g errgroup.Group
	g.SetLimit(x.engine.opts.workers)
	for _, id := range ids {
		if reused[id] {
			continue
		}
		if err := x.gate.wait(ctx); err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if upstream, ok := x.blockedBy(id); !ok {
			now := time.Now()
			if err := runs.UpdateOutcome(x.id, id, NodeOutcome{
				Status:    NodeSkipped,
				StartedAt: now,
				EndedAt:   now,
			}); err != nil {
				x.logger.Error("skip failed", "node", id, "error", err)
			}
			x.logger.Info("node skipped", "node", id, "upstream", upstream)
			continue
		}

		node, _ := x.graph.Node(id)
		g.Go(func() error {
			// A pause may arrive while this launch waited for a worker.
			if err := x.gate.wait(ctx); err != nil || ctx.Err() != nil {
				return nil
			}
			x.runNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()
}

// blockedBy returns the first upstream node that did not complete.
func (x *Execution) blockedBy(id string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, dep := range x.plan.Dependencies(id) {
		if _, ok := x.outputs[dep]; !ok {
			return dep, false
		}
	}
	return "", true
}

// applyReuse marks nodes that completed in the reused run as complete when
// their configuration is unchanged and every upstream node was reused.
func (x *Execution) applyReuse() map[string]bool {
	reused := make(map[string]bool)
	prev := x.reuse
	if prev == nil || prev.GraphID != x.graph.ID {
		return reused
	}

	// Walk in plan order so a node is only reused when its upstream was.
	for _, ids := range x.plan.Levels {
		for _, id := range ids {
			o, ok := prev.Outcomes[id]
			if !ok || o.Status != NodeComplete {
				continue
			}
			if want := x.fingerprints[id]; want == "" || prev.Fingerprints[id] != want {
				continue
			}
			if _, ok := x.blockedBy(id); !ok {
				continue
			}
			now := time.Now()
			err := x.engine.opts.runs.UpdateOutcome(x.id, id, NodeOutcome{
				Status:    NodeComplete,
				Outputs:   o.Outputs,
				Attempts:  0,
				Progress:  1,
				StartedAt: now,
				EndedAt:   now,
				Reused:    true,
			})
			if err != nil {
				x.logger.Error("reuse failed", "node", id, "error", err)
				continue
			}
			x.setOutputs(id, o.Outputs)
			reused[id] = true
		}
	}
	if len(reused) > 0 {
		x.logger.Info("reusing outcomes", "from", prev.ID, "nodes", len(reused))
	}
	return reused
}

// runNode executes one node with retries and records its outcome.
func (x *Execution) runNode(ctx context.Context, n *Node) {
	runs := x.engine.opts.runs
	logger := x.logger.With("node", n.ID, "type", n.Type)
	started := time.Now()
	outcome := NodeOutcome{Status: NodeRunning, StartedAt: started}

	fail := func(err error) {
		if ctx.Err() != nil {
			// finish marks the node skipped as cancelled.
			return
		}
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = exhausted.Err
		}
		outcome.Status = NodeError
		outcome.Error = NewErrorRecord(err)
		outcome.EndedAt = time.Now()
		outcome.Duration = outcome.EndedAt.Sub(started)
		if uerr := runs.UpdateOutcome(x.id, n.ID, outcome); uerr != nil {
			logger.Error("record failure", "error", uerr)
		}
		logger.Error("node failed", "attempts", outcome.Attempts, "kind", outcome.Error.Kind, "error", err)
	}

	behavior, err := x.engine.registry.Resolve(n.Type)
	if err != nil {
		fail(err)
		return
	}
	inputs, err := x.gatherInputs(n)
	if err != nil {
		fail(err)
		return
	}

	var outputs Values
	err = x.engine.opts.retry.Do(ctx, func(attempt int) error {
		outcome.Status = NodeRunning
		outcome.Attempts = attempt
		outcome.Error = nil
		outcome.Progress = 0
		if err := runs.UpdateOutcome(x.id, n.ID, outcome); err != nil {
			return Permanent(err)
		}
		logger.Debug("node started", "attempt", attempt)

		out, err := x.attempt(ctx, n, behavior, inputs, attempt)
		if err != nil {
			return err
		}
		outputs = out
		return nil
	}, retry.Hooks{
		Retryable: IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			outcome.Status = NodeRetrying
			outcome.Error = NewErrorRecord(err)
			if uerr := runs.UpdateOutcome(x.id, n.ID, outcome); uerr != nil {
				logger.Error("record retry", "error", uerr)
			}
			logger.Warn("node retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	})
	if err != nil {
		fail(err)
		return
	}

	outcome.Status = NodeComplete
	outcome.Outputs = outputs
	outcome.Error = nil
	outcome.Progress = 1
	outcome.EndedAt = time.Now()
	outcome.Duration = outcome.EndedAt.Sub(started)
	x.setOutputs(n.ID, outputs)
	if err := runs.UpdateOutcome(x.id, n.ID, outcome); err != nil {
		logger.Error("record completion", "error", err)
		return
	}
	logger.Info("node completed", "attempts", outcome.Attempts, "duration", outcome.Duration)
}

// attempt runs a single Execute call under the node's timeout.
func (x *Execution) attempt(ctx context.Context, n *Node, b Behavior, inputs Values, attempt int) (Values, error) {
	ctx, span := x.engine.opts.tracer.Start(ctx, "loom.node", trace.WithAttributes(
		attribute.String("loom.node_id", n.ID),
		attribute.String("loom.node_type", string(n.Type)),
		attribute.Int("loom.attempt", attempt),
	))
	defer span.End()

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = x.engine.opts.nodeTimeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	actx = ctxlog.With(actx, "node", n.ID, "type", n.Type, "attempt", attempt)
	actx = WithNodeInfo(actx, NodeInfo{RunID: x.id, GraphID: x.graph.ID, NodeID: n.ID, Attempt: attempt})
	actx = WithProgress(actx, func(p Progress) {
		x.engine.opts.runs.progress(x.id, n.ID, p)
	})

	out, err := b.Execute(actx, Values(cloneMap(inputs)), Settings(cloneMap(n.Settings)), x.engine.caps)
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case err != nil && errors.Is(actx.Err(), context.DeadlineExceeded):
		err = &TimeoutError{Capability: "node " + n.ID, After: timeout}
	case err == nil:
		err = checkOutputs(n, out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// checkOutputs requires every non-optional declared output.
func checkOutputs(n *Node, out Values) error {
	for _, p := range n.Outputs {
		if p.Optional {
			continue
		}
		if _, ok := out[p.Name]; !ok {
			return fmt.Errorf("%w: node %s did not produce %q", ErrInvalidOutput, n.ID, p.Name)
		}
	}
	return nil
}

// gatherInputs resolves every input port: the incoming edge's value, else
// the run input, else the port default.
func (x *Execution) gatherInputs(n *Node) (Values, error) {
	inputs := make(Values, len(n.Inputs))
	for _, p := range n.Inputs {
		if e, ok := x.graph.Incoming(n.ID, p.Name); ok {
			v, ok, err := x.edgeValue(e, p)
			if err != nil {
				return nil, err
			}
			if ok {
				inputs[p.Name] = v
				continue
			}
		} else if v, ok := x.inputs[n.ID][p.Name]; ok {
			inputs[p.Name] = CloneValue(v)
			continue
		}

		switch {
		case p.HasDefault():
			inputs[p.Name] = CloneValue(p.Default)
		case !p.Optional:
			return nil, fmt.Errorf("%w: %s.%s has no value", ErrInvalidInput, n.ID, p.Name)
		}
	}
	return inputs, nil
}

// edgeValue carries an upstream output across e into port p. Every consumer
// receives its own copy.
func (x *Execution) edgeValue(e *Edge, p Port) (any, bool, error) {
	x.mu.Lock()
	v, ok := x.outputs[e.From][e.FromPort]
	x.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	if e.Transform != "" {
		expr, err := jp.ParseString(e.Transform)
		if err != nil {
			return nil, false, fmt.Errorf("%w: edge %s transform: %v", ErrInvalidInput, e.ID, err)
		}
		switch results := expr.Get(v); len(results) {
		case 0:
			return nil, false, nil
		case 1:
			v = results[0]
		default:
			v = results
		}
	}
	if err := validateValue(e, v); err != nil {
		return nil, false, err
	}

	from, _ := x.graph.Node(e.From)
	src, _ := from.Output(e.FromPort)
	carried := e.Type
	if carried == "" {
		carried = src.Type
	}
	v, err := Coerce(v, src.Type, carried)
	if err != nil {
		return nil, false, err
	}
	if v, err = Coerce(v, carried, p.Type); err != nil {
		return nil, false, err
	}
	return CloneValue(v), true, nil
}

func (x *Execution) setOutputs(id string, out Values) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if out == nil {
		out = Values{}
	}
	x.outputs[id] = out
}

// gate blocks node launches while a run is paused.
type gate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

// pause closes the gate. It reports whether the state changed.
func (g *gate) pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.open = make(chan struct{})
	return true
}

// resume opens the gate. It reports whether the state changed.
func (g *gate) resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.open)
	return true
}

// wait returns once the gate is open or ctx is done.
func (g *gate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		open := g.open
		g.mu.Unlock()

		select {
		case <-open:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
