package loom

import (
	"log/slog"
	"maps"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agentstation/loom/internal/ctxlog"
	"github.com/agentstation/loom/internal/retry"
)

// RetryPolicy controls how failed node attempts are retried.
type RetryPolicy = retry.Policy

// DefaultRetryPolicy returns three attempts with a doubling delay starting
// at 500ms, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return retry.DefaultPolicy()
}

// engineOptions holds configuration for an Engine.
type engineOptions struct {
	workers     int
	retry       RetryPolicy
	nodeTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	runs        *RunStore
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithWorkers bounds how many nodes of one level run at once. Values below 1
// select runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(o *engineOptions) {
		o.workers = n
	}
}

// WithRetryPolicy sets the retry policy applied to every node.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *engineOptions) {
		o.retry = p
	}
}

// WithNodeTimeout sets the per-attempt timeout for nodes that don't declare
// their own. Zero disables it.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		o.nodeTimeout = d
	}
}

// WithLogger adds logging to the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithTracer adds distributed tracing.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *engineOptions) {
		o.tracer = tracer
	}
}

// WithRunStore shares a run store between engines or with a server.
func WithRunStore(runs *RunStore) Option {
	return func(o *engineOptions) {
		o.runs = runs
	}
}

func defaultEngineOptions() engineOptions {
	return engineOptions{
		retry:  retry.DefaultPolicy(),
		logger: ctxlog.Discard(),
		tracer: noop.NewTracerProvider().Tracer("loom"),
	}
}

func (o *engineOptions) normalize() {
	if o.workers < 1 {
		o.workers = runtime.GOMAXPROCS(0)
	}
	if o.logger == nil {
		o.logger = ctxlog.Discard()
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("loom")
	}
	if o.runs == nil {
		o.runs = NewRunStore()
	}
}

// runOptions holds per-run configuration.
type runOptions struct {
	inputs map[string]Values
	reuse  *Run
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithInputs supplies values for a node's unconnected input ports. Values
// override port defaults for this run only.
func WithInputs(nodeID string, values Values) RunOption {
	return func(o *runOptions) {
		if o.inputs == nil {
			o.inputs = make(map[string]Values)
		}
		merged := o.inputs[nodeID]
		if merged == nil {
			merged = Values{}
		}
		maps.Copy(merged, values)
		o.inputs[nodeID] = merged
	}
}

// WithReuse carries complete outcomes from an earlier run of the same graph.
// Those nodes are not executed again, so re-running a partially failed run
// only executes what failed or was skipped.
func WithReuse(prev *Run) RunOption {
	return func(o *runOptions) {
		o.reuse = prev
	}
}

func (o runOptions) supplied(nodeID, port string) bool {
	_, ok := o.inputs[nodeID][port]
	return ok
}
