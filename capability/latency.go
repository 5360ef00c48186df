// Package capability decorates the engine's external services with latency
// guards and circuit breakers. Adapters for concrete services live in the
// openai and vector subpackages.
package capability

import (
	"context"
	"iter"
	"time"

	"github.com/agentstation/loom"
)

type chunk struct {
	text string
	err  error
}

// latencyGuard enforces a maximum gap between stream chunks.
type latencyGuard struct {
	gen       loom.Generator
	threshold time.Duration
}

// WithLatencyThreshold returns a generator that fails with a
// *loom.TimeoutError when the first chunk, or any later one, takes longer
// than d to arrive. The timeout is retryable. A non-positive d returns gen
// unchanged.
func WithLatencyThreshold(gen loom.Generator, d time.Duration) loom.Generator {
	if d <= 0 {
		return gen
	}
	return &latencyGuard{gen: gen, threshold: d}
}

// Generate implements loom.Generator.
func (g *latencyGuard) Generate(ctx context.Context, prompt string, params loom.GenerateParams) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks := make(chan chunk)
		go func() {
			defer close(chunks)
			for text, err := range g.gen.Generate(ctx, prompt, params) {
				select {
				case chunks <- chunk{text: text, err: err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()

		timer := time.NewTimer(g.threshold)
		defer timer.Stop()
		for {
			select {
			case c, ok := <-chunks:
				if !ok {
					return
				}
				if c.err != nil {
					yield("", c.err)
					return
				}
				if !yield(c.text, nil) {
					return
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(g.threshold)
			case <-timer.C:
				yield("", &loom.TimeoutError{Capability: "generator", After: g.threshold})
				return
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
	}
}
