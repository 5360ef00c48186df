package capability

import (
	"context"
	"iter"
	"time"

	"github.com/agentstation/loom"
)

// Breaker guards a generator with a Circuit. While the circuit is open,
// Generate fails fast with a retryable *loom.CapabilityError wrapping
// ErrCircuitOpen.
type Breaker struct {
	gen     loom.Generator
	circuit *Circuit
}

// NewBreaker wraps gen in a circuit that opens after failures consecutive
// failed streams and half-opens after cooldown.
func NewBreaker(gen loom.Generator, failures int, cooldown time.Duration, opts ...CircuitOption) *Breaker {
	return &Breaker{gen: gen, circuit: NewCircuit("generator", failures, cooldown, opts...)}
}

// Circuit returns the breaker's circuit.
func (b *Breaker) Circuit() *Circuit { return b.circuit }

// Generate implements loom.Generator. A stream counts as failed when it
// yields an error; a consumer stopping early counts as success.
func (b *Breaker) Generate(ctx context.Context, prompt string, params loom.GenerateParams) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := b.circuit.Allow(); err != nil {
			yield("", &loom.CapabilityError{Capability: b.circuit.Name(), Err: err})
			return
		}

		var failure error
		defer func() { b.circuit.Record(failure) }()

		for chunk, err := range b.gen.Generate(ctx, prompt, params) {
			if err != nil {
				failure = err
				yield("", err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// EmbedBreaker guards an embedder with a Circuit.
type EmbedBreaker struct {
	emb     loom.Embedder
	circuit *Circuit
}

// NewEmbedBreaker wraps emb in a circuit.
func NewEmbedBreaker(emb loom.Embedder, failures int, cooldown time.Duration, opts ...CircuitOption) *EmbedBreaker {
	return &EmbedBreaker{emb: emb, circuit: NewCircuit("embedder", failures, cooldown, opts...)}
}

// Circuit returns the breaker's circuit.
func (b *EmbedBreaker) Circuit() *Circuit { return b.circuit }

// Embed implements loom.Embedder.
func (b *EmbedBreaker) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := b.circuit.Allow(); err != nil {
		return nil, &loom.CapabilityError{Capability: b.circuit.Name(), Err: err}
	}
	v, err := b.emb.Embed(ctx, text)
	b.circuit.Record(err)
	return v, err
}
