package loom

import (
	"context"
	"iter"
)

// GenerateParams controls a single text generation call.
type GenerateParams struct {
	Model       string
	System      string
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   int
}

// Generator streams text from an AI generation service.
//
// The returned sequence is finite. An error is yielded as the final element;
// callers stop ranging when ctx is cancelled.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerateParams) iter.Seq2[string, error]
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// SearchResult is one vector search hit.
type SearchResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VectorIndex is a similarity search service.
type VectorIndex interface {
	// Search returns at most limit results scoring at least threshold,
	// ordered by descending score.
	Search(ctx context.Context, embedding []float64, limit int, threshold float64) ([]SearchResult, error)
	Upsert(ctx context.Context, id string, embedding []float64, metadata map[string]any) error
}

// Capabilities bundles the external services behaviors may call.
// Any field may be nil.
type Capabilities struct {
	Generator Generator
	Embedder  Embedder
	Vectors   VectorIndex
}

// Collect drains a generation stream into a single string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var out []byte
	for chunk, err := range seq {
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
	return string(out), nil
}
