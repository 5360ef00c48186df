package testutil

import (
	"context"
	"hash/fnv"
	"iter"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentstation/loom"
)

// Generator is a scripted generation capability. Each call streams Chunks,
// or fails with the next entry of Errors while any remain.
type Generator struct {
	Chunks []string
	Errors []error
	// Gap is slept before each chunk.
	Gap time.Duration

	mu      sync.Mutex
	prompts []string
	params  []loom.GenerateParams
}

// Generate implements loom.Generator.
func (g *Generator) Generate(ctx context.Context, prompt string, params loom.GenerateParams) iter.Seq2[string, error] {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.params = append(g.params, params)
	var fail error
	if len(g.Errors) > 0 {
		fail, g.Errors = g.Errors[0], g.Errors[1:]
	}
	chunks := append([]string(nil), g.Chunks...)
	g.mu.Unlock()

	return func(yield func(string, error) bool) {
		if fail != nil {
			yield("", fail)
			return
		}
		for _, c := range chunks {
			if g.Gap > 0 {
				select {
				case <-time.After(g.Gap):
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Prompts returns every prompt received.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// Params returns the parameters of every call.
func (g *Generator) Params() []loom.GenerateParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]loom.GenerateParams(nil), g.params...)
}

// Embedder hashes words into a small fixed-size vector, so texts sharing
// words score higher under cosine similarity.
type Embedder struct {
	Dims int
	Err  error
}

// Embed implements loom.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Err != nil {
		return nil, e.Err
	}
	dims := e.Dims
	if dims <= 0 {
		dims = 16
	}
	vec := make([]float64, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[int(h.Sum32()%uint32(dims))]++
	}
	return vec, nil
}

// VectorIndex is an in-memory cosine similarity index.
type VectorIndex struct {
	mu      sync.Mutex
	entries map[string]vectorEntry
	// SearchErr fails every Search when set.
	SearchErr error
}

type vectorEntry struct {
	embedding []float64
	metadata  map[string]any
}

// Upsert implements loom.VectorIndex.
func (v *VectorIndex) Upsert(_ context.Context, id string, embedding []float64, metadata map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.entries == nil {
		v.entries = make(map[string]vectorEntry)
	}
	v.entries[id] = vectorEntry{embedding: embedding, metadata: metadata}
	return nil
}

// Search implements loom.VectorIndex.
func (v *VectorIndex) Search(ctx context.Context, embedding []float64, limit int, threshold float64) ([]loom.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v.SearchErr != nil {
		return nil, v.SearchErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var results []loom.SearchResult
	for id, e := range v.entries {
		score := cosine(embedding, e.embedding)
		if score < threshold {
			continue
		}
		results = append(results, loom.SearchResult{ID: id, Score: score, Metadata: e.metadata})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Len returns the number of stored vectors.
func (v *VectorIndex) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// Metadata returns the metadata stored under id.
func (v *VectorIndex) Metadata(id string) (map[string]any, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[id]
	return e.metadata, ok
}

func cosine(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
