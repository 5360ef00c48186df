package vector

import (
	"context"
	"sync"

	"github.com/agentstation/loom"
)

type entry struct {
	embedding []float64
	metadata  map[string]any
}

// Memory is an in-memory brute-force cosine index.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemory creates an empty index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry)}
}

// Upsert implements loom.VectorIndex.
func (m *Memory) Upsert(ctx context.Context, id string, embedding []float64, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(embedding) == 0 {
		return ErrEmptyEmbedding
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = entry{
		embedding: append([]float64(nil), embedding...),
		metadata:  cloneMetadata(metadata),
	}
	return nil
}

// Search implements loom.VectorIndex.
func (m *Memory) Search(ctx context.Context, embedding []float64, limit int, threshold float64) ([]loom.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]loom.SearchResult, 0, len(m.entries))
	for id, e := range m.entries {
		score := Cosine(embedding, e.embedding)
		if score < threshold {
			continue
		}
		results = append(results, loom.SearchResult{ID: id, Score: score, Metadata: cloneMetadata(e.metadata)})
	}
	return rank(results, limit), nil
}

// Delete removes an entry.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return loom.CloneValue(m).(map[string]any)
}
