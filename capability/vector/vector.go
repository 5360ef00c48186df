// Package vector provides loom.VectorIndex implementations: an in-memory
// index, a SQLite-backed index and a search-result cache.
package vector

import (
	"math"
	"slices"
	"strings"

	"github.com/agentstation/loom"
)

// ErrEmptyEmbedding is returned for zero-length vectors.
var ErrEmptyEmbedding = loom.ErrEmptyEmbedding

// Cosine returns the cosine similarity of a and b, or 0 when their lengths
// differ or either has zero magnitude.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank orders results by descending score, then ID, and applies the limit.
func rank(results []loom.SearchResult, limit int) []loom.SearchResult {
	slices.SortFunc(results, func(a, b loom.SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
