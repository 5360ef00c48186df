package vector_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/capability/vector"
	"github.com/agentstation/loom/internal/testutil"
)

func TestCosine(t *testing.T) {
	assert := testutil.NewAssert(t)
	assert.InDelta(1.0, vector.Cosine([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(0.0, vector.Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(-1.0, vector.Cosine([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.Equal(0.0, vector.Cosine([]float64{1}, []float64{1, 2}))
	assert.Equal(0.0, vector.Cosine([]float64{0, 0}, []float64{1, 2}))
}

// exercise runs the shared index contract against idx.
func exercise(t *testing.T, idx loom.VectorIndex) {
	ctx := context.Background()
	assert := testutil.NewAssert(t)

	assert.NoError(idx.Upsert(ctx, "a", []float64{1, 0, 0}, map[string]any{"text": "alpha"}))
	assert.NoError(idx.Upsert(ctx, "b", []float64{0.8, 0.6, 0}, map[string]any{"text": "beta"}))
	assert.NoError(idx.Upsert(ctx, "c", []float64{0, 0, 1}, nil))

	t.Run("ranked by score", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		got, err := idx.Search(ctx, []float64{1, 0, 0}, 10, 0)
		assert.NoError(err)
		assert.Len(got, 3)
		assert.Equal("a", got[0].ID)
		assert.Equal("b", got[1].ID)
		assert.Equal("c", got[2].ID)
		assert.InDelta(0.8, got[1].Score, 1e-9)
		assert.Equal("alpha", got[0].Metadata["text"])
		assert.Nil(got[2].Metadata)
	})

	t.Run("limit and threshold", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		got, err := idx.Search(ctx, []float64{1, 0, 0}, 1, 0)
		assert.NoError(err)
		assert.Len(got, 1)

		got, err = idx.Search(ctx, []float64{1, 0, 0}, 10, 0.5)
		assert.NoError(err)
		assert.Len(got, 2)
	})

	t.Run("upsert replaces", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		assert.NoError(idx.Upsert(ctx, "c", []float64{1, 0, 0}, map[string]any{"text": "gamma"}))
		got, err := idx.Search(ctx, []float64{0, 0, 1}, 10, 0.5)
		assert.NoError(err)
		assert.Empty(got)
	})

	t.Run("empty embedding", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		assert.ErrorIs(idx.Upsert(ctx, "x", nil, nil), vector.ErrEmptyEmbedding)
		_, err := idx.Search(ctx, nil, 1, 0)
		assert.ErrorIs(err, vector.ErrEmptyEmbedding)
	})
}

func TestMemory(t *testing.T) {
	m := vector.NewMemory()
	exercise(t, m)

	assert := testutil.NewAssert(t)
	assert.Equal(3, m.Len())
	m.Delete("a")
	assert.Equal(2, m.Len())

	t.Run("metadata is copied", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		ctx := context.Background()
		meta := map[string]any{"text": "original"}
		assert.NoError(m.Upsert(ctx, "d", []float64{0, 1, 0}, meta))
		meta["text"] = "mutated"

		got, err := m.Search(ctx, []float64{0, 1, 0}, 1, 0.99)
		assert.NoError(err)
		assert.Len(got, 1)
		assert.Equal("original", got[0].Metadata["text"])
	})
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := vector.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exercise(t, s)
	assert := testutil.NewAssert(t)
	ctx := context.Background()

	n, err := s.Count(ctx)
	assert.NoError(err)
	assert.Equal(3, n)
	assert.NoError(s.Close())

	t.Run("persists across opens", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		s, err := vector.OpenSQLite(path)
		assert.NoError(err)
		defer s.Close()

		got, err := s.Search(ctx, []float64{0.8, 0.6, 0}, 1, 0)
		assert.NoError(err)
		assert.Len(got, 1)
		assert.Equal("b", got[0].ID)
		assert.Equal("beta", got[0].Metadata["text"])

		assert.NoError(s.Delete(ctx, "b"))
		n, err := s.Count(ctx)
		assert.NoError(err)
		assert.Equal(2, n)
	})
}

type countingIndex struct {
	loom.VectorIndex
	searches atomic.Int32
	err      error
}

func (c *countingIndex) Search(ctx context.Context, embedding []float64, limit int, threshold float64) ([]loom.SearchResult, error) {
	c.searches.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.VectorIndex.Search(ctx, embedding, limit, threshold)
}

func TestCached(t *testing.T) {
	ctx := context.Background()

	t.Run("contract", func(t *testing.T) {
		exercise(t, vector.NewCached(vector.NewMemory(), time.Minute))
	})

	t.Run("hits and flush", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		inner := &countingIndex{VectorIndex: vector.NewMemory()}
		c := vector.NewCached(inner, time.Minute)
		assert.NoError(c.Upsert(ctx, "a", []float64{1, 0}, map[string]any{"text": "a"}))

		first, err := c.Search(ctx, []float64{1, 0}, 5, 0)
		assert.NoError(err)
		first[0].Metadata["text"] = "changed"

		second, err := c.Search(ctx, []float64{1, 0}, 5, 0)
		assert.NoError(err)
		assert.Equal(int32(1), inner.searches.Load())
		assert.Equal("a", second[0].Metadata["text"])
		assert.Equal(1, c.Len())

		_, err = c.Search(ctx, []float64{1, 0}, 4, 0)
		assert.NoError(err)
		assert.Equal(int32(2), inner.searches.Load(), "limit is part of the key")

		assert.NoError(c.Upsert(ctx, "b", []float64{0.9, 0.1}, nil))
		assert.Equal(0, c.Len())
		got, err := c.Search(ctx, []float64{1, 0}, 5, 0)
		assert.NoError(err)
		assert.Len(got, 2)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		inner := &countingIndex{VectorIndex: vector.NewMemory(), err: errors.New("down")}
		c := vector.NewCached(inner, time.Minute)
		_, err := c.Search(ctx, []float64{1}, 1, 0)
		assert.Error(err)
		_, err = c.Search(ctx, []float64{1}, 1, 0)
		assert.Error(err)
		assert.Equal(int32(2), inner.searches.Load())
	})

	t.Run("entries expire", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		inner := &countingIndex{VectorIndex: vector.NewMemory()}
		assert.NoError(inner.Upsert(ctx, "a", []float64{1}, nil))
		c := vector.NewCached(inner, 20*time.Millisecond)
		_, _ = c.Search(ctx, []float64{1}, 1, 0)
		time.Sleep(40 * time.Millisecond)
		_, _ = c.Search(ctx, []float64{1}, 1, 0)
		assert.Equal(int32(2), inner.searches.Load())
	})
}
