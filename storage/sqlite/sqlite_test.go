package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/document"
	"github.com/agentstation/loom/internal/testutil"
	"github.com/agentstation/loom/storage/sqlite"
)

func openDB(t *testing.T, opts ...sqlite.Option) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "loom.db"), opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func doc(id, name string, limit float64) *document.Document {
	return &document.Document{
		ID:   id,
		Name: name,
		Nodes: []document.NodeDefinition{
			{ID: "research", Type: "research", Settings: map[string]any{"limit": limit}},
			{ID: "draft", Type: "content-generation"},
		},
		Edges: []document.EdgeDefinition{{From: "research.context", To: "draft.context"}},
	}
}

func TestVersions(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := start
	db := openDB(t, sqlite.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}))

	t.Run("missing", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		_, _, err := db.Load(ctx, "blog")
		assert.ErrorIs(err, sqlite.ErrNotFound)
		_, err = db.LoadVersion(ctx, "blog", 1)
		assert.ErrorIs(err, sqlite.ErrNotFound)
		versions, err := db.Versions(ctx, "blog")
		assert.NoError(err)
		assert.Empty(versions)
	})

	t.Run("append only", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		v1, err := db.SaveVersion(ctx, doc("blog", "Blog", 3))
		assert.NoError(err)
		assert.Equal(1, v1)
		v2, err := db.SaveVersion(ctx, doc("blog", "Blog v2", 5))
		assert.NoError(err)
		assert.Equal(2, v2)

		latest, version, err := db.Load(ctx, "blog")
		assert.NoError(err)
		assert.Equal(2, version)
		assert.Equal(doc("blog", "Blog v2", 5), latest)

		first, err := db.LoadVersion(ctx, "blog", 1)
		assert.NoError(err)
		assert.Equal(doc("blog", "Blog", 3), first)

		versions, err := db.Versions(ctx, "blog")
		assert.NoError(err)
		assert.Len(versions, 2)
		assert.Equal("Blog", versions[0].Name)
		assert.Equal(2, versions[1].Version)
		assert.True(versions[0].CreatedAt.Equal(start.Add(time.Minute)))
		assert.True(versions[1].CreatedAt.After(versions[0].CreatedAt))
	})

	t.Run("list latest", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		_, err := db.SaveVersion(ctx, doc("alpha", "Alpha", 1))
		assert.NoError(err)

		list, err := db.List(ctx)
		assert.NoError(err)
		assert.Len(list, 2)
		assert.Equal("alpha", list[0].WorkflowID)
		assert.Equal(1, list[0].Version)
		assert.Equal("blog", list[1].WorkflowID)
		assert.Equal(2, list[1].Version)
		assert.Equal("Blog v2", list[1].Name)
	})

	t.Run("rejects invalid documents", func(t *testing.T) {
		_, err := db.SaveVersion(ctx, &document.Document{})
		testutil.NewAssert(t).ErrorIs(err, document.ErrInvalidDocument)
	})
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := func(id string, offset time.Duration, status loom.RunStatus) *loom.Run {
		return &loom.Run{
			ID:        id,
			GraphID:   "blog",
			Status:    status,
			StartedAt: started.Add(offset),
			EndedAt:   started.Add(offset + time.Second),
			Nodes:     []string{"a", "b"},
			Outcomes: map[string]loom.NodeOutcome{
				"a": {Status: loom.NodeComplete, Outputs: loom.Values{"out": "hello"}, Attempts: 1},
				"b": {Status: loom.NodeError, Attempts: 3, Error: &loom.ErrorRecord{Kind: "timeout", Message: "slow"}},
			},
		}
	}

	assert := testutil.NewAssert(t)
	assert.NoError(db.ArchiveRun(ctx, run("r2", time.Minute, loom.RunPartiallyFailed)))
	assert.NoError(db.ArchiveRun(ctx, run("r1", 0, loom.RunRunning)))
	assert.NoError(db.ArchiveRun(ctx, run("r1", 0, loom.RunCompleted)))

	got, err := db.ArchivedRun(ctx, "r2")
	assert.NoError(err)
	assert.Equal(loom.RunPartiallyFailed, got.Status)
	assert.True(got.StartedAt.Equal(started.Add(time.Minute)))
	assert.Equal([]string{"a", "b"}, got.Nodes)
	assert.Equal(loom.Values{"out": "hello"}, got.Outcomes["a"].Outputs)
	assert.Equal("timeout", got.Outcomes["b"].Error.Kind)
	assert.Equal(3, got.Outcomes["b"].Attempts)

	runs, err := db.ArchivedRuns(ctx, "blog")
	assert.NoError(err)
	assert.Len(runs, 2)
	assert.Equal("r1", runs[0].ID)
	assert.Equal(loom.RunCompleted, runs[0].Status, "re-archiving replaces")
	assert.Equal("r2", runs[1].ID)

	_, err = db.ArchivedRun(ctx, "nope")
	assert.ErrorIs(err, sqlite.ErrNotFound)
	none, err := db.ArchivedRuns(ctx, "other")
	assert.NoError(err)
	assert.Empty(none)
}
