package builtin_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/builtin"
	"github.com/agentstation/loom/capability/vector"
	"github.com/agentstation/loom/internal/testutil"
)

func TestRegistry(t *testing.T) {
	assert := testutil.NewAssert(t)
	reg := builtin.NewRegistry()
	assert.Equal(loom.NodeTypes, reg.Types())

	assert.Error(builtin.Register(reg), "registering twice must fail")

	meta := builtin.Metadata(reg)
	assert.Len(meta, len(loom.NodeTypes))
	for _, m := range meta {
		assert.NotEqual("", m.Description, m.Type)
		assert.True(len(m.Outputs) > 0, m.Type)
		// Every schema compiles and every example satisfies it.
		for _, ex := range m.Examples {
			assert.NoError(reg.ValidateSettings(m.Type, ex.Settings), m.Type, ex.Name)
		}
	}
}

func TestValidateSettings(t *testing.T) {
	meta := builtin.NewFormat().Metadata()

	tests := []struct {
		name     string
		settings loom.Settings
		wantErr  bool
	}{
		{"empty", nil, false},
		{"valid mode", loom.Settings{"mode": "html"}, false},
		{"unknown mode", loom.Settings{"mode": "pdf"}, true},
		{"wrong type", loom.Settings{"max_length": "ten"}, true},
		{"below minimum", loom.Settings{"max_length": 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := builtin.ValidateSettings(&meta, tt.settings)
			if tt.wantErr {
				testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidSettings)
				return
			}
			testutil.NewAssert(t).NoError(err)
		})
	}
}

func seedIndex(t *testing.T, idx *testutil.VectorIndex, emb *testutil.Embedder, docs map[string]string) {
	t.Helper()
	for id, text := range docs {
		v, err := emb.Embed(context.Background(), text)
		if err != nil {
			t.Fatal(err)
		}
		if err := idx.Upsert(context.Background(), id, v, map[string]any{"text": text}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResearch(t *testing.T) {
	ctx := context.Background()
	research := builtin.NewResearch()
	docs := map[string]string{
		"solar":   "solar panels and battery storage",
		"battery": "battery storage for homes",
		"garden":  "growing tomatoes in the garden",
	}

	t.Run("ranked sources and context", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		emb := &testutil.Embedder{Dims: 256}
		idx := &testutil.VectorIndex{}
		seedIndex(t, idx, emb, docs)

		out, err := research.Execute(ctx, loom.Values{"topic": "battery storage"},
			loom.Settings{"limit": 2, "threshold": 0.1},
			loom.Capabilities{Embedder: emb, Vectors: idx})
		assert.NoError(err)

		sources := out["sources"].([]any)
		assert.Len(sources, 2)
		first := sources[0].(map[string]any)
		second := sources[1].(map[string]any)
		assert.Equal("battery", first["id"])
		assert.True(first["score"].(float64) >= second["score"].(float64))
		assert.Contains(out["context"].(string), "battery storage for homes")
		assert.False(strings.Contains(out["context"].(string), "tomatoes"))
	})

	t.Run("query fallback", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		emb := &testutil.Embedder{Dims: 256}
		idx := &testutil.VectorIndex{}
		seedIndex(t, idx, emb, docs)

		out, err := research.Execute(ctx, loom.Values{}, loom.Settings{"query": "tomatoes garden", "limit": 1},
			loom.Capabilities{Embedder: emb, Vectors: idx})
		assert.NoError(err)
		assert.Equal("garden", out["sources"].([]any)[0].(map[string]any)["id"])
	})

	t.Run("no topic", func(t *testing.T) {
		_, err := research.Execute(ctx, loom.Values{"topic": "  "}, nil,
			loom.Capabilities{Embedder: &testutil.Embedder{}, Vectors: &testutil.VectorIndex{}})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidInput)
	})

	t.Run("missing capability", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		_, err := research.Execute(ctx, loom.Values{"topic": "x"}, nil, loom.Capabilities{Embedder: &testutil.Embedder{}})
		assert.ErrorIs(err, loom.ErrCapabilityUnavailable)
		assert.False(loom.IsRetryable(err))
	})

	t.Run("search failure is retryable", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		_, err := research.Execute(ctx, loom.Values{"topic": "x"}, nil, loom.Capabilities{
			Embedder: &testutil.Embedder{},
			Vectors:  &testutil.VectorIndex{SearchErr: errors.New("connection reset")},
		})
		var cerr *loom.CapabilityError
		assert.ErrorAs(err, &cerr)
		assert.Equal("vectors", cerr.Capability)
		assert.True(loom.IsRetryable(err))
	})

	t.Run("empty embedding is permanent", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		_, err := research.Execute(ctx, loom.Values{"topic": "x"}, nil, loom.Capabilities{
			Embedder: &testutil.Embedder{},
			Vectors:  &testutil.VectorIndex{SearchErr: vector.ErrEmptyEmbedding},
		})
		var cerr *loom.CapabilityError
		assert.ErrorAs(err, &cerr)
		assert.True(cerr.Permanent)
		assert.ErrorIs(err, loom.ErrEmptyEmbedding)
		assert.False(loom.IsRetryable(err))
	})

	t.Run("limit out of range", func(t *testing.T) {
		_, err := research.Execute(ctx, loom.Values{"topic": "x"}, loom.Settings{"limit": 99},
			loom.Capabilities{Embedder: &testutil.Embedder{}, Vectors: &testutil.VectorIndex{}})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidSettings)
	})
}

// progressRecorder collects progress reports.
type progressRecorder struct {
	mu      sync.Mutex
	reports []loom.Progress
}

func (r *progressRecorder) context(ctx context.Context) context.Context {
	return loom.WithProgress(ctx, func(p loom.Progress) {
		r.mu.Lock()
		r.reports = append(r.reports, p)
		r.mu.Unlock()
	})
}

func (r *progressRecorder) deltas() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.reports {
		out = append(out, p.Delta)
	}
	return out
}

func TestContentGeneration(t *testing.T) {
	gen := builtin.NewContentGeneration()

	t.Run("streams chunks with progress", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		fake := &testutil.Generator{Chunks: []string{"Batteries ", "store ", "sunlight."}}
		rec := &progressRecorder{}

		out, err := gen.Execute(rec.context(context.Background()),
			loom.Values{"prompt": "home batteries", "context": "facts"},
			loom.Settings{
				"prompt":      "Write about {{.prompt}} using: {{.context}}",
				"model":       "small",
				"temperature": 0.5,
				"max_tokens":  100,
			},
			loom.Capabilities{Generator: fake})
		assert.NoError(err)
		assert.Equal("Batteries store sunlight.", out["content"])
		assert.Equal([]string{"Batteries ", "store ", "sunlight."}, rec.deltas())
		assert.Equal([]string{"Write about home batteries using: facts"}, fake.Prompts())

		params := fake.Params()[0]
		assert.Equal("small", params.Model)
		assert.Equal(100, params.MaxTokens)
		assert.NotNil(params.Temperature)
		assert.InDelta(0.5, *params.Temperature, 1e-9)
		assert.Nil(params.TopP)
	})

	t.Run("prompt without template", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		fake := &testutil.Generator{Chunks: []string{"ok"}}
		_, err := gen.Execute(context.Background(), loom.Values{"prompt": "p", "context": "c"}, nil,
			loom.Capabilities{Generator: fake})
		assert.NoError(err)
		assert.Equal([]string{"Context:\nc\n\np"}, fake.Prompts())
	})

	t.Run("no prompt", func(t *testing.T) {
		_, err := gen.Execute(context.Background(), loom.Values{}, nil,
			loom.Capabilities{Generator: &testutil.Generator{}})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidInput)
	})

	t.Run("temperature out of range", func(t *testing.T) {
		_, err := gen.Execute(context.Background(), loom.Values{"prompt": "p"}, loom.Settings{"temperature": 3},
			loom.Capabilities{Generator: &testutil.Generator{}})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidSettings)
	})

	t.Run("generator errors", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		fake := &testutil.Generator{Errors: []error{
			errors.New("503"),
			&loom.CapabilityError{Capability: "generator", Err: errors.New("bad key"), Permanent: true},
		}}
		caps := loom.Capabilities{Generator: fake}

		_, err := gen.Execute(context.Background(), loom.Values{"prompt": "p"}, nil, caps)
		assert.True(loom.IsRetryable(err))
		assert.Equal(loom.KindCapability, loom.ErrorKind(err))

		_, err = gen.Execute(context.Background(), loom.Values{"prompt": "p"}, nil, caps)
		assert.False(loom.IsRetryable(err))
	})

	t.Run("cancelled mid-stream", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		fake := &testutil.Generator{Chunks: []string{"a", "b", "c"}, Gap: 20 * time.Millisecond}
		time.AfterFunc(30*time.Millisecond, cancel)

		_, err := gen.Execute(ctx, loom.Values{"prompt": "p"}, nil, loom.Capabilities{Generator: fake})
		testutil.NewAssert(t).ErrorIs(err, context.Canceled)
	})

	t.Run("no generator", func(t *testing.T) {
		_, err := gen.Execute(context.Background(), loom.Values{"prompt": "p"}, nil, loom.Capabilities{})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrCapabilityUnavailable)
	})
}

func TestContentEditing(t *testing.T) {
	edit := builtin.NewContentEditing()

	t.Run("rewrites with instructions", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		fake := &testutil.Generator{Chunks: []string{"Short ", "draft."}}
		out, err := edit.Execute(context.Background(), loom.Values{"content": "A long draft."},
			loom.Settings{"instructions": "Shorten it."}, loom.Capabilities{Generator: fake})
		assert.NoError(err)
		assert.Equal("Short draft.", out["content"])

		prompt := fake.Prompts()[0]
		assert.Contains(prompt, "Shorten it.")
		assert.Contains(prompt, "A long draft.")
		assert.NotEqual("", fake.Params()[0].System)
	})

	t.Run("instructions required", func(t *testing.T) {
		_, err := edit.Execute(context.Background(), loom.Values{"content": "x"}, loom.Settings{},
			loom.Capabilities{Generator: &testutil.Generator{}})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidSettings)
	})

	t.Run("content must be text", func(t *testing.T) {
		_, err := edit.Execute(context.Background(), loom.Values{"content": 42}, loom.Settings{"instructions": "x"},
			loom.Capabilities{Generator: &testutil.Generator{}})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidInput)
	})
}

func TestFormat(t *testing.T) {
	format := builtin.NewFormat()
	items := map[string]any{"items": []any{
		map[string]any{"title": "first"},
		map[string]any{"title": "second"},
	}}

	tests := []struct {
		name     string
		content  any
		settings loom.Settings
		want     string
		wantErr  error
	}{
		{"plain strips markdown", "# Title\n\nSome *bold* text", nil, "Title\nSome bold text", nil},
		{"plain list", []any{"a", "b"}, loom.Settings{"mode": "plain"}, "a\nb", nil},
		{"html", "# Title", loom.Settings{"mode": "html"}, "<h1>Title</h1>\n", nil},
		{"template", map[string]any{"name": "Ada"}, loom.Settings{"mode": "template", "template": "Hello {{.name}}"}, "Hello Ada", nil},
		{"template missing", "x", loom.Settings{"mode": "template"}, "", loom.ErrInvalidSettings},
		{"extract many", items, loom.Settings{"mode": "extract", "path": "$.items[*].title"}, "first\nsecond", nil},
		{"extract one", items, loom.Settings{"mode": "extract", "path": "$.items[1].title"}, "second", nil},
		{"extract none", items, loom.Settings{"mode": "extract", "path": "$.missing"}, "", nil},
		{"extract from json text", `{"n": 3}`, loom.Settings{"mode": "extract", "path": "$.n"}, "3", nil},
		{"extract bad json", `{`, loom.Settings{"mode": "extract", "path": "$.n"}, "", loom.ErrInvalidInput},
		{"truncate runes", "héllo world", loom.Settings{"mode": "truncate", "max_length": 5}, "héllo", nil},
		{"truncate short", "hi", loom.Settings{"mode": "truncate", "max_length": 5}, "hi", nil},
		{"truncate without length", "hi", loom.Settings{"mode": "truncate"}, "", loom.ErrInvalidSettings},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := testutil.NewAssert(t)
			out, err := format.Execute(context.Background(), loom.Values{"content": tt.content}, tt.settings, loom.Capabilities{})
			if tt.wantErr != nil {
				assert.ErrorIs(err, tt.wantErr)
				return
			}
			assert.NoError(err)
			assert.Equal(tt.want, out["formatted"])
		})
	}
}

// emptyEmbedder returns zero-length vectors.
type emptyEmbedder struct{}

func (emptyEmbedder) Embed(context.Context, string) ([]float64, error) { return nil, nil }

func TestOutput(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	output := builtin.NewOutput(builtin.WithClock(func() time.Time { return at }))

	t.Run("artifact", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		out, err := output.Execute(context.Background(), loom.Values{"content": "<p>hi</p>"},
			loom.Settings{"channel": "blog", "title": "Hello"}, loom.Capabilities{})
		assert.NoError(err)
		assert.Equal(map[string]any{
			"channel":    "blog",
			"title":      "Hello",
			"body":       "<p>hi</p>",
			"created_at": "2025-03-01T12:00:00Z",
		}, out["artifact"])
	})

	t.Run("indexed under channel and node", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		idx := &testutil.VectorIndex{}
		ctx := loom.WithNodeInfo(context.Background(), loom.NodeInfo{NodeID: "publish"})

		out, err := output.Execute(ctx, loom.Values{"content": "battery notes"},
			loom.Settings{"channel": "blog", "index": true},
			loom.Capabilities{Embedder: &testutil.Embedder{}, Vectors: idx})
		assert.NoError(err)
		assert.Equal("blog/publish", out["artifact"].(map[string]any)["index_id"])

		meta, ok := idx.Metadata("blog/publish")
		assert.True(ok)
		assert.Equal("battery notes", meta["text"])
	})

	t.Run("empty embedding is not retried", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		_, err := output.Execute(context.Background(), loom.Values{"content": "x"},
			loom.Settings{"channel": "blog", "index": true},
			loom.Capabilities{Embedder: emptyEmbedder{}, Vectors: vector.NewMemory()})
		assert.ErrorIs(err, vector.ErrEmptyEmbedding)
		assert.False(loom.IsRetryable(err))
	})

	t.Run("index needs capabilities", func(t *testing.T) {
		_, err := output.Execute(context.Background(), loom.Values{"content": "x"},
			loom.Settings{"channel": "blog", "index": true}, loom.Capabilities{})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrCapabilityUnavailable)
	})

	t.Run("channel required", func(t *testing.T) {
		_, err := output.Execute(context.Background(), loom.Values{"content": "x"}, loom.Settings{}, loom.Capabilities{})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidSettings)
	})
}

func TestUtility(t *testing.T) {
	util := builtin.NewUtility()
	ctx := context.Background()

	t.Run("passthrough", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		out, err := util.Execute(ctx, loom.Values{"input": "x"}, nil, loom.Capabilities{})
		assert.NoError(err)
		assert.Equal("x", out["output"])
	})

	t.Run("merge", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		input := map[string]any{"title": "t", "meta": map[string]any{"a": 1}}
		out, err := util.Execute(ctx, loom.Values{"input": input}, loom.Settings{
			"operation": "merge",
			"with":      map[string]any{"meta": map[string]any{"b": 2}, "status": "draft"},
		}, loom.Capabilities{})
		assert.NoError(err)
		assert.Equal(map[string]any{
			"title":  "t",
			"status": "draft",
			"meta":   map[string]any{"a": 1, "b": float64(2)},
		}, out["output"])
		assert.Equal(map[string]any{"a": 1}, input["meta"], "input must not change")
	})

	t.Run("merge needs a map", func(t *testing.T) {
		_, err := util.Execute(ctx, loom.Values{"input": "x"}, loom.Settings{"operation": "merge"}, loom.Capabilities{})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidInput)
	})

	t.Run("script", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		out, err := util.Execute(ctx, loom.Values{"input": "one two three"}, loom.Settings{
			"operation": "script",
			"script":    `function exec(input) return #str_split(input, " ") end`,
		}, loom.Capabilities{})
		assert.NoError(err)
		assert.Equal(int64(3), out["output"])
	})

	t.Run("script without exec", func(t *testing.T) {
		_, err := util.Execute(ctx, loom.Values{}, loom.Settings{"operation": "script", "script": "x = 1"}, loom.Capabilities{})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidSettings)
	})

	t.Run("script runtime error is permanent", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		_, err := util.Execute(ctx, loom.Values{}, loom.Settings{
			"operation": "script",
			"script":    `function exec(input) error("nope") end`,
		}, loom.Capabilities{})
		assert.Error(err)
		assert.False(loom.IsRetryable(err))
	})

	t.Run("delay", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		start := time.Now()
		out, err := util.Execute(ctx, loom.Values{"input": 1}, loom.Settings{"operation": "delay", "delay": "20ms"}, loom.Capabilities{})
		assert.NoError(err)
		assert.Equal(1, out["output"])
		assert.True(time.Since(start) >= 20*time.Millisecond)
	})

	t.Run("delay honors cancellation", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := util.Execute(cctx, loom.Values{}, loom.Settings{"operation": "delay", "delay": "1h"}, loom.Capabilities{})
		testutil.NewAssert(t).ErrorIs(err, context.DeadlineExceeded)
	})

	t.Run("bad delay", func(t *testing.T) {
		_, err := util.Execute(ctx, loom.Values{}, loom.Settings{"operation": "delay", "delay": "soon"}, loom.Capabilities{})
		testutil.NewAssert(t).ErrorIs(err, loom.ErrInvalidSettings)
	})
}

func TestPipeline(t *testing.T) {
	assert := testutil.NewAssert(t)
	reg := builtin.NewRegistry()

	emb := &testutil.Embedder{}
	idx := &testutil.VectorIndex{}
	seedIndex(t, idx, emb, map[string]string{"kb1": "home battery storage guide"})
	gen := &testutil.Generator{Chunks: []string{"# Batteries\n\n", "Store *sunlight*."}}
	caps := loom.Capabilities{Generator: gen, Embedder: emb, Vectors: idx}

	node := func(id string, typ loom.NodeType, s loom.Settings) loom.Node {
		n, err := reg.NewNode(id, typ, s)
		assert.NoError(err)
		return n
	}
	g := loom.NewGraph("pipeline", "Research to blog")
	g.Nodes = []loom.Node{
		node("research", loom.TypeResearch, loom.Settings{"limit": 1}),
		node("draft", loom.TypeContentGeneration, loom.Settings{"prompt": "Write about {{.context}}", "max_tokens": 50}),
		node("html", loom.TypeFormat, loom.Settings{"mode": "html"}),
		node("publish", loom.TypeOutput, loom.Settings{"channel": "blog", "title": "Batteries", "index": true}),
	}
	g.Edges = []loom.Edge{
		{ID: "e1", From: "research", FromPort: "context", To: "draft", ToPort: "context"},
		{ID: "e2", From: "draft", FromPort: "content", To: "html", ToPort: "content"},
		{ID: "e3", From: "html", FromPort: "formatted", To: "publish", ToPort: "content"},
	}

	engine := loom.New(reg, caps)
	run, err := engine.Run(context.Background(), g, loom.WithInputs("research", loom.Values{"topic": "battery"}))
	assert.NoError(err)
	assert.Equal(loom.RunCompleted, run.Status)

	assert.Equal([]string{"Write about home battery storage guide"}, gen.Prompts())
	artifact := run.Outcomes["publish"].Outputs["artifact"].(map[string]any)
	assert.Equal("<h1>Batteries</h1>\n<p>Store <em>sunlight</em>.</p>\n", artifact["body"])
	assert.Equal("blog/publish", artifact["index_id"])
	assert.Equal(2, idx.Len())
}
