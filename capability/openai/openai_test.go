package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/internal/testutil"
)

type fakeServer struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
	chunks []string
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.record(t, r)
		if f.status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range f.chunks {
			data, _ := json.Marshal(map[string]any{
				"id":      "c1",
				"object":  "chat.completion.chunk",
				"created": 1,
				"model":   "test",
				"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		f.record(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","model":"emb","data":[{"object":"embedding","index":0,"embedding":[0.25,0.5,1]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`)
	})
	return mux
}

func (f *fakeServer) record(t *testing.T, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Errorf("decode request: %v", err)
	}
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
}

func (f *fakeServer) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[len(f.bodies)-1]
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/v1/", APIKey: "test", Model: "default-model"})
}

func TestGenerate(t *testing.T) {
	t.Run("streams deltas", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		f := &fakeServer{chunks: []string{"Hel", "lo", "!"}}
		c := newTestClient(t, f)

		temp, topK := 0.3, 40
		var got []string
		for chunk, err := range c.Generate(context.Background(), "hi", loom.GenerateParams{
			System:      "be brief",
			Temperature: &temp,
			TopK:        &topK,
			MaxTokens:   64,
		}) {
			assert.NoError(err)
			got = append(got, chunk)
		}
		assert.Equal([]string{"Hel", "lo", "!"}, got)

		body := f.last()
		assert.Equal("default-model", body["model"])
		assert.Equal(true, body["stream"])
		assert.Equal(float64(64), body["max_completion_tokens"])
		assert.Equal(0.3, body["temperature"])
		assert.Equal(float64(40), body["top_k"])
		messages := body["messages"].([]any)
		assert.Len(messages, 2)
		assert.Equal("system", messages[0].(map[string]any)["role"])
		assert.Equal("hi", messages[1].(map[string]any)["content"])
	})

	t.Run("model override", func(t *testing.T) {
		f := &fakeServer{chunks: []string{"x"}}
		c := newTestClient(t, f)
		_, err := loom.Collect(c.Generate(context.Background(), "hi", loom.GenerateParams{Model: "other"}))
		assert := testutil.NewAssert(t)
		assert.NoError(err)
		assert.Equal("other", f.last()["model"])
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		c := newTestClient(t, &fakeServer{status: http.StatusUnauthorized})
		_, err := loom.Collect(c.Generate(context.Background(), "hi", loom.GenerateParams{}))
		var cerr *loom.CapabilityError
		assert.ErrorAs(err, &cerr)
		assert.True(cerr.Permanent)
		assert.False(loom.IsRetryable(err))
	})

	t.Run("server errors are retryable", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		c := newTestClient(t, &fakeServer{status: http.StatusServiceUnavailable})
		_, err := loom.Collect(c.Generate(context.Background(), "hi", loom.GenerateParams{}))
		assert.Error(err)
		assert.True(loom.IsRetryable(err))
	})
}

func TestEmbed(t *testing.T) {
	assert := testutil.NewAssert(t)
	f := &fakeServer{}
	c := newTestClient(t, f)

	v, err := c.Embed(context.Background(), "some text")
	assert.NoError(err)
	assert.Equal([]float64{0.25, 0.5, 1}, v)
	assert.Equal("some text", f.last()["input"])
	assert.Equal(defaultEmbeddingModel, f.last()["model"])
}
