package builtin

import (
	"context"
	"time"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/internal/ctxlog"
)

// Output packages content as a channel artifact and optionally indexes it.
type Output struct {
	behavior
	now func() time.Time
}

type outputSettings struct {
	Channel string `json:"channel"`
	Title   string `json:"title"`
	Index   bool   `json:"index"`
}

// OutputOption configures the output behavior.
type OutputOption func(*Output)

// WithClock sets the clock used for created_at.
func WithClock(now func() time.Time) OutputOption {
	return func(o *Output) { o.now = now }
}

// NewOutput creates the output behavior.
func NewOutput(opts ...OutputOption) *Output {
	o := &Output{
		behavior: behavior{meta: NodeMetadata{
			Type:        loom.TypeOutput,
			Category:    "io",
			Description: "Builds a publishable artifact for a channel and optionally indexes it for research",
			Inputs: []loom.Port{
				{Name: "content", Type: loom.DataAny},
			},
			Outputs: []loom.Port{
				{Name: "artifact", Type: loom.DataJSON},
			},
			Settings: object(map[string]any{
				"channel": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Destination channel, e.g. blog or newsletter",
				},
				"title": map[string]any{
					"type": "string",
				},
				"index": map[string]any{
					"type":        "boolean",
					"default":     false,
					"description": "Embed the body and upsert it into the vector index",
				},
			}, "channel"),
			Examples: []Example{
				{
					Name:        "Blog post",
					Description: "Package a draft for the blog and make it searchable",
					Settings:    loom.Settings{"channel": "blog", "title": "Launch notes", "index": true},
				},
			},
			Since: "1.0.0",
		}},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute builds the artifact.
func (o *Output) Execute(ctx context.Context, inputs loom.Values, settings loom.Settings, caps loom.Capabilities) (loom.Values, error) {
	var s outputSettings
	if err := decodeSettings(&o.meta, settings, &s); err != nil {
		return nil, err
	}
	if s.Index && caps.Embedder == nil {
		return nil, unavailable(o.meta.Type, "an embedder")
	}
	if s.Index && caps.Vectors == nil {
		return nil, unavailable(o.meta.Type, "a vector index")
	}

	body, err := text(inputs["content"])
	if err != nil {
		return nil, err
	}
	artifact := map[string]any{
		"channel":    s.Channel,
		"title":      s.Title,
		"body":       body,
		"created_at": o.now().UTC().Format(time.RFC3339),
	}

	if s.Index {
		id := s.Channel
		if info, ok := loom.NodeInfoFromContext(ctx); ok {
			id = s.Channel + "/" + info.NodeID
		}
		embedding, err := caps.Embedder.Embed(ctx, body)
		if err != nil {
			return nil, capabilityError(ctx, "embedder", err)
		}
		metadata := map[string]any{
			"channel": s.Channel,
			"title":   s.Title,
			"text":    body,
		}
		if err := caps.Vectors.Upsert(ctx, id, embedding, metadata); err != nil {
			return nil, capabilityError(ctx, "vectors", err)
		}
		artifact["index_id"] = id
		ctxlog.FromContext(ctx).Debug("artifact indexed", "id", id)
	}

	return loom.Values{"artifact": artifact}, nil
}
