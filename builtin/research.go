package builtin

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/internal/ctxlog"
)

var errEmptyTopic = fmt.Errorf("%w: research needs a topic or query", loom.ErrInvalidInput)

// Research finds indexed content related to a topic.
type Research struct {
	behavior
}

type researchSettings struct {
	Limit     int     `json:"limit"`
	Threshold float64 `json:"threshold"`
	Query     string  `json:"query"`
}

// NewResearch creates the research behavior.
func NewResearch() *Research {
	return &Research{behavior{meta: NodeMetadata{
		Type:        loom.TypeResearch,
		Category:    "ai",
		Description: "Searches the vector index for content related to a topic",
		Inputs: []loom.Port{
			{Name: "topic", Type: loom.DataText, Optional: true},
		},
		Outputs: []loom.Port{
			{Name: "sources", Type: loom.DataList},
			{Name: "context", Type: loom.DataText},
		},
		Settings: object(map[string]any{
			"limit": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     50,
				"default":     5,
				"description": "Maximum number of sources",
			},
			"threshold": map[string]any{
				"type":        "number",
				"minimum":     0,
				"maximum":     1,
				"default":     0,
				"description": "Minimum similarity score",
			},
			"query": map[string]any{
				"type":        "string",
				"description": "Query used when the topic input is empty",
			},
		}),
		Examples: []Example{
			{
				Name:        "Top three sources",
				Description: "Find the three closest documents",
				Settings:    loom.Settings{"limit": 3, "threshold": 0.2},
				Input:       loom.Values{"topic": "solar storage"},
			},
		},
		Since: "1.0.0",
	}}}
}

// Execute embeds the topic and searches the index.
func (r *Research) Execute(ctx context.Context, inputs loom.Values, settings loom.Settings, caps loom.Capabilities) (loom.Values, error) {
	s := researchSettings{Limit: 5}
	if err := decodeSettings(&r.meta, settings, &s); err != nil {
		return nil, err
	}
	if caps.Embedder == nil {
		return nil, unavailable(r.meta.Type, "an embedder")
	}
	if caps.Vectors == nil {
		return nil, unavailable(r.meta.Type, "a vector index")
	}

	topic, err := textInput(inputs, "topic")
	if err != nil {
		return nil, err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = strings.TrimSpace(s.Query)
	}
	if topic == "" {
		return nil, errEmptyTopic
	}

	embedding, err := caps.Embedder.Embed(ctx, topic)
	if err != nil {
		return nil, capabilityError(ctx, "embedder", err)
	}
	loom.ReportProgress(ctx, loom.Progress{Fraction: 0.5, Message: "embedded topic"})

	hits, err := caps.Vectors.Search(ctx, embedding, s.Limit, s.Threshold)
	if err != nil {
		return nil, capabilityError(ctx, "vectors", err)
	}
	slices.SortStableFunc(hits, func(a, b loom.SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(hits) > s.Limit {
		hits = hits[:s.Limit]
	}

	sources := make([]any, 0, len(hits))
	var passages []string
	for _, h := range hits {
		if h.Score < s.Threshold {
			continue
		}
		sources = append(sources, map[string]any{
			"id":       h.ID,
			"score":    h.Score,
			"metadata": loom.CloneValue(h.Metadata),
		})
		if text, ok := h.Metadata["text"].(string); ok && text != "" {
			passages = append(passages, text)
		}
	}
	ctxlog.FromContext(ctx).Debug("research complete", "topic", topic, "sources", len(sources))

	return loom.Values{
		"sources": sources,
		"context": strings.Join(passages, "\n\n"),
	}, nil
}
