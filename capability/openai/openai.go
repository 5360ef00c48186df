// Package openai adapts OpenAI-compatible chat completion and embedding
// endpoints to loom's Generator and Embedder capabilities.
package openai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/agentstation/loom"
)

const (
	defaultModel          = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultMaxTokens      = 1024
)

// Config configures a Client.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	// MaxRetries is the SDK's own retry count. The engine retries nodes, so
	// zero is usually right.
	MaxRetries int
	HTTPClient *http.Client
}

// Client streams chat completions and creates embeddings. It implements
// loom.Generator and loom.Embedder.
type Client struct {
	client         openai.Client
	model          string
	embeddingModel string
}

// New creates a client for an OpenAI-compatible endpoint.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Client{
		client:         openai.NewClient(opts...),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
	}
}

// Generate implements loom.Generator.
func (c *Client) Generate(ctx context.Context, prompt string, params loom.GenerateParams) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, opts := c.chatParams(prompt, params)
		stream := c.client.Chat.Completions.NewStreaming(ctx, body, opts...)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", classify(ctx, "generator", err))
		}
	}
}

func (c *Client) chatParams(prompt string, params loom.GenerateParams) (openai.ChatCompletionNewParams, []option.RequestOption) {
	model := params.Model
	if model == "" {
		model = c.model
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if params.System != "" {
		messages = append(messages, openai.SystemMessage(params.System))
	}
	messages = append(messages, openai.UserMessage(prompt))

	body := openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if params.Temperature != nil {
		body.Temperature = openai.Float(*params.Temperature)
	}
	if params.TopP != nil {
		body.TopP = openai.Float(*params.TopP)
	}

	// top_k is not part of the OpenAI schema; compatible servers accept it
	// as an extra field.
	var opts []option.RequestOption
	if params.TopK != nil {
		opts = append(opts, option.WithJSONSet("top_k", *params.TopK))
	}
	return body, opts
}

// Embed implements loom.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: c.embeddingModel,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, classify(ctx, "embedder", err)
	}
	if len(resp.Data) == 0 {
		return nil, &loom.CapabilityError{Capability: "embedder", Err: errors.New("empty embedding response")}
	}
	return resp.Data[0].Embedding, nil
}

// classify maps SDK errors onto loom's capability errors. Client errors
// other than rate limiting are permanent.
func classify(ctx context.Context, capability string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		permanent := apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
			apiErr.StatusCode != http.StatusTooManyRequests && apiErr.StatusCode != http.StatusRequestTimeout
		return &loom.CapabilityError{
			Capability: capability,
			Err:        fmt.Errorf("status %d: %w", apiErr.StatusCode, err),
			Permanent:  permanent,
		}
	}
	return &loom.CapabilityError{Capability: capability, Err: err}
}
