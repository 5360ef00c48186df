package builtin

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/internal/ctxlog"
)

// generationSettings holds the model parameters shared by the generation
// and editing behaviors.
type generationSettings struct {
	Prompt       string   `json:"prompt"`
	Instructions string   `json:"instructions"`
	System       string   `json:"system"`
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature"`
	TopP         *float64 `json:"top_p"`
	TopK         *int     `json:"top_k"`
	MaxTokens    int      `json:"max_tokens"`
}

func (s generationSettings) params() loom.GenerateParams {
	return loom.GenerateParams{
		Model:       s.Model,
		System:      s.System,
		Temperature: s.Temperature,
		TopP:        s.TopP,
		TopK:        s.TopK,
		MaxTokens:   s.MaxTokens,
	}
}

func modelProperties() map[string]any {
	return map[string]any{
		"system": map[string]any{
			"type":        "string",
			"description": "System message sent with the prompt",
		},
		"model": map[string]any{
			"type":        "string",
			"description": "Model name; empty uses the generator default",
		},
		"temperature": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 2,
		},
		"top_p": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
		"top_k": map[string]any{
			"type":    "integer",
			"minimum": 0,
		},
		"max_tokens": map[string]any{
			"type":    "integer",
			"minimum": 1,
		},
	}
}

// ContentGeneration drafts content from a prompt with the generator.
type ContentGeneration struct {
	behavior
}

// NewContentGeneration creates the content-generation behavior.
func NewContentGeneration() *ContentGeneration {
	props := modelProperties()
	props["prompt"] = map[string]any{
		"type":        "string",
		"description": "Go template rendered over the inputs ({{.prompt}}, {{.context}})",
	}
	return &ContentGeneration{behavior{meta: NodeMetadata{
		Type:        loom.TypeContentGeneration,
		Category:    "ai",
		Description: "Streams generated content from a prompt and optional context",
		Inputs: []loom.Port{
			{Name: "prompt", Type: loom.DataText, Optional: true},
			{Name: "context", Type: loom.DataText, Optional: true},
		},
		Outputs: []loom.Port{
			{Name: "content", Type: loom.DataMarkdown},
		},
		Settings: object(props),
		Examples: []Example{
			{
				Name:        "Blog intro",
				Description: "Write an introduction grounded in research context",
				Settings: loom.Settings{
					"prompt":      "Write a short introduction about {{.prompt}}.\n\n{{.context}}",
					"temperature": 0.7,
					"max_tokens":  400,
				},
				Input: loom.Values{"prompt": "home batteries"},
			},
		},
		Since: "1.0.0",
	}}}
}

// Execute renders the prompt and streams the generator.
func (c *ContentGeneration) Execute(ctx context.Context, inputs loom.Values, settings loom.Settings, caps loom.Capabilities) (loom.Values, error) {
	var s generationSettings
	if err := decodeSettings(&c.meta, settings, &s); err != nil {
		return nil, err
	}
	if caps.Generator == nil {
		return nil, unavailable(c.meta.Type, "a generator")
	}

	prompt, err := renderPrompt(c.meta.Type, s.Prompt, inputs)
	if err != nil {
		return nil, err
	}

	content, err := stream(ctx, caps.Generator, prompt, s.params())
	if err != nil {
		return nil, err
	}
	return loom.Values{"content": content}, nil
}

// renderPrompt builds the generation prompt. Without a template the prompt
// input is used, preceded by the context input when present.
func renderPrompt(t loom.NodeType, tmpl string, inputs loom.Values) (string, error) {
	prompt, err := textInput(inputs, "prompt")
	if err != nil {
		return "", err
	}
	background, err := textInput(inputs, "context")
	if err != nil {
		return "", err
	}

	if tmpl == "" {
		if strings.TrimSpace(prompt) == "" {
			return "", fmt.Errorf("%w: %s needs a prompt input or prompt setting", loom.ErrInvalidInput, t)
		}
		if background == "" {
			return prompt, nil
		}
		return "Context:\n" + background + "\n\n" + prompt, nil
	}

	parsed, err := template.New(string(t)).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: prompt template: %v", loom.ErrInvalidSettings, err)
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, map[string]any{"prompt": prompt, "context": background}); err != nil {
		return "", fmt.Errorf("%w: prompt template: %v", loom.ErrInvalidInput, err)
	}
	if strings.TrimSpace(buf.String()) == "" {
		return "", fmt.Errorf("%w: %s rendered an empty prompt", loom.ErrInvalidInput, t)
	}
	return buf.String(), nil
}

// ContentEditing rewrites content according to instructions.
type ContentEditing struct {
	behavior
}

const editingSystem = "You are an editor. Apply the instructions to the content and reply with the revised content only."

// NewContentEditing creates the content-editing behavior.
func NewContentEditing() *ContentEditing {
	props := modelProperties()
	props["instructions"] = map[string]any{
		"type":        "string",
		"minLength":   1,
		"description": "How the content should be revised",
	}
	return &ContentEditing{behavior{meta: NodeMetadata{
		Type:        loom.TypeContentEditing,
		Category:    "ai",
		Description: "Rewrites content following editing instructions",
		Inputs: []loom.Port{
			{Name: "content", Type: loom.DataMarkdown},
		},
		Outputs: []loom.Port{
			{Name: "content", Type: loom.DataMarkdown},
		},
		Settings: object(props, "instructions"),
		Examples: []Example{
			{
				Name:        "Tighten",
				Description: "Shorten a draft",
				Settings:    loom.Settings{"instructions": "Cut the length in half and keep the headings."},
			},
		},
		Since: "1.0.0",
	}}}
}

// Execute asks the generator for a revision and streams it.
func (c *ContentEditing) Execute(ctx context.Context, inputs loom.Values, settings loom.Settings, caps loom.Capabilities) (loom.Values, error) {
	var s generationSettings
	if err := decodeSettings(&c.meta, settings, &s); err != nil {
		return nil, err
	}
	if caps.Generator == nil {
		return nil, unavailable(c.meta.Type, "a generator")
	}

	content, err := textInput(inputs, "content")
	if err != nil {
		return nil, err
	}
	if s.System == "" {
		s.System = editingSystem
	}
	prompt := "Instructions:\n" + s.Instructions + "\n\nContent:\n" + content

	revised, err := stream(ctx, caps.Generator, prompt, s.params())
	if err != nil {
		return nil, err
	}
	return loom.Values{"content": revised}, nil
}

// stream drains the generator, reporting each chunk as progress. The
// fraction is estimated at four characters per token against MaxTokens.
func stream(ctx context.Context, gen loom.Generator, prompt string, params loom.GenerateParams) (string, error) {
	logger := ctxlog.FromContext(ctx)

	var out strings.Builder
	chunks := 0
	for chunk, err := range gen.Generate(ctx, prompt, params) {
		if err != nil {
			return "", capabilityError(ctx, "generator", err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		out.WriteString(chunk)
		chunks++

		fraction := 0.0
		if params.MaxTokens > 0 {
			fraction = min(0.99, float64(utf8.RuneCountInString(out.String()))/4/float64(params.MaxTokens))
		}
		loom.ReportProgress(ctx, loom.Progress{Fraction: fraction, Delta: chunk})
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	logger.Debug("generation finished", "chunks", chunks, "bytes", out.Len())
	return out.String(), nil
}
