package builtin

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"text/template"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/yuin/goldmark"

	"github.com/agentstation/loom"
)

// Format modes.
const (
	ModePlain    = "plain"
	ModeHTML     = "html"
	ModeTemplate = "template"
	ModeExtract  = "extract"
	ModeTruncate = "truncate"
)

// Format renders content into text.
type Format struct {
	behavior
}

type formatSettings struct {
	Mode      string `json:"mode"`
	Template  string `json:"template"`
	Path      string `json:"path"`
	MaxLength int    `json:"max_length"`
}

// NewFormat creates the format behavior.
func NewFormat() *Format {
	return &Format{behavior{meta: NodeMetadata{
		Type:        loom.TypeFormat,
		Category:    "data",
		Description: "Renders content as plain text, HTML, a template, a JSONPath extract or a truncation",
		Inputs: []loom.Port{
			{Name: "content", Type: loom.DataAny},
		},
		Outputs: []loom.Port{
			{Name: "formatted", Type: loom.DataText},
		},
		Settings: object(map[string]any{
			"mode": map[string]any{
				"type":    "string",
				"enum":    []string{ModePlain, ModeHTML, ModeTemplate, ModeExtract, ModeTruncate},
				"default": ModePlain,
			},
			"template": map[string]any{
				"type":        "string",
				"description": "Go template for template mode; the content is the dot",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "JSONPath expression for extract mode",
			},
			"max_length": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"description": "Maximum length in characters for truncate mode",
			},
		}),
		Examples: []Example{
			{
				Name:        "Markdown to HTML",
				Description: "Render a markdown draft",
				Settings:    loom.Settings{"mode": ModeHTML},
				Input:       loom.Values{"content": "# Title"},
				Output:      loom.Values{"formatted": "<h1>Title</h1>\n"},
			},
			{
				Name:        "Extract titles",
				Description: "Pull fields out of a JSON document",
				Settings:    loom.Settings{"mode": ModeExtract, "path": "$.items[*].title"},
			},
		},
		Since: "1.0.0",
	}}}
}

// Execute formats the content input according to the mode setting.
func (f *Format) Execute(ctx context.Context, inputs loom.Values, settings loom.Settings, caps loom.Capabilities) (loom.Values, error) {
	s := formatSettings{Mode: ModePlain}
	if err := decodeSettings(&f.meta, settings, &s); err != nil {
		return nil, err
	}
	content := inputs["content"]

	var (
		out string
		err error
	)
	switch s.Mode {
	case ModePlain:
		out, err = plainText(content)
	case ModeHTML:
		out, err = renderHTML(content)
	case ModeTemplate:
		out, err = renderTemplate(s.Template, content)
	case ModeExtract:
		out, err = extract(s.Path, content)
	case ModeTruncate:
		out, err = truncate(content, s.MaxLength)
	default:
		err = fmt.Errorf("%w: unknown format mode %q", loom.ErrInvalidSettings, s.Mode)
	}
	if err != nil {
		return nil, err
	}
	return loom.Values{"formatted": out}, nil
}

// text converts any value to a string; lists become lines and everything
// else that is not a string becomes JSON.
func text(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []any:
		s, err := loom.Coerce(val, loom.DataList, loom.DataText)
		if err != nil {
			return "", err
		}
		return s.(string), nil
	default:
		s, err := loom.Coerce(val, loom.DataJSON, loom.DataText)
		if err != nil {
			return "", err
		}
		return s.(string), nil
	}
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	blankPattern = regexp.MustCompile(`\n{3,}`)
)

// plainText strips markdown formatting by rendering and dropping the tags.
func plainText(v any) (string, error) {
	rendered, err := renderHTML(v)
	if err != nil {
		return "", err
	}
	stripped := html.UnescapeString(tagPattern.ReplaceAllString(rendered, ""))
	return strings.TrimSpace(blankPattern.ReplaceAllString(stripped, "\n\n")), nil
}

func renderHTML(v any) (string, error) {
	source, err := text(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("%w: markdown: %v", loom.ErrInvalidInput, err)
	}
	return buf.String(), nil
}

func renderTemplate(tmpl string, v any) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("%w: template mode needs a template", loom.ErrInvalidSettings)
	}
	parsed, err := template.New("format").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: template: %v", loom.ErrInvalidSettings, err)
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("%w: template: %v", loom.ErrInvalidInput, err)
	}
	return buf.String(), nil
}

// extract runs a JSONPath query. String content is parsed as JSON first.
// No match yields "", one match its text, several matches one per line.
func extract(path string, v any) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: extract mode needs a path", loom.ErrInvalidSettings)
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return "", fmt.Errorf("%w: path %q: %v", loom.ErrInvalidSettings, path, err)
	}
	if s, ok := v.(string); ok {
		parsed, err := oj.ParseString(s)
		if err != nil {
			return "", fmt.Errorf("%w: extract needs JSON content: %v", loom.ErrInvalidInput, err)
		}
		v = parsed
	}

	results := expr.Get(v)
	switch len(results) {
	case 0:
		return "", nil
	case 1:
		return text(results[0])
	default:
		return text(results)
	}
}

// truncate cuts content to at most n characters on a rune boundary.
func truncate(v any, n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: truncate mode needs max_length", loom.ErrInvalidSettings)
	}
	s, err := text(v)
	if err != nil {
		return "", err
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s, nil
	}
	return string(runes[:n]), nil
}
