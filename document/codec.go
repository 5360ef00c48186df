package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// Format is a document encoding.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat maps a name such as "yml" or "JSON" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// FormatOf guesses a format from a file name, defaulting to YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Decode parses and validates a document.
func Decode(data []byte) (*Document, error) {
	d, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Parse decodes a document without validating it. JSON input is detected
// by a leading '{'. Numbers in settings and input defaults decode as float64
// whichever format is used.
func Parse(data []byte) (*Document, error) {
	var d Document
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	} else {
		if err := yaml.UnmarshalWithOptions(data, &d, yaml.DisallowUnknownField()); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		d.normalize()
	}
	return &d, nil
}

// Encode writes the document in the given format.
func (d *Document) Encode(format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return append(data, '\n'), nil
	case FormatYAML, "":
		data, err := yaml.MarshalWithOptions(d, yaml.Indent(2), yaml.IndentSequence(true))
		if err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// LoadFile reads and decodes a document file.
func LoadFile(path string) (*Document, error) {
	// #nosec G304 - loading user-named workflow files is the point
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	d, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// WriteFile encodes the document in the format implied by path.
func (d *Document) WriteFile(path string) error {
	data, err := d.Encode(FormatOf(path))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (d *Document) normalize() {
	for i := range d.Nodes {
		d.Nodes[i].Settings = normalizeMap(d.Nodes[i].Settings)
		d.Nodes[i].Inputs = normalizeMap(d.Nodes[i].Inputs)
	}
	for i := range d.Edges {
		d.Edges[i].Schema = normalizeMap(d.Edges[i].Schema)
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

// normalizeValue converts YAML integers to float64, the type encoding/json
// produces, so behaviors see one numeric type.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case uint64:
		return float64(val)
	case int64:
		return float64(val)
	case int:
		return float64(val)
	case map[string]any:
		return normalizeMap(val)
	case []any:
		for i := range val {
			val[i] = normalizeValue(val[i])
		}
		return val
	}
	return v
}

// ParseValue reads a scalar or flow value the way a document would, so
// "3" is a number, "true" a bool and "[a, b]" a list. Anything that does
// not parse is returned as the raw string.
func ParseValue(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	return normalizeValue(v)
}
