package builtin

import "github.com/agentstation/loom"

// NodeMetadata describes a node type.
type NodeMetadata struct {
	Type        loom.NodeType `json:"type"`
	Category    string        `json:"category"`
	Description string        `json:"description"`
	Inputs      []loom.Port   `json:"inputs"`
	Outputs     []loom.Port   `json:"outputs"`
	Settings    loom.Schema   `json:"settings"`
	Examples    []Example     `json:"examples,omitempty"`
	Since       string        `json:"since,omitempty"`
}

// Example shows how to use a node.
type Example struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Settings    loom.Settings `json:"settings"`
	Input       loom.Values   `json:"input,omitempty"`
	Output      loom.Values   `json:"output,omitempty"`
}

// behavior supplies the schema half of loom.Behavior from metadata.
type behavior struct {
	meta NodeMetadata
}

func (b *behavior) Type() loom.NodeType         { return b.meta.Type }
func (b *behavior) Description() string         { return b.meta.Description }
func (b *behavior) InputSchema() []loom.Port    { return b.meta.Inputs }
func (b *behavior) OutputSchema() []loom.Port   { return b.meta.Outputs }
func (b *behavior) SettingsSchema() loom.Schema { return b.meta.Settings }

// Metadata returns the node metadata.
func (b *behavior) Metadata() NodeMetadata { return b.meta }

// object builds a JSON schema for a settings object.
func object(properties map[string]any, required ...string) loom.Schema {
	s := loom.Schema{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": true,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
