package loom

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
)

// NodeType is the closed set of node type tags.
type NodeType string

// Node type tags.
const (
	TypeResearch          NodeType = "research"
	TypeContentGeneration NodeType = "content-generation"
	TypeContentEditing    NodeType = "content-editing"
	TypeFormat            NodeType = "format"
	TypeOutput            NodeType = "output"
	TypeUtility           NodeType = "utility"
)

// NodeTypes lists every tag in declaration order.
var NodeTypes = []NodeType{
	TypeResearch,
	TypeContentGeneration,
	TypeContentEditing,
	TypeFormat,
	TypeOutput,
	TypeUtility,
}

// Valid reports whether t belongs to the closed tag set.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DataType describes the values carried by a port or edge.
type DataType string

// Data types.
const (
	DataAny      DataType = "any"
	DataText     DataType = "text"
	DataMarkdown DataType = "markdown"
	DataHTML     DataType = "html"
	DataJSON     DataType = "json"
	DataList     DataType = "list"
)

// Values holds port values keyed by port name.
type Values map[string]any

// Settings is a node's type-specific configuration.
type Settings map[string]any

// Schema is a JSON schema document.
type Schema map[string]any

// Port is a named, typed connection point on a node.
type Port struct {
	Name     string   `json:"name" yaml:"name"`
	Type     DataType `json:"type" yaml:"type"`
	Optional bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default  any      `json:"default,omitempty" yaml:"default,omitempty"`
}

// HasDefault reports whether the port supplies a value when unconnected.
func (p Port) HasDefault() bool { return p.Default != nil }

// Node is a typed unit of work in a workflow graph.
type Node struct {
	ID       string        `json:"id"`
	Type     NodeType      `json:"type"`
	Label    string        `json:"label,omitempty"`
	Inputs   []Port        `json:"inputs"`
	Outputs  []Port        `json:"outputs"`
	Settings Settings      `json:"settings,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Input returns the named input port.
func (n *Node) Input(name string) (Port, bool) {
	for _, p := range n.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Output returns the named output port.
func (n *Node) Output(name string) (Port, bool) {
	for _, p := range n.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Edge is a directed data connection between two ports.
type Edge struct {
	ID        string   `json:"id"`
	From      string   `json:"from"`
	FromPort  string   `json:"from_port"`
	To        string   `json:"to"`
	ToPort    string   `json:"to_port"`
	Type      DataType `json:"type,omitempty"`
	Transform string   `json:"transform,omitempty"`
	Schema    Schema   `json:"schema,omitempty"`
}

// Graph is a workflow: nodes in insertion order plus the edges between them.
type Graph struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Nodes    []Node            `json:"nodes"`
	Edges    []Edge            `json:"edges"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewGraph creates an empty graph.
func NewGraph(id, name string) *Graph {
	return &Graph{ID: id, Name: name}
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	if i := g.nodeIndex(id); i >= 0 {
		return &g.Nodes[i], true
	}
	return nil, false
}

// Edge returns the edge with the given id.
func (g *Graph) Edge(id string) (*Edge, bool) {
	for i := range g.Edges {
		if g.Edges[i].ID == id {
			return &g.Edges[i], true
		}
	}
	return nil, false
}

// Incoming returns the edge feeding the given input port, if any.
func (g *Graph) Incoming(nodeID, port string) (*Edge, bool) {
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.To == nodeID && e.ToPort == port {
			return e, true
		}
	}
	return nil, false
}

// EdgesInto returns every edge targeting nodeID.
func (g *Graph) EdgesInto(nodeID string) []Edge {
	var edges []Edge
	for _, e := range g.Edges {
		if e.To == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

func (g *Graph) nodeIndex(id string) int {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	c := &Graph{
		ID:    g.ID,
		Name:  g.Name,
		Nodes: make([]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		c.Nodes[i] = n.clone()
	}
	for i, e := range g.Edges {
		e.Schema = Schema(cloneMap(e.Schema))
		c.Edges[i] = e
	}
	if g.Metadata != nil {
		c.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func (n Node) clone() Node {
	n.Inputs = clonePorts(n.Inputs)
	n.Outputs = clonePorts(n.Outputs)
	n.Settings = Settings(cloneMap(n.Settings))
	return n
}

func clonePorts(ports []Port) []Port {
	if ports == nil {
		return nil
	}
	out := make([]Port, len(ports))
	for i, p := range ports {
		p.Default = CloneValue(p.Default)
		out[i] = p
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices so that fan-out targets never
// share mutable state.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case Values:
		return Values(cloneMap(val))
	case Settings:
		return Settings(cloneMap(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// Compatible reports whether a value of type from can flow into a port of
// type to, either directly or through a registered coercion.
func Compatible(from, to DataType) bool {
	if from == "" || to == "" || from == to || from == DataAny || to == DataAny {
		return true
	}
	_, ok := coercions[coercionKey{from, to}]
	return ok
}

type coercionKey struct{ from, to DataType }

var coercions = map[coercionKey]func(any) (any, error){
	{DataText, DataMarkdown}: identity,
	{DataMarkdown, DataText}: identity,
	{DataHTML, DataText}:     stripTags,
	{DataList, DataJSON}:     identity,
	{DataJSON, DataText}:     toJSONText,
	{DataList, DataText}:     joinLines,
}

// Coerce converts v from one data type to another.
func Coerce(v any, from, to DataType) (any, error) {
	if from == "" || to == "" || from == to || from == DataAny || to == DataAny {
		return v, nil
	}
	fn, ok := coercions[coercionKey{from, to}]
	if !ok {
		return nil, fmt.Errorf("%w: no coercion from %s to %s", ErrInvalidInput, from, to)
	}
	return fn(v)
}

func identity(v any) (any, error) { return v, nil }

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripTags(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: html value is %T, not string", ErrInvalidInput, v)
	}
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(s, ""))), nil
}

func toJSONText(v any) (any, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return string(data), nil
}

func joinLines(v any) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return toJSONText(v)
	}
	lines := make([]string, len(items))
	for i, item := range items {
		if s, ok := item.(string); ok {
			lines[i] = s
			continue
		}
		text, err := toJSONText(item)
		if err != nil {
			return nil, err
		}
		lines[i] = text.(string)
	}
	return strings.Join(lines, "\n"), nil
}
