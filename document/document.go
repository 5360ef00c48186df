// Package document reads and writes workflow graphs as YAML or JSON.
//
// A document names each node's type and settings; ports are filled in from
// the registry when the document is turned into a graph, so files only carry
// what a user would edit:
//
//	id: blog
//	name: Blog post
//	nodes:
//	  - id: research
//	    type: research
//	    settings: {limit: 3}
//	    inputs: {topic: home batteries}
//	  - id: draft
//	    type: content-generation
//	edges:
//	  - from: research.context
//	    to: draft.context
package document

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentstation/loom"
)

// ErrInvalidDocument is returned for structurally broken documents.
var ErrInvalidDocument = errors.New("document: invalid")

// Document is the serializable form of a graph.
type Document struct {
	ID       string            `yaml:"id" json:"id"`
	Name     string            `yaml:"name,omitempty" json:"name,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Nodes    []NodeDefinition  `yaml:"nodes" json:"nodes"`
	Edges    []EdgeDefinition  `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// NodeDefinition describes one node.
type NodeDefinition struct {
	ID       string         `yaml:"id" json:"id"`
	Type     string         `yaml:"type" json:"type"`
	Label    string         `yaml:"label,omitempty" json:"label,omitempty"`
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
	// Inputs holds default values for input ports.
	Inputs  map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Timeout string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// EdgeDefinition connects "node.port" endpoints.
type EdgeDefinition struct {
	ID        string         `yaml:"id,omitempty" json:"id,omitempty"`
	From      string         `yaml:"from" json:"from"`
	To        string         `yaml:"to" json:"to"`
	Type      string         `yaml:"type,omitempty" json:"type,omitempty"`
	Transform string         `yaml:"transform,omitempty" json:"transform,omitempty"`
	Schema    map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// Validate checks that the document can be turned into a graph. It does not
// check types or ports; loom.Validate does that once the graph is built.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDocument)
	}
	seen := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has no id", ErrInvalidDocument, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidDocument, n.ID)
		}
		seen[n.ID] = true
		if n.Type == "" {
			return fmt.Errorf("%w: node %q has no type", ErrInvalidDocument, n.ID)
		}
		if n.Timeout != "" {
			if _, err := time.ParseDuration(n.Timeout); err != nil {
				return fmt.Errorf("%w: node %q timeout: %v", ErrInvalidDocument, n.ID, err)
			}
		}
	}
	for i, e := range d.Edges {
		if _, _, err := splitEndpoint(e.From); err != nil {
			return fmt.Errorf("%w: edge %d from: %v", ErrInvalidDocument, i, err)
		}
		if _, _, err := splitEndpoint(e.To); err != nil {
			return fmt.Errorf("%w: edge %d to: %v", ErrInvalidDocument, i, err)
		}
	}
	return nil
}

// Graph builds a graph, taking each node's ports from reg. Unknown node
// types fail with *loom.UnregisteredNodeTypeError.
func (d *Document) Graph(reg *loom.Registry) (*loom.Graph, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	g := loom.NewGraph(d.ID, d.Name)
	if len(d.Metadata) > 0 {
		g.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			g.Metadata[k] = v
		}
	}

	for _, def := range d.Nodes {
		n, err := def.Node(reg)
		if err != nil {
			return nil, err
		}
		g.Nodes = append(g.Nodes, n)
	}
	for _, def := range d.Edges {
		e, err := def.Edge()
		if err != nil {
			return nil, err
		}
		g.Edges = append(g.Edges, e)
	}
	return g, nil
}

// Node builds the node, taking its ports from reg.
func (def NodeDefinition) Node(reg *loom.Registry) (loom.Node, error) {
	n, err := reg.NewNode(def.ID, loom.NodeType(def.Type), loom.Settings(def.Settings))
	if err != nil {
		return loom.Node{}, fmt.Errorf("node %q: %w", def.ID, err)
	}
	n.Label = def.Label
	if def.Timeout != "" {
		if n.Timeout, err = time.ParseDuration(def.Timeout); err != nil {
			return loom.Node{}, fmt.Errorf("%w: node %q timeout: %v", ErrInvalidDocument, def.ID, err)
		}
	}
	for port, v := range def.Inputs {
		i := portIndex(n.Inputs, port)
		if i < 0 {
			return loom.Node{}, fmt.Errorf("%w: node %q has no input %q", ErrInvalidDocument, def.ID, port)
		}
		n.Inputs[i].Default = loom.CloneValue(v)
	}
	return n, nil
}

// Edge builds the edge, naming it with EdgeID when no ID is given.
func (def EdgeDefinition) Edge() (loom.Edge, error) {
	from, fromPort, err := splitEndpoint(def.From)
	if err != nil {
		return loom.Edge{}, fmt.Errorf("%w: from: %v", ErrInvalidDocument, err)
	}
	to, toPort, err := splitEndpoint(def.To)
	if err != nil {
		return loom.Edge{}, fmt.Errorf("%w: to: %v", ErrInvalidDocument, err)
	}
	id := def.ID
	if id == "" {
		id = EdgeID(from, fromPort, to, toPort)
	}
	var schema loom.Schema
	if def.Schema != nil {
		schema = loom.Schema(loom.CloneValue(def.Schema).(map[string]any))
	}
	return loom.Edge{
		ID:        id,
		From:      from,
		FromPort:  fromPort,
		To:        to,
		ToPort:    toPort,
		Type:      loom.DataType(def.Type),
		Transform: def.Transform,
		Schema:    schema,
	}, nil
}

// FromGraph converts a graph to its document form. Ports are not written;
// only input defaults are.
func FromGraph(g *loom.Graph) *Document {
	d := &Document{ID: g.ID, Name: g.Name}
	if len(g.Metadata) > 0 {
		d.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			d.Metadata[k] = v
		}
	}
	for _, n := range g.Nodes {
		def := NodeDefinition{ID: n.ID, Type: string(n.Type), Label: n.Label}
		if len(n.Settings) > 0 {
			def.Settings = loom.CloneValue(map[string]any(n.Settings)).(map[string]any)
		}
		if n.Timeout > 0 {
			def.Timeout = n.Timeout.String()
		}
		for _, p := range n.Inputs {
			if !p.HasDefault() {
				continue
			}
			if def.Inputs == nil {
				def.Inputs = make(map[string]any)
			}
			def.Inputs[p.Name] = loom.CloneValue(p.Default)
		}
		d.Nodes = append(d.Nodes, def)
	}
	for _, e := range g.Edges {
		def := EdgeDefinition{
			From:      e.From + "." + e.FromPort,
			To:        e.To + "." + e.ToPort,
			Type:      string(e.Type),
			Transform: e.Transform,
		}
		if e.ID != EdgeID(e.From, e.FromPort, e.To, e.ToPort) {
			def.ID = e.ID
		}
		if e.Schema != nil {
			def.Schema = loom.CloneValue(map[string]any(e.Schema)).(map[string]any)
		}
		d.Edges = append(d.Edges, def)
	}
	return d
}

// EdgeID is the ID given to edges that do not name one.
func EdgeID(from, fromPort, to, toPort string) string {
	return from + "." + fromPort + "->" + to + "." + toPort
}

func splitEndpoint(s string) (node, port string, err error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("endpoint %q must be node.port", s)
	}
	return s[:i], s[i+1:], nil
}

func portIndex(ports []loom.Port, name string) int {
	for i, p := range ports {
		if p.Name == name {
			return i
		}
	}
	return -1
}
