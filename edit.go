package loom

import (
	"errors"
	"fmt"

	"github.com/ohler55/ojg/jp"
)

// Edit is a single atomic structural change to a graph.
type Edit interface {
	// Op names the edit for errors and history entries.
	Op() string
	apply(g *Graph) error
}

// ApplyEdit applies e to a copy of g. On failure it returns a *GraphEditError
// and g is unchanged.
func ApplyEdit(g *Graph, e Edit) (*Graph, error) {
	next := g.Clone()
	if next == nil {
		next = &Graph{}
	}
	if err := e.apply(next); err != nil {
		return nil, &GraphEditError{Op: e.Op(), Err: err}
	}
	return next, nil
}

var (
	errDuplicateID = errors.New("duplicate id")
	errFanIn       = errors.New("input port already has an incoming edge")
	errCycle       = errors.New("edge would create a cycle")
	errEdgeMissing = errors.New("edge not found")
	errPortMissing = errors.New("port not found")
)

// AddNode appends a node to the graph.
type AddNode struct {
	Node Node
}

func (e AddNode) Op() string { return "add node " + e.Node.ID }

func (e AddNode) apply(g *Graph) error {
	if e.Node.ID == "" {
		return errors.New("node id is empty")
	}
	if _, exists := g.Node(e.Node.ID); exists {
		return fmt.Errorf("%w: node %q", errDuplicateID, e.Node.ID)
	}
	g.Nodes = append(g.Nodes, e.Node.clone())
	return nil
}

// RemoveNode deletes a node and every edge touching it.
type RemoveNode struct {
	ID string
}

func (e RemoveNode) Op() string { return "remove node " + e.ID }

func (e RemoveNode) apply(g *Graph) error {
	i := g.nodeIndex(e.ID)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, e.ID)
	}
	g.Nodes = append(g.Nodes[:i], g.Nodes[i+1:]...)

	kept := g.Edges[:0]
	for _, edge := range g.Edges {
		if edge.From != e.ID && edge.To != e.ID {
			kept = append(kept, edge)
		}
	}
	g.Edges = kept
	return nil
}

// AddEdge connects an output port to an input port.
type AddEdge struct {
	Edge Edge
}

func (e AddEdge) Op() string { return "add edge " + e.Edge.ID }

func (e AddEdge) apply(g *Graph) error {
	edge := e.Edge
	if edge.ID == "" {
		return errors.New("edge id is empty")
	}
	if _, exists := g.Edge(edge.ID); exists {
		return fmt.Errorf("%w: edge %q", errDuplicateID, edge.ID)
	}
	if err := checkEdgeEndpoints(g, &edge); err != nil {
		return err
	}
	if existing, ok := g.Incoming(edge.To, edge.ToPort); ok {
		return fmt.Errorf("%w: %s.%s is fed by %s", errFanIn, edge.To, edge.ToPort, existing.ID)
	}
	if err := checkEdgeTypes(g, &edge); err != nil {
		return err
	}
	if edge.Transform != "" {
		if _, err := jp.ParseString(edge.Transform); err != nil {
			return fmt.Errorf("transform %q: %w", edge.Transform, err)
		}
	}

	edge.Schema = Schema(cloneMap(edge.Schema))
	g.Edges = append(g.Edges, edge)
	if _, remaining := levels(g); len(remaining) > 0 {
		return fmt.Errorf("%w: %s -> %s", errCycle, edge.From, edge.To)
	}
	return nil
}

// RemoveEdge deletes an edge.
type RemoveEdge struct {
	ID string
}

func (e RemoveEdge) Op() string { return "remove edge " + e.ID }

func (e RemoveEdge) apply(g *Graph) error {
	for i := range g.Edges {
		if g.Edges[i].ID == e.ID {
			g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", errEdgeMissing, e.ID)
}

// UpdateSettings replaces a node's settings, or merges into them when Merge
// is set. A nil value in a merge removes the key.
type UpdateSettings struct {
	NodeID   string
	Settings Settings
	Merge    bool
}

func (e UpdateSettings) Op() string { return "update settings " + e.NodeID }

func (e UpdateSettings) apply(g *Graph) error {
	n, ok := g.Node(e.NodeID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, e.NodeID)
	}
	if !e.Merge {
		n.Settings = Settings(cloneMap(e.Settings))
		return nil
	}
	if n.Settings == nil {
		n.Settings = Settings{}
	}
	for k, v := range e.Settings {
		if v == nil {
			delete(n.Settings, k)
			continue
		}
		n.Settings[k] = CloneValue(v)
	}
	return nil
}

// SetInputDefault sets or clears the default value of an input port.
type SetInputDefault struct {
	NodeID string
	Port   string
	Value  any
}

func (e SetInputDefault) Op() string { return "set default " + e.NodeID + "." + e.Port }

func (e SetInputDefault) apply(g *Graph) error {
	n, ok := g.Node(e.NodeID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, e.NodeID)
	}
	for i := range n.Inputs {
		if n.Inputs[i].Name == e.Port {
			n.Inputs[i].Default = CloneValue(e.Value)
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", errPortMissing, e.NodeID, e.Port)
}
