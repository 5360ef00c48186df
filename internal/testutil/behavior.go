// Package testutil provides testing utilities for loom.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentstation/loom"
)

// ExecFunc is the body of a scripted behavior.
type ExecFunc func(ctx context.Context, inputs loom.Values, settings loom.Settings) (loom.Values, error)

// FuncBehavior is a behavior whose ports and body are supplied by a test.
// It counts every Execute call per node, keyed by the settings "id" entry.
type FuncBehavior struct {
	Tag      loom.NodeType
	Inputs   []loom.Port
	Outputs  []loom.Port
	Settings loom.Schema
	Exec     ExecFunc

	calls   atomic.Int64
	mu      sync.Mutex
	perNode map[string]int
}

// Passthrough returns a behavior with one "in" and one "out" port of type
// any that copies its input.
func Passthrough(tag loom.NodeType) *FuncBehavior {
	return &FuncBehavior{
		Tag:     tag,
		Inputs:  []loom.Port{{Name: "in", Type: loom.DataAny, Optional: true}},
		Outputs: []loom.Port{{Name: "out", Type: loom.DataAny}},
		Exec: func(_ context.Context, in loom.Values, _ loom.Settings) (loom.Values, error) {
			return loom.Values{"out": in["in"]}, nil
		},
	}
}

func (b *FuncBehavior) Type() loom.NodeType         { return b.Tag }
func (b *FuncBehavior) Description() string         { return "scripted " + string(b.Tag) }
func (b *FuncBehavior) InputSchema() []loom.Port    { return b.Inputs }
func (b *FuncBehavior) OutputSchema() []loom.Port   { return b.Outputs }
func (b *FuncBehavior) SettingsSchema() loom.Schema { return b.Settings }

func (b *FuncBehavior) Execute(ctx context.Context, inputs loom.Values, settings loom.Settings, _ loom.Capabilities) (loom.Values, error) {
	b.calls.Add(1)
	if id, ok := settings["id"].(string); ok {
		b.mu.Lock()
		if b.perNode == nil {
			b.perNode = make(map[string]int)
		}
		b.perNode[id]++
		b.mu.Unlock()
	}
	if b.Exec == nil {
		return loom.Values{}, nil
	}
	return b.Exec(ctx, inputs, settings)
}

// Calls returns the number of Execute calls.
func (b *FuncBehavior) Calls() int { return int(b.calls.Load()) }

// CallsFor returns the number of Execute calls for nodes whose settings
// carry the given "id".
func (b *FuncBehavior) CallsFor(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perNode[id]
}

// Node builds a node of this behavior. The id is also stored in the
// settings so Execute can tell nodes apart.
func (b *FuncBehavior) Node(id string) loom.Node {
	return loom.Node{
		ID:       id,
		Type:     b.Tag,
		Inputs:   append([]loom.Port(nil), b.Inputs...),
		Outputs:  append([]loom.Port(nil), b.Outputs...),
		Settings: loom.Settings{"id": id},
	}
}

// Chain builds a graph of nodes connected out -> in in the given order.
func Chain(graphID string, b *FuncBehavior, ids ...string) *loom.Graph {
	g := loom.NewGraph(graphID, graphID)
	for i, id := range ids {
		g.Nodes = append(g.Nodes, b.Node(id))
		if i > 0 {
			g.Edges = append(g.Edges, Connect(ids[i-1], id))
		}
	}
	return g
}

// Connect returns an edge from from.out to to.in.
func Connect(from, to string) loom.Edge {
	return ConnectPorts(from, "out", to, "in")
}

// ConnectPorts returns an edge between named ports.
func ConnectPorts(from, fromPort, to, toPort string) loom.Edge {
	return loom.Edge{
		ID:       from + "." + fromPort + "->" + to + "." + toPort,
		From:     from,
		FromPort: fromPort,
		To:       to,
		ToPort:   toPort,
	}
}
