package loom

import (
	"context"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Behavior executes one node type.
//
// Execute may be long-running. It must observe ctx at every capability call
// so cancellation and timeouts take effect within one call boundary.
// Streaming behaviors report partial output with ReportProgress.
type Behavior interface {
	Type() NodeType
	Description() string
	InputSchema() []Port
	OutputSchema() []Port
	SettingsSchema() Schema
	Execute(ctx context.Context, inputs Values, settings Settings, caps Capabilities) (Values, error)
}

// Registry maps node type tags to behaviors.
type Registry struct {
	mu        sync.RWMutex
	behaviors map[NodeType]Behavior
	schemas   map[NodeType]*gojsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		behaviors: make(map[NodeType]Behavior),
		schemas:   make(map[NodeType]*gojsonschema.Schema),
	}
}

// Register adds a behavior for its type tag.
func (r *Registry) Register(b Behavior) error {
	t := b.Type()
	if !t.Valid() {
		return fmt.Errorf("loom: node type %q is not in the closed tag set", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.behaviors[t]; exists {
		return fmt.Errorf("loom: node type %q already registered", t)
	}
	r.behaviors[t] = b
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(b Behavior) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

// Resolve returns the behavior for a type tag.
func (r *Registry) Resolve(t NodeType) (Behavior, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.behaviors[t]
	if !ok {
		return nil, &UnregisteredNodeTypeError{Type: t}
	}
	return b, nil
}

// Types returns the registered tags in declaration order.
func (r *Registry) Types() []NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]NodeType, 0, len(r.behaviors))
	for _, t := range NodeTypes {
		if _, ok := r.behaviors[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// NewNode builds a node whose ports come from the behavior's schema.
func (r *Registry) NewNode(id string, t NodeType, settings Settings) (Node, error) {
	b, err := r.Resolve(t)
	if err != nil {
		return Node{}, err
	}
	return Node{
		ID:       id,
		Type:     t,
		Inputs:   clonePorts(b.InputSchema()),
		Outputs:  clonePorts(b.OutputSchema()),
		Settings: Settings(cloneMap(settings)),
	}, nil
}

// Progress is an incremental update from a running node.
type Progress struct {
	// Fraction is the estimated completion in [0, 1].
	Fraction float64
	// Delta is newly produced partial output, if any.
	Delta string
	// Message is an optional human-readable status line.
	Message string
}

type progressKey struct{}

// ProgressFunc receives progress reports for one node attempt.
type ProgressFunc func(Progress)

// WithProgress returns a context whose ReportProgress calls reach fn.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards p to the reporter installed by the engine.
// It is a no-op outside an engine run.
func ReportProgress(ctx context.Context, p Progress) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		if p.Fraction < 0 {
			p.Fraction = 0
		}
		if p.Fraction > 1 {
			p.Fraction = 1
		}
		fn(p)
	}
}

// NodeInfo identifies the node attempt a behavior is executing.
type NodeInfo struct {
	RunID   string
	GraphID string
	NodeID  string
	Attempt int
}

type nodeInfoKey struct{}

// WithNodeInfo returns a context carrying info.
func WithNodeInfo(ctx context.Context, info NodeInfo) context.Context {
	return context.WithValue(ctx, nodeInfoKey{}, info)
}

// NodeInfoFromContext returns the node attempt installed by the engine.
func NodeInfoFromContext(ctx context.Context) (NodeInfo, bool) {
	info, ok := ctx.Value(nodeInfoKey{}).(NodeInfo)
	return info, ok
}
