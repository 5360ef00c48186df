package builtin

import (
	"fmt"

	"github.com/agentstation/loom"
)

// Behavior is a built-in loom.Behavior that also describes itself.
type Behavior interface {
	loom.Behavior
	Metadata() NodeMetadata
}

// All returns one instance of every built-in behavior in tag order.
func All() []Behavior {
	return []Behavior{
		NewResearch(),
		NewContentGeneration(),
		NewContentEditing(),
		NewFormat(),
		NewOutput(),
		NewUtility(),
	}
}

// Register adds every built-in behavior to reg.
func Register(reg *loom.Registry) error {
	for _, b := range All() {
		if err := reg.Register(b); err != nil {
			return fmt.Errorf("register %s: %w", b.Type(), err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in behaviors.
func NewRegistry() *loom.Registry {
	reg := loom.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}

// Metadata returns the metadata of every behavior in reg that describes
// itself, in tag order.
func Metadata(reg *loom.Registry) []NodeMetadata {
	var out []NodeMetadata
	for _, t := range reg.Types() {
		b, err := reg.Resolve(t)
		if err != nil {
			continue
		}
		if d, ok := b.(Behavior); ok {
			out = append(out, d.Metadata())
			continue
		}
		out = append(out, NodeMetadata{
			Type:        t,
			Description: b.Description(),
			Inputs:      b.InputSchema(),
			Outputs:     b.OutputSchema(),
			Settings:    b.SettingsSchema(),
		})
	}
	return out
}
