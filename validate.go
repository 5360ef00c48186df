package loom

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/xeipuuv/gojsonschema"
)

// ViolationCode identifies the invariant a Violation breaks.
type ViolationCode string

// Violation codes.
const (
	ViolationEmptyID          ViolationCode = "empty_id"
	ViolationDuplicateNode    ViolationCode = "duplicate_node"
	ViolationDuplicateEdge    ViolationCode = "duplicate_edge"
	ViolationMissingNode      ViolationCode = "missing_node"
	ViolationUnknownPort      ViolationCode = "unknown_port"
	ViolationUnregisteredType ViolationCode = "unregistered_type"
	ViolationPortMismatch     ViolationCode = "port_mismatch"
	ViolationInvalidSettings  ViolationCode = "invalid_settings"
	ViolationTypeMismatch     ViolationCode = "type_mismatch"
	ViolationInvalidTransform ViolationCode = "invalid_transform"
	ViolationInvalidSchema    ViolationCode = "invalid_schema"
	ViolationFanIn            ViolationCode = "fan_in"
	ViolationOrphanInput      ViolationCode = "orphan_input"
	ViolationCycle            ViolationCode = "cycle"
)

// Violation is a single broken graph invariant.
type Violation struct {
	Code    ViolationCode `json:"code"`
	NodeID  string        `json:"node_id,omitempty"`
	EdgeID  string        `json:"edge_id,omitempty"`
	Message string        `json:"message"`
}

func (v Violation) String() string {
	var b strings.Builder
	b.WriteString(string(v.Code))
	switch {
	case v.EdgeID != "":
		fmt.Fprintf(&b, " (edge %s)", v.EdgeID)
	case v.NodeID != "":
		fmt.Fprintf(&b, " (node %s)", v.NodeID)
	}
	b.WriteString(": ")
	b.WriteString(v.Message)
	return b.String()
}

// ValidationResult lists every violation found in a graph, in a stable order.
type ValidationResult struct {
	Violations []Violation `json:"violations"`
}

// Valid reports whether no violations were found.
func (r ValidationResult) Valid() bool { return len(r.Violations) == 0 }

// Err returns a *ValidationError, or nil when the graph is valid.
func (r ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return &ValidationError{Violations: append([]Violation(nil), r.Violations...)}
}

// Validate checks a graph against every structural and schema invariant and
// reports all violations at once. It does not modify g.
func Validate(g *Graph, reg *Registry) ValidationResult {
	return validate(g, reg, nil)
}

// suppliedFunc reports whether a run supplies a value for an unconnected input.
type suppliedFunc func(nodeID, port string) bool

func validate(g *Graph, reg *Registry, supplied suppliedFunc) ValidationResult {
	v := &validator{graph: g, registry: reg}
	v.checkNodes()
	v.checkEdges()
	v.checkInputs(supplied)
	v.checkCycles()
	return ValidationResult{Violations: v.violations}
}

type validator struct {
	graph      *Graph
	registry   *Registry
	violations []Violation
}

func (v *validator) add(code ViolationCode, nodeID, edgeID, format string, args ...any) {
	v.violations = append(v.violations, Violation{
		Code:    code,
		NodeID:  nodeID,
		EdgeID:  edgeID,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) checkNodes() {
	seen := make(map[string]bool, len(v.graph.Nodes))
	for i := range v.graph.Nodes {
		n := &v.graph.Nodes[i]
		if n.ID == "" {
			v.add(ViolationEmptyID, "", "", "node at position %d has no id", i)
			continue
		}
		if seen[n.ID] {
			v.add(ViolationDuplicateNode, n.ID, "", "node id %q is used more than once", n.ID)
			continue
		}
		seen[n.ID] = true

		if v.registry == nil {
			continue
		}
		b, err := v.registry.Resolve(n.Type)
		if err != nil {
			v.add(ViolationUnregisteredType, n.ID, "", "%v", err)
			continue
		}
		v.checkPorts(n, "input", n.Inputs, b.InputSchema())
		v.checkPorts(n, "output", n.Outputs, b.OutputSchema())
		if err := v.registry.ValidateSettings(n.Type, n.Settings); err != nil {
			v.add(ViolationInvalidSettings, n.ID, "", "%v", err)
		}
	}
}

func (v *validator) checkPorts(n *Node, kind string, have, want []Port) {
	declared := make(map[string]DataType, len(want))
	for _, p := range want {
		declared[p.Name] = p.Type
	}
	for _, p := range have {
		t, ok := declared[p.Name]
		switch {
		case !ok:
			v.add(ViolationPortMismatch, n.ID, "", "%s port %q is not declared by type %s", kind, p.Name, n.Type)
		case t != p.Type:
			v.add(ViolationPortMismatch, n.ID, "", "%s port %q has type %s, type %s declares %s", kind, p.Name, p.Type, n.Type, t)
		}
		delete(declared, p.Name)
	}
	for _, p := range want {
		if _, missing := declared[p.Name]; missing {
			v.add(ViolationPortMismatch, n.ID, "", "%s port %q declared by type %s is missing", kind, p.Name, n.Type)
		}
	}
}

func (v *validator) checkEdges() {
	seen := make(map[string]bool, len(v.graph.Edges))
	feeding := make(map[string]string)
	for i := range v.graph.Edges {
		e := &v.graph.Edges[i]
		if e.ID == "" {
			v.add(ViolationEmptyID, "", "", "edge at position %d has no id", i)
		} else if seen[e.ID] {
			v.add(ViolationDuplicateEdge, "", e.ID, "edge id %q is used more than once", e.ID)
		}
		seen[e.ID] = true

		if err := checkEdgeEndpoints(v.graph, e); err != nil {
			code := ViolationUnknownPort
			if _, ok := v.graph.Node(e.From); !ok {
				code = ViolationMissingNode
			} else if _, ok := v.graph.Node(e.To); !ok {
				code = ViolationMissingNode
			}
			v.add(code, "", e.ID, "%v", err)
			continue
		}
		if err := checkEdgeTypes(v.graph, e); err != nil {
			v.add(ViolationTypeMismatch, "", e.ID, "%v", err)
		}
		if e.Transform != "" {
			if _, err := jp.ParseString(e.Transform); err != nil {
				v.add(ViolationInvalidTransform, "", e.ID, "transform %q: %v", e.Transform, err)
			}
		}
		if len(e.Schema) > 0 {
			if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(map[string]any(e.Schema))); err != nil {
				v.add(ViolationInvalidSchema, "", e.ID, "%v", err)
			}
		}

		key := e.To + "." + e.ToPort
		if first, ok := feeding[key]; ok {
			v.add(ViolationFanIn, e.To, e.ID, "input %s already fed by edge %s", key, first)
			continue
		}
		feeding[key] = e.ID
	}
}

func (v *validator) checkInputs(supplied suppliedFunc) {
	for i := range v.graph.Nodes {
		n := &v.graph.Nodes[i]
		for _, p := range n.Inputs {
			if p.Optional || p.HasDefault() {
				continue
			}
			if _, ok := v.graph.Incoming(n.ID, p.Name); ok {
				continue
			}
			if supplied != nil && supplied(n.ID, p.Name) {
				continue
			}
			v.add(ViolationOrphanInput, n.ID, "", "input %q has no incoming edge and no default", p.Name)
		}
	}
}

func (v *validator) checkCycles() {
	if _, remaining := levels(v.graph); len(remaining) > 0 {
		v.add(ViolationCycle, "", "", "nodes %s form a cycle", strings.Join(remaining, ", "))
	}
}

func checkEdgeEndpoints(g *Graph, e *Edge) error {
	from, ok := g.Node(e.From)
	if !ok {
		return fmt.Errorf("%w: source %q", ErrNodeNotFound, e.From)
	}
	to, ok := g.Node(e.To)
	if !ok {
		return fmt.Errorf("%w: target %q", ErrNodeNotFound, e.To)
	}
	if _, ok := from.Output(e.FromPort); !ok {
		return fmt.Errorf("node %q has no output port %q", e.From, e.FromPort)
	}
	if _, ok := to.Input(e.ToPort); !ok {
		return fmt.Errorf("node %q has no input port %q", e.To, e.ToPort)
	}
	return nil
}

func checkEdgeTypes(g *Graph, e *Edge) error {
	from, _ := g.Node(e.From)
	to, _ := g.Node(e.To)
	src, _ := from.Output(e.FromPort)
	dst, _ := to.Input(e.ToPort)

	carried := e.Type
	if carried == "" {
		carried = src.Type
	}
	if !Compatible(src.Type, carried) {
		return fmt.Errorf("edge type %s is incompatible with source %s.%s (%s)", carried, e.From, e.FromPort, src.Type)
	}
	if !Compatible(carried, dst.Type) {
		return fmt.Errorf("%s value cannot flow into %s.%s (%s)", carried, e.To, e.ToPort, dst.Type)
	}
	return nil
}

// ValidateSettings checks settings against the type's JSON schema.
func (r *Registry) ValidateSettings(t NodeType, settings Settings) error {
	schema, err := r.compiledSchema(t)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	doc := map[string]any(settings)
	if doc == nil {
		doc = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(msgs, "; "))
	}
	return nil
}

func (r *Registry) compiledSchema(t NodeType) (*gojsonschema.Schema, error) {
	r.mu.RLock()
	schema, cached := r.schemas[t]
	r.mu.RUnlock()
	if cached {
		return schema, nil
	}

	b, err := r.Resolve(t)
	if err != nil {
		return nil, err
	}
	raw := b.SettingsSchema()
	if len(raw) > 0 {
		schema, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(map[string]any(raw)))
		if err != nil {
			return nil, fmt.Errorf("loom: settings schema for %s: %w", t, err)
		}
	}

	r.mu.Lock()
	if r.schemas == nil {
		r.schemas = make(map[NodeType]*gojsonschema.Schema)
	}
	r.schemas[t] = schema
	r.mu.Unlock()
	return schema, nil
}

// validateValue checks a carried edge value against the edge's schema.
func validateValue(e *Edge, value any) error {
	if len(e.Schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(map[string]any(e.Schema)),
		gojsonschema.NewGoLoader(value),
	)
	if err != nil {
		return fmt.Errorf("%w: edge %s: %v", ErrInvalidInput, e.ID, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: edge %s: %s", ErrInvalidInput, e.ID, strings.Join(msgs, "; "))
	}
	return nil
}
