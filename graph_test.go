package loom_test

import (
	"errors"
	"testing"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/internal/testutil"
)

func TestCompatibleAndCoerce(t *testing.T) {
	tests := []struct {
		name     string
		from, to loom.DataType
		in       any
		want     any
		wantErr  bool
	}{
		{name: "same type", from: loom.DataText, to: loom.DataText, in: "a", want: "a"},
		{name: "any target", from: loom.DataJSON, to: loom.DataAny, in: map[string]any{"a": 1.0}, want: map[string]any{"a": 1.0}},
		{name: "text to markdown", from: loom.DataText, to: loom.DataMarkdown, in: "# t", want: "# t"},
		{name: "html to text", from: loom.DataHTML, to: loom.DataText, in: "<p>Hi &amp; bye</p>", want: "Hi & bye"},
		{name: "json to text", from: loom.DataJSON, to: loom.DataText, in: map[string]any{"a": 1}, want: `{"a":1}`},
		{name: "list to text", from: loom.DataList, to: loom.DataText, in: []any{"a", "b"}, want: "a\nb"},
		{name: "text to list", from: loom.DataText, to: loom.DataList, in: "a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := testutil.NewAssert(t)
			assert.Equal(!tt.wantErr, loom.Compatible(tt.from, tt.to))

			got, err := loom.Coerce(tt.in, tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(err, loom.ErrInvalidInput)
				return
			}
			assert.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}

func TestGraphClone(t *testing.T) {
	assert := testutil.NewAssert(t)
	b := testutil.Passthrough(loom.TypeUtility)
	g := testutil.Chain("g", b, "a", "b")
	g.Nodes[0].Settings["nested"] = map[string]any{"k": "v"}

	c := g.Clone()
	c.Nodes[0].Settings["nested"].(map[string]any)["k"] = "changed"
	c.Edges[0].To = "x"

	assert.Equal("v", g.Nodes[0].Settings["nested"].(map[string]any)["k"])
	assert.Equal("b", g.Edges[0].To)
}

func TestValidate(t *testing.T) {
	reg := loom.NewRegistry()
	pass := testutil.Passthrough(loom.TypeUtility)
	reg.MustRegister(pass)

	text := &testutil.FuncBehavior{
		Tag:     loom.TypeFormat,
		Inputs:  []loom.Port{{Name: "in", Type: loom.DataList}},
		Outputs: []loom.Port{{Name: "out", Type: loom.DataText}},
		Settings: loom.Schema{
			"type": "object",
			"properties": map[string]any{
				"id":    map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "minimum": 1},
			},
		},
	}
	reg.MustRegister(text)

	t.Run("valid chain", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		result := loom.Validate(testutil.Chain("g", pass, "a", "b", "c"), reg)
		assert.True(result.Valid())
		assert.Nil(result.Err())
	})

	t.Run("collects every violation", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		g := testutil.Chain("g", pass, "a", "b")
		g.Nodes = append(g.Nodes, pass.Node("a"))
		g.Nodes = append(g.Nodes, loom.Node{ID: "ghost", Type: loom.TypeResearch})
		g.Edges = append(g.Edges, testutil.Connect("a", "missing"))

		result := loom.Validate(g, reg)
		codes := make(map[loom.ViolationCode]bool)
		for _, v := range result.Violations {
			codes[v.Code] = true
		}
		assert.True(codes[loom.ViolationDuplicateNode])
		assert.True(codes[loom.ViolationUnregisteredType])
		assert.True(codes[loom.ViolationMissingNode])

		var verr *loom.ValidationError
		assert.ErrorAs(result.Err(), &verr)
		assert.Len(verr.Violations, len(result.Violations))
	})

	t.Run("settings schema", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		g := loom.NewGraph("g", "g")
		n := text.Node("f")
		n.Settings["limit"] = 0
		n.Inputs[0].Default = []any{"x"}
		g.Nodes = append(g.Nodes, n)

		result := loom.Validate(g, reg)
		assert.Len(result.Violations, 1)
		assert.Equal(loom.ViolationInvalidSettings, result.Violations[0].Code)
	})

	t.Run("type mismatch", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		g := loom.NewGraph("g", "g")
		g.Nodes = append(g.Nodes, text.Node("f1"), text.Node("f2"))
		g.Nodes[0].Inputs[0].Default = []any{"x"}
		g.Edges = append(g.Edges, testutil.ConnectPorts("f1", "out", "f2", "in"))

		result := loom.Validate(g, reg)
		assert.Len(result.Violations, 1)
		assert.Equal(loom.ViolationTypeMismatch, result.Violations[0].Code)
	})

	t.Run("orphan input", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		g := loom.NewGraph("g", "g")
		g.Nodes = append(g.Nodes, text.Node("f"))

		result := loom.Validate(g, reg)
		assert.Len(result.Violations, 1)
		assert.Equal(loom.ViolationOrphanInput, result.Violations[0].Code)
		assert.Equal("f", result.Violations[0].NodeID)
	})

	t.Run("fan-in", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		g := testutil.Chain("g", pass, "a", "c")
		g.Nodes = append(g.Nodes, pass.Node("b"))
		g.Edges = append(g.Edges, testutil.Connect("b", "c"))

		result := loom.Validate(g, reg)
		assert.Len(result.Violations, 1)
		assert.Equal(loom.ViolationFanIn, result.Violations[0].Code)
	})

	t.Run("cycle", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		g := testutil.Chain("g", pass, "a", "b")
		g.Edges = append(g.Edges, testutil.Connect("b", "a"))

		result := loom.Validate(g, reg)
		assert.Len(result.Violations, 1)
		assert.Equal(loom.ViolationCycle, result.Violations[0].Code)
	})

	t.Run("bad transform and schema", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		g := testutil.Chain("g", pass, "a", "b")
		g.Edges[0].Transform = "$[[["
		g.Edges[0].Schema = loom.Schema{"type": 12}

		result := loom.Validate(g, reg)
		codes := make(map[loom.ViolationCode]bool)
		for _, v := range result.Violations {
			codes[v.Code] = true
		}
		assert.True(codes[loom.ViolationInvalidTransform])
		assert.True(codes[loom.ViolationInvalidSchema])
	})

	t.Run("idempotent", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		g := testutil.Chain("g", pass, "a", "b")
		g.Nodes = append(g.Nodes, loom.Node{ID: "ghost", Type: loom.TypeResearch})
		g.Edges = append(g.Edges, testutil.Connect("b", "a"))

		first := loom.Validate(g, reg)
		second := loom.Validate(g, reg)
		assert.Equal(first, second)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("rejects tags outside the set", func(t *testing.T) {
		reg := loom.NewRegistry()
		err := reg.Register(testutil.Passthrough("translation"))
		testutil.NewAssert(t).Error(err)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		reg := loom.NewRegistry()
		assert := testutil.NewAssert(t)
		assert.NoError(reg.Register(testutil.Passthrough(loom.TypeOutput)))
		assert.Error(reg.Register(testutil.Passthrough(loom.TypeOutput)))
	})

	t.Run("resolve unknown", func(t *testing.T) {
		_, err := loom.NewRegistry().Resolve(loom.TypeResearch)
		var uerr *loom.UnregisteredNodeTypeError
		testutil.NewAssert(t).ErrorAs(err, &uerr)
	})

	t.Run("new node copies ports", func(t *testing.T) {
		assert := testutil.NewAssert(t)
		reg := loom.NewRegistry()
		b := testutil.Passthrough(loom.TypeUtility)
		reg.MustRegister(b)

		n, err := reg.NewNode("u", loom.TypeUtility, loom.Settings{"k": "v"})
		assert.NoError(err)
		assert.Equal(b.Inputs, n.Inputs)
		n.Inputs[0].Name = "changed"
		assert.Equal("in", b.Inputs[0].Name)
		assert.Equal([]loom.NodeType{loom.TypeUtility}, reg.Types())
	})
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{name: "plain", err: base, retryable: true, kind: loom.KindInternal},
		{name: "capability", err: &loom.CapabilityError{Capability: "generator", Err: base}, retryable: true, kind: loom.KindCapability},
		{name: "permanent capability", err: &loom.CapabilityError{Capability: "generator", Err: base, Permanent: true}, retryable: false, kind: loom.KindCapability},
		{name: "timeout", err: &loom.TimeoutError{Capability: "generator"}, retryable: true, kind: loom.KindTimeout},
		{name: "invalid settings", err: loom.ErrInvalidSettings, retryable: false, kind: loom.KindInvalidSettings},
		{name: "unavailable", err: loom.ErrCapabilityUnavailable, retryable: false, kind: loom.KindUnavailable},
		{name: "permanent wrapper", err: loom.Permanent(base), retryable: false, kind: loom.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := testutil.NewAssert(t)
			assert.Equal(tt.retryable, loom.IsRetryable(tt.err))
			assert.Equal(tt.kind, loom.ErrorKind(tt.err))
		})
	}

	t.Run("timeout is a capability error", func(t *testing.T) {
		var cerr *loom.CapabilityError
		testutil.NewAssert(t).ErrorAs(&loom.TimeoutError{Capability: "generator"}, &cerr)
	})
}
