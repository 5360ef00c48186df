package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/builtin/script"
	"github.com/agentstation/loom/internal/ctxlog"
)

// Utility operations.
const (
	OpPassthrough = "passthrough"
	OpScript      = "script"
	OpMerge       = "merge"
	OpDelay       = "delay"
)

// Utility runs small data operations between other nodes.
type Utility struct {
	behavior
}

type utilitySettings struct {
	Operation string         `json:"operation"`
	Script    string         `json:"script"`
	With      map[string]any `json:"with"`
	Delay     string         `json:"delay"`
}

// NewUtility creates the utility behavior.
func NewUtility() *Utility {
	return &Utility{behavior{meta: NodeMetadata{
		Type:        loom.TypeUtility,
		Category:    "core",
		Description: "Passes, merges, delays or scripts a value",
		Inputs: []loom.Port{
			{Name: "input", Type: loom.DataAny, Optional: true},
		},
		Outputs: []loom.Port{
			{Name: "output", Type: loom.DataAny},
		},
		Settings: object(map[string]any{
			"operation": map[string]any{
				"type":    "string",
				"enum":    []string{OpPassthrough, OpScript, OpMerge, OpDelay},
				"default": OpPassthrough,
			},
			"script": map[string]any{
				"type":        "string",
				"description": "Lua source defining exec(input) for the script operation",
			},
			"with": map[string]any{
				"type":        "object",
				"description": "Map deep-merged into the input for the merge operation",
			},
			"delay": map[string]any{
				"type":        "string",
				"pattern":     "^[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)$",
				"description": "Duration to wait for the delay operation, e.g. 500ms",
			},
		}),
		Examples: []Example{
			{
				Name:        "Tag a draft",
				Description: "Merge fixed fields into a map",
				Settings:    loom.Settings{"operation": OpMerge, "with": map[string]any{"status": "draft"}},
				Input:       loom.Values{"input": map[string]any{"title": "Notes"}},
				Output:      loom.Values{"output": map[string]any{"title": "Notes", "status": "draft"}},
			},
			{
				Name:        "Word count",
				Description: "Count words with a Lua script",
				Settings: loom.Settings{
					"operation": OpScript,
					"script":    `function exec(input) return #str_split(input, " ") end`,
				},
			},
		},
		Since: "1.0.0",
	}}}
}

// Execute applies the configured operation to the input.
func (u *Utility) Execute(ctx context.Context, inputs loom.Values, settings loom.Settings, caps loom.Capabilities) (loom.Values, error) {
	s := utilitySettings{Operation: OpPassthrough}
	if err := decodeSettings(&u.meta, settings, &s); err != nil {
		return nil, err
	}
	input := inputs["input"]

	var (
		out any
		err error
	)
	switch s.Operation {
	case OpPassthrough:
		out = input
	case OpScript:
		out, err = runScript(ctx, s.Script, input)
	case OpMerge:
		out, err = merge(input, s.With)
	case OpDelay:
		out, err = delay(ctx, s.Delay, input)
	default:
		err = fmt.Errorf("%w: unknown utility operation %q", loom.ErrInvalidSettings, s.Operation)
	}
	if err != nil {
		return nil, err
	}
	return loom.Values{"output": out}, nil
}

func runScript(ctx context.Context, source string, input any) (any, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: script operation needs a script", loom.ErrInvalidSettings)
	}
	compiled, err := script.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", loom.ErrInvalidSettings, err)
	}
	out, err := compiled.Run(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Script errors are not retried.
		return nil, loom.Permanent(err)
	}
	ctxlog.FromContext(ctx).Debug("script finished", "result", fmt.Sprintf("%T", out))
	return out, nil
}

// merge deep-merges with into a copy of a map input. A nil input merges
// into an empty map.
func merge(input any, with map[string]any) (any, error) {
	var base map[string]any
	switch v := input.(type) {
	case nil:
		base = map[string]any{}
	case map[string]any:
		base = loom.CloneValue(v).(map[string]any)
	case loom.Values:
		base = loom.CloneValue(map[string]any(v)).(map[string]any)
	default:
		return nil, fmt.Errorf("%w: merge needs a map input, got %T", loom.ErrInvalidInput, input)
	}
	if base == nil {
		base = map[string]any{}
	}
	return deepMerge(base, loom.CloneValue(with).(map[string]any)), nil
}

// deepMerge recursively merges src into dst.
func deepMerge(dst, src map[string]any) map[string]any {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
	return dst
}

func delay(ctx context.Context, spec string, input any) (any, error) {
	if spec == "" {
		return nil, fmt.Errorf("%w: delay operation needs a delay", loom.ErrInvalidSettings)
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: delay %q: %v", loom.ErrInvalidSettings, spec, err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return input, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
