// Package script runs sandboxed Lua for the utility node.
//
// A script must define a global function exec(input) whose return value
// becomes the node output:
//
//	function exec(input)
//	  return { title = str_trim(input.title), words = #str_split(input.body, " ") }
//	end
//
// Only the base, string, table and math libraries are loaded. File, process
// and module loading functions are removed.
package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shopify/go-lua"

	"github.com/agentstation/loom/internal/ctxlog"
)

// EntryPoint is the function every script must define.
const EntryPoint = "exec"

// hookInterval is the number of VM instructions between cancellation checks.
const hookInterval = 1000

// ErrNoEntryPoint is returned when a script does not define exec.
var ErrNoEntryPoint = errors.New("script: exec function not defined")

// Script is a checked Lua source.
type Script struct {
	source string
}

// Compile checks that source parses, runs its top level in a fresh sandbox
// and defines exec.
func Compile(source string) (*Script, error) {
	l := newState(context.Background())
	if err := lua.LoadString(l, source); err != nil {
		return nil, fmt.Errorf("script: syntax: %w", err)
	}
	l.Pop(1)

	if err := lua.DoString(l, source); err != nil {
		return nil, fmt.Errorf("script: load: %w", err)
	}
	l.Global(EntryPoint)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeFunction {
		return nil, ErrNoEntryPoint
	}
	return &Script{source: source}, nil
}

// Source returns the script text.
func (s *Script) Source() string { return s.source }

// Run calls exec(input) in a new sandbox and returns its result. A
// cancelled ctx aborts the script at the next hook check.
func (s *Script) Run(ctx context.Context, input any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := newState(ctx)

	if err := lua.DoString(l, s.source); err != nil {
		return nil, runError(ctx, "load", err)
	}
	l.Global(EntryPoint)
	if l.TypeOf(-1) != lua.TypeFunction {
		l.Pop(1)
		return nil, ErrNoEntryPoint
	}
	pushValue(l, input)
	if err := l.ProtectedCall(1, 1, 0); err != nil {
		return nil, runError(ctx, EntryPoint, err)
	}
	result := pullValue(l, -1)
	l.Pop(1)
	return result, nil
}

// Run compiles source and runs it once.
func Run(ctx context.Context, source string, input any) (any, error) {
	s, err := Compile(source)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, input)
}

func newState(ctx context.Context) *lua.State {
	l := lua.NewState()
	setupSandbox(l)

	logger := ctxlog.FromContext(ctx)
	l.Register("log", func(l *lua.State) int {
		logger.Info(lua.CheckString(l, 1), "source", "script")
		return 0
	})

	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		if ctx.Err() != nil {
			lua.Errorf(l, "script cancelled")
		}
	}, lua.MaskCount, hookInterval)
	return l
}

func runError(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("script: %s: %w", stage, err)
}
