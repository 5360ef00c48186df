package script

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/Shopify/go-lua"
)

// removedGlobals are base library functions that reach outside the sandbox.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "print"}

// setupSandbox opens the safe standard libraries and registers helpers.
func setupSandbox(l *lua.State) {
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}

	for _, name := range removedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}

	l.Register("json_encode", jsonEncode)
	l.Register("json_decode", jsonDecode)
	l.Register("str_trim", strTrim)
	l.Register("str_split", strSplit)
	l.Register("str_contains", strContains)
	l.Register("str_replace", strReplace)
	l.Register("type_of", typeOf)
}

// pushValue converts a Go value to Lua. Unknown types are pushed as their
// JSON text.
func pushValue(l *lua.State, v any) {
	switch val := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(val)
	case int:
		l.PushInteger(val)
	case int64:
		l.PushNumber(float64(val))
	case uint64:
		l.PushNumber(float64(val))
	case float32:
		l.PushNumber(float64(val))
	case float64:
		l.PushNumber(val)
	case string:
		l.PushString(val)
	case []string:
		l.NewTable()
		for i, item := range val {
			l.PushString(item)
			l.RawSetInt(-2, i+1)
		}
	case []any:
		l.NewTable()
		for i, item := range val {
			pushValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.NewTable()
		for k, item := range val {
			pushValue(l, item)
			l.SetField(-2, k)
		}
	default:
		data, err := json.Marshal(val)
		if err != nil {
			l.PushNil()
			return
		}
		var generic any
		if json.Unmarshal(data, &generic) != nil {
			l.PushString(string(data))
			return
		}
		pushValue(l, generic)
	}
}

// pullValue converts the Lua value at idx to Go. Whole numbers become int64;
// tables with keys 1..n become slices, other tables maps.
func pullValue(l *lua.State, idx int) any {
	switch l.TypeOf(idx) {
	case lua.TypeBoolean:
		return l.ToBoolean(idx)
	case lua.TypeNumber:
		n, _ := l.ToNumber(idx)
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case lua.TypeString:
		s, _ := l.ToString(idx)
		return s
	case lua.TypeTable:
		return pullTable(l, idx)
	default:
		return nil
	}
}

func pullTable(l *lua.State, idx int) any {
	l.PushValue(idx)
	defer l.Pop(1)

	n := l.RawLength(-1)
	count := 0
	l.PushNil()
	for l.Next(-2) {
		count++
		l.Pop(1)
	}

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			l.RawGetInt(-1, i)
			arr[i-1] = pullValue(l, -1)
			l.Pop(1)
		}
		return arr
	}

	obj := make(map[string]any, count)
	l.PushNil()
	for l.Next(-2) {
		// Copy the key so ToString does not convert it in place and
		// confuse Next.
		l.PushValue(-2)
		key, _ := l.ToString(-1)
		l.Pop(1)
		obj[key] = pullValue(l, -1)
		l.Pop(1)
	}
	return obj
}

func jsonEncode(l *lua.State) int {
	value := pullValue(l, 1)
	data, err := json.Marshal(value)
	if err != nil {
		l.PushNil()
		l.PushString(err.Error())
		return 2
	}
	l.PushString(string(data))
	return 1
}

func jsonDecode(l *lua.State) int {
	str := lua.CheckString(l, 1)
	var value any
	if err := json.Unmarshal([]byte(str), &value); err != nil {
		l.PushNil()
		l.PushString(err.Error())
		return 2
	}
	pushValue(l, value)
	return 1
}

func strTrim(l *lua.State) int {
	l.PushString(strings.TrimSpace(lua.CheckString(l, 1)))
	return 1
}

func strSplit(l *lua.State) int {
	parts := strings.Split(lua.CheckString(l, 1), lua.CheckString(l, 2))
	pushValue(l, parts)
	return 1
}

func strContains(l *lua.State) int {
	l.PushBoolean(strings.Contains(lua.CheckString(l, 1), lua.CheckString(l, 2)))
	return 1
}

func strReplace(l *lua.State) int {
	str := lua.CheckString(l, 1)
	old := lua.CheckString(l, 2)
	repl := lua.CheckString(l, 3)
	count := lua.OptInteger(l, 4, -1)
	l.PushString(strings.Replace(str, old, repl, count))
	return 1
}

func typeOf(l *lua.State) int {
	l.PushString(lua.TypeNameOf(l, 1))
	return 1
}
