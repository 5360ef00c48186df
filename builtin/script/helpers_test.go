package script

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Shopify/go-lua"
)

func TestPushPullValue(t *testing.T) {
	l := lua.NewState()

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"nil", nil, nil},
		{"bool true", true, true},
		{"bool false", false, false},
		{"int", 42, int64(42)},
		{"float", 3.14, 3.14},
		{"string", "hello", "hello"},
		{"array", []any{1, "two", 3.5}, []any{int64(1), "two", 3.5}},
		{"strings", []string{"a", "b"}, []any{"a", "b"}},
		{"map", map[string]any{"key": "value", "num": 123}, map[string]any{"key": "value", "num": int64(123)}},
		{"nested", map[string]any{"list": []any{map[string]any{"x": true}}}, map[string]any{"list": []any{map[string]any{"x": true}}}},
		{"empty map", map[string]any{}, map[string]any{}},
		{"struct via json", struct {
			Name string `json:"name"`
		}{"n"}, map[string]any{"name": "n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pushValue(l, tt.value)
			got := pullValue(l, -1)
			l.Pop(1)

			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		input  any
		want   any
	}{
		{
			name:   "upper title",
			source: `function exec(input) return { title = string.upper(input.title) } end`,
			input:  map[string]any{"title": "hello"},
			want:   map[string]any{"title": "HELLO"},
		},
		{
			name: "word count",
			source: `function exec(input)
  return #str_split(str_trim(input), " ")
end`,
			input: "  one two three ",
			want:  int64(3),
		},
		{
			name:   "json round trip",
			source: `function exec(input) return json_decode(json_encode(input)) end`,
			input:  map[string]any{"a": []any{"x", "y"}},
			want:   map[string]any{"a": []any{"x", "y"}},
		},
		{
			name:   "replace with count",
			source: `function exec(input) return str_replace(input, "a", "b", 1) end`,
			input:  "aaa",
			want:   "baa",
		},
		{
			name:   "type names",
			source: `function exec(input) return { type_of(input), type_of(nil), type_of({}) } end`,
			input:  "s",
			want:   []any{"string", "nil", "table"},
		},
		{
			name:   "contains",
			source: `function exec(input) return str_contains(input, "world") end`,
			input:  "hello world",
			want:   true,
		},
		{
			name:   "nil result",
			source: `function exec(input) end`,
			input:  1,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Run(ctx, tt.source, tt.input)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestCompile(t *testing.T) {
	t.Run("syntax error", func(t *testing.T) {
		if _, err := Compile(`function exec(`); err == nil {
			t.Fatal("expected syntax error")
		}
	})

	t.Run("missing exec", func(t *testing.T) {
		_, err := Compile(`x = 1`)
		if !errors.Is(err, ErrNoEntryPoint) {
			t.Fatalf("got %v, want ErrNoEntryPoint", err)
		}
	})

	t.Run("source kept", func(t *testing.T) {
		src := `function exec(i) return i end`
		s, err := Compile(src)
		if err != nil {
			t.Fatal(err)
		}
		if s.Source() != src {
			t.Fatalf("source = %q", s.Source())
		}
	})
}

func TestSandbox(t *testing.T) {
	for _, name := range []string{"dofile", "loadfile", "load", "require", "print", "os", "io"} {
		t.Run(name, func(t *testing.T) {
			got, err := Run(context.Background(), `function exec(name) return type_of(_G[name]) end`, name)
			if err != nil {
				t.Fatal(err)
			}
			if got != "nil" {
				t.Fatalf("%s is %v inside the sandbox", name, got)
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	t.Run("runtime error", func(t *testing.T) {
		_, err := Run(context.Background(), `function exec(input) error("boom") end`, nil)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("cancelled before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Run(ctx, `function exec(input) return 1 end`, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	})

	t.Run("deadline stops a busy loop", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		s, err := Compile(`function exec(input) while true do end end`)
		if err != nil {
			t.Fatal(err)
		}
		done := make(chan error, 1)
		go func() {
			_, err := s.Run(ctx, nil)
			done <- err
		}()

		select {
		case err := <-done:
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("got %v, want deadline exceeded", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("script ignored the deadline")
		}
	})
}
