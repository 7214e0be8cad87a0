package tools

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func echoTool(name, source, reply string) *Tool {
	return &Tool{
		Name:   name,
		Source: source,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(context.Context, map[string]any) (string, error) { return reply, nil },
	}
}

type failingSource struct{}

func (failingSource) Name() string { return "mcp:broken" }
func (failingSource) Tools(context.Context) ([]*Tool, error) {
	return nil, errors.New("connection closed")
}

func TestRegistry_NamesAndDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("zeta", SourceBuiltin, ""))
	r.Register(echoTool("alpha", SourceBuiltin, ""))
	r.Register(echoTool("memory", SourceBuiltin, ""))

	want := []string{"alpha", "memory", "zeta"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	defs := r.Definitions()
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("Definitions()[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil)

	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "nope" {
		t.Errorf("ToolName = %q", unavailable.ToolName)
	}
}

func TestRegistry_ExecuteValidatesSchema(t *testing.T) {
	called := false
	r := NewRegistry()
	r.Register(&Tool{
		Name: "greet",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":  map[string]any{"type": "string"},
				"times": map[string]any{"type": "integer"},
			},
			"required": []string{"name"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			called = true
			return "hi " + args["name"].(string), nil
		},
	})

	if _, err := r.Execute(context.Background(), "greet", map[string]any{"times": 2.0}); err == nil {
		t.Fatal("expected validation error for missing required field")
	} else if !strings.Contains(err.Error(), "name") {
		t.Errorf("error %q does not name the missing field", err)
	}
	if called {
		t.Error("handler ran despite invalid arguments")
	}

	if _, err := r.Execute(context.Background(), "greet", map[string]any{"name": 42.0}); err == nil {
		t.Fatal("expected validation error for wrong type")
	}

	got, err := r.Execute(context.Background(), "greet", map[string]any{"name": "ada", "times": 3.0})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "hi ada" {
		t.Errorf("result = %q", got)
	}
}

func TestRegistry_ExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "explode",
		Handler: func(context.Context, map[string]any) (string, error) {
			panic("kaboom")
		},
	})

	_, err := r.Execute(context.Background(), "explode", nil)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
}

func TestCompose_LastWriterWins(t *testing.T) {
	builtins := NewStaticSource(SourceBuiltin,
		echoTool("get_time", "", "builtin time"),
		echoTool("memory", "", "builtin memory"),
	)
	providerA := NewStaticSource("mcp:a", echoTool("get_time", "", "a time"))
	providerB := NewStaticSource("mcp:b", echoTool("get_time", "", "b time"), echoTool("search", "", "b search"))

	reg := Compose(context.Background(), nil, builtins, providerA, failingSource{}, providerB)

	want := []string{"get_time", "memory", "search"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}

	tool := reg.Get("get_time")
	if tool.Source != "mcp:b" {
		t.Errorf("get_time source = %q, want mcp:b", tool.Source)
	}
	out, _ := reg.Execute(context.Background(), "get_time", nil)
	if out != "b time" {
		t.Errorf("get_time = %q, want b time", out)
	}
	if reg.Get("memory").Source != SourceBuiltin {
		t.Errorf("memory source = %q, want builtin", reg.Get("memory").Source)
	}
}

func TestCompose_OrderMatters(t *testing.T) {
	a := NewStaticSource("mcp:a", echoTool("x", "", "a"))
	b := NewStaticSource("mcp:b", echoTool("x", "", "b"))

	if got := Compose(context.Background(), nil, b, a).Get("x").Source; got != "mcp:a" {
		t.Errorf("reversed order winner = %q, want mcp:a", got)
	}
}
