// Package tools defines the tools available to the agent: the registry
// the tool-calling loop executes against, the ordered sources it is
// composed from, and the built-in tools.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/aql-agent/aql/internal/llm"
)

// SourceBuiltin tags tools compiled into the binary. Provider tools are
// tagged "mcp:<provider>".
const SourceBuiltin = "builtin"

// Handler executes a tool call. Errors are reported to the model as
// tool-result text, never to the user.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON Schema for the input object.
	Parameters map[string]any
	Source     string
	Handler    Handler
}

// Registry is one composed set of tools. A registry is built per turn
// and not shared across goroutines while being populated.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool definitions sent to the model, sorted
// by name so requests are stable.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: params,
		})
	}
	return defs
}

// Execute validates args against the tool's schema and runs it. A
// panicking handler is converted into an error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string, err error) {
	t := r.tools[name]
	if t == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArgs(t.Parameters, args); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v\n%s", name, p, debug.Stack())
		}
	}()
	return t.Handler(ctx, args)
}

// validateArgs checks args against a JSON Schema. A nil schema accepts
// anything.
func validateArgs(schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// Source supplies tools to a composed registry.
type Source interface {
	Name() string
	Tools(ctx context.Context) ([]*Tool, error)
}

// StaticSource is a fixed list of tools, used for built-ins.
type StaticSource struct {
	name  string
	tools []*Tool
}

// NewStaticSource wraps tools. Tools with an empty Source are tagged
// with name.
func NewStaticSource(name string, tools ...*Tool) *StaticSource {
	for _, t := range tools {
		if t.Source == "" {
			t.Source = name
		}
	}
	return &StaticSource{name: name, tools: tools}
}

// Name implements Source.
func (s *StaticSource) Name() string { return s.name }

// Tools implements Source.
func (s *StaticSource) Tools(context.Context) ([]*Tool, error) { return s.tools, nil }

// Compose builds a fresh registry from sources in order. A later
// source's tool replaces an earlier one with the same name. A source
// that fails to list is logged and skipped.
func Compose(ctx context.Context, logger *slog.Logger, sources ...Source) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	reg := NewRegistry()
	for _, src := range sources {
		list, err := src.Tools(ctx)
		if err != nil {
			logger.Warn("tool source unavailable, skipping",
				"source", src.Name(), "error", err)
			continue
		}
		for _, t := range list {
			if prev := reg.Get(t.Name); prev != nil {
				logger.Debug("tool overridden",
					"tool", t.Name, "previous", prev.Source, "source", t.Source)
			}
			reg.Register(t)
		}
	}
	return reg
}
