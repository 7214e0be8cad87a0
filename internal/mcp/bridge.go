package mcp

import (
	"context"
	"log/slog"

	"github.com/aql-agent/aql/internal/tools"
)

// SourcePrefix tags tools that came from a provider: "mcp:<name>".
const SourcePrefix = "mcp:"

// providerSource adapts a connected client to [tools.Source]. Tool
// names are the provider's own, unprefixed.
type providerSource struct {
	client *Client
	logger *slog.Logger
}

func (s *providerSource) Name() string { return SourcePrefix + s.client.Name() }

// Tools lists the provider's tools, falling back to the last good list
// when the provider cannot answer right now.
func (s *providerSource) Tools(ctx context.Context) ([]*tools.Tool, error) {
	defs, err := s.client.ListTools(ctx)
	if err != nil {
		cached := s.client.CachedTools()
		if cached == nil {
			return nil, err
		}
		s.logger.Warn("tools/list failed, using cached tools", "error", err, "count", len(cached))
		defs = cached
	}

	out := make([]*tools.Tool, 0, len(defs))
	for _, td := range defs {
		out = append(out, s.bridge(td))
	}
	return out, nil
}

func (s *providerSource) bridge(td ToolDefinition) *tools.Tool {
	name := td.Name
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Source:      s.Name(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return s.client.CallTool(ctx, name, args)
		},
	}
}
