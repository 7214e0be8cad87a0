package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aql-agent/aql/internal/agent"
	"github.com/aql-agent/aql/internal/config"
	"github.com/aql-agent/aql/internal/fetch"
	"github.com/aql-agent/aql/internal/llm"
	"github.com/aql-agent/aql/internal/mcp"
	"github.com/aql-agent/aql/internal/mqtt"
	"github.com/aql-agent/aql/internal/tools"
	"github.com/aql-agent/aql/internal/usage"
)

// host owns everything a reply needs: the model client, the tool
// sources and the agent. serve and ask both build one.
type host struct {
	cfg    *config.Config
	logger *slog.Logger

	agent  *agent.Agent
	mcp    *mcp.Manager
	memory *tools.Memory
	usage  *usage.Store // nil when the ledger is disabled
	tokens *mqtt.DailyTokens

	sources []tools.Source // fixed sources, before providers
}

// newHost opens local resources and starts the tool providers. client
// may be nil, in which case an Anthropic client is built from cfg.
func newHost(ctx context.Context, cfg *config.Config, client llm.Client, logger *slog.Logger) (*host, error) {
	h := &host{
		cfg:    cfg,
		logger: logger,
		tokens: mqtt.NewDailyTokens(nil),
	}

	mem, err := tools.NewMemory(cfg.Memory.Root, logger.With("tool", "memory"))
	if err != nil {
		return nil, err
	}
	h.memory = mem

	if cfg.Usage.Enabled {
		store, err := usage.NewStore(cfg.Usage.DBPath, cfg.Usage.Pricing)
		if err != nil {
			_ = mem.Close()
			return nil, fmt.Errorf("open usage ledger: %w", err)
		}
		h.usage = store
		logger.Info("usage ledger enabled", "path", cfg.Usage.DBPath)
	}

	local := []*tools.Tool{mem.Tool()}
	if !cfg.ShellExec.Disabled {
		patterns := cfg.ShellExec.DeniedPatterns
		if patterns == nil {
			patterns = tools.DefaultDeniedPatterns()
		}
		shell := tools.NewShell(tools.ShellConfig{
			WorkingDir:     cfg.ShellExec.WorkingDir,
			DeniedPatterns: patterns,
			Timeout:        time.Duration(cfg.ShellExec.TimeoutSec) * time.Second,
			MaxOutputBytes: cfg.ShellExec.MaxOutputBytes,
		}, logger.With("tool", "bash"))
		local = append(local, shell.Tool())
	}
	h.sources = []tools.Source{
		tools.Builtins(fetch.New(nil), h.usage),
		tools.NewStaticSource(tools.SourceBuiltin, local...),
	}

	// A missing file means no providers; a malformed one is fatal.
	fileCfg, err := mcp.LoadFileConfig(cfg.MCP.ConfigPath)
	if err != nil {
		if h.usage != nil {
			_ = h.usage.Close()
		}
		_ = mem.Close()
		return nil, fmt.Errorf("load tool provider config %s: %w", cfg.MCP.ConfigPath, err)
	}
	h.mcp = mcp.NewManager(fileCfg, time.Duration(cfg.MCP.InitTimeoutSec)*time.Second, logger)
	h.mcp.Start(ctx)

	if client == nil {
		var opts []option.RequestOption
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		client = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger, opts...)
	}

	acfg := agent.Config{
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxSteps:     cfg.Agent.MaxSteps,
		MaxTokens:    cfg.Agent.MaxTokens,
		Tokens:       h.tokens,
		Logger:       logger,
	}
	if h.usage != nil {
		acfg.Usage = h.usage
	}
	h.agent = agent.New(client, agent.ToolSourceFunc(h.registry), acfg)

	return h, nil
}

// registry composes a fresh registry: built-ins first, then providers
// in name order, so a provider tool replaces a built-in of the same name.
func (h *host) registry(ctx context.Context) *tools.Registry {
	sources := append(append([]tools.Source{}, h.sources...), h.mcp.Sources()...)
	return tools.Compose(ctx, h.logger, sources...)
}

// close releases providers and local stores. Provider shutdown is
// bounded by ctx.
func (h *host) close(ctx context.Context) error {
	var errs []error
	if err := h.mcp.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tool providers: %w", err))
	}
	if h.usage != nil {
		if err := h.usage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("usage ledger: %w", err))
		}
	}
	if err := h.memory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("memory root: %w", err))
	}
	return errors.Join(errs...)
}

// mqttStats adapts the host to [mqtt.StatsSource].
type mqttStats struct {
	h *host
}

func (s mqttStats) Model() string          { return s.h.cfg.Agent.Model }
func (s mqttStats) Conversations() int     { return s.h.agent.Conversations() }
func (s mqttStats) ToolProviders() int     { return s.h.mcp.Connected() }
func (s mqttStats) LastRequest() time.Time { return s.h.agent.LastRequest() }
