package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aql-agent/aql/internal/buildinfo"
)

const protocolVersion = "2024-11-05"

// ToolDefinition is one entry of a tools/list result.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is one item of a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Client is a connection to a single tool provider.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu         sync.RWMutex
	serverName string
	tools      []ToolDefinition
	// ready is set by a successful Initialize; initGen is the transport
	// generation it ran against.
	ready   bool
	initGen uint64

	// handshake serializes re-initialization after a restart.
	handshake sync.Mutex
}

// NewClient wraps transport. name is the provider's key in the
// discovery file.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("provider", name),
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// ServerName returns the name the provider reported during Initialize.
func (c *Client) ServerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName
}

// Initialize performs the handshake and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context) error {
	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "aql",
			"version": buildinfo.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var res initializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}

	c.logger.Info("provider initialized",
		"server_name", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol_version", res.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	c.mu.Lock()
	c.serverName = res.ServerInfo.Name
	c.ready = true
	c.initGen = c.generation()
	c.mu.Unlock()
	return nil
}

func (c *Client) generation() uint64 {
	if r, ok := c.transport.(Restarter); ok {
		return r.Generation()
	}
	return 0
}

// stale reports whether the provider was initialized once but its
// process has since been replaced.
func (c *Client) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready && c.initGen != c.generation()
}

// reinitialize repeats the handshake against a restarted process.
func (c *Client) reinitialize(ctx context.Context) error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if !c.stale() {
		return nil
	}
	c.logger.Info("provider process restarted, repeating handshake")
	return c.Initialize(ctx)
}

// ListTools asks the provider for its current tools. A successful
// result replaces CachedTools.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var res toolsListResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = res.Tools
	c.mu.Unlock()

	c.logger.Debug("listed provider tools", "count", len(res.Tools))
	return res.Tools, nil
}

// CachedTools returns the last list ListTools obtained, or nil.
func (c *Client) CachedTools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes a tool and flattens its content blocks to text. A
// result flagged isError is returned as an error carrying that text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var res callToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return "", fmt.Errorf("decode tools/call result: %w", err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("%s: %s", name, text)
	}
	return text, nil
}

// Ping checks that the provider still answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	if method != "initialize" && c.stale() {
		if err := c.reinitialize(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := c.transport.Send(ctx, NewRequest(c.nextID.Add(1), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// flattenContent joins text blocks with newlines. Other block types are
// shown as a bracketed marker such as "[image]".
func flattenContent(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		parts = append(parts, "["+b.Type+"]")
	}
	return strings.Join(parts, "\n")
}
