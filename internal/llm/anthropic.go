package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aql-agent/aql/internal/config"
)

// defaultMaxTokens caps each response when the request does not say.
const defaultMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. Extra request
// options (base URL, retries) are passed through to the SDK.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...option.RequestOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends one non-streaming Messages request.
func (c *AnthropicClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	msgs := convertToAnthropic(req.Messages)
	if len(msgs) == 0 {
		return nil, errors.New("no messages to send")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsToAnthropic(req.Tools)
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"tools", len(req.Tools),
		"system_len", len(req.System),
	)
	if c.logger.Enabled(ctx, config.LevelTrace) {
		if payload, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(payload))
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	result, err := convertFromAnthropic(resp)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// convertToAnthropic converts history to Anthropic message params.
// Consecutive turns that map to the same API role are merged into one
// message, so a step's tool results and the next user text travel
// together as the API requires. Assistant turns with neither text nor
// tool calls are dropped.
func convertToAnthropic(messages []Message) []anthropic.MessageParam {
	type turn struct {
		role   string
		blocks []anthropic.ContentBlockParamUnion
	}
	var turns []turn

	for _, msg := range messages {
		role := RoleUser
		var blocks []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case RoleAssistant:
			role = RoleAssistant
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
		case RoleTool:
			blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		default:
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
		}

		if len(blocks) == 0 {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			continue
		}
		turns = append(turns, turn{role: role, blocks: blocks})
	}

	result := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(t.blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(t.blocks...))
		}
	}
	return result
}

// convertToolsToAnthropic converts tool definitions to SDK tool params.
// Schema keys other than properties and required are carried as extra
// fields so provider schemas ($defs, additionalProperties) survive.
func convertToolsToAnthropic(tools []ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		extra := map[string]any{}
		for k, v := range t.InputSchema {
			switch k {
			case "type":
			case "properties":
				schema.Properties = v
			case "required":
				schema.Required = stringSlice(v)
			default:
				extra[k] = v
			}
		}
		if schema.Properties == nil {
			schema.Properties = map[string]any{}
		}
		if len(extra) > 0 {
			schema.ExtraFields = extra
		}

		tool := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

// stringSlice accepts both []string (built-in schemas) and []any
// (schemas decoded from JSON).
func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// convertFromAnthropic converts an SDK response to our internal format.
func convertFromAnthropic(resp *anthropic.Message) (*ChatResponse, error) {
	if resp == nil {
		return nil, errors.New("anthropic returned an empty response")
	}

	msg := Message{Role: RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("decode input for tool %s: %w", block.Name, err)
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	return &ChatResponse{
		Model:        string(resp.Model),
		Message:      msg,
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}
