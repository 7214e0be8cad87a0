// Package agent turns inbound messages into replies by driving the
// bounded tool-calling loop against the model backend.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aql-agent/aql/internal/llm"
	"github.com/aql-agent/aql/internal/message"
	"github.com/aql-agent/aql/internal/tools"
	"github.com/aql-agent/aql/internal/usage"
)

// DefaultMaxSteps caps backend calls per reply when Config leaves it zero.
const DefaultMaxSteps = 25

// noResponse is returned when the model produced no text.
const noResponse = "(no response)"

// ToolSource builds the registry used for one reply.
type ToolSource interface {
	Registry(ctx context.Context) *tools.Registry
}

// ToolSourceFunc adapts a function to [ToolSource].
type ToolSourceFunc func(ctx context.Context) *tools.Registry

// Registry implements ToolSource.
func (f ToolSourceFunc) Registry(ctx context.Context) *tools.Registry { return f(ctx) }

// UsageRecorder persists the token usage of a completed reply.
// *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// TokenObserver is told about the tokens spent on each completed reply.
type TokenObserver interface {
	OnTokens(inputTokens, outputTokens int)
}

// Config holds the agent's fixed settings.
type Config struct {
	Model        string
	SystemPrompt string
	MaxSteps     int
	MaxTokens    int

	Usage  UsageRecorder // optional
	Tokens TokenObserver // optional
	Logger *slog.Logger
}

type conversation struct {
	mu      sync.Mutex
	history []llm.Message
}

// Agent owns every conversation's history. GetReply may be called
// concurrently; calls for the same conversation key run one at a time,
// in arrival order of the lock.
type Agent struct {
	client llm.Client
	tools  ToolSource
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	convs       map[string]*conversation
	lastRequest time.Time
}

// New creates an agent. tools may be nil, in which case the model is
// offered no tools.
func New(client llm.Client, ts ToolSource, cfg Config) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if ts == nil {
		ts = ToolSourceFunc(func(context.Context) *tools.Registry { return tools.NewRegistry() })
	}
	return &Agent{
		client: client,
		tools:  ts,
		cfg:    cfg,
		logger: logger,
		convs:  make(map[string]*conversation),
	}
}

// result is the outcome of one successful run of the loop.
type result struct {
	history      []llm.Message
	text         string
	steps        int
	toolCalls    int
	inputTokens  int
	outputTokens int
	model        string
}

// GetReply produces the reply to msg. It always returns a string: on
// failure the reply describes the error and the conversation's history
// is left as it was before the call.
func (a *Agent) GetReply(ctx context.Context, msg message.Message) (reply string) {
	key := msg.ConversationKey()
	requestID := newRequestID()
	logger := a.logger.With("request_id", requestID, "conversation", key)

	conv := a.conversation(key)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	a.mu.Lock()
	a.lastRequest = time.Now()
	a.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			logger.Error("reply panicked", "panic", p)
			reply = fmt.Sprintf("Sorry, something went wrong: %v", p)
		}
	}()

	working := slices.Clone(conv.history)
	working = append(working, llm.Message{Role: llm.RoleUser, Content: msg.FormatForAgent()})

	start := time.Now()
	ctx = tools.WithRequestID(tools.WithConversationKey(ctx, key), requestID)
	res, err := a.run(ctx, logger, working)
	if err != nil {
		logger.Error("reply failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return "Sorry, something went wrong: " + err.Error()
	}

	conv.history = res.history
	logger.Info("reply complete",
		"steps", res.steps,
		"tool_calls", res.toolCalls,
		"input_tokens", res.inputTokens,
		"output_tokens", res.outputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	a.recordUsage(ctx, logger, requestID, key, msg.Channel, res)

	if strings.TrimSpace(res.text) == "" {
		return noResponse
	}
	return res.text
}

// run drives the loop on working, which already ends with the user turn.
func (a *Agent) run(ctx context.Context, logger *slog.Logger, working []llm.Message) (*result, error) {
	reg := a.tools.Registry(ctx)
	if reg == nil {
		reg = tools.NewRegistry()
	}
	defs := reg.Definitions()

	res := &result{model: a.cfg.Model}
	for step := 1; step <= a.cfg.MaxSteps; step++ {
		resp, err := a.client.Chat(ctx, &llm.Request{
			Model:     a.cfg.Model,
			System:    a.cfg.SystemPrompt,
			Messages:  working,
			Tools:     defs,
			MaxTokens: a.cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, errors.New("empty response from model backend")
		}

		res.steps = step
		res.inputTokens += resp.InputTokens
		res.outputTokens += resp.OutputTokens
		if resp.Model != "" {
			res.model = resp.Model
		}

		turn := resp.Message
		turn.Role = llm.RoleAssistant
		working = append(working, turn)
		res.text = turn.Content

		if len(turn.ToolCalls) == 0 {
			res.history = working
			return res, nil
		}

		names := make([]string, len(turn.ToolCalls))
		for i, tc := range turn.ToolCalls {
			names[i] = tc.Name
		}
		logger.Info("tools called", "step", step, "tools", strings.Join(names, ", "))

		for _, tc := range turn.ToolCalls {
			if tc.ID == "" {
				return nil, fmt.Errorf("malformed tool call %q: missing id", tc.Name)
			}
			working = append(working, a.execute(ctx, logger, reg, tc))
			res.toolCalls++
		}
	}

	logger.Warn("step limit reached", "max_steps", a.cfg.MaxSteps)
	res.history = working
	return res, nil
}

// execute runs one tool call and renders the outcome as a tool turn.
func (a *Agent) execute(ctx context.Context, logger *slog.Logger, reg *tools.Registry, tc llm.ToolCall) llm.Message {
	out, err := reg.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		logger.Warn("tool failed", "tool", tc.Name, "error", err)
		return llm.Message{Role: llm.RoleTool, Content: "Error: " + err.Error(), ToolCallID: tc.ID, IsError: true}
	}
	logger.Debug("tool succeeded", "tool", tc.Name, "result_len", len(out))
	return llm.Message{Role: llm.RoleTool, Content: out, ToolCallID: tc.ID}
}

func (a *Agent) recordUsage(ctx context.Context, logger *slog.Logger, requestID, key, channel string, res *result) {
	if a.cfg.Tokens != nil {
		a.cfg.Tokens.OnTokens(res.inputTokens, res.outputTokens)
	}
	if a.cfg.Usage == nil {
		return
	}
	err := a.cfg.Usage.Record(ctx, usage.Record{
		RequestID:       requestID,
		ConversationKey: key,
		Channel:         channel,
		Model:           res.model,
		Steps:           res.steps,
		ToolCalls:       res.toolCalls,
		InputTokens:     res.inputTokens,
		OutputTokens:    res.outputTokens,
	})
	if err != nil {
		logger.Warn("failed to record usage", "error", err)
	}
}

func (a *Agent) conversation(key string) *conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.convs[key]
	if c == nil {
		c = &conversation{}
		a.convs[key] = c
	}
	return c
}

// Conversations returns the number of conversation keys seen.
func (a *Agent) Conversations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.convs)
}

// LastRequest returns when GetReply last started, or the zero time.
func (a *Agent) LastRequest() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRequest
}

// History returns a copy of the stored history for key. It waits for
// any in-flight reply on that key.
func (a *Agent) History(key string) []llm.Message {
	a.mu.Lock()
	c := a.convs[key]
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
