package llm

import "context"

// Client is the interface the agent loop drives. One call is one step:
// the response carries assistant text, tool calls, or both.
type Client interface {
	Chat(ctx context.Context, req *Request) (*ChatResponse, error)
}
