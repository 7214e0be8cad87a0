// Package channel connects message sources (a terminal, Slack) to the
// agent. A channel turns inbound events into [message.Message] values,
// hands them to a [Handler] and delivers the reply.
package channel

import (
	"context"

	"github.com/aql-agent/aql/internal/message"
)

// Handler produces the reply to one message. It must always return a
// string; channels never see errors from the agent.
type Handler func(ctx context.Context, msg message.Message) string

// Channel is one message source.
type Channel interface {
	// Name is the channel's identifier in configuration ("cli", "slack").
	Name() string

	// Start receives messages and calls h for each until ctx ends, Stop
	// is called, or the source is exhausted. It blocks for that long.
	Start(ctx context.Context, h Handler) error

	// Stop makes Start return. It is safe to call more than once.
	Stop(ctx context.Context) error

	// Send delivers text to recipient outside of a reply.
	Send(ctx context.Context, recipient, text string) error
}
