package tools

import "context"

type contextKey string

const (
	conversationKeyKey contextKey = "conversation_key"
	requestIDKey       contextKey = "request_id"
)

// WithConversationKey tags ctx with the conversation a tool call serves.
func WithConversationKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, conversationKeyKey, key)
}

// ConversationKeyFromContext returns the conversation key, or "" if unset.
func ConversationKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(conversationKeyKey).(string)
	return key
}

// WithRequestID tags ctx with the id of the reply being produced.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id, or "" if unset.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
