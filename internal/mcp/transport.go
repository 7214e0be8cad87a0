package mcp

import "context"

// Transport carries JSON-RPC messages to one provider.
type Transport interface {
	// Send delivers req and waits for the response with the same id.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a notification without waiting.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the transport. For stdio this stops the subprocess.
	Close() error
}

// Restarter is implemented by transports whose peer can be replaced
// behind the caller's back. Generation changes each time the current
// peer is discarded; a Client that saw it change repeats the handshake
// before its next request.
type Restarter interface {
	Generation() uint64
}
