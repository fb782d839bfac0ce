package mcp

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level frame logging.
const LevelTrace = slog.Level(-8)

// Transport is the interface for MCP server communication.
// Implementations handle request id allocation, framing, encoding, and
// response correlation over a specific transport (subprocess stdio,
// streamable HTTP, or WebSocket).
type Transport interface {
	// Start establishes the transport. For process transports this
	// spawns the subprocess, waits for readiness, and performs the
	// initialize handshake; for connectionless transports it is cheap
	// or a no-op. Start is idempotent while the transport is healthy.
	Start(ctx context.Context) error

	// Call sends a JSON-RPC request and returns the matching response.
	// The returned Response may carry a non-nil Error when the server
	// rejected the call; transport faults are returned as Go errors.
	Call(ctx context.Context, method string, params any) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Close shuts down the transport and releases resources.
	// For process transports this terminates the subprocess and fails
	// every in-flight request.
	Close() error
}

// handshaker is implemented by transports that perform the initialize
// exchange themselves during Start. Client.Initialize adopts the stored
// result instead of sending a second handshake.
type handshaker interface {
	HandshakeResult() *InitializeResult
}
