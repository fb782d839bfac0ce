package mcp

import "errors"

// Sentinel errors for transport-level failures. Callers use errors.Is
// to distinguish "connect first" mistakes from retryable timeouts and
// from servers that died mid-flight. Application-level rejections from
// the peer surface as *RPCError instead.
var (
	// ErrNotConnected is returned when an operation is attempted on a
	// transport with no running server behind it.
	ErrNotConnected = errors.New("mcp: not connected")

	// ErrRequestTimeout is returned when a request's deadline elapses
	// before a response arrives. The request is removed from the
	// pending table; a late response is logged as unsolicited.
	ErrRequestTimeout = errors.New("mcp: request timed out")

	// ErrProcessExited fails every in-flight request when the
	// subprocess terminates unexpectedly.
	ErrProcessExited = errors.New("mcp: server process exited")

	// ErrTransportStopped fails every in-flight request when the
	// transport is stopped deliberately.
	ErrTransportStopped = errors.New("mcp: transport stopped")

	// ErrHandshakeTimeout is returned by Start when the initialize
	// exchange does not complete within the configured window.
	ErrHandshakeTimeout = errors.New("mcp: handshake timed out")
)
