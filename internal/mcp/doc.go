// Package mcp implements the MCP (Model Context Protocol) client layer
// that connects OctAIvius to external tool servers.
//
// Tool servers speak JSON-RPC 2.0. Local servers run as subprocesses
// with Content-Length framed messages on stdin/stdout (a raw balanced
// JSON value is accepted as a fallback for non-conforming peers);
// remote servers are reached over streamable HTTP or WebSocket. The
// Client discovers tools via tools/list and invokes them via
// tools/call.
//
// The process transport owns the full subprocess lifecycle: spawn,
// readiness detection on stderr, the initialize handshake, request/
// response correlation by id, and optional restart-with-backoff after
// an unexpected exit.
//
// This implementation covers the client/host side only — OctAIvius
// does not act as an MCP server.
package mcp
