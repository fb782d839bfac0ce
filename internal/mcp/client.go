package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/DJDodds/OctAIvius-sub000/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during
// initialization.
const protocolVersion = "2024-11-05"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ServerInfo is returned in the initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities mirrors the capabilities object of the initialize
// response. Servers declare a capability by including its key, usually
// with an options object; we record presence only.
type serverCapabilities struct {
	Tools     json.RawMessage `json:"tools,omitempty"`
	Resources json.RawMessage `json:"resources,omitempty"`
	Prompts   json.RawMessage `json:"prompts,omitempty"`
	Sampling  json.RawMessage `json:"sampling,omitempty"`
	Logging   json.RawMessage `json:"logging,omitempty"`
}

// Capabilities is the declared capability set of a connected server.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
	Prompts   bool `json:"prompts"`
	Sampling  bool `json:"sampling"`
	Logging   bool `json:"logging"`
}

// InitializeResult is the full initialize response result.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// DeclaredCapabilities converts the wire capability object into flags.
func (r *InitializeResult) DeclaredCapabilities() Capabilities {
	return Capabilities{
		Tools:     declared(r.Capabilities.Tools),
		Resources: declared(r.Capabilities.Resources),
		Prompts:   declared(r.Capabilities.Prompts),
		Sampling:  declared(r.Capabilities.Sampling),
		Logging:   declared(r.Capabilities.Logging),
	}
}

func declared(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// newInitializeParams builds the handshake request body: protocol
// version, client identity, and an empty capability declaration.
func newInitializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "octaivius",
			"version": buildinfo.Version,
		},
	}
}

// Client connects to a single MCP server and provides typed access to
// the protocol operations (initialize, tools/list, tools/call, ping).
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger

	mu          sync.RWMutex
	initialized bool
	server      ServerInfo
	caps        Capabilities
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered (subprocess stdio, HTTP, or
// WebSocket).
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// Initialize performs the MCP handshake. Process transports handshake
// during Start; for those the stored result is adopted rather than
// exchanged again (a nil stored result means the server skips the
// handshake entirely, and none is sent).
func (c *Client) Initialize(ctx context.Context) error {
	if h, ok := c.transport.(handshaker); ok {
		c.adopt(h.HandshakeResult())
		return nil
	}

	resp, err := c.transport.Call(ctx, "initialize", newInitializeParams())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %w", resp.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}
	c.adopt(&result)

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// adopt records a handshake result (possibly nil for handshake-free
// servers).
func (c *Client) adopt(result *InitializeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	if result != nil {
		c.server = result.ServerInfo
		c.caps = result.DeclaredCapabilities()
	}
}

// ServerInfo returns the peer's declared identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Capabilities returns the peer's declared capability flags.
func (c *Client) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// toolsListEnvelope tolerates both response shapes seen in the wild:
// the standard {"tools":[...]} envelope and a bare array. The result is
// normalized to a []ToolDefinition immediately.
type toolsListEnvelope struct {
	Tools []ToolDefinition
}

func (e *toolsListEnvelope) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &e.Tools)
	}
	var wrapped struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	e.Tools = wrapped.Tools
	return nil
}

// ListTools calls tools/list and returns the available tool
// definitions.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListEnvelope
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.logger.Debug("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments. The result
// is extracted from the response content blocks as a single string.
// Non-text content blocks are described inline (e.g., "[image]").
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}
	return text, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

// call issues a JSON-RPC request and surfaces protocol-level error
// envelopes as errors so callers see one failure path.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	resp, err := c.transport.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
