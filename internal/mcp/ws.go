package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WebSocket MCP transport for remote tool
// servers that hold a persistent connection open.
type WSConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are additional HTTP headers sent with the upgrade
	// request (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport communicates with an MCP server over a WebSocket. Each
// JSON-RPC message occupies one text frame; responses are correlated
// to callers by id through the same pending-table mechanism the
// process transport uses.
type WSTransport struct {
	cfg    WSConfig
	logger *slog.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]*pendingRequest
	running bool
	closed  bool

	// writeMu serializes writes; gorilla connections support one
	// concurrent writer.
	writeMu sync.Mutex
}

// NewWSTransport creates a WebSocket transport for the given config.
// The connection is not dialed until Start.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]*pendingRequest),
	}
}

// Start dials the WebSocket endpoint and begins dispatching incoming
// messages. Idempotent while the connection is healthy.
func (t *WSTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	header := http.Header{}
	for k, v := range t.cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s (status %d): %w", t.cfg.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.running = true
	t.mu.Unlock()

	go t.readLoop(conn)

	t.logger.Info("MCP websocket connected", "url", t.cfg.URL)
	return nil
}

// readLoop dispatches incoming frames until the connection drops, at
// which point every in-flight request is failed.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.running = false
				failErr := ErrProcessExited
				if t.closed {
					failErr = ErrTransportStopped
				}
				for id, pr := range t.pending {
					delete(t.pending, id)
					pr.ch <- callResult{err: fmt.Errorf("%w: %s", failErr, pr.method)}
				}
			}
			t.mu.Unlock()

			if !t.isClosed() {
				t.logger.Warn("MCP websocket read failed", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("unintelligible websocket message", "error", err)
			continue
		}

		if !msg.IsResponse() {
			t.logger.Debug("server-initiated message", "method", msg.Method)
			continue
		}

		t.mu.Lock()
		pr, ok := t.pending[*msg.ID]
		if ok {
			delete(t.pending, *msg.ID)
		}
		t.mu.Unlock()

		if !ok {
			t.logger.Debug("unsolicited response", "id", *msg.ID)
			continue
		}
		pr.ch <- callResult{resp: msg.AsResponse()}
	}
}

func (t *WSTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Call sends a JSON-RPC request and waits for the matching response.
func (t *WSTransport) Call(ctx context.Context, method string, params any) (*Response, error) {
	t.mu.Lock()
	if !t.running {
		err := ErrNotConnected
		if t.closed {
			err = ErrTransportStopped
		}
		t.mu.Unlock()
		return nil, err
	}
	id := t.nextID.Add(1)
	pr := &pendingRequest{method: method, ch: make(chan callResult, 1)}
	t.pending[id] = pr
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	err := conn.WriteJSON(NewRequest(id, method, params))
	t.writeMu.Unlock()
	if err != nil {
		t.removePending(id)
		return nil, fmt.Errorf("write websocket request: %w", err)
	}

	select {
	case res := <-pr.ch:
		return res.resp, res.err
	case <-ctx.Done():
		t.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
		}
		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification.
func (t *WSTransport) Notify(_ context.Context, method string, params any) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrNotConnected
	}
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(NewNotification(method, params)); err != nil {
		return fmt.Errorf("write websocket notification: %w", err)
	}
	return nil
}

func (t *WSTransport) removePending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Close drops the connection and fails every in-flight request.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.running = false
	for id, pr := range t.pending {
		delete(t.pending, id)
		pr.ch <- callResult{err: fmt.Errorf("%w: %s", ErrTransportStopped, pr.method)}
	}
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
