// Package orchestrator manages the set of named MCP tool servers the
// assistant can reach. It owns one transport and connection state per
// server id and exposes the stable call surface the command router
// consumes: register, list, connect, disconnect, invoke, listTools,
// bootstrap, cleanup.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DJDodds/OctAIvius-sub000/internal/mcp"
	"github.com/DJDodds/OctAIvius-sub000/internal/toolcache"
)

// Connection-handling defaults. Per-manager values come from
// ManagerConfig; these apply when a field is zero.
const (
	defaultConnectAttempts = 3
	defaultConnectBackoff  = time.Second
	maxConnectBackoff      = 10 * time.Second

	// slowListThreshold triggers a diagnostic warning when a
	// tools/list call takes unusually long. Not a hard failure.
	slowListThreshold = 10 * time.Second

	// bootstrapTimeout bounds the asynchronous capability refresh
	// kicked off after a successful connect.
	bootstrapTimeout = 60 * time.Second
)

// Status is the connection state of a registered server.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ServerConfig describes a registered tool server. It is immutable
// after registration.
type ServerConfig struct {
	// ID is the unique registry key.
	ID string

	// Name is the display name shown in server listings.
	Name string

	// Transport selects the wire: "stdio" (default), "http", or "ws".
	Transport string

	// Command, Args, Dir, and Env describe the subprocess for stdio
	// servers. Env entries overlay the parent environment.
	Command string
	Args    []string
	Dir     string
	Env     map[string]string

	// URL and Headers describe the endpoint for http/ws servers.
	URL     string
	Headers map[string]string

	// AutoRestart and RestartBackoff control crash recovery for
	// stdio servers.
	AutoRestart    bool
	RestartBackoff time.Duration

	// InitTimeout bounds the initialize handshake.
	InitTimeout time.Duration

	// SkipInitialize marks servers that implement no handshake.
	SkipInitialize bool

	// ReadyPattern and SettleDelay control readiness detection.
	ReadyPattern string
	SettleDelay  time.Duration

	// IncludeTools and ExcludeTools filter which tools the bootstrap
	// records. Include wins when both are set.
	IncludeTools []string
	ExcludeTools []string
}

// ServerStatus is one row of a server listing.
type ServerStatus struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Status       Status           `json:"status"`
	Capabilities mcp.Capabilities `json:"capabilities"`
	ToolCount    int              `json:"tool_count"`
	LastError    string           `json:"last_error,omitempty"`
}

// serverState is the mutable per-server record. The Manager's map is
// the only structure touched by multiple flows; every mutation happens
// under m.mu.
type serverState struct {
	cfg       ServerConfig
	status    Status
	transport mcp.Transport
	client    *mcp.Client
	caps      mcp.Capabilities
	toolCount int
	errCount  int
	lastErr   error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Logger is the structured logger. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Cache receives discovered tool schemas during bootstrap.
	// Optional; nil disables persistence.
	Cache *toolcache.Store

	// ConnectAttempts and ConnectBackoff control the connect retry
	// loop. Backoff doubles per attempt, capped.
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// Manager is the server registry and orchestrator. Construct with
// NewManager and tear down with Cleanup; there is no package-level
// state.
type Manager struct {
	logger          *slog.Logger
	cache           *toolcache.Store
	connectAttempts int
	connectBackoff  time.Duration

	// newTransport builds a transport for a config. Overridable in
	// tests.
	newTransport func(ServerConfig) (mcp.Transport, error)

	mu      sync.RWMutex
	servers map[string]*serverState

	bootMu sync.Mutex
	boot   map[string]*bootstrapRun
}

// NewManager creates an orchestrator with no registered servers.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = defaultConnectAttempts
	}
	backoff := cfg.ConnectBackoff
	if backoff <= 0 {
		backoff = defaultConnectBackoff
	}

	m := &Manager{
		logger:          logger,
		cache:           cfg.Cache,
		connectAttempts: attempts,
		connectBackoff:  backoff,
		servers:         make(map[string]*serverState),
		boot:            make(map[string]*bootstrapRun),
	}
	m.newTransport = m.buildTransport
	return m
}

// Register adds a server configuration. Registration is idempotent by
// id: a duplicate id is a no-op, not an update.
func (m *Manager) Register(cfg ServerConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("server config missing id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[cfg.ID]; exists {
		m.logger.Debug("server already registered", "server", cfg.ID)
		return nil
	}
	m.servers[cfg.ID] = &serverState{
		cfg:    cfg,
		status: StatusDisconnected,
	}
	m.logger.Info("registered tool server",
		"server", cfg.ID,
		"transport", transportKind(cfg),
	)
	return nil
}

// List returns every registered server with its current status and
// declared capabilities, sorted by id for stable display.
func (m *Manager) List() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for id, st := range m.servers {
		row := ServerStatus{
			ID:           id,
			Name:         st.cfg.Name,
			Status:       st.status,
			Capabilities: st.caps,
			ToolCount:    st.toolCount,
		}
		if st.lastErr != nil {
			row.LastError = st.lastErr.Error()
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connect brings a registered server up: transport start, handshake,
// retries with capped backoff. Connecting an already-connected server
// is a no-op. On success the capability bootstrap is kicked off
// asynchronously; the caller does not wait for it.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	st, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("server %q not registered", id)
	}
	if st.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}

	if st.transport == nil {
		tr, err := m.newTransport(st.cfg)
		if err != nil {
			st.status = StatusError
			st.lastErr = err
			m.mu.Unlock()
			return err
		}
		st.transport = tr
		st.client = mcp.NewClient(id, tr, m.logger)
	}
	st.status = StatusConnecting
	transport := st.transport
	client := st.client
	m.mu.Unlock()

	var lastErr error
	backoff := m.connectBackoff
	for attempt := 1; attempt <= m.connectAttempts; attempt++ {
		lastErr = transport.Start(ctx)
		if lastErr == nil {
			lastErr = client.Initialize(ctx)
		}
		if lastErr == nil {
			break
		}

		m.logger.Warn("connect attempt failed",
			"server", id,
			"attempt", attempt,
			"max_attempts", m.connectAttempts,
			"error", lastErr,
		)
		if attempt == m.connectAttempts {
			break
		}
		if !sleepCtx(ctx, backoff) {
			lastErr = ctx.Err()
			break
		}
		backoff *= 2
		if backoff > maxConnectBackoff {
			backoff = maxConnectBackoff
		}
	}

	m.mu.Lock()
	if lastErr != nil {
		st.status = StatusError
		st.lastErr = lastErr
		st.errCount++
		m.mu.Unlock()
		return fmt.Errorf("connect %s: %w", id, lastErr)
	}
	st.status = StatusConnected
	st.lastErr = nil
	st.caps = client.Capabilities()
	m.mu.Unlock()

	m.logger.Info("tool server connected", "server", id)

	// Refresh the capability cache in the background so the caller
	// is not held up by a slow tools/list.
	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
		defer cancel()
		if _, err := m.Bootstrap(bctx, id); err != nil {
			m.logger.Warn("capability bootstrap failed",
				"server", id,
				"error", err,
			)
		}
	}()
	return nil
}

// Disconnect stops a server's transport and resets its connection
// state. In-flight bootstrap tracking for the id is cleared so a later
// connect starts fresh.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	st, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("server %q not registered", id)
	}
	client := st.client
	st.status = StatusDisconnected
	st.transport = nil
	st.client = nil
	st.caps = mcp.Capabilities{}
	st.toolCount = 0
	m.mu.Unlock()

	m.bootMu.Lock()
	delete(m.boot, id)
	m.bootMu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("disconnect %s: %w", id, err)
	}
	return nil
}

// Invoke calls a tool on a connected server. Failures propagate
// untranslated: callers can distinguish mcp.ErrNotConnected (connect
// first), mcp.ErrRequestTimeout (may retry), and *mcp.RPCError (the
// tool itself rejected the call).
func (m *Manager) Invoke(ctx context.Context, id, tool string, args map[string]any, timeout time.Duration) (string, error) {
	client, err := m.connectedClient(id)
	if err != nil {
		return "", err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return client.CallTool(ctx, tool, args)
}

// ListTools fetches the tool descriptors from a connected server. A
// listing that takes unusually long produces a warning log but is
// allowed to finish.
func (m *Manager) ListTools(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	client, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}

	slow := time.AfterFunc(slowListThreshold, func() {
		m.logger.Warn("tools/list is taking unusually long",
			"server", id,
			"threshold", slowListThreshold.String(),
		)
	})
	defer slow.Stop()

	return client.ListTools(ctx)
}

// Cleanup disconnects every registered server. Individual failures are
// logged and swallowed so one bad server cannot block shutdown of the
// rest.
func (m *Manager) Cleanup() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id, st := range m.servers {
		if st.client != nil {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			m.logger.Warn("disconnect during cleanup failed",
				"server", id,
				"error", err,
			)
		}
	}
}

// connectedClient returns the client for id, or mcp.ErrNotConnected
// when the server is unregistered or has no active transport.
func (m *Manager) connectedClient(id string) (*mcp.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.servers[id]
	if !ok || st.status != StatusConnected || st.client == nil {
		return nil, fmt.Errorf("server %q: %w", id, mcp.ErrNotConnected)
	}
	return st.client, nil
}

// buildTransport constructs the transport for a server config.
func (m *Manager) buildTransport(cfg ServerConfig) (mcp.Transport, error) {
	logger := m.logger.With("mcp_server", cfg.ID)

	switch transportKind(cfg) {
	case "stdio":
		return mcp.NewProcessTransport(mcp.ProcessConfig{
			Command:        cfg.Command,
			Args:           cfg.Args,
			Dir:            cfg.Dir,
			Env:            envList(cfg.Env),
			AutoRestart:    cfg.AutoRestart,
			RestartBackoff: cfg.RestartBackoff,
			InitTimeout:    cfg.InitTimeout,
			SkipInitialize: cfg.SkipInitialize,
			ReadyPattern:   cfg.ReadyPattern,
			SettleDelay:    cfg.SettleDelay,
			Logger:         logger,
		})
	case "http":
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	case "ws":
		return mcp.NewWSTransport(mcp.WSConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("server %q: unsupported transport %q", cfg.ID, cfg.Transport)
	}
}

// transportKind normalizes the transport field: empty means stdio.
func transportKind(cfg ServerConfig) string {
	if cfg.Transport == "" {
		return "stdio"
	}
	return cfg.Transport
}

// envList converts an env map to the KEY=VALUE form exec wants, in
// sorted order for deterministic spawns.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
