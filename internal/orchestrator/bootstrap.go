package orchestrator

import (
	"context"
	"fmt"

	"github.com/DJDodds/OctAIvius-sub000/internal/mcp"
)

// bootstrapRun is one in-flight capability refresh. Concurrent callers
// for the same server id share a run instead of issuing duplicate
// tools/list requests; done is closed when the run settles.
type bootstrapRun struct {
	done  chan struct{}
	tools []mcp.ToolDefinition
	err   error
}

// Bootstrap refreshes the tool inventory for a connected server:
// tools/list, include/exclude filtering, and a cache write when a
// cache store is configured. Concurrent calls for the same id share
// one underlying refresh; each caller receives its outcome. A call
// after the refresh settles starts a fresh one.
func (m *Manager) Bootstrap(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	m.bootMu.Lock()
	if run, ok := m.boot[id]; ok {
		m.bootMu.Unlock()
		select {
		case <-run.done:
			return run.tools, run.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	run := &bootstrapRun{done: make(chan struct{})}
	m.boot[id] = run
	m.bootMu.Unlock()

	run.tools, run.err = m.refreshTools(ctx, id)
	close(run.done)

	// Remove the settled entry so the next caller refreshes again.
	// Disconnect may already have cleared it, or replaced it after a
	// reconnect; only remove our own run.
	m.bootMu.Lock()
	if m.boot[id] == run {
		delete(m.boot, id)
	}
	m.bootMu.Unlock()

	return run.tools, run.err
}

// refreshTools performs the actual discovery for one server.
func (m *Manager) refreshTools(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	m.mu.RLock()
	st, ok := m.servers[id]
	if !ok || st.status != StatusConnected || st.client == nil {
		m.mu.RUnlock()
		return nil, fmt.Errorf("server %q: %w", id, mcp.ErrNotConnected)
	}
	client := st.client
	include := st.cfg.IncludeTools
	exclude := st.cfg.ExcludeTools
	m.mu.RUnlock()

	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", id, err)
	}
	tools = filterTools(tools, include, exclude)

	m.mu.Lock()
	st.toolCount = len(tools)
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.ReplaceServerTools(ctx, id, tools); err != nil {
			m.logger.Warn("tool cache write failed",
				"server", id,
				"error", err,
			)
		}
	}

	m.logger.Info("tool inventory refreshed",
		"server", id,
		"tools", len(tools),
	)
	return tools, nil
}
