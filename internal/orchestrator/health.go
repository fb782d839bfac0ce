package orchestrator

import (
	"context"
	"time"
)

// Health-check defaults. A ping this slow is treated as a failure.
const (
	defaultHealthInterval = 60 * time.Second
	healthPingTimeout     = 10 * time.Second
)

// StartHealthWatch launches a background loop that pings every
// connected server on the given interval and records state
// transitions: a failed ping moves a server to StatusError, a
// subsequent success restores StatusConnected. The loop exits when ctx
// is cancelled; the returned channel closes once it has drained.
func (m *Manager) StartHealthWatch(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()
	return done
}

// checkAll pings every server with an active client and records
// transitions.
func (m *Manager) checkAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id, st := range m.servers {
		if st.client != nil && (st.status == StatusConnected || st.status == StatusError) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.checkOne(ctx, id)
	}
}

func (m *Manager) checkOne(ctx context.Context, id string) {
	m.mu.RLock()
	st, ok := m.servers[id]
	if !ok || st.client == nil {
		m.mu.RUnlock()
		return
	}
	client := st.client
	m.mu.RUnlock()

	pctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	err := client.Ping(pctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if st.client != client {
		// Reconnected or disconnected while we were pinging.
		return
	}

	switch {
	case err != nil && st.status == StatusConnected:
		st.status = StatusError
		st.lastErr = err
		st.errCount++
		m.logger.Warn("tool server health check failed",
			"server", id,
			"error", err,
		)
	case err != nil:
		st.lastErr = err
		st.errCount++
	case err == nil && st.status == StatusError:
		st.status = StatusConnected
		st.lastErr = nil
		m.logger.Info("tool server recovered", "server", id)
	}
}
