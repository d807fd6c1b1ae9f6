package messaging

import (
	"time"
)

// startCleanupGoroutine runs the background loop that evicts idle sessions
// and reconciles the live ones. It stops when cleanupCtx is canceled (via Manager.Close()).
func (m *Manager) startCleanupGoroutine() {
	interval := m.cfg.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.cleanupCtx.Done():
				return
			case <-ticker.C:
				m.evictIdleSessions(time.Now())
				m.reconcileSessions()
			}
		}
	}()
}

// evictIdleSessions drops sessions unused for longer than the idle timeout
// and returns how many were dropped.
func (m *Manager) evictIdleSessions(now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, s := range m.sessions {
		if now.Sub(s.LastUsed()) > m.cfg.IdleTimeout {
			s.Close()
			delete(m.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Info().Int("evicted", evicted).Int("remaining", len(m.sessions)).Msg("evicted idle messaging sessions")
	}
	return evicted
}

// reconcileSessions refreshes unread counts and retries read acknowledgments
// for every live session.
func (m *Manager) reconcileSessions() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if m.cleanupCtx.Err() != nil {
			return
		}
		if err := s.Reconcile(m.cleanupCtx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to reconcile unread count")
		}
	}
}
