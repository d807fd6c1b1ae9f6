package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/helpapi"
	"github.com/vdavid/helphub/backend/internal/resources"
	"golang.org/x/sync/singleflight"
)

// Backend is everything a session needs from the backend API.
type Backend interface {
	MessageAPI
	resources.Backend
}

var _ Backend = (*helpapi.Client)(nil)

// BackendFactory returns a backend client that acts as the owner of token.
type BackendFactory func(token string) Backend

// ManagerConfig tunes the session manager.
type ManagerConfig struct {
	Session SessionConfig
	// IdleTimeout is how long an unused session is kept.
	IdleTimeout time.Duration
	// ReconcileInterval is how often unread counts are refreshed and failed
	// read acknowledgments retried.
	ReconcileInterval time.Duration
}

// Manager keeps one Session per signed-in user token.
//
// Thread safety: sessions are created once per token even under concurrent
// requests; each session guards its own state.
type Manager struct {
	factory BackendFactory
	acks    ReadAckQueue
	cfg     ManagerConfig
	logger  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // token hash -> session
	creating singleflight.Group

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewManager creates a manager and starts its background maintenance.
// Call Close to stop it.
func NewManager(factory BackendFactory, acks ReadAckQueue, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		factory:       factory,
		acks:          acks,
		cfg:           cfg,
		logger:        logger,
		sessions:      make(map[string]*Session),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	m.startCleanupGoroutine()
	return m
}

// Session returns the session of token, signing in and loading the
// conversations on first use.
func (m *Manager) Session(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, &Error{Kind: KindAuthorization, Op: "sign in", Err: ErrNotAuthenticated}
	}
	key := tokenKey(token)

	if s := m.lookup(key); s != nil {
		s.Touch(time.Now())
		return s, nil
	}

	v, err, _ := m.creating.Do(key, func() (any, error) {
		if s := m.lookup(key); s != nil {
			return s, nil
		}
		s, err := m.newSession(ctx, token)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[key] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	s.Touch(time.Now())
	return s, nil
}

// Drop forgets the session of token.
func (m *Manager) Drop(token string) {
	key := tokenKey(token)
	m.mu.Lock()
	s := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops background maintenance and releases every session.
func (m *Manager) Close() {
	m.cleanupCancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.sessions {
		s.Close()
		delete(m.sessions, key)
	}
}

func (m *Manager) newSession(ctx context.Context, token string) (*Session, error) {
	backend := m.factory(token)
	user, err := backend.CurrentUser(ctx)
	if err != nil {
		return nil, classify("sign in", err)
	}

	logger := m.logger.With().Str("user_id", user.ID).Logger()
	s := NewSession(*user, backend, resources.NewResolver(backend, logger), m.acks, m.cfg.Session, logger)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	logger.Info().Int("unread", s.UnreadCount()).Msg("messaging session started")
	return s, nil
}

func (m *Manager) lookup(key string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[key]
}

// tokenKey avoids keeping raw bearer tokens as map keys.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
