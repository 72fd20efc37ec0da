package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/observability"
)

// Manager creates sessions and tracks the live ones for metrics and shutdown.
type Manager struct {
	deps   Dependencies
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(deps Dependencies, cfg Config) *Manager {
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Open starts a session for self. The session is closed and forgotten when ctx ends or Close is called.
// It is tracked before Start so a sibling tab closing concurrently never marks the user offline.
func (m *Manager) Open(ctx context.Context, self Identity) (*Session, error) {
	s := New(ctx, self, m.deps, m.cfg)
	s.lastTab = func() bool { return m.release(s) }

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	observability.SessionsActive().Inc()

	if err := s.Start(); err != nil {
		s.Close()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
		m.release(s)
	}()

	return s, nil
}

// release forgets s and reports whether it was the user's last live session.
func (m *Manager) release(s *Session) bool {
	m.mu.Lock()
	_, tracked := m.sessions[s.ID()]
	delete(m.sessions, s.ID())
	remaining := 0
	for _, other := range m.sessions {
		if other.UserID() == s.UserID() {
			remaining++
		}
	}
	m.mu.Unlock()

	if tracked {
		observability.SessionsActive().Dec()
	}
	return remaining == 0
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll ends every live session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.logger.Info().Int("sessions", len(sessions)).Msg("closed all sessions")
}
