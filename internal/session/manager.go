package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/avatarchat/internal/audio"
	"github.com/ent0n29/avatarchat/internal/avatar"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the hosting metadata of one avatar conversation.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	VoiceID        string    `json:"voice_id,omitempty"`
	SystemPrompt   string    `json:"system_prompt,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Runtime is the live machinery behind a session.
type Runtime struct {
	Avatar  *avatar.Orchestrator
	Capture *audio.StreamCapture
}

// Factory builds the runtime for a newly created session.
type Factory func(s Session) Runtime

type entry struct {
	session *Session
	runtime Runtime
}

type Manager struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	factory           Factory
	onExpire          func(*Session)
	logger            *slog.Logger
}

func NewManager(inactivityTimeout time.Duration, factory Factory, logger *slog.Logger) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries:           make(map[string]*entry),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		factory:           factory,
		logger:            logger.With("component", "session"),
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

// Create registers a session and builds its runtime. A user holds at most
// one active session; an older one is ended.
func (m *Manager) Create(req CreateRequest) (*Session, Runtime) {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		VoiceID:        req.VoiceID,
		SystemPrompt:   req.SystemPrompt,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	var rt Runtime
	if m.factory != nil {
		rt = m.factory(*s)
	}

	m.mu.Lock()
	var replaced *entry
	if req.UserID != "" {
		if prevID, ok := m.sessionByUser[req.UserID]; ok {
			if prev, ok := m.entries[prevID]; ok && prev.session.Status == StatusActive {
				prev.session.Status = StatusEnded
				prev.session.LastActivityAt = now
				replaced = prev
			}
		}
		m.sessionByUser[req.UserID] = s.ID
	}
	m.entries[s.ID] = &entry{session: s, runtime: rt}
	m.mu.Unlock()

	if replaced != nil {
		m.logger.Info("replacing active session", "session_id", replaced.session.ID, "user_id", req.UserID)
		m.release(replaced.runtime)
	}
	return clone(s), rt
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// Runtime returns the live runtime of an active session.
func (m *Manager) Runtime(sessionID string) (Runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok || e.session.Status != StatusActive {
		return Runtime{}, ErrNotFound
	}
	return e.runtime, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the session ended and disconnects its avatar.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	wasActive := e.session.Status == StatusActive
	e.session.Status = StatusEnded
	e.session.LastActivityAt = time.Now().UTC()
	if e.session.UserID != "" && m.sessionByUser[e.session.UserID] == sessionID {
		delete(m.sessionByUser, e.session.UserID)
	}
	out := clone(e.session)
	m.mu.Unlock()

	if wasActive {
		m.release(e.runtime)
	}
	return out, nil
}

func (m *Manager) release(rt Runtime) {
	if rt.Avatar == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Avatar.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect avatar", "error", err)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entries {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

// Shutdown ends every active session.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.session.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_, _ = m.End(id)
	}
}

// expireInactive ends idle sessions and forgets sessions that have been
// ended for longer than the inactivity timeout.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	type expiry struct {
		session *Session
		runtime Runtime
	}
	var expired []expiry

	m.mu.Lock()
	for id, e := range m.entries {
		s := e.session
		if s.Status != StatusActive {
			if now.Sub(s.LastActivityAt) >= m.inactivityTimeout {
				delete(m.entries, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, expiry{session: clone(s), runtime: e.runtime})
		if s.UserID != "" && m.sessionByUser[s.UserID] == id {
			delete(m.sessionByUser, s.UserID)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, x := range expired {
		m.logger.Info("session expired", "session_id", x.session.ID)
		m.release(x.runtime)
		if hook != nil {
			hook(x.session)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
