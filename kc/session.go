package kc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSessionDuration = 12 * time.Hour
	DefaultCleanupInterval = 30 * time.Minute

	mcpSessionPrefix = "instruments-"
)

var (
	ErrEmptySessionID    = errors.New("session ID cannot be empty")
	ErrSessionNotFound   = errors.New("session ID not found")
	ErrSessionTerminated = errors.New("session is terminated")
)

// Session is one MCP client session and the workspace it is working on.
type Session struct {
	ID         string
	Terminated bool
	CreatedAt  time.Time
	ExpiresAt  time.Time

	// Workspace is nil until the client loads a dataset.
	Workspace *Workspace
}

// CleanupHook is called when a session is terminated or expires.
type CleanupHook func(session *Session)

// SessionManager keeps the sessions of all connected MCP clients. It
// satisfies the server.SessionIdManager interface of mcp-go.
type SessionManager struct {
	sessions        map[string]*Session
	mu              sync.RWMutex
	sessionDuration time.Duration
	cleanupInterval time.Duration
	cleanupHooks    []CleanupHook
	cleanupCancel   context.CancelFunc
	cleanupDone     chan struct{}
	logger          *slog.Logger
}

// NewSessionManager creates a session manager. A zero duration selects
// DefaultSessionDuration.
func NewSessionManager(logger *slog.Logger, duration time.Duration) *SessionManager {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	return &SessionManager{
		sessions:        make(map[string]*Session),
		sessionDuration: duration,
		cleanupInterval: DefaultCleanupInterval,
		cleanupHooks:    make([]CleanupHook, 0),
		logger:          logger,
	}
}

func (sm *SessionManager) newSessionLocked(sessionID string) *Session {
	now := time.Now()
	s := &Session{
		ID:        sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.sessionDuration),
	}
	sm.sessions[sessionID] = s
	return s
}

// Generate creates a new session with a unique ID.
func (sm *SessionManager) Generate() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sessionID := mcpSessionPrefix + uuid.New().String()
	s := sm.newSessionLocked(sessionID)

	sm.logger.Info("Generated new session", "session_id", sessionID, "expires_at", s.ExpiresAt)
	return sessionID
}

// GetOrCreate returns the session with the given ID, creating it when it is
// unknown. IDs handed out by other transports (SSE, stdio) arrive this way.
func (sm *SessionManager) GetOrCreate(sessionID string) (*Session, bool, error) {
	if sessionID == "" {
		return nil, false, ErrEmptySessionID
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[sessionID]; ok {
		if time.Now().After(s.ExpiresAt) {
			s.Terminated = true
		}
		if s.Terminated {
			return nil, false, ErrSessionTerminated
		}
		return s, false, nil
	}

	sm.logger.Info("Creating new session for external ID", "session_id", sessionID)
	return sm.newSessionLocked(sessionID), true, nil
}

// Get returns a copy of the session with the given ID.
func (sm *SessionManager) Get(sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrEmptySessionID
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s, ok := sm.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// SetWorkspace replaces the workspace of a session, creating the session
// when needed. Nothing of the previous workspace carries over.
func (sm *SessionManager) SetWorkspace(sessionID string, ws *Workspace) error {
	if _, _, err := sm.GetOrCreate(sessionID); err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Terminated {
		return ErrSessionTerminated
	}
	s.Workspace = ws
	return nil
}

// Workspace returns the current workspace of a session, or nil.
func (sm *SessionManager) Workspace(sessionID string) *Workspace {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s, ok := sm.sessions[sessionID]
	if !ok || s.Terminated || time.Now().After(s.ExpiresAt) {
		return nil
	}
	return s.Workspace
}

// Terminate ends a session and runs the cleanup hooks.
func (sm *SessionManager) Terminate(sessionID string) (bool, error) {
	if sessionID == "" {
		return false, ErrEmptySessionID
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	sm.terminateLocked(s)
	delete(sm.sessions, sessionID)
	return false, nil
}

func (sm *SessionManager) terminateLocked(s *Session) {
	if s.Terminated {
		return
	}
	s.Terminated = true
	for _, hook := range sm.cleanupHooks {
		hook(s)
	}
}

// Validate reports whether a session is terminated.
func (sm *SessionManager) Validate(sessionID string) (bool, error) {
	if sessionID == "" {
		return true, ErrEmptySessionID
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s, ok := sm.sessions[sessionID]
	if !ok {
		return true, ErrSessionNotFound
	}
	if time.Now().After(s.ExpiresAt) {
		return true, nil
	}
	return s.Terminated, nil
}

// CleanupExpiredSessions removes expired sessions and returns how many were removed.
func (sm *SessionManager) CleanupExpiredSessions() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, s := range sm.sessions {
		if now.After(s.ExpiresAt) {
			sm.terminateLocked(s)
			delete(sm.sessions, id)
			cleaned++
		}
	}
	return cleaned
}

// AddCleanupHook adds a function to be called when sessions end.
func (sm *SessionManager) AddCleanupHook(hook CleanupHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cleanupHooks = append(sm.cleanupHooks, hook)
}

// StartCleanupRoutine starts the background expiry sweep.
func (sm *SessionManager) StartCleanupRoutine(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cleanupCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	sm.cleanupCancel = cancel
	sm.cleanupDone = make(chan struct{})
	go sm.cleanupRoutine(ctx, sm.cleanupInterval, sm.cleanupDone)
}

// StopCleanupRoutine stops the background sweep and waits for it to exit.
func (sm *SessionManager) StopCleanupRoutine() {
	sm.mu.Lock()
	cancel, done := sm.cleanupCancel, sm.cleanupDone
	sm.cleanupCancel, sm.cleanupDone = nil, nil
	sm.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (sm *SessionManager) cleanupRoutine(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sm.logger.Info("Session cleanup routine stopped")
			return
		case <-ticker.C:
			if cleaned := sm.CleanupExpiredSessions(); cleaned > 0 {
				sm.logger.Info("Cleaned up expired sessions", "count", cleaned)
			}
		}
	}
}

// GetSessionCount returns the number of live sessions.
func (sm *SessionManager) GetSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
