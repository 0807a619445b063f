package kc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/instruments-viewer/kc/instruments"
)

const (
	DefaultExportTTL             = 15 * time.Minute
	DefaultExportCleanupInterval = time.Minute
)

// ErrExportNotFound is returned for unknown or expired exports.
var ErrExportNotFound = errors.New("export not found or expired")

// Export is a rendered export file waiting to be downloaded.
type Export struct {
	ID        string
	SessionID string
	FileName  string
	Format    instruments.ExportFormat
	Records   int
	Data      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ContentType returns the MIME type of the export.
func (e *Export) ContentType() string {
	return e.Format.ContentType()
}

// ExportStore keeps exports in memory until they expire.
type ExportStore struct {
	exports map[string]*Export
	mu      sync.RWMutex
	ttl     time.Duration
	logger  *slog.Logger

	cleanupInterval time.Duration
	cleanupCancel   context.CancelFunc
	cleanupDone     chan struct{}
}

// NewExportStore creates an export store. A zero ttl selects DefaultExportTTL.
func NewExportStore(logger *slog.Logger, ttl time.Duration) *ExportStore {
	if ttl <= 0 {
		ttl = DefaultExportTTL
	}
	return &ExportStore{
		exports:         make(map[string]*Export),
		ttl:             ttl,
		logger:          logger,
		cleanupInterval: DefaultExportCleanupInterval,
	}
}

// TTL returns how long an export stays available.
func (s *ExportStore) TTL() time.Duration {
	return s.ttl
}

// Put stores an export and fills in its ID and lifetime.
func (s *ExportStore) Put(e *Export) *Export {
	now := time.Now()
	e.ID = uuid.NewString()
	e.CreatedAt = now
	e.ExpiresAt = now.Add(s.ttl)

	s.mu.Lock()
	s.exports[e.ID] = e
	s.mu.Unlock()

	s.logger.Debug("Stored export", "export_id", e.ID, "file_name", e.FileName, "bytes", len(e.Data))
	return e
}

// Get returns a live export.
func (s *ExportStore) Get(id string) (*Export, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.exports[id]
	if !ok || time.Now().After(e.ExpiresAt) {
		return nil, ErrExportNotFound
	}
	return e, nil
}

// Count returns the number of stored exports, expired ones included.
func (s *ExportStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exports)
}

// DeleteSession drops every export created by a session.
func (s *ExportStore) DeleteSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.exports {
		if e.SessionID == sessionID {
			delete(s.exports, id)
			n++
		}
	}
	return n
}

// CleanupExpired drops expired exports and returns how many were dropped.
func (s *ExportStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for id, e := range s.exports {
		if now.After(e.ExpiresAt) {
			delete(s.exports, id)
			n++
		}
	}
	return n
}

// StartCleanupRoutine starts the background expiry sweep.
func (s *ExportStore) StartCleanupRoutine(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanupCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cleanupCancel = cancel
	s.cleanupDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Export cleanup routine stopped")
				return
			case <-ticker.C:
				if n := s.CleanupExpired(); n > 0 {
					s.logger.Info("Cleaned up expired exports", "count", n)
				}
			}
		}
	}(s.cleanupDone)
}

// StopCleanupRoutine stops the background sweep and waits for it to exit.
func (s *ExportStore) StopCleanupRoutine() {
	s.mu.Lock()
	cancel, done := s.cleanupCancel, s.cleanupDone
	s.cleanupCancel, s.cleanupDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
