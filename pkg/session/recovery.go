package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arjunmehta/taskforge/pkg/checkpoint"
)

// RecoveryConfig controls startup and runtime checkpoint recovery.
type RecoveryConfig struct {
	AutoResume     bool
	RecoveryTimeout time.Duration
}

func (c RecoveryConfig) shouldAutoResume() bool { return c.AutoResume }

func (c RecoveryConfig) recoveryTimeout() time.Duration {
	if c.RecoveryTimeout <= 0 {
		return 24 * time.Hour
	}
	return c.RecoveryTimeout
}

// ResumeCallback resumes a Session from its checkpointed state.
type ResumeCallback func(ctx context.Context, s *Session) error

// RecoveryManager scans for pending session checkpoints on startup and
// resumes or expires them, generalizing the single-task recovery flow to a
// Session's Wave/Loop checkpoints.
type RecoveryManager struct {
	cfg   RecoveryConfig
	store *checkpoint.Store
	log   *slog.Logger

	mu             sync.RWMutex
	resumeCallback ResumeCallback
}

func NewRecoveryManager(cfg RecoveryConfig, store *checkpoint.Store, log *slog.Logger) *RecoveryManager {
	if log == nil {
		log = slog.Default()
	}
	return &RecoveryManager{cfg: cfg, store: store, log: log.With("component", component)}
}

func (m *RecoveryManager) SetResumeCallback(cb ResumeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeCallback = cb
}

// RecoverPendingTasks scans every persisted session and resumes those that
// are recoverable, matching the teacher's startup-scan-then-resume flow.
func (m *RecoveryManager) RecoverPendingTasks(ctx context.Context) error {
	if !m.cfg.shouldAutoResume() {
		m.log.Debug("session recovery disabled")
		return nil
	}

	names, err := checkpoint.ListSessions[Session](m.store, func(s Session) bool {
		return s.Status == StatusRunning || s.Status == StatusPaused
	})
	if err != nil {
		return fmt.Errorf("list pending sessions: %w", err)
	}
	if len(names) == 0 {
		m.log.Debug("no pending sessions to recover")
		return nil
	}

	m.log.Info("found pending sessions, starting recovery", "count", len(names))
	recovered, failed := 0, 0
	for _, name := range names {
		var s Session
		ok, err := m.store.LoadSession(trimSessionPrefix(name), &s)
		if err != nil || !ok {
			failed++
			continue
		}
		if err := m.recoverCheckpoint(ctx, &s); err != nil {
			m.log.Error("failed to recover session", "session", s.ID, "error", err)
			failed++
			continue
		}
		recovered++
	}
	m.log.Info("session recovery completed", "recovered", recovered, "failed", failed)
	return nil
}

func (m *RecoveryManager) recoverCheckpoint(ctx context.Context, s *Session) error {
	if s.Status != StatusRunning && s.Status != StatusPaused {
		return fmt.Errorf("session not recoverable (status=%s)", s.Status)
	}

	if time.Since(s.UpdatedAt) > m.cfg.recoveryTimeout() {
		m.log.Warn("session checkpoint expired", "session", s.ID, "updatedAt", s.UpdatedAt)
		s.Status = StatusFailed
		_ = m.store.SaveSession(s.ID, s)
		return fmt.Errorf("session checkpoint expired")
	}

	if s.Status == StatusPaused {
		m.log.Info("session awaiting operator resume", "session", s.ID)
		return nil
	}

	m.mu.RLock()
	cb := m.resumeCallback
	m.mu.RUnlock()
	if cb == nil {
		m.log.Warn("no resume callback configured, session will be recovered on next access", "session", s.ID)
		return nil
	}

	go func() {
		if err := cb(ctx, s); err != nil {
			m.log.Error("failed to resume session from checkpoint", "session", s.ID, "error", err)
		}
	}()
	return nil
}

// ResumeTask manually resumes a specific session, used when an operator
// explicitly requests a resume of a paused session.
func (m *RecoveryManager) ResumeTask(ctx context.Context, sessionID string) error {
	var s Session
	ok, err := m.store.LoadSession(sessionID, &s)
	if err != nil {
		return fmt.Errorf("load session checkpoint: %w", err)
	}
	if !ok {
		return fmt.Errorf("no checkpoint for session %s", sessionID)
	}
	if time.Since(s.UpdatedAt) > m.cfg.recoveryTimeout() {
		return fmt.Errorf("session checkpoint expired")
	}

	m.mu.RLock()
	cb := m.resumeCallback
	m.mu.RUnlock()
	if cb == nil {
		return fmt.Errorf("no resume callback configured")
	}
	s.Status = StatusRunning
	return cb(ctx, &s)
}

// Stats summarizes pending session checkpoints.
type Stats struct {
	Total      int
	Running    int
	Paused     int
	Expired    int
	OldestAge  time.Duration
	AverageAge time.Duration
}

// GetStats reports on every currently persisted session checkpoint.
func (m *RecoveryManager) GetStats() (Stats, error) {
	names, err := checkpoint.ListSessions[Session](m.store, nil)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(names)}
	if len(names) == 0 {
		return stats, nil
	}

	var totalAge time.Duration
	timeout := m.cfg.recoveryTimeout()
	for _, name := range names {
		var s Session
		ok, err := m.store.LoadSession(trimSessionPrefix(name), &s)
		if err != nil || !ok {
			continue
		}
		age := time.Since(s.UpdatedAt)
		totalAge += age
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
		switch {
		case age > timeout:
			stats.Expired++
		case s.Status == StatusPaused:
			stats.Paused++
		default:
			stats.Running++
		}
	}
	stats.AverageAge = totalAge / time.Duration(len(names))
	return stats, nil
}

func trimSessionPrefix(name string) string {
	const prefix = "session-"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):]
	}
	return name
}
