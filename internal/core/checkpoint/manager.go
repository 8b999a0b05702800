package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/pipeline/metrics"
)

var (
	// ErrNoSession is returned when no session has been initialized.
	ErrNoSession = errors.New("no session initialized")

	// ErrSessionCompleted is returned when recording into a completed session.
	ErrSessionCompleted = errors.New("session already completed")

	// ErrInvalidTarget is returned for a non-positive target size.
	ErrInvalidTarget = errors.New("target size must be positive")
)

// SessionOptions configures InitializeSession.
type SessionOptions struct {
	Target           int
	Resume           bool
	QualityThreshold float64
	OutputDir        string
}

// Progress is a read-only snapshot of the current session.
type Progress struct {
	SessionID      string  `json:"session_id"`
	Current        int     `json:"current"`
	Target         int     `json:"target"`
	Percentage     float64 `json:"percentage"`
	Completed      bool    `json:"completed"`
	State          State   `json:"state"`
	ItemsPerSecond float64 `json:"items_per_second"`
	OutputFile     string  `json:"output_file,omitempty"`
}

// Manager owns the active session. All writes go through one mutex.
type Manager struct {
	repo   storage.SessionRepository
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	session    *domain.Session
	output     *outputLog
	ids        map[string]struct{}
	throughput *throughput
}

// InitializeSession reopens the in-progress session when resuming, or
// starts a fresh one.
func (m *Manager) InitializeSession(ctx context.Context, opts SessionOptions) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.output != nil {
		_ = m.output.close()
		m.output = nil
	}

	if opts.Resume {
		active, err := m.repo.Active(ctx)
		if err != nil {
			return nil, fmt.Errorf("load active session: %w", err)
		}
		if active != nil && active.State != StateCompleted {
			if err := m.reopen(ctx, active, opts); err != nil {
				return nil, err
			}
			s := *m.session
			return &s, nil
		}
	}

	if opts.Target <= 0 {
		return nil, ErrInvalidTarget
	}
	if err := m.create(ctx, opts); err != nil {
		return nil, err
	}
	s := *m.session
	return &s, nil
}

func (m *Manager) create(ctx context.Context, opts SessionOptions) error {
	now := m.now().UTC()
	id := uuid.NewString()
	s := &domain.Session{
		SessionID:        id,
		StartTime:        now,
		OutputFile:       filepath.Join(opts.OutputDir, id+".jsonl"),
		TargetSize:       opts.Target,
		QualityThreshold: opts.QualityThreshold,
		State:            StateNew,
		UpdatedAt:        now,
	}

	out, err := openOutput(s.OutputFile)
	if err != nil {
		return err
	}
	if err := m.repo.Save(ctx, s); err != nil {
		_ = out.close()
		return fmt.Errorf("save session: %w", err)
	}

	m.session = s
	m.output = out
	m.ids = make(map[string]struct{})
	m.logger.Info("Session created",
		"session", s.SessionID,
		"target", s.TargetSize,
		"output", s.OutputFile,
	)
	metrics.SessionProgress.WithLabelValues(s.SessionID).Set(0)
	return nil
}

func (m *Manager) reopen(ctx context.Context, s *domain.Session, opts SessionOptions) error {
	out, err := openOutput(s.OutputFile)
	if err != nil {
		return err
	}
	res, err := out.reconcile()
	if err != nil {
		_ = out.close()
		return err
	}

	if res.truncated > 0 {
		m.logger.Warn("Truncated torn output line",
			"session", s.SessionID,
			"bytes", res.truncated,
		)
	}
	if res.skipped > 0 {
		m.logger.Warn("Skipped undecodable output lines",
			"session", s.SessionID,
			"lines", res.skipped,
		)
	}
	if res.records != s.CurrentCount {
		m.logger.Warn("Session count reconciled with output",
			"session", s.SessionID,
			"stored", s.CurrentCount,
			"on_disk", res.records,
		)
	}
	if opts.Target > 0 && opts.Target != s.TargetSize {
		m.logger.Info("Keeping stored target for resumed session",
			"session", s.SessionID,
			"stored", s.TargetSize,
			"requested", opts.Target,
		)
	}

	s.CurrentCount = res.records
	if s.CurrentCount > 0 && s.State == StateNew {
		s.State = StateInProgress
	}
	if s.CurrentCount >= s.TargetSize {
		s.State = StateCompleted
		s.Completed = true
	}
	s.UpdatedAt = m.now().UTC()

	if err := m.repo.Save(ctx, s); err != nil {
		_ = out.close()
		return fmt.Errorf("save session: %w", err)
	}

	m.session = s
	m.output = out
	m.ids = res.ids
	m.logger.Info("Session resumed",
		"session", s.SessionID,
		"current", s.CurrentCount,
		"target", s.TargetSize,
	)
	metrics.SessionProgress.WithLabelValues(s.SessionID).Set(float64(s.CurrentCount))
	return nil
}

// RecordItem appends the artifact, increments the count, and persists the
// session. It reports whether this call completed the session. A record
// whose item is already in the output is ignored.
func (m *Manager) RecordItem(ctx context.Context, rec domain.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil || m.output == nil {
		return false, ErrNoSession
	}
	if s.Completed {
		return false, ErrSessionCompleted
	}
	if _, dup := m.ids[rec.ItemID]; dup {
		m.logger.Debug("Item already checkpointed", "item", rec.ItemID)
		return false, nil
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	if err := m.output.append(rec); err != nil {
		m.logger.Error("Failed to append checkpoint record",
			"session", s.SessionID,
			"item", rec.ItemID,
			"error", err,
		)
		return false, err
	}

	m.ids[rec.ItemID] = struct{}{}
	s.CurrentCount++
	m.throughput.record(m.now())
	metrics.ItemsProcessed.Inc()
	metrics.SessionProgress.WithLabelValues(s.SessionID).Set(float64(s.CurrentCount))

	if s.State == StateNew && CanTransition(s.State, StateInProgress) {
		s.State = StateInProgress
	}
	justCompleted := false
	if s.CurrentCount >= s.TargetSize && CanTransition(s.State, StateCompleted) {
		s.State = StateCompleted
		s.Completed = true
		justCompleted = true
	}
	s.UpdatedAt = m.now().UTC()

	// The artifact is already durable; a failed save is repaired on resume.
	if err := m.repo.Save(ctx, s); err != nil {
		m.logger.Error("Failed to persist session",
			"session", s.SessionID,
			"error", err,
		)
		return justCompleted, fmt.Errorf("save session: %w", err)
	}

	if justCompleted {
		m.logger.Info("Session completed",
			"session", s.SessionID,
			"count", s.CurrentCount,
			"duration", s.UpdatedAt.Sub(s.StartTime).Round(time.Second),
		)
	}
	return justCompleted, nil
}

// Progress returns a snapshot of the current session.
func (m *Manager) Progress() Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return progressOf(m.session, m.throughput.rate())
}

// ProgressOf builds a progress snapshot from a stored session.
func ProgressOf(s *domain.Session) Progress {
	return progressOf(s, 0)
}

func progressOf(s *domain.Session, rate float64) Progress {
	if s == nil {
		return Progress{}
	}
	p := Progress{
		SessionID:      s.SessionID,
		Current:        s.CurrentCount,
		Target:         s.TargetSize,
		Completed:      s.Completed,
		State:          s.State,
		ItemsPerSecond: rate,
		OutputFile:     s.OutputFile,
	}
	if s.TargetSize > 0 {
		p.Percentage = min(100, float64(s.CurrentCount)*100/float64(s.TargetSize))
	}
	return p
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// CompletedIDs returns the ids already present in the output.
func (m *Manager) CompletedIDs() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make(map[string]struct{}, len(m.ids))
	for id := range m.ids {
		ids[id] = struct{}{}
	}
	return ids
}

// Flush persists the session record.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	m.session.UpdatedAt = m.now().UTC()
	if err := m.repo.Save(ctx, m.session); err != nil {
		m.logger.Error("Failed to flush session", "session", m.session.SessionID, "error", err)
		return fmt.Errorf("flush session: %w", err)
	}
	return nil
}

// Close releases the output file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.output.close()
	m.output = nil
	return err
}
