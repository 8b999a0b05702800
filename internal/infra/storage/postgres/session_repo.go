package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// SessionRepo implements storage.SessionRepository using PostgreSQL.
// The active session is the most recently updated one not yet completed.
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new PostgreSQL session repository.
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `session_id, start_time, output_file, target_size, quality_threshold,
	current_count, completed, state, updated_at`

func (r *SessionRepo) getOne(ctx context.Context, query string, args ...any) (*domain.Session, error) {
	var s domain.Session
	err := r.db.QueryRowxContext(ctx, query, args...).Scan(
		&s.SessionID,
		&s.StartTime,
		&s.OutputFile,
		&s.TargetSize,
		&s.QualityThreshold,
		&s.CurrentCount,
		&s.Completed,
		&s.State,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) Active(ctx context.Context) (*domain.Session, error) {
	s, err := r.getOne(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE state <> 'completed' ORDER BY updated_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) Latest(ctx context.Context) (*domain.Session, error) {
	s, err := r.getOne(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := r.getOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) Save(ctx context.Context, s *domain.Session) error {
	query := `
		INSERT INTO sessions (session_id, start_time, output_file, target_size, quality_threshold,
			current_count, completed, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE
		SET current_count = EXCLUDED.current_count,
			completed = EXCLUDED.completed,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		s.SessionID,
		s.StartTime,
		s.OutputFile,
		s.TargetSize,
		s.QualityThreshold,
		s.CurrentCount,
		s.Completed,
		string(s.State),
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}
