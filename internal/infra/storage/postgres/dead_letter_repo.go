package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

// DeadLetterRepo implements storage.DeadLetterRepository using PostgreSQL.
type DeadLetterRepo struct {
	db *DB
}

// NewDeadLetterRepo creates a new PostgreSQL dead letter repository.
func NewDeadLetterRepo(db *DB) *DeadLetterRepo {
	return &DeadLetterRepo{db: db}
}

type deadLetterRow struct {
	ItemID       string    `db:"item_id"`
	Payload      []byte    `db:"payload"`
	Reason       string    `db:"reason"`
	Attempts     int       `db:"attempts"`
	LastProvider string    `db:"last_provider"`
	FailedAt     time.Time `db:"failed_at"`
}

func (row deadLetterRow) toDomain() (*domain.DeadLetter, error) {
	dl := &domain.DeadLetter{
		ItemID:       row.ItemID,
		Reason:       row.Reason,
		Attempts:     row.Attempts,
		LastProvider: row.LastProvider,
		FailedAt:     row.FailedAt,
	}
	if err := json.Unmarshal(row.Payload, &dl.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of %s: %w", row.ItemID, err)
	}
	return dl, nil
}

const deadLetterColumns = `item_id, payload, reason, attempts, last_provider, failed_at`

// Add upserts a dead letter.
func (r *DeadLetterRepo) Add(ctx context.Context, dl *domain.DeadLetter) error {
	payload, err := json.Marshal(dl.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO dead_letters (item_id, payload, reason, attempts, last_provider, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id) DO UPDATE
		SET payload = EXCLUDED.payload,
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			last_provider = EXCLUDED.last_provider,
			failed_at = EXCLUDED.failed_at
	`
	_, err = r.db.ExecContext(ctx, query,
		dl.ItemID,
		string(payload),
		dl.Reason,
		dl.Attempts,
		dl.LastProvider,
		dl.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

// Get returns one entry.
func (r *DeadLetterRepo) Get(ctx context.Context, itemID string) (*domain.DeadLetter, error) {
	var row deadLetterRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE item_id = $1`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return row.toDomain()
}

// List returns all entries oldest first.
func (r *DeadLetterRepo) List(ctx context.Context) ([]*domain.DeadLetter, error) {
	var rows []deadLetterRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY failed_at ASC, item_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	out := make([]*domain.DeadLetter, 0, len(rows))
	for _, row := range rows {
		dl, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

// Exists reports whether an item is dead-lettered.
func (r *DeadLetterRepo) Exists(ctx context.Context, itemID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM dead_letters WHERE item_id = $1)`, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to check dead letter: %w", err)
	}
	return exists, nil
}

// IDs returns every item id.
func (r *DeadLetterRepo) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT item_id FROM dead_letters ORDER BY failed_at ASC`); err != nil {
		return nil, fmt.Errorf("failed to list dead letter ids: %w", err)
	}
	return ids, nil
}

// Count returns the number of entries.
func (r *DeadLetterRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM dead_letters`); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes entries that failed before cutoff.
func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
