package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

var (
	// ErrNotFound is returned when a session or dead letter doesn't exist
	ErrNotFound = errors.New("not found")
)

// DeadLetterRepository stores work items that exhausted their retries.
// Entries are never removed except by DeleteOlderThan.
type DeadLetterRepository interface {
	// Add stores a dead letter, replacing any entry with the same item id
	Add(ctx context.Context, dl *domain.DeadLetter) error

	// Get retrieves one entry by item id
	Get(ctx context.Context, itemID string) (*domain.DeadLetter, error)

	// List returns all entries ordered by failure time, oldest first
	List(ctx context.Context) ([]*domain.DeadLetter, error)

	// Exists reports whether an item id is dead-lettered
	Exists(ctx context.Context, itemID string) (bool, error)

	// IDs returns every dead-lettered item id
	IDs(ctx context.Context) ([]string, error)

	// Count returns the number of entries
	Count(ctx context.Context) (int, error)

	// DeleteOlderThan removes entries that failed before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionRepository persists checkpoint sessions.
type SessionRepository interface {
	// Active returns the in-progress session, or nil when there is none
	Active(ctx context.Context) (*domain.Session, error)

	// Latest returns the most recently updated session, or nil when there is none
	Latest(ctx context.Context) (*domain.Session, error)

	// Get retrieves a session by id
	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// Save creates or updates a session. A completed session stops being active.
	Save(ctx context.Context, s *domain.Session) error
}
