// Package deadletter isolates work items that exhausted their retry budget.
//
// Entries are kept apart from the input set and are never re-ingested
// automatically. Removing one takes an explicit Purge.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/pipeline/metrics"
)

// Queue is the dead-letter queue over a storage backend.
type Queue struct {
	repo   storage.DeadLetterRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a queue. A nil logger falls back to slog.Default().
func NewQueue(repo storage.DeadLetterRepository, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Add durably isolates an item together with a human-readable reason.
func (q *Queue) Add(
	ctx context.Context,
	item domain.WorkItem,
	reason string,
	attempts int,
	lastProvider string,
) error {
	dl := &domain.DeadLetter{
		ItemID:       item.ID,
		Payload:      item.Payload,
		Reason:       reason,
		Attempts:     attempts,
		LastProvider: lastProvider,
		FailedAt:     q.now().UTC(),
	}

	if err := q.repo.Add(ctx, dl); err != nil {
		q.logger.Error("Failed to write dead letter",
			"item", item.ID,
			"reason", reason,
			"error", err,
		)
		return fmt.Errorf("dead-letter %s: %w", item.ID, err)
	}

	metrics.ItemsDeadLettered.Inc()
	q.logger.Warn("Item dead-lettered",
		"item", item.ID,
		"attempts", attempts,
		"provider", lastProvider,
		"reason", reason,
	)
	return nil
}

// List returns all entries, oldest failure first.
func (q *Queue) List(ctx context.Context) ([]*domain.DeadLetter, error) {
	return q.repo.List(ctx)
}

// Get returns one entry or storage.ErrNotFound.
func (q *Queue) Get(ctx context.Context, itemID string) (*domain.DeadLetter, error) {
	return q.repo.Get(ctx, itemID)
}

// Contains reports whether an item is dead-lettered.
func (q *Queue) Contains(ctx context.Context, itemID string) (bool, error) {
	return q.repo.Exists(ctx, itemID)
}

// IDs returns the set of dead-lettered item ids.
func (q *Queue) IDs(ctx context.Context) (map[string]struct{}, error) {
	ids, err := q.repo.IDs(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Count returns the number of entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.repo.Count(ctx)
}

// Purge removes entries that failed more than olderThan ago.
// A non-positive olderThan removes everything.
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)
	if olderThan <= 0 {
		cutoff = q.now().Add(time.Second)
	}

	n, err := q.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	if n > 0 {
		q.logger.Info("Purged dead letters", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
