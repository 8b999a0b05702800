package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/pipeline/metrics"
)

var (
	// ErrItemDeadLettered is returned when an item exhausted its retries
	// and was moved to the dead-letter queue.
	ErrItemDeadLettered = errors.New("item dead-lettered")

	// ErrFatal marks a non-retryable failure that aborts the run.
	ErrFatal = errors.New("fatal error")
)

// DeadLetterer isolates items that exhausted their retries.
type DeadLetterer interface {
	Add(ctx context.Context, item domain.WorkItem, reason string, attempts int, lastProvider string) error
}

// AttemptError is a failed attempt attributed to a provider.
type AttemptError struct {
	Provider string
	Err      error
}

func (e *AttemptError) Error() string {
	if e.Provider == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// WorkFunc performs one attempt at an item.
type WorkFunc func(ctx context.Context, attempt int) error

// RetrierConfig configures the retry wrapper.
type RetrierConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Concurrency int
	Logger      *slog.Logger
}

// Retrier runs work items with bounded retries under a semaphore that caps
// how many items are in flight at once.
type Retrier struct {
	backoff *ExponentialBackoff
	sem     *semaphore.Weighted
	dlq     DeadLetterer
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier. Zero config fields take DefaultBackoff
// values and a concurrency of 1.
func NewRetrier(cfg RetrierConfig, dlq DeadLetterer) *Retrier {
	b := DefaultBackoff()
	if cfg.MaxRetries > 0 {
		b.MaxAttempts = cfg.MaxRetries
	}
	if cfg.BaseDelay > 0 {
		b.InitialDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		b.MaxDelay = cfg.MaxDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retrier{
		backoff: b,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		dlq:     dlq,
		logger:  cfg.Logger,
		sleep:   sleepCtx,
	}
}

// MaxAttempts returns the per-item attempt budget.
func (r *Retrier) MaxAttempts() int { return r.backoff.MaxAttempts }

// Run executes work for item until it succeeds, fails fatally, or runs out
// of attempts. An exhausted item is dead-lettered and ErrItemDeadLettered is
// returned. Fatal errors and context cancellation return without a DLQ entry.
func (r *Retrier) Run(ctx context.Context, item domain.WorkItem, work WorkFunc) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	var lastErr error
	for attempt := range r.backoff.MaxAttempts {
		err := work(ctx, attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrFatal) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err

		if attempt == r.backoff.MaxAttempts-1 {
			break
		}

		delay := r.backoff.GetDelay(attempt)
		metrics.RetriesTotal.Inc()
		r.logger.Debug("Retrying item",
			"item", item.ID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	reason := fmt.Sprintf("exhausted %d attempts: %v", r.backoff.MaxAttempts, lastErr)
	if err := r.dlq.Add(ctx, item, reason, r.backoff.MaxAttempts, providerOf(lastErr)); err != nil {
		return fmt.Errorf("item %s failed and could not be dead-lettered: %w", item.ID, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrItemDeadLettered, item.ID, lastErr)
}

func providerOf(err error) string {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Provider
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
