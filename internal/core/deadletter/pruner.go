package deadletter

import (
	"context"
	"time"
)

// Pruner purges dead letters older than the retention period.
type Pruner struct {
	queue     *Queue
	retention time.Duration
}

// NewPruner creates a new Pruner worker.
func NewPruner(queue *Queue, retention time.Duration) *Pruner {
	return &Pruner{
		queue:     queue,
		retention: retention,
	}
}

// Interval is how often the pruner runs: a tenth of the retention,
// clamped to [1m, 1h].
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, time.Hour)
	return max(interval, time.Minute)
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	if _, err := p.queue.Purge(ctx, p.retention); err != nil {
		p.queue.logger.Error("[Pruner] failed to prune dead letters", "error", err)
	}
}
