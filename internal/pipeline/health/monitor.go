package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/relay/internal/core/checkpoint"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/rpc/routing"
	"github.com/vietddude/relay/internal/infra/rpc/transport"
	"github.com/vietddude/relay/internal/pipeline/metrics"
)

// ProgressSource reports checkpoint progress.
type ProgressSource interface {
	Progress() checkpoint.Progress
}

// DeadLetterSource exposes the dead-letter queue for inspection.
type DeadLetterSource interface {
	Count(ctx context.Context) (int, error)
	List(ctx context.Context) ([]*domain.DeadLetter, error)
}

const recentDeadLetters = 20

// Monitor aggregates health status from the registry, checkpoint and DLQ.
type Monitor struct {
	registry *routing.Registry
	progress ProgressSource
	dlq      DeadLetterSource
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor creates a new health monitor. progress may be nil before a
// run starts.
func NewMonitor(registry *routing.Registry, progress ProgressSource, dlq DeadLetterSource, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		progress: progress,
		dlq:      dlq,
		logger:   logger,
		now:      time.Now,
	}
}

// Progress returns checkpoint progress, or zero before a run starts.
func (m *Monitor) Progress() checkpoint.Progress {
	if m.progress == nil {
		return checkpoint.Progress{}
	}
	return m.progress.Progress()
}

// Providers reports every provider in selection order and refreshes the
// limiter gauges.
func (m *Monitor) Providers() []ProviderHealth {
	now := m.now()
	cooling := m.registry.Cooldowns().Snapshot(now)

	var out []ProviderHealth
	for _, p := range m.registry.All() {
		req := p.Gate.Requests().Stats()
		tok := p.Gate.Tokens().Stats()
		metrics.LimiterInWindow.WithLabelValues(p.Name(), "requests").Set(float64(req.InWindow))
		metrics.LimiterInWindow.WithLabelValues(p.Name(), "tokens").Set(float64(tok.InWindow))

		ph := ProviderHealth{
			Name:      p.Name(),
			Transport: p.Descriptor.Transport,
			Model:     p.Descriptor.Model,
			Tier:      p.Descriptor.Tier,
			Requests:  WindowUsage{InWindow: req.InWindow, Max: req.MaxCalls},
			Tokens:    WindowUsage{InWindow: tok.InWindow, Max: tok.MaxCalls},
			Monitor:   p.Monitor.GetStats(),
		}
		if until, ok := cooling[p.Name()]; ok {
			ph.CoolingDown = true
			ph.CooldownUntil = &until
		}
		ph.Status = providerStatus(ph)
		out = append(out, ph)
	}
	return out
}

func providerStatus(ph ProviderHealth) SystemStatus {
	switch ph.Monitor.Status {
	case transport.StatusBlocked:
		return StatusCritical
	case transport.StatusDegraded, transport.StatusThrottled:
		return StatusDegraded
	}
	if ph.CoolingDown {
		return StatusDegraded
	}
	return StatusHealthy
}

// DeadLetters returns the entry count and the most recent entries.
func (m *Monitor) DeadLetters(ctx context.Context) (DLQSummary, error) {
	list, err := m.dlq.List(ctx)
	if err != nil {
		return DLQSummary{}, err
	}
	sum := DLQSummary{Count: len(list)}
	if len(list) > recentDeadLetters {
		list = list[len(list)-recentDeadLetters:]
	}
	// newest first
	for i := len(list) - 1; i >= 0; i-- {
		sum.Recent = append(sum.Recent, list[i])
	}
	return sum, nil
}

// CheckHealth builds the full report. The system is critical when no
// provider is usable and degraded when some are not.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{
		SystemStatus: StatusHealthy,
		Progress:     m.Progress(),
		Providers:    m.Providers(),
	}

	count, err := m.dlq.Count(ctx)
	if err != nil {
		m.logger.Warn("Failed to count dead letters", "error", err)
	} else {
		report.DeadLetters = count
	}

	usable := 0
	for _, ph := range report.Providers {
		if ph.Status == StatusHealthy {
			usable++
		}
	}
	switch {
	case len(report.Providers) == 0 || usable == 0:
		report.SystemStatus = StatusCritical
	case usable < len(report.Providers):
		report.SystemStatus = StatusDegraded
	}
	return report
}
