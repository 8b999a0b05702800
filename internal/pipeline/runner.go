// Package pipeline feeds work items through the orchestrator with bounded
// retries, checkpointing successes and dead-lettering exhausted items.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/relay/internal/core/checkpoint"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/rpc/routing"
)

// ErrLowQuality is the failure recorded for content scored under the threshold.
var ErrLowQuality = errors.New("content below quality threshold")

const maxRecentFailures = 10

// Dispatcher sends a payload to some provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload domain.Payload) (routing.Outcome, error)
}

// ItemQueue is the dead-letter view the runner needs.
type ItemQueue interface {
	DeadLetterer
	IDs(ctx context.Context) (map[string]struct{}, error)
}

// QualityFunc scores generated content; higher is better.
type QualityFunc func(ctx context.Context, item domain.WorkItem, content string) (float64, error)

// Config configures a run.
type Config struct {
	Target           int
	Resume           bool
	QualityThreshold float64
	OutputDir        string
	Concurrency      int
	ProgressEvery    int
	Logger           *slog.Logger
}

// Failure is one dead-lettered item in a report.
type Failure struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// Report summarizes a run.
type Report struct {
	SessionID      string              `json:"session_id"`
	Processed      int                 `json:"processed"`
	DeadLettered   int                 `json:"dead_lettered"`
	Skipped        int                 `json:"skipped"`
	Errors         int                 `json:"errors"`
	Interrupted    int                 `json:"interrupted"`
	Progress       checkpoint.Progress `json:"progress"`
	PartialSuccess bool                `json:"partial_success"`
	StopReason     string              `json:"stop_reason"`
	RecentFailures []Failure           `json:"recent_failures,omitempty"`
	Duration       time.Duration       `json:"duration"`
}

// Runner drives one generation session.
type Runner struct {
	cfg         Config
	dispatcher  Dispatcher
	retrier     *Retrier
	checkpoints *checkpoint.Manager
	dlq         ItemQueue
	source      Source
	quality     QualityFunc
	logger      *slog.Logger

	shutdown atomic.Bool
	inflight atomic.Int64
	fatal    atomic.Pointer[error]

	mu     sync.Mutex
	report Report
}

// NewRunner wires a runner. quality may be nil.
func NewRunner(
	cfg Config,
	dispatcher Dispatcher,
	retrier *Retrier,
	checkpoints *checkpoint.Manager,
	dlq ItemQueue,
	source Source,
	quality QualityFunc,
) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		cfg:         cfg,
		dispatcher:  dispatcher,
		retrier:     retrier,
		checkpoints: checkpoints,
		dlq:         dlq,
		source:      source,
		quality:     quality,
		logger:      cfg.Logger,
	}
}

// Shutdown asks the run to stop starting new items. In-flight items finish
// unless the Run context is canceled afterwards.
func (r *Runner) Shutdown() {
	if r.shutdown.CompareAndSwap(false, true) {
		r.logger.Info("Shutdown requested, letting in-flight items finish",
			"inflight", r.inflight.Load(),
		)
	}
}

// Report returns a snapshot of the run so far.
func (r *Runner) Report() Report {
	r.mu.Lock()
	rep := r.report
	rep.RecentFailures = append([]Failure(nil), r.report.RecentFailures...)
	r.mu.Unlock()
	rep.Progress = r.checkpoints.Progress()
	return rep
}

// Run processes items until the target is reached, the input runs out,
// a fatal error surfaces, or shutdown is requested. Only fatal errors are
// returned; dead-lettered items make the run a partial success.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	start := time.Now()

	session, err := r.checkpoints.InitializeSession(ctx, checkpoint.SessionOptions{
		Target:           r.cfg.Target,
		Resume:           r.cfg.Resume,
		QualityThreshold: r.cfg.QualityThreshold,
		OutputDir:        r.cfg.OutputDir,
	})
	if err != nil {
		return Report{}, fmt.Errorf("initialize session: %w", err)
	}
	r.mu.Lock()
	r.report.SessionID = session.SessionID
	r.mu.Unlock()

	done := r.checkpoints.CompletedIDs()
	dead, err := r.dlq.IDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load dead letters: %w", err)
	}

	r.logger.Info("Run started",
		"session", session.SessionID,
		"current", session.CurrentCount,
		"target", session.TargetSize,
		"checkpointed", len(done),
		"dead_lettered", len(dead),
		"concurrency", r.cfg.Concurrency,
	)

	// In-flight items finish when ctx is canceled. Canceling ctx after
	// Shutdown aborts them instead; they stay unrecorded and are picked up
	// on resume.
	workCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()
	stopAbort := context.AfterFunc(ctx, func() {
		if r.shutdown.Load() {
			r.logger.Warn("Canceled after shutdown, aborting in-flight items",
				"inflight", r.inflight.Load(),
			)
			abort()
		}
	})
	defer stopAbort()

	var g errgroup.Group

	seen := make(map[string]struct{})
	reason := r.feed(ctx, workCtx, &g, done, dead, seen)

	_ = g.Wait()

	if err := r.checkpoints.Flush(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("Final checkpoint flush failed", "error", err)
	}

	var fatalErr error
	if p := r.fatal.Load(); p != nil {
		fatalErr = *p
		reason = "fatal"
	}

	r.mu.Lock()
	r.report.StopReason = reason
	r.report.Duration = time.Since(start)
	r.report.PartialSuccess = r.report.DeadLettered > 0 || r.report.Errors > 0
	r.mu.Unlock()

	rep := r.Report()
	r.logger.Info("Run finished",
		"session", rep.SessionID,
		"reason", rep.StopReason,
		"processed", rep.Processed,
		"dead_lettered", rep.DeadLettered,
		"skipped", rep.Skipped,
		"current", rep.Progress.Current,
		"target", rep.Progress.Target,
		"duration", rep.Duration.Round(time.Millisecond),
	)
	return rep, fatalErr
}

// feed starts items until a stop condition holds and returns its name.
func (r *Runner) feed(
	ctx, workCtx context.Context,
	g *errgroup.Group,
	done, dead, seen map[string]struct{},
) string {
	slots := make(chan struct{}, r.cfg.Concurrency)

	for {
		if reason := r.stopReason(ctx); reason != "" {
			return reason
		}

		// Never run more items than the target still needs.
		p := r.checkpoints.Progress()
		if int64(p.Target-p.Current) <= r.inflight.Load() {
			_ = g.Wait()
			continue
		}

		item, err := r.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return "input exhausted"
		}
		if err != nil {
			if ctx.Err() != nil {
				return "canceled"
			}
			r.logger.Error("Failed to read input", "error", err)
			r.setFatal(fmt.Errorf("%w: read input: %w", ErrFatal, err))
			return "fatal"
		}

		if _, ok := done[item.ID]; ok {
			r.addSkipped()
			continue
		}
		if _, ok := dead[item.ID]; ok {
			r.addSkipped()
			continue
		}
		if _, ok := seen[item.ID]; ok {
			r.addSkipped()
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return r.stopReason(ctx)
		}
		// Conditions may have changed while waiting for a slot; the item
		// stays unstarted and is picked up on resume.
		if reason := r.stopReason(ctx); reason != "" {
			<-slots
			return reason
		}

		seen[item.ID] = struct{}{}
		r.inflight.Add(1)
		g.Go(func() error {
			defer func() {
				r.inflight.Add(-1)
				<-slots
			}()
			r.handle(workCtx, item)
			return nil
		})
	}
}

func (r *Runner) stopReason(ctx context.Context) string {
	switch {
	case r.shutdown.Load():
		return "shutdown"
	case ctx.Err() != nil:
		return "canceled"
	case r.fatal.Load() != nil:
		return "fatal"
	case r.checkpoints.Progress().Completed:
		return "target reached"
	}
	return ""
}

func (r *Runner) handle(ctx context.Context, item domain.WorkItem) {
	err := r.retrier.Run(ctx, item, func(ctx context.Context, attempt int) error {
		return r.attempt(ctx, item)
	})

	switch {
	case err == nil:
		r.addProcessed()
	case errors.Is(err, ErrFatal):
		r.logger.Error("Fatal error, aborting run", "item", item.ID, "error", err)
		r.setFatal(err)
	case errors.Is(err, ErrItemDeadLettered):
		r.addFailure(item.ID, err, true)
	case ctx.Err() != nil:
		r.logger.Warn("Item interrupted, left for resume", "item", item.ID, "error", err)
		r.addInterrupted()
	default:
		r.logger.Error("Item failed", "item", item.ID, "error", err)
		r.addFailure(item.ID, err, false)
	}
}

// attempt is one dispatch-and-checkpoint try.
func (r *Runner) attempt(ctx context.Context, item domain.WorkItem) error {
	out, err := r.dispatcher.Dispatch(ctx, item.Payload)
	if err != nil {
		if errors.Is(err, routing.ErrNoProviders) {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
		return err
	}

	switch out.Kind {
	case routing.OutcomeSuccess:
	case routing.OutcomeFatal:
		return &AttemptError{Provider: out.Provider, Err: fmt.Errorf("%w: %w", ErrFatal, out.Err)}
	default:
		return &AttemptError{Provider: out.Provider, Err: fmt.Errorf("%s: %w", out.Kind, out.Err)}
	}

	if r.quality != nil {
		score, err := r.quality(ctx, item, out.Content)
		if err != nil {
			return &AttemptError{Provider: out.Provider, Err: fmt.Errorf("quality check: %w", err)}
		}
		if score < r.cfg.QualityThreshold {
			return &AttemptError{
				Provider: out.Provider,
				Err:      fmt.Errorf("%w: %.3f < %.3f", ErrLowQuality, score, r.cfg.QualityThreshold),
			}
		}
	}

	rec := domain.Record{
		ItemID:    item.ID,
		Provider:  out.Provider,
		Model:     out.Model,
		Content:   out.Content,
		LatencyMS: out.Latency.Milliseconds(),
		Metadata:  item.Payload.Metadata,
	}
	completed, err := r.checkpoints.RecordItem(ctx, rec)
	if errors.Is(err, checkpoint.ErrSessionCompleted) {
		r.logger.Debug("Session already complete, discarding result", "item", item.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if completed {
		r.logger.Info("Target reached", "item", item.ID)
	}
	return nil
}

func (r *Runner) setFatal(err error) {
	r.fatal.CompareAndSwap(nil, &err)
}

func (r *Runner) addSkipped() {
	r.mu.Lock()
	r.report.Skipped++
	r.mu.Unlock()
}

func (r *Runner) addInterrupted() {
	r.mu.Lock()
	r.report.Interrupted++
	r.mu.Unlock()
}

func (r *Runner) addProcessed() {
	r.mu.Lock()
	r.report.Processed++
	n := r.report.Processed
	r.mu.Unlock()

	if r.cfg.ProgressEvery > 0 && n%r.cfg.ProgressEvery == 0 {
		p := r.checkpoints.Progress()
		r.logger.Info("Progress",
			"current", p.Current,
			"target", p.Target,
			"percent", fmt.Sprintf("%.1f", p.Percentage),
			"rate", fmt.Sprintf("%.2f/s", p.ItemsPerSecond),
		)
	}
}

func (r *Runner) addFailure(id string, err error, deadLettered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if deadLettered {
		r.report.DeadLettered++
	} else {
		r.report.Errors++
	}
	r.report.RecentFailures = append(r.report.RecentFailures, Failure{ItemID: id, Reason: err.Error()})
	if n := len(r.report.RecentFailures); n > maxRecentFailures {
		r.report.RecentFailures = r.report.RecentFailures[n-maxRecentFailures:]
	}
}
