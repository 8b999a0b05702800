package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/relay/internal/core/checkpoint"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/rpc/routing"
	"github.com/vietddude/relay/internal/infra/rpc/transport"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/infra/storage/memory"
)

// funcDispatcher answers every call through fn.
type funcDispatcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(payload domain.Payload, call int) routing.Outcome
}

func newFuncDispatcher(fn func(payload domain.Payload, call int) routing.Outcome) *funcDispatcher {
	return &funcDispatcher{calls: make(map[string]int), fn: fn}
}

func (d *funcDispatcher) Dispatch(ctx context.Context, payload domain.Payload) (routing.Outcome, error) {
	d.mu.Lock()
	d.calls[payload.Prompt]++
	n := d.calls[payload.Prompt]
	d.mu.Unlock()
	return d.fn(payload, n), nil
}

func (d *funcDispatcher) Calls(prompt string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[prompt]
}

func (d *funcDispatcher) Total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

func succeed(p domain.Payload) routing.Outcome {
	return routing.Outcome{Kind: routing.OutcomeSuccess, Provider: "fake", Model: "m", Content: "re: " + p.Prompt}
}

func items(ids ...string) []domain.WorkItem {
	out := make([]domain.WorkItem, len(ids))
	for i, id := range ids {
		out[i] = domain.NewWorkItem(id, domain.Payload{Prompt: id})
	}
	return out
}

type runnerEnv struct {
	sessions storage.SessionRepository
	dlq      *fakeDLQ
	outDir   string
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	return &runnerEnv{
		sessions: memory.NewSessionRepo(memory.NewMemoryStorage()),
		dlq:      &fakeDLQ{},
		outDir:   t.TempDir(),
	}
}

func (e *runnerEnv) runner(t *testing.T, cfg Config, d Dispatcher, src Source, q QualityFunc) *Runner {
	t.Helper()
	cfg.OutputDir = e.outDir
	retrier, _ := newTestRetrier(RetrierConfig{MaxRetries: 3, Concurrency: cfg.Concurrency}, e.dlq)
	cp := checkpoint.NewManager(e.sessions, nil)
	t.Cleanup(func() { _ = cp.Close() })
	return NewRunner(cfg, d, retrier, cp, e.dlq, src, q)
}

func outputIDs(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec struct {
			ItemID string `json:"item_id"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		ids = append(ids, rec.ItemID)
	}
	require.NoError(t, sc.Err())
	return ids
}

func TestRunner_PoisonItemIsDeadLetteredNotOutput(t *testing.T) {
	env := newRunnerEnv(t)
	d := newFuncDispatcher(func(p domain.Payload, call int) routing.Outcome {
		if p.Prompt == "poison" {
			return routing.Outcome{Kind: routing.OutcomeRetryable, Provider: "fake", Err: errors.New("503")}
		}
		return succeed(p)
	})
	r := env.runner(t, Config{Target: 10, Concurrency: 3}, d,
		NewSliceSource(items("a", "b", "poison", "c", "d", "e")...), nil)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, rep.Processed)
	assert.Equal(t, 1, rep.DeadLettered)
	assert.True(t, rep.PartialSuccess)
	assert.Equal(t, "input exhausted", rep.StopReason)
	assert.Equal(t, 5, rep.Progress.Current)
	require.Len(t, rep.RecentFailures, 1)
	assert.Equal(t, "poison", rep.RecentFailures[0].ItemID)

	assert.Equal(t, 3, d.Calls("poison"))
	require.Equal(t, 1, env.dlq.Len())
	assert.Equal(t, "poison", env.dlq.entries[0].item.ID)
	assert.Equal(t, "fake", env.dlq.entries[0].lastProvider)

	ids := outputIDs(t, r.checkpoints.Session().OutputFile)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, ids)
}

func TestRunner_StopsAtTarget(t *testing.T) {
	env := newRunnerEnv(t)
	d := newFuncDispatcher(func(p domain.Payload, call int) routing.Outcome { return succeed(p) })
	r := env.runner(t, Config{Target: 3, Concurrency: 4}, d,
		NewSliceSource(items("1", "2", "3", "4", "5", "6", "7", "8")...), nil)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "target reached", rep.StopReason)
	assert.True(t, rep.Progress.Completed)
	assert.Equal(t, 3, rep.Progress.Current)
	assert.Equal(t, 3, d.Total())
	assert.False(t, rep.PartialSuccess)
	assert.Len(t, outputIDs(t, r.checkpoints.Session().OutputFile), 3)
}

func TestRunner_FatalAborts(t *testing.T) {
	env := newRunnerEnv(t)
	d := newFuncDispatcher(func(p domain.Payload, call int) routing.Outcome {
		if p.Prompt == "b" {
			return routing.Outcome{Kind: routing.OutcomeFatal, Provider: "fake", Err: errors.New("401 unauthorized")}
		}
		return succeed(p)
	})
	r := env.runner(t, Config{Target: 10, Concurrency: 1}, d,
		NewSliceSource(items("a", "b", "c", "d")...), nil)

	rep, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, "fatal", rep.StopReason)
	assert.Equal(t, 1, d.Calls("b"))
	assert.Zero(t, d.Calls("c"))
	assert.Zero(t, env.dlq.Len())
}

func TestRunner_NoProvidersIsFatal(t *testing.T) {
	env := newRunnerEnv(t)
	reg, err := routing.NewRegistry(nil, routing.NewCooldowns(), routing.RegistryConfig{})
	require.NoError(t, err)
	orch := routing.NewOrchestrator(reg, routing.OrchestratorConfig{})

	r := env.runner(t, Config{Target: 2}, orch, NewSliceSource(items("a")...), nil)
	_, err = r.Run(context.Background())
	require.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, routing.ErrNoProviders)
}

func TestRunner_ResumeSkipsFinishedAndDeadLettered(t *testing.T) {
	env := newRunnerEnv(t)
	d := newFuncDispatcher(func(p domain.Payload, call int) routing.Outcome {
		if p.Prompt == "c" {
			return routing.Outcome{Kind: routing.OutcomeMalformed, Provider: "fake", Err: errors.New("empty")}
		}
		return succeed(p)
	})

	first := env.runner(t, Config{Target: 10, Resume: true, Concurrency: 2}, d,
		NewSliceSource(items("a", "b", "c", "d")...), nil)
	rep1, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rep1.Processed)
	require.NoError(t, first.checkpoints.Close())

	second := env.runner(t, Config{Target: 10, Resume: true, Concurrency: 2}, d,
		NewSliceSource(items("a", "b", "c", "d", "e")...), nil)
	rep2, err := second.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, rep1.SessionID, rep2.SessionID)
	assert.Equal(t, 1, rep2.Processed)
	assert.Equal(t, 4, rep2.Skipped)
	assert.Equal(t, 4, rep2.Progress.Current)
	assert.Equal(t, 1, d.Calls("a"))
	assert.Equal(t, 3, d.Calls("c"))
	assert.Equal(t, 1, d.Calls("e"))
}

func TestRunner_DuplicateInputIDsRunOnce(t *testing.T) {
	env := newRunnerEnv(t)
	d := newFuncDispatcher(func(p domain.Payload, call int) routing.Outcome { return succeed(p) })
	r := env.runner(t, Config{Target: 10, Concurrency: 2}, d,
		NewSliceSource(items("a", "a", "b")...), nil)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, d.Calls("a"))
}

func TestRunner_ShutdownLetsInFlightFinish(t *testing.T) {
	env := newRunnerEnv(t)
	var r *Runner
	d := newFuncDispatcher(func(p domain.Payload, call int) routing.Outcome {
		r.Shutdown()
		return succeed(p)
	})
	r = env.runner(t, Config{Target: 10, Concurrency: 1}, d,
		NewSliceSource(items("a", "b", "c")...), nil)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shutdown", rep.StopReason)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Progress.Current)
	assert.Equal(t, []string{"a"}, outputIDs(t, r.checkpoints.Session().OutputFile))
}

func TestRunner_CanceledContextStopsFeeding(t *testing.T) {
	env := newRunnerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	d := newFuncDispatcher(func(p domain.Payload, call int) routing.Outcome {
		cancel()
		return succeed(p)
	})
	r := env.runner(t, Config{Target: 10, Concurrency: 1}, d,
		NewSliceSource(items("a", "b", "c")...), nil)

	rep, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "canceled", rep.StopReason)
	assert.Equal(t, 1, rep.Progress.Current)
}

// blockingDispatcher parks every call until its context is canceled.
type blockingDispatcher struct {
	started chan string
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, payload domain.Payload) (routing.Outcome, error) {
	d.started <- payload.Prompt
	<-ctx.Done()
	return routing.Outcome{}, ctx.Err()
}

func TestRunner_CancelAfterShutdownAbortsInFlight(t *testing.T) {
	env := newRunnerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &blockingDispatcher{started: make(chan string, 4)}
	r := env.runner(t, Config{Target: 10, Concurrency: 2, Resume: true}, d,
		NewSliceSource(items("a", "b", "c")...), nil)

	type result struct {
		rep Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := r.Run(ctx)
		done <- result{rep, err}
	}()

	for range 2 {
		select {
		case <-d.started:
		case <-time.After(2 * time.Second):
			t.Fatal("items never started")
		}
	}

	r.Shutdown()
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown and cancel")
	}
	require.NoError(t, res.err)
	assert.Equal(t, "shutdown", res.rep.StopReason)
	assert.Equal(t, 2, res.rep.Interrupted)
	assert.Zero(t, res.rep.Processed)
	assert.Zero(t, res.rep.DeadLettered)
	assert.Zero(t, res.rep.Errors)
	assert.Zero(t, env.dlq.Len())
	assert.Zero(t, res.rep.Progress.Current)

	// interrupted items run again on resume
	ok := newFuncDispatcher(func(p domain.Payload, call int) routing.Outcome { return succeed(p) })
	r2 := env.runner(t, Config{Target: 10, Concurrency: 2, Resume: true}, ok,
		NewSliceSource(items("a", "b", "c")...), nil)
	rep, err := r2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.rep.SessionID, rep.SessionID)
	assert.Equal(t, 3, rep.Processed)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, outputIDs(t, r2.checkpoints.Session().OutputFile))
}

func TestRunner_QualityGate(t *testing.T) {
	env := newRunnerEnv(t)
	d := newFuncDispatcher(func(p domain.Payload, call int) routing.Outcome { return succeed(p) })
	quality := func(ctx context.Context, item domain.WorkItem, content string) (float64, error) {
		if item.ID == "weak" {
			return 0.1, nil
		}
		return 0.9, nil
	}
	r := env.runner(t, Config{Target: 10, QualityThreshold: 0.5, Concurrency: 1}, d,
		NewSliceSource(items("good", "weak")...), quality)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.DeadLettered)
	assert.Equal(t, 3, d.Calls("weak"))
	require.Equal(t, 1, env.dlq.Len())
	assert.Contains(t, env.dlq.entries[0].reason, ErrLowQuality.Error())
}

func TestRunner_FailsOverThroughRegistry(t *testing.T) {
	env := newRunnerEnv(t)

	mk := func(name string, tier int) (*routing.Provider, *transport.Echo) {
		desc := domain.ProviderDescriptor{Name: name, Transport: domain.TransportEcho, Model: name, Tier: tier}
		echo := transport.NewEcho(desc)
		return routing.NewProvider(desc, echo), echo
	}
	primary, primaryEcho := mk("primary", 2)
	backup, backupEcho := mk("backup", 1)
	primaryEcho.Script(&transport.Error{
		Kind:       transport.KindRateLimited,
		Provider:   "primary",
		StatusCode: http.StatusTooManyRequests,
		Message:    "slow down",
	})

	reg, err := routing.NewRegistry([]*routing.Provider{primary, backup}, routing.NewCooldowns(), routing.RegistryConfig{})
	require.NoError(t, err)
	orch := routing.NewOrchestrator(reg, routing.OrchestratorConfig{})

	var ids []string
	for i := range 6 {
		ids = append(ids, fmt.Sprintf("item-%d", i))
	}
	r := env.runner(t, Config{Target: 10, Concurrency: 1}, orch, NewSliceSource(items(ids...)...), nil)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Processed)
	assert.Zero(t, rep.DeadLettered)
	assert.Equal(t, 1, primaryEcho.Calls())
	assert.Equal(t, 6, backupEcho.Calls())
	assert.True(t, reg.Cooldowns().Active("primary", time.Now()))
}
