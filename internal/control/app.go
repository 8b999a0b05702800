// Package control builds the application object graph from configuration.
// Nothing here is global: every component is constructed and owned by App.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/vietddude/relay/internal/core/checkpoint"
	"github.com/vietddude/relay/internal/core/config"
	"github.com/vietddude/relay/internal/core/deadletter"
	"github.com/vietddude/relay/internal/infra/rpc"
	"github.com/vietddude/relay/internal/pipeline"
	"github.com/vietddude/relay/internal/pipeline/health"
)

// Options customizes App construction.
type Options struct {
	Logger *slog.Logger

	// Credentials resolves provider credential refs. Defaults to os.Getenv.
	Credentials rpc.CredentialFunc

	// Transports overrides provider transports by name.
	Transports map[string]rpc.Transport
}

// App owns the orchestrator, storage, checkpointing and status server.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	stores         *Stores
	orchestrator   *rpc.Orchestrator
	closeProviders func() error
	dlq            *deadletter.Queue
	checkpoints    *checkpoint.Manager
	pruner         *deadletter.Pruner
	monitor        *health.Monitor
	server         *health.Server

	mu        sync.Mutex
	runner    *pipeline.Runner
	stopAsked bool
}

// NewApp creates an App with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Credentials == nil {
		opts.Credentials = os.Getenv
	}

	descs, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}

	stores, err := OpenStores(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	orch, closeProviders, err := rpc.Build(descs, rpc.BuildOptions{
		Credentials:     opts.Credentials,
		SelectInterval:  cfg.Run.SelectInterval,
		DefaultCooldown: cfg.Run.DefaultCooldown,
		Logger:          log,
		Transports:      opts.Transports,
	})
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}

	dlq := deadletter.NewQueue(stores.DeadLetters, log)
	checkpoints := checkpoint.NewManager(stores.Sessions, log)
	monitor := health.NewMonitor(orch.Registry(), checkpoints, dlq, log)

	app := &App{
		cfg:            cfg,
		log:            log,
		stores:         stores,
		orchestrator:   orch,
		closeProviders: closeProviders,
		dlq:            dlq,
		checkpoints:    checkpoints,
		pruner:         deadletter.NewPruner(dlq, cfg.Storage.DLQRetention),
		monitor:        monitor,
	}
	if cfg.Server.Port > 0 {
		app.server = health.NewServer(monitor, cfg.Server.Port)
	}
	return app, nil
}

// Orchestrator returns the provider orchestrator.
func (a *App) Orchestrator() *rpc.Orchestrator { return a.orchestrator }

// DeadLetters returns the dead-letter queue.
func (a *App) DeadLetters() *deadletter.Queue { return a.dlq }

// Checkpoints returns the checkpoint manager.
func (a *App) Checkpoints() *checkpoint.Manager { return a.checkpoints }

// Monitor returns the health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// Run executes one generation session over source. Background workers
// (status server, DLQ pruner, DB metrics) live for the duration of the run.
func (a *App) Run(ctx context.Context, source pipeline.Source, quality pipeline.QualityFunc) (pipeline.Report, error) {
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Status server failed", "error", err)
			}
		}()
		defer func() {
			if err := a.server.Stop(context.WithoutCancel(ctx)); err != nil {
				a.log.Warn("Failed to stop status server", "error", err)
			}
		}()
	}
	go a.pruner.Start(bgCtx)
	a.stores.StartCollectors(bgCtx)

	run := a.cfg.Run
	retrier := pipeline.NewRetrier(pipeline.RetrierConfig{
		MaxRetries:  run.MaxRetries,
		BaseDelay:   run.BaseDelay,
		MaxDelay:    run.MaxDelay,
		Concurrency: run.Concurrency,
		Logger:      a.log,
	}, a.dlq)

	runner := pipeline.NewRunner(pipeline.Config{
		Target:           run.TargetSize,
		Resume:           run.ShouldResume(),
		QualityThreshold: run.QualityThreshold,
		OutputDir:        run.OutputDir,
		Concurrency:      run.Concurrency,
		ProgressEvery:    run.ProgressEvery,
		Logger:           a.log,
	}, a.orchestrator, retrier, a.checkpoints, a.dlq, source, quality)

	a.mu.Lock()
	a.runner = runner
	if a.stopAsked {
		runner.Shutdown()
	}
	a.mu.Unlock()

	return runner.Run(ctx)
}

// Shutdown asks a running session to stop after in-flight items finish.
func (a *App) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopAsked = true
	if a.runner != nil {
		a.runner.Shutdown()
	}
}

// Close releases providers, the output file and storage connections.
func (a *App) Close() error {
	var errs []error
	if err := a.checkpoints.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close checkpoint: %w", err))
	}
	if err := a.closeProviders(); err != nil {
		errs = append(errs, fmt.Errorf("close providers: %w", err))
	}
	if err := a.stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}
