package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/relay/internal/control"
	"github.com/vietddude/relay/internal/pipeline"
)

var runFlags struct {
	concurrency int
	maxRetries  int
	target      int
	input       string
	fresh       bool
	resume      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a generation session over the input prompts",
	RunE:  runSession,
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runFlags.concurrency, "concurrency", 0, "max in-flight items (overrides run.concurrency)")
	f.IntVar(&runFlags.maxRetries, "max-retries", 0, "attempts per item (overrides run.max_retries)")
	f.IntVar(&runFlags.target, "target", 0, "target item count (overrides run.target_size)")
	f.StringVar(&runFlags.input, "input", "", "JSONL prompt file (overrides run.input)")
	f.BoolVar(&runFlags.resume, "resume", false, "reopen the in-progress session")
	f.BoolVar(&runFlags.fresh, "fresh", false, "start a new session even if one is in progress")
	runCmd.MarkFlagsMutuallyExclusive("resume", "fresh")
	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if runFlags.concurrency > 0 {
		cfg.Run.Concurrency = runFlags.concurrency
	}
	if runFlags.maxRetries > 0 {
		cfg.Run.MaxRetries = runFlags.maxRetries
	}
	if runFlags.target > 0 {
		cfg.Run.TargetSize = runFlags.target
	}
	if runFlags.input != "" {
		cfg.Run.Input = runFlags.input
	}
	if runFlags.resume || runFlags.fresh {
		resume := runFlags.resume
		cfg.Run.Resume = &resume
	}
	if cfg.Run.Input == "" {
		return errors.New("no input: set run.input or pass --input")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewApp(ctx, cfg, control.Options{})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Warn("Error during close", "error", err)
		}
	}()

	source, err := pipeline.OpenFileSource(cfg.Run.Input)
	if err != nil {
		return err
	}
	defer source.Close()

	// First signal: stop starting items and let in-flight ones finish.
	// Second signal: cancel.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigChan)
		close(sigChan)
	}()
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		slog.Info("Received signal, finishing in-flight items...", "signal", sig)
		app.Shutdown()
		if _, ok := <-sigChan; ok {
			slog.Warn("Second signal, stopping now")
			cancel()
		}
	}()

	slog.Info("Relay started", "config", cfgPath, "input", cfg.Run.Input)
	report, err := app.Run(ctx, source, nil)

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if err != nil {
		slog.Error("Run aborted", "error", err)
		return err
	}
	if report.PartialSuccess {
		slog.Warn("Run finished with dead-lettered items", "dead_lettered", report.DeadLettered)
	}
	return nil
}
