package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/relay/internal/control"
	"github.com/vietddude/relay/internal/core/deadletter"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and clean up dead-lettered items",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered items, oldest first",
	RunE:  runDLQList,
}

var dlqPurgeOlderThan time.Duration

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead-lettered items that failed before --older-than",
	RunE:  runDLQPurge,
}

func init() {
	dlqPurgeCmd.Flags().DurationVar(&dlqPurgeOlderThan, "older-than", 30*24*time.Hour, "age threshold; 0 purges everything")
	dlqCmd.AddCommand(dlqListCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openQueue(ctx context.Context) (*deadletter.Queue, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	stores, err := control.OpenStores(ctx, cfg.Storage, discardLogger())
	if err != nil {
		return nil, nil, err
	}
	return deadletter.NewQueue(stores.DeadLetters, slog.Default()), func() { _ = stores.Close() }, nil
}

func runDLQList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	q, closeFn, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := q.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITEM\tFAILED\tATTEMPTS\tPROVIDER\tREASON")
	for _, dl := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			dl.ItemID, dl.FailedAt.Format(time.RFC3339), dl.Attempts, dl.LastProvider, dl.Reason)
	}
	return w.Flush()
}

func runDLQPurge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	q, closeFn, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := q.Purge(ctx, dlqPurgeOlderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d dead letters\n", n)
	return nil
}
