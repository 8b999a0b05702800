package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/relay/internal/control"
	"github.com/vietddude/relay/internal/core/checkpoint"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest session and dead-letter count",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	stores, err := control.OpenStores(ctx, cfg.Storage, discardLogger())
	if err != nil {
		return err
	}
	defer func() {
		_ = stores.Close()
	}()

	session, err := stores.Sessions.Latest(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	dead, err := stores.DeadLetters.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count dead letters: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	defer w.Flush()

	if session == nil {
		_, _ = fmt.Fprintln(w, "SESSION\t(none)")
	} else {
		p := checkpoint.ProgressOf(session)
		_, _ = fmt.Fprintf(w, "SESSION\t%s\n", p.SessionID)
		_, _ = fmt.Fprintf(w, "STATE\t%s\n", checkpoint.StateDescription(p.State))
		_, _ = fmt.Fprintf(w, "PROGRESS\t%d / %d (%.1f%%)\n", p.Current, p.Target, p.Percentage)
		_, _ = fmt.Fprintf(w, "OUTPUT\t%s\n", p.OutputFile)
		_, _ = fmt.Fprintf(w, "STARTED\t%s\n", session.StartTime.Format(time.RFC3339))
		_, _ = fmt.Fprintf(w, "UPDATED\t%s\n", session.UpdatedAt.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "DEAD LETTERS\t%d\n", dead)
	return nil
}
