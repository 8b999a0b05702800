package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/relay/internal/control"
	"github.com/vietddude/relay/internal/core/domain"
)

var probePrompt string

var probeCmd = &cobra.Command{
	Use:   "probe <provider>",
	Short: "Send one prompt to a single provider and print the outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probePrompt, "prompt", "Reply with the single word: pong", "prompt to send")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	app, err := control.NewApp(ctx, cfg, control.Options{})
	if err != nil {
		return err
	}
	defer app.Close()

	out, err := app.Orchestrator().DispatchTo(ctx, args[0], domain.Payload{Prompt: probePrompt, MaxTokens: 32})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "provider: %s (%s)\n", out.Provider, out.Model)
	fmt.Fprintf(w, "outcome:  %s\n", out.Kind)
	fmt.Fprintf(w, "latency:  %s\n", out.Latency.Round(time.Millisecond))
	if out.OK() {
		fmt.Fprintf(w, "content:  %s\n", out.Content)
		return nil
	}
	fmt.Fprintf(w, "error:    %v\n", out.Err)
	if out.RetryAfter > 0 {
		fmt.Fprintf(w, "retry in: %s\n", out.RetryAfter)
	}
	return fmt.Errorf("probe failed: %s", out.Kind)
}
