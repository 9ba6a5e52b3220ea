package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tessro/maestro/internal/config"
	"github.com/tessro/maestro/internal/engine"
	"github.com/tessro/maestro/internal/events"
	"github.com/tessro/maestro/pkg/models"
)

// buildRunCmd creates the "run" command: handle one message and stream the
// event frames to stdout as JSON lines.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Handle a single message and print the event stream",
		Example: `  # Run a task against the configured providers
  maestro run "create a notes directory on the desktop"

  # Plain chat goes through the same router
  maestro run "what is a race condition?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg, sessionID, strings.Join(args, " "), quiet)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID to continue (new session when empty)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress event frames, print only the final reply")

	return cmd
}

func runOnce(ctx context.Context, cfg *config.Config, sessionID, message string, quiet bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	var sink events.Sink = events.NopSink{}
	if !quiet {
		sink = events.NewCallbackSink(func(ctx context.Context, frame models.Frame) {
			_ = enc.Encode(frame)
		})
	}

	orch := engine.NewOrchestrator(cfg, sink, nil)
	defer orch.Close()
	if err := orch.Connect(ctx); err != nil {
		return err
	}

	outcome, err := orch.Handle(ctx, sessionID, message)
	if err != nil {
		return err
	}
	if outcome.Reply != "" {
		fmt.Println(outcome.Reply)
	}
	if outcome.Plan != nil {
		fmt.Printf("completed %d of %d items (%.0f%%)\n",
			outcome.Progress.Completed, outcome.Progress.Total, outcome.Progress.SuccessRate)
	}
	return nil
}
