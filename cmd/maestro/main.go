// Package main is the CLI entry point for the maestro task orchestrator.
//
// Maestro routes user messages between a chat path and a multi-agent task
// path: a planner builds a hierarchical todo, an executor drives capability
// providers, a verifier checks evidence, and a replanner repairs failures.
//
// Basic usage:
//
//	maestro run "open the calculator and compute 2+2"
//	maestro serve --config maestro.yaml
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tessro/maestro/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "maestro",
		Short:        "Maestro - adaptive multi-agent task orchestrator",
		Long:         "Maestro drives an LLM endpoint and capability providers through\nplanned, verified, self-correcting task execution.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
	)
	return rootCmd
}

// defaultConfigPath is tried when --config is not given.
const defaultConfigPath = "maestro.yaml"

// loadConfig reads the config file. When the default path is absent and was
// not explicitly requested, the built-in defaults apply.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}
