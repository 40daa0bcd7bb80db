// Command blufio is the daemon's entry point: a thin cobra CLI exposing
// exactly two commands, serve and status. All wiring and orchestration
// logic lives in internal/daemon; this file only parses flags and calls
// into it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with both subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "blufio",
		Short:        "Blufio - always-on personal AI agent daemon",
		Long:         `Blufio runs as a single long-lived process: one chat channel in, one agent runtime out, with its own storage, model routing, cost tracking, and heartbeat check-ins.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd(), buildStatusCmd())
	return rootCmd
}
