package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/daemon"
)

const defaultConfigPath = "blufio.toml"

// buildServeCmd creates the "serve" command that starts the daemon.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Blufio daemon",
		Long: `Start the Blufio daemon: open storage, unlock the vault, connect
configured channels and LLM providers, and run until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return daemon.Run(ctx, cfg, slog.Default(), version)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to TOML configuration file")
	return cmd
}

// buildStatusCmd creates the "status" command that reports whether a
// daemon is running, by reading the status file the running process
// maintains rather than calling out to it over a socket.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		jsonOutput bool
		maxAge     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the Blufio daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			report, err := daemon.ReadStatus(cfg.Storage.Path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			state := "running"
			if report.Stale(maxAge) {
				state = "stale (no heartbeat recently; process may have died)"
			}
			fmt.Fprintf(out, "blufio %s\n", state)
			fmt.Fprintf(out, "  pid:             %d\n", report.PID)
			fmt.Fprintf(out, "  version:         %s\n", report.Version)
			fmt.Fprintf(out, "  started:         %s\n", report.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "  last heartbeat:  %s\n", report.LastHeartbeat.Format(time.RFC3339))
			fmt.Fprintf(out, "  channels:        %v\n", report.ActiveChannels)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to TOML configuration file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().DurationVar(&maxAge, "max-age", 2*time.Minute, "How old a heartbeat can be before the daemon is considered stale")
	return cmd
}
