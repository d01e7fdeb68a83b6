// Command clboost replays scenarios against boosted concentrated-liquidity
// pools, serves their read model and follows a served state stream.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "clboost",
		Short:        "Boosted concentrated-liquidity accounting engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a scenario against a pool",
		RunE:  runReplay,
	}
	replayCmd.Flags().String("scenario", "", "scenario YAML file")
	replayCmd.Flags().Bool("resume", false, "continue from the stored snapshot of the pool")
	addBackendFlags(replayCmd)
	root.AddCommand(replayCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API, state stream and metrics",
		RunE:  runServe,
	}
	serveCmd.Flags().String("http-addr", ":8080", "HTTP listen address")
	serveCmd.Flags().Duration("stream-interval", 2*time.Second, "state stream refresh interval")
	serveCmd.Flags().Duration("save-interval", time.Minute, "snapshot interval")
	addBackendFlags(serveCmd)
	root.AddCommand(serveCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a state stream and log every update",
		RunE:  runWatch,
	}
	watchCmd.Flags().String("url", "ws://localhost:8080/stream", "state stream websocket URL")
	root.AddCommand(watchCmd)

	return root
}

func addBackendFlags(cmd *cobra.Command) {
	cmd.Flags().String("store-dir", "", "directory for JSON snapshots")
	cmd.Flags().String("redis-addr", "", "Redis address for snapshots")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN for snapshots")
	cmd.Flags().String("nats-url", "", "NATS URL for pool events")
	cmd.Flags().String("nats-stream", "CLBOOST", "JetStream stream name")
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
