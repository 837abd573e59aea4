package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memento-project/memento/internal/config"
)

const (
	configPath = "./config.json"
	envPath    = "./.env"
)

var (
	cfg     *config.Config
	verbose bool
	dumpOut bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	rootCmd := &cobra.Command{
		Use:   "memento",
		Short: "Memento — tiered memory service for conversational agents",
		Long: "Memento keeps short-term, long-term, and per-user memories for conversational agents,\n" +
			"distilling evicted short-term entries into long-term ones and ageing them out over time.\n" +
			"Running without a subcommand starts the websocket control channel.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath, bootLogger())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&dumpOut, "dump", false, "write a storage dump to dump.json and exit")

	rootCmd.AddCommand(
		serveCmd(),
		dumpCmd(),
		decayCmd(),
		mcpCmd(),
	)

	rootCmd.SetContext(ctx)

	err := rootCmd.Execute()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// bootLogger is used before the configuration is available.
func bootLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose || (cfg != nil && cfg.Logging.Level == "debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg != nil && cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadEnv reads the secret environment. required distinguishes the serving
// paths, which must be able to call the model, from maintenance commands
// that only touch storage.
func loadEnv(logger *slog.Logger, required bool) (map[string]string, error) {
	env, err := config.LoadEnv(envPath, cfg.OpenLLM.Provider)
	if err != nil {
		if required {
			return nil, err
		}
		logger.Warn("no API key available; model calls would fail", "error", err)
		return map[string]string{}, nil
	}
	return env, nil
}
