// Command tokenwise trains per-wallet baselines and flags anomalous
// transactions in a wallet feed.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hed1ad/tokenwise/pkg/config"
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "tokenwise",
		Short:         "Incremental per-wallet anomaly detection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = setupLogger(cfg.SlogLevel())
			return nil
		},
	}

	root.AddCommand(
		a.refreshCmd(),
		a.serveCmd(),
		a.scoreCmd(),
		a.migrateCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("command_failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func setupLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
