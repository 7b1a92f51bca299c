package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/tokenwise/pkg/api"
	"github.com/hed1ad/tokenwise/pkg/io/clickhouse"
	"github.com/hed1ad/tokenwise/pkg/io/csv"
	pgstore "github.com/hed1ad/tokenwise/pkg/store/postgres"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

func (a *app) refreshCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh cycle and print the results as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.buildPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.closers.close()

			res, err := p.refresher.Run(ctx)
			if err != nil {
				return err
			}

			var scored []txn.Scored
			report := struct {
				CycleID   string            `json:"cycle_id"`
				Focal     []string          `json:"focal"`
				Trained   []string          `json:"trained"`
				Failed    map[string]string `json:"failed,omitempty"`
				Anomalies []txn.Scored      `json:"anomalies"`
				Summary   any               `json:"summary"`
			}{
				CycleID:   res.CycleID,
				Focal:     res.Focal,
				Trained:   []string{},
				Anomalies: []txn.Scored{},
				Summary:   res.Summary,
			}
			for _, o := range res.Outcomes {
				switch {
				case o.Err != nil:
					if report.Failed == nil {
						report.Failed = map[string]string{}
					}
					report.Failed[o.EntityID] = o.Err.Error()
				case o.Trained:
					report.Trained = append(report.Trained, o.EntityID)
				}
				report.Anomalies = append(report.Anomalies, o.Anomalies()...)
				scored = append(scored, o.Scored...)
			}

			if out != "" {
				if err := writeCSV(out, scored); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "write this cycle's scored transactions to a CSV file")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Refresh on an interval and serve results over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.buildPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.closers.close()

			server := api.New(p.refresher, p.metrics, a.cfg.WhaleThreshold, a.logger)
			srv := &http.Server{
				Addr:         a.cfg.HTTPAddr,
				Handler:      server.Router(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			a.logger.Info("http_server_listening", "addr", a.cfg.HTTPAddr)

			err = serve(ctx, a.logger, srv, func(ctx context.Context) {
				_ = p.refresher.Loop(ctx, a.cfg.RefreshInterval)
			})
			a.logger.Info("tokenwise_stopped")
			return err
		},
	}
}

// httpServer is the part of *http.Server that serve drives.
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// serve runs srv and loop until ctx ends or srv fails, then shuts srv down
// and waits for loop to return before handing back the server error.
func serve(ctx context.Context, logger *slog.Logger, srv httpServer, loop func(context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop(ctx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case serveErr = <-errCh:
		logger.Error("server_error", "error", serveErr)
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_error", "error", err)
	}
	<-loopDone

	return serveErr
}

func (a *app) scoreCmd() *cobra.Command {
	var (
		wallet string
		full   bool
		out    string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Process one wallet: train on first sight, otherwise score new transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if wallet == "" {
				return fmt.Errorf("--wallet is required")
			}

			ctx := cmd.Context()
			p, err := a.buildPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.closers.close()

			records, err := p.source.Fetch(ctx)
			if err != nil {
				return fmt.Errorf("fetch feed: %w", err)
			}
			history := txn.GroupByWallet(records)[wallet]

			var scored []txn.Scored
			if full {
				scored, err = p.scorer.ScoreHistory(ctx, wallet, history)
			} else {
				scored, err = p.scorer.Process(ctx, wallet, history)
			}
			if err != nil {
				return err
			}
			if wm, ok, err := p.scorer.Watermark(ctx, wallet); err == nil && ok {
				a.logger.Info("wallet_processed", "wallet", wallet, "scored", len(scored), "watermark", wm)
			}

			if out != "" {
				return writeCSV(out, scored)
			}
			w := csv.NewWriter(cmd.OutOrStdout())
			if err := w.WriteAll(scored); err != nil {
				return err
			}
			return w.Close()
		},
	}

	cmd.Flags().StringVar(&wallet, "wallet", "", "wallet to process")
	cmd.Flags().BoolVar(&full, "full", false, "classify the full history without moving the watermark")
	cmd.Flags().StringVar(&out, "out", "", "write results to a CSV file instead of stdout")
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres and ClickHouse tables used by the configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if a.cfg.Source == "postgres" || a.cfg.StoreBackend == "postgres" {
				pool, err := pgstore.NewPool(ctx, a.cfg.PostgresDSN())
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := pgstore.RunMigrations(ctx, pool); err != nil {
					return err
				}
				a.logger.Info("postgres_migrated")
			}

			if a.cfg.Source == "clickhouse" {
				conn, err := clickhouse.NewConn(ctx, a.cfg.ClickHouseDSN)
				if err != nil {
					return err
				}
				defer conn.Close()
				if err := clickhouse.NewSource(conn, time.UTC).EnsureSchema(ctx); err != nil {
					return err
				}
				a.logger.Info("clickhouse_migrated")
			}

			return nil
		},
	}
}

func writeCSV(path string, scored []txn.Scored) error {
	w, err := csv.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := w.WriteAll(scored); err != nil {
		w.Close()
		os.Remove(path)
		return err
	}
	return w.Close()
}
