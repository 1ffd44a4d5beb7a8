package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/daszybak/kalshi/internal/engine"
	"github.com/daszybak/kalshi/internal/engine/orderbook"
	"github.com/daszybak/kalshi/internal/kalshi"
	"github.com/daszybak/kalshi/internal/kalshi/api"
	"github.com/daszybak/kalshi/internal/kalshi/auth"
	"github.com/daszybak/kalshi/internal/metrics"
	"github.com/daszybak/kalshi/internal/platform"
	"github.com/daszybak/kalshi/internal/store"
)

const shutdownTimeout = 5 * time.Second

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "stream market data and mirror order books",
		RunE:  runStream,
	}
	cmd.Flags().Duration("print-interval", 0, "log the top of every book at this interval, 0 disables")
	return cmd
}

func runStream(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	printEvery, err := cmd.Flags().GetDuration("print-interval")
	if err != nil {
		return err
	}

	logger, closer := newLogger(cfg, cmd.ErrOrStderr())
	defer closer.Close()

	cred, err := cfg.credential()
	if err != nil {
		return err
	}
	if cred == nil {
		return errors.New("stream needs kalshi.api_key_id or kalshi.session_token")
	}
	signer, err := auth.NewSigner(cred)
	if err != nil {
		return fmt.Errorf("couldn't build signer: %w", err)
	}
	client, err := newAPIClient(cfg, signer, logger)
	if err != nil {
		return err
	}

	scope, err := engine.ParseSequenceScope(cfg.Kalshi.SequenceScope)
	if err != nil {
		return err
	}
	books := engine.NewReconciler(logger, engine.WithSequenceScope(scope))

	ctx := cmd.Context()
	var opts []kalshi.Option
	if cfg.Database.Host != "" {
		pool, err := store.NewPool(ctx, cfg.poolConfig())
		if err != nil {
			return fmt.Errorf("couldn't connect to database: %w", err)
		}
		s := store.New(pool)
		defer s.Close()
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("couldn't migrate database: %w", err)
		}
		logger.Info("connected to database", "host", cfg.Database.Host, "database", cfg.Database.Database)
		opts = append(opts, kalshi.WithStore(s))
	}

	var p platform.Platform = kalshi.New(cfg.platformConfig(), client, signer, books, logger, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting platform", "platform", p.Name())
		return p.Start(ctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })
	}
	if printEvery > 0 {
		g.Go(func() error { return logBooks(ctx, books, printEvery, logger) })
	}

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := p.Stop(stopCtx); stopErr != nil {
		logger.Warn("couldn't stop platform", "platform", p.Name(), "error", stopErr)
	}
	return err
}

func newAPIClient(cfg *config, signer *auth.Signer, logger *slog.Logger) (*api.Client, error) {
	client, err := api.New(cfg.apiConfig(), signer, logger)
	if err != nil {
		return nil, fmt.Errorf("couldn't create api client: %w", err)
	}
	return client, nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving metrics", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

func logBooks(ctx context.Context, books *engine.Reconciler, every time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, v := range books.Views(1) {
				if v.Stale {
					logger.Info("book", "market", v.Market, "stale", true)
					continue
				}
				logger.Info("book",
					"market", v.Market,
					"seq", v.Seq,
					"best_yes", topOf(v.Yes),
					"best_no", topOf(v.No),
				)
			}
		}
	}
}

func topOf(levels []orderbook.Level) string {
	if len(levels) == 0 {
		return "-"
	}
	return fmt.Sprintf("%d@%d", levels[0].Size, levels[0].Price)
}
