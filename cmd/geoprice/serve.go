package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ByPrice/geoprice"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task API server",
		Long: `Run the HTTP API. Configuration is read from GEOPRICE_* environment
variables; a .env file in the working directory or one of its parents is
loaded first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loadDotEnv()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, geoprice.LoadConfig())
		},
	}
}

func serve(ctx context.Context, cfg *geoprice.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := prepareStorePath(cfg); err != nil {
		return err
	}
	store, err := geoprice.OpenStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}
	defer store.Close()

	metrics := geoprice.NewMetrics()
	app := geoprice.NewAppContext(store, cfg.TTL, logger, metrics)
	pool := geoprice.NewPoolExecutor(app.NewTracker, cfg, logger)
	pool.SetMetrics(metrics)
	pool.Register(geoprice.PriceStatsKind, geoprice.PriceStatsJob)
	app.Executor = pool

	limiter := geoprice.NewSubmitLimiter(cfg.SubmitRate, cfg.SubmitBurst)
	janitor := geoprice.NewJanitor(store, pool, limiter, cfg.CleanupInterval, cfg.TTL, logger)

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}
	janitor.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           geoprice.Server{App: app, Limiter: limiter, StreamTimeout: cfg.StreamTimeout}.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API listening", "addr", cfg.Addr, "store", cfg.StoreBackend, "ttl", cfg.TTL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	janitor.Stop()
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("executor did not stop cleanly", "error", err)
	}
	if serveErr != nil {
		return fmt.Errorf("listen: %w", serveErr)
	}
	return nil
}

func prepareStorePath(cfg *geoprice.Config) error {
	dir := ""
	switch cfg.StoreBackend {
	case geoprice.StoreBadger:
		dir = cfg.StorePath
	case geoprice.StoreSQLite:
		dir = filepath.Dir(cfg.StorePath)
	default:
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	return nil
}

// loadDotEnv loads the nearest .env file walking up from the working directory.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
