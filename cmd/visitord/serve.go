package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roniherschmann/go-visitors/internal/config"
	"github.com/roniherschmann/go-visitors/internal/core"
	httpapi "github.com/roniherschmann/go-visitors/internal/http"
	"github.com/roniherschmann/go-visitors/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tracking API",
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.Int("port", 8080, "HTTP port (overrides env PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	// Migrate schema
	if err := b.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Create service
	opts := core.Options{
		Timeout:        cfg.TrackTimeout,
		FallbackPage:   cfg.FallbackPage,
		VisitLogBuffer: cfg.VisitLogBuffer,
		PageStatsLimit: cfg.PageStatsLimit,
	}
	if cfg.VisitLogBuffer > 0 {
		opts.VisitLog = b
	}
	svc := core.NewService(b, opts)

	// Start async visit log writer
	logCtx, cancelLog := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.RunVisitLogger(logCtx)
	}()

	// HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.NewRouter(cfg, svc),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("store", cfg.Store).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal")
	case err := <-errCh:
		if err != nil {
			cancelLog()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	svc.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	cancelLog()
	wg.Wait()
	log.Info().Msg("bye")
	return nil
}

// backend is a store that can also migrate itself and keep the visit log.
type backend interface {
	store.Store
	store.VisitLogger
	Migrate(ctx context.Context) error
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store; counters are lost on restart")
		return store.NewMemory(), nil
	case config.StoreRedis:
		rc := store.DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		rc.KeyPrefix = cfg.RedisKeyPrefix
		r, err := store.NewRedis(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		return r, nil
	default:
		s, err := store.OpenSQL(ctx, store.SQLConfig{
			Driver:          store.Driver(cfg.Store),
			DSN:             cfg.DBDSN,
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Store, err)
		}
		return s, nil
	}
}

