package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/okian/intake/internal/adapters/external"
	"github.com/okian/intake/internal/adapters/http/api"
	"github.com/okian/intake/internal/adapters/http/swagger"
	app "github.com/okian/intake/internal/app"
	"github.com/okian/intake/internal/config"
	"github.com/okian/intake/pkg/logger"
	"github.com/okian/intake/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 30 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// Use stderr for initialization errors since logger isn't available yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	log := logger.Get()

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "intake server failed", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

// run starts the service and HTTP server and blocks until ctx is done or
// the server fails.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	store, err := newExternalStore(cfg)
	if err != nil {
		return err
	}

	svc := newService(cfg, log, store)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(ctx, svc),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		startSystemMetricsUpdater(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(ctx, "shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(ctx, "server shutdown failed", logger.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info(ctx, "server stopped")
	return err
}

func newService(cfg *config.Config, log logger.Logger, store external.Store) *app.Service {
	opts := []app.Option{
		app.WithLogger(log.Named("service")),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithDatabasePath(cfg.DatabasePath),
		app.WithSweepInterval(cfg.SweepInterval()),
		app.WithMaxAttempts(cfg.ProjectionMaxAttempts),
		app.WithBackoff(cfg.BackoffInitial(), cfg.BackoffMax()),
		app.WithMaxListLimit(cfg.MaxListLimit),
	}
	if cfg.RegistryPath != "" {
		opts = append(opts, app.WithRegistryPath(cfg.RegistryPath))
	}
	if store != nil {
		opts = append(opts, app.WithExternalStore(store))
	}
	return app.New(opts...)
}

// newExternalStore returns the HTTP list client, or nil in memory mode so
// the service builds a store from its registry.
func newExternalStore(cfg *config.Config) (external.Store, error) {
	if cfg.ExternalMode != config.ExternalHTTP {
		return nil, nil
	}
	client, err := external.NewHTTPClient(cfg.ExternalBaseURL, cfg.ExternalList,
		external.WithToken(cfg.ExternalToken),
		external.WithCallTimeout(cfg.CallTimeout()),
	)
	if err != nil {
		return nil, fmt.Errorf("external store: %w", err)
	}
	return client, nil
}

func newRouter(ctx context.Context, svc *app.Service) http.Handler {
	r := chi.NewRouter()
	swagger.Register(ctx, r)
	api.NewServer(svc, svc, api.WithReadiness(svc.Ready)).Register(ctx, r)
	return r
}

// startSystemMetricsUpdater updates system metrics until ctx is done.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}
