// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/crudfs/internal/api"
	"github.com/starford/crudfs/internal/crudfs"
	"github.com/starford/crudfs/internal/mcpserver"
	"github.com/starford/crudfs/internal/metrics"
	"github.com/starford/crudfs/internal/sse"
	"github.com/starford/crudfs/internal/watch"
)

func (a *application) init(opts []Option) error {
	for _, opt := range opts {
		opt(a)
	}
	if a.config == nil {
		return fmt.Errorf("config is required")
	}
	if a.logger == nil {
		// Initialize structured JSON logger.
		a.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: a.config.App.LogLevel,
		}))
	}
	if a.version == "" {
		a.version = "dev"
	}
	slog.SetDefault(a.logger)
	return nil
}

// newWatcher builds the watcher described by cfg.Watch.
func newWatcher(cfg *Config, svc *crudfs.Service, logger *slog.Logger, extra ...watch.Option) *watch.Watcher {
	opts := []watch.Option{
		watch.WithLogger(logger),
		watch.WithDebounce(cfg.Watch.Debounce),
		watch.WithDeleteOnRemove(cfg.Watch.DeleteOnRemove),
		watch.WithAutoTrack(cfg.Watch.AutoTrack),
		watch.WithIgnore(cfg.Manifest.Path, cfg.Manifest.Path+".lock"),
		watch.WithIgnoreDir(cfg.Manifest.JournalDir),
	}
	if cfg.App.Root != "" {
		opts = append(opts, watch.WithRoot(cfg.App.Root))
	}
	if cfg.Store.Backend == StoreLocalFS {
		opts = append(opts, watch.WithIgnoreDir(cfg.Store.LocalPath))
	}
	if cfg.Ledger.Backend == LedgerSQLite {
		opts = append(opts, watch.WithIgnore(cfg.Ledger.SQLitePath,
			cfg.Ledger.SQLitePath+"-wal", cfg.Ledger.SQLitePath+"-shm"))
	}
	return watch.New(svc, append(opts, extra...)...)
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}
	if err := app.init(opts); err != nil {
		return err
	}
	cfg, logger := app.config, app.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("manifest", cfg.Manifest.Path),
		slog.String("ledger_backend", cfg.Ledger.Backend),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("root", cfg.App.Root),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	var stack *Stack
	m := metrics.New(func() int {
		if stack == nil {
			return 0
		}
		return len(stack.Manifest.Records())
	})
	stack, err := OpenStack(ctx, cfg, logger,
		crudfs.WithObserver(m.Observe),
		crudfs.WithObserver(broker.Observe))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer stack.Close()

	stack.Recover(ctx, logger)

	apiRouter := api.NewRouter(stack.Service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, cfg.App.Root)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","contract_address":%q}`, stack.Manifest.Address())
	})
	r.Handle("/metrics", m.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Watch.Enabled {
		w := newWatcher(cfg, stack.Service, logger, watch.WithCallback(m.WatchPushed))
		g.Go(func() error {
			return w.Run(gCtx)
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		waitForShutdown(gCtx, logger)

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunWatch runs only the file watcher until a shutdown signal.
func RunWatch(ctx context.Context, opts ...Option) error {
	app := &application{}
	if err := app.init(opts); err != nil {
		return err
	}
	cfg, logger := app.config, app.logger

	stack, err := OpenStack(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer stack.Close()
	stack.Recover(ctx, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		waitForShutdown(ctx, logger)
		cancel()
	}()
	return newWatcher(cfg, stack.Service, logger).Run(ctx)
}

// RunMCP serves the MCP tools on stdin/stdout. Logs go to stderr so they
// never interleave with the protocol stream.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}
	if err := app.init(opts); err != nil {
		return err
	}
	cfg := app.config
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.App.LogLevel}))
	slog.SetDefault(logger)

	stack, err := OpenStack(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer stack.Close()
	stack.Recover(ctx, logger)

	return mcpserver.New(stack.Service, cfg.App.Root, app.version).ServeStdio()
}

func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}
