// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/cardex/internal/api"
	"github.com/starford/cardex/internal/cardindex"
	"github.com/starford/cardex/internal/cardservice"
	"github.com/starford/cardex/internal/mcpserver"
	"github.com/starford/cardex/internal/observer"
	"github.com/starford/cardex/internal/sse"
	"github.com/starford/cardex/internal/storage"
)

// components are the pieces every command needs.
type components struct {
	docs  *storage.FS
	store *cardindex.Store
	obs   *observer.Observer
}

func (a *application) setup(out io.Writer) (*slog.Logger, *components, error) {
	if a.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	cfg := a.config
	if a.vaultPath != "" {
		cfg.Vault.Path = a.vaultPath
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("index_file", cfg.Vault.IndexFile),
		slog.Bool("watcher", cfg.Watcher.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure vault directory exists.
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create vault dir: %w", err)
	}

	docs, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}

	store := cardindex.New(docs,
		cardindex.WithIndexPath(cfg.Vault.IndexFile),
		cardindex.WithLogger(logger),
		cardindex.WithRetry(cfg.Index.SaveAttempts, cfg.Index.SaveBackoff),
	)
	logger.Info("Card index ready",
		slog.String("root", docs.Root()),
		slog.String("index", store.IndexPath()))
	return logger, &components{
		docs:  docs,
		store: store,
		obs:   observer.New(store, docs, logger),
	}, nil
}

func newApplication(opts []Option) *application {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// Run starts the HTTP server and the vault watcher with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	logger, c, err := app.setup(os.Stdout)
	if err != nil {
		return err
	}
	cfg := app.config

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	svc := cardservice.New(c.store, c.obs,
		cardservice.WithPublisher(broker),
		cardservice.WithLogger(logger))

	// Bring the index in line with documents changed while we were down.
	if cfg.Rebuild.OnStart {
		if _, err := svc.Rebuild(ctx); err != nil {
			logger.Warn("initial rebuild failed", slog.String("error", err.Error()))
		}
	}

	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

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
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := c.docs.ListDocuments(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start vault watcher; observed changes become SSE events.
	if cfg.Watcher.Enabled {
		g.Go(func() error {
			if err := c.obs.Watch(gCtx, c.docs.Root(), cfg.Watcher.Debounce, svc.HandleChange); err != nil {
				logger.Error("watcher failed", slog.String("error", err.Error()))
			}
			return nil
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
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// Rebuild rescans every document in the vault once and returns the summary.
func Rebuild(ctx context.Context, opts ...Option) (cardindex.RebuildStats, error) {
	app := newApplication(opts)
	logger, c, err := app.setup(os.Stderr)
	if err != nil {
		return cardindex.RebuildStats{}, err
	}
	svc := cardservice.New(c.store, c.obs, cardservice.WithLogger(logger))
	return svc.Rebuild(ctx)
}

// ServeMCP serves the MCP tools on stdin/stdout. Logs go to stderr since
// stdout carries the protocol.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	logger, c, err := app.setup(os.Stderr)
	if err != nil {
		return err
	}
	cfg := app.config
	svc := cardservice.New(c.store, c.obs, cardservice.WithLogger(logger))

	if cfg.Rebuild.OnStart {
		if _, err := svc.Rebuild(ctx); err != nil {
			logger.Warn("initial rebuild failed", slog.String("error", err.Error()))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Watcher.Enabled {
		go func() {
			if err := c.obs.Watch(ctx, c.docs.Root(), cfg.Watcher.Debounce, nil); err != nil {
				logger.Error("watcher failed", slog.String("error", err.Error()))
			}
		}()
	}

	return mcpserver.New(svc).ServeStdio()
}
