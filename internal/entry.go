// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/tidsync/internal/lifecycle"
	"github.com/starford/tidsync/internal/mcpserver"
	"github.com/starford/tidsync/internal/registry"
)

// Runtime is an opened registry with a coordinator over it.
type Runtime struct {
	Config      *Config
	Logger      *slog.Logger
	Registry    *registry.DB
	Coordinator *lifecycle.Coordinator
}

// Open builds the logger, opens the registry and wires a coordinator.
// Callers must Close the runtime.
func Open(opts ...Option) (*Runtime, error) {
	app := &application{logOutput: os.Stdout}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Registry.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	db, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}

	surface := app.surface
	if surface == nil {
		surface = &lifecycle.LogSurface{Logger: logger}
	}

	coord := lifecycle.New(lifecycle.Options{
		Registry:    db,
		Surface:     surface,
		Logger:      logger,
		PluginPaths: cfg.Engine.PluginPaths,
		BindHost:    cfg.App.HTTP.BindHost,
		AuthToken:   cfg.Auth.EffectiveToken(),
		InitVCS:     cfg.VCS.Enabled,
		Watch:       cfg.Watcher.Enabled,
		NoHTTP:      app.noHTTP,
	})

	return &Runtime{Config: cfg, Logger: logger, Registry: db, Coordinator: coord}, nil
}

// Close stops every running engine and closes the registry.
func (rt *Runtime) Close(ctx context.Context) error {
	return errors.Join(rt.Coordinator.StopAll(ctx), rt.Registry.Close())
}

// StartAll starts every registered main workspace. A main that fails to
// start is logged and skipped; the error reports how many failed.
func (rt *Runtime) StartAll(ctx context.Context) error {
	list, err := rt.Registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	failed := 0
	for _, ws := range list {
		if ws.IsSubWorkspace {
			continue
		}
		if _, err := rt.Coordinator.Start(ctx, ws.ID); err != nil {
			failed++
			rt.Logger.Error("Workspace failed to start",
				slog.String("workspace", ws.ID),
				slog.String("error", err.Error()))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d workspace(s) failed to start", failed)
	}
	return nil
}

// Run starts every main workspace and serves until a signal arrives or
// ctx is cancelled.
func Run(ctx context.Context, opts ...Option) error {
	rt, err := Open(opts...)
	if err != nil {
		return err
	}
	logger := rt.Logger
	cfg := rt.Config

	logger.Info("Configuration loaded",
		slog.String("registry_path", cfg.Registry.Path),
		slog.String("bind_host", cfg.App.HTTP.BindHost),
		slog.Bool("vcs", cfg.VCS.Enabled),
		slog.Bool("watcher", cfg.Watcher.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := rt.StartAll(ctx); err != nil {
		logger.Warn("Some workspaces are not running", slog.String("error", err.Error()))
	}
	logger.Info("Server started", slog.Int("running", len(rt.Coordinator.Running())))

	g, gCtx := errgroup.WithContext(ctx)

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
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Shutting down workspaces...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("Shutdown error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP starts every main workspace without HTTP listeners and serves
// the MCP tools on stdio until the client disconnects.
func RunMCP(ctx context.Context, opts ...Option) error {
	rt, err := Open(append([]Option{WithLogOutput(os.Stderr), WithoutHTTP()}, opts...)...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			rt.Logger.Error("Shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := rt.StartAll(ctx); err != nil {
		rt.Logger.Warn("Some workspaces are not running", slog.String("error", err.Error()))
	}
	return mcpserver.New(rt.Coordinator, rt.Registry).ServeStdio()
}
