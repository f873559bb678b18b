// Package lifecycle starts, stops and removes workspaces: folder and git
// setup, engine boot, file watching and UI registration.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/tidsync/internal/engine"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/registry"
	"github.com/starford/tidsync/internal/routing"
	"github.com/starford/tidsync/internal/vcs"
	"github.com/starford/tidsync/internal/watch"
)

// BootFunc starts an engine host. engine.Boot in production.
type BootFunc func(ctx context.Context, opts engine.BootOptions) (*engine.Host, string, error)

// Options configures a Coordinator.
type Options struct {
	Registry    registry.Store
	Surface     Surface
	Logger      *slog.Logger
	PluginPaths []string
	BindHost    string
	AuthToken   string
	InitVCS     bool
	Watch       bool
	// NoHTTP boots engines without a listener regardless of registered ports.
	NoHTTP bool
	Boot        BootFunc
}

type instance struct {
	host      *engine.Host
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// Coordinator tracks running main workspaces. A running main serves its
// sub-workspaces from the same engine.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	running  map[string]*instance
	starting map[string]chan struct{}
}

// New returns a coordinator.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Boot == nil {
		opts.Boot = engine.Boot
	}
	if opts.Surface == nil {
		opts.Surface = &LogSurface{Logger: opts.Logger}
	}
	return &Coordinator{
		opts:     opts,
		logger:   opts.Logger,
		running:  make(map[string]*instance),
		starting: make(map[string]chan struct{}),
	}
}

// Host returns the running engine serving id, which may be a main or a
// sub-workspace ID.
func (c *Coordinator) Host(ctx context.Context, id string) (*engine.Host, bool) {
	mainID, err := c.mainID(ctx, id)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.running[mainID]
	if !ok {
		return nil, false
	}
	return inst.host, true
}

// Running returns the IDs of running main workspaces.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.running))
	for id := range c.running {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) mainID(ctx context.Context, id string) (string, error) {
	ws, err := c.opts.Registry.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if ws.IsSubWorkspace {
		return ws.MainWorkspaceID, nil
	}
	return ws.ID, nil
}

// Add registers ws. A sub-workspace also gets a routing rule in its
// main's rules file, and a running main is restarted to pick it up.
func (c *Coordinator) Add(ctx context.Context, ws models.Workspace) (models.Workspace, error) {
	added, err := c.opts.Registry.Add(ctx, ws)
	if err != nil {
		return models.Workspace{}, err
	}
	if !added.IsSubWorkspace {
		return added, nil
	}
	main, err := c.opts.Registry.Get(ctx, added.MainWorkspaceID)
	if err != nil {
		return added, err
	}
	if added.RoutingTag != "" {
		rule := routing.Rule{Tag: added.RoutingTag, Folder: added.SubFolderName}
		if err := routing.UpsertRule(routing.RulesPath(main.FolderPath), rule); err != nil {
			return added, fmt.Errorf("lifecycle: add %s: %w", added.ID, err)
		}
	}
	if c.isRunning(main.ID) {
		if err := c.restart(ctx, main.ID); err != nil {
			return added, err
		}
	}
	return added, nil
}

// Start brings up the engine serving id. Starting a sub-workspace starts
// its main. It returns the engine's ready message.
func (c *Coordinator) Start(ctx context.Context, id string) (string, error) {
	ws, err := c.opts.Registry.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("lifecycle: start: %w", err)
	}
	if ws.IsSubWorkspace {
		return c.Start(ctx, ws.MainWorkspaceID)
	}
	release, err := c.reserve(ctx, ws.ID)
	if err != nil {
		return "", fmt.Errorf("lifecycle: start %s: %w", ws.ID, err)
	}
	if release == nil {
		return fmt.Sprintf("workspace %s already running", ws.ID), nil
	}
	var inst *instance
	defer func() { release(inst) }()
	logger := c.logger.With(slog.String("workspace", ws.ID))

	subs, err := c.opts.Registry.SubWorkspaces(ctx, ws.ID)
	if err != nil {
		return "", fmt.Errorf("lifecycle: start %s: %w", ws.ID, err)
	}
	rules, err := routing.ReadRules(routing.RulesPath(ws.FolderPath))
	if err != nil {
		logger.Warn("lifecycle: routing rules unreadable, using registry tags", slog.String("error", err.Error()))
	} else {
		subs = routing.ApplyRules(rules, subs)
	}

	if err := c.initStorage(ws, subs); err != nil {
		return "", fmt.Errorf("lifecycle: start %s: init storage: %w", ws.ID, err)
	}
	if c.opts.InitVCS {
		c.initVCS(ctx, logger, ws)
	}

	bootSubs := make([]engine.SubWorkspace, 0, len(subs))
	for _, sub := range models.SortByOrder(subs) {
		bootSubs = append(bootSubs, engine.SubWorkspace{
			ID:         sub.ID,
			Path:       sub.FolderPath,
			RoutingTag: sub.RoutingTag,
			Order:      sub.Order,
		})
	}
	port := ws.Port
	if c.opts.NoHTTP {
		port = 0
	}
	host, ready, err := c.opts.Boot(ctx, engine.BootOptions{
		HomePath:      ws.FolderPath,
		SubWorkspaces: bootSubs,
		PluginPaths:   c.opts.PluginPaths,
		Port:          port,
		BindHost:      c.opts.BindHost,
		WorkspaceID:   ws.ID,
		AuthToken:     c.opts.AuthToken,
		Logger:        c.logger,
	})
	if err != nil {
		return "", fmt.Errorf("lifecycle: start %s: %w", ws.ID, err)
	}

	started := &instance{host: host}
	if c.opts.Watch {
		roots := []string{ws.ContentDir()}
		for _, sub := range subs {
			roots = append(roots, sub.ContentDir())
		}
		wctx, cancel := context.WithCancel(context.Background())
		started.stopWatch = cancel
		started.watchDone = make(chan struct{})
		go func() {
			defer close(started.watchDone)
			if err := watch.Watch(wctx, roots, host, logger); err != nil {
				logger.Error("lifecycle: watcher failed", slog.String("error", err.Error()))
			}
		}()
	}

	inst = started

	if err := c.opts.Surface.Register(ws.ID, host.URL()); err != nil {
		logger.Warn("lifecycle: surface registration failed", slog.String("error", err.Error()))
	}
	logger.Info("lifecycle: started", slog.String("ready", ready))
	return ready, nil
}

func (c *Coordinator) initStorage(main models.Workspace, subs []models.Workspace) error {
	if err := os.MkdirAll(main.ContentDir(), 0o755); err != nil {
		return err
	}
	for _, sub := range subs {
		if err := os.MkdirAll(sub.ContentDir(), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) initVCS(ctx context.Context, logger *slog.Logger, ws models.Workspace) {
	created, err := vcs.NewRepository(ws.FolderPath).EnsureInit(ctx)
	if err != nil {
		logger.Warn("lifecycle: git init failed", slog.String("error", err.Error()))
		return
	}
	if created {
		logger.Info("lifecycle: git repository initialised", slog.String("path", ws.FolderPath))
	}
}

// reserve claims the start of main id. It returns a nil release when id is
// already running; otherwise the caller must call release with the started
// instance, or nil on failure. Concurrent starts of the same id wait for
// the first to finish.
func (c *Coordinator) reserve(ctx context.Context, id string) (func(*instance), error) {
	for {
		c.mu.Lock()
		if _, ok := c.running[id]; ok {
			c.mu.Unlock()
			return nil, nil
		}
		wait, busy := c.starting[id]
		if !busy {
			done := make(chan struct{})
			c.starting[id] = done
			c.mu.Unlock()
			return func(inst *instance) {
				c.mu.Lock()
				delete(c.starting, id)
				if inst != nil {
					c.running[id] = inst
				}
				c.mu.Unlock()
				close(done)
			}, nil
		}
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) isRunning(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[id]
	return ok
}

// stopWatcher ends the file watcher of the running main mainID.
func (c *Coordinator) stopWatcher(mainID string) error {
	c.mu.Lock()
	inst, ok := c.running[mainID]
	c.mu.Unlock()
	if !ok || inst.stopWatch == nil {
		return nil
	}
	inst.stopWatch()
	<-inst.watchDone
	inst.stopWatch = nil
	return nil
}

// stopEngine stops and forgets the engine of the running main mainID.
func (c *Coordinator) stopEngine(ctx context.Context, mainID string) error {
	c.mu.Lock()
	inst, ok := c.running[mainID]
	delete(c.running, mainID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.host.Stop(ctx)
}

// Stop stops the engine serving id without removing anything.
func (c *Coordinator) Stop(ctx context.Context, id string) error {
	mainID, err := c.mainID(ctx, id)
	if err != nil {
		return fmt.Errorf("lifecycle: stop: %w", err)
	}
	return errors.Join(
		c.stopWatcher(mainID),
		c.stopEngine(ctx, mainID),
		c.opts.Surface.Unregister(mainID),
	)
}

func (c *Coordinator) restart(ctx context.Context, mainID string) error {
	if err := c.Stop(ctx, mainID); err != nil {
		c.logger.Warn("lifecycle: stop before restart failed",
			slog.String("workspace", mainID), slog.String("error", err.Error()))
	}
	_, err := c.Start(ctx, mainID)
	return err
}

// Remove tears down workspace id and deletes it from the registry. Every
// step runs even when an earlier one fails; all failures are returned
// joined. A main workspace takes its sub-workspaces with it. Removing a
// sub-workspace restarts its main if it was running.
func (c *Coordinator) Remove(ctx context.Context, id string, alsoDeleteFiles bool) error {
	ws, err := c.opts.Registry.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("lifecycle: remove: %w", err)
	}

	var errs []error
	if !ws.IsSubWorkspace {
		subs, err := c.opts.Registry.SubWorkspaces(ctx, ws.ID)
		if err != nil {
			errs = append(errs, err)
		}
		for _, sub := range subs {
			errs = append(errs, c.remove(ctx, sub, alsoDeleteFiles, false)...)
		}
	}
	errs = append(errs, c.remove(ctx, ws, alsoDeleteFiles, true)...)
	return errors.Join(errs...)
}

func (c *Coordinator) remove(ctx context.Context, ws models.Workspace, alsoDeleteFiles, restartMain bool) []error {
	engineID := ws.ID
	var main models.Workspace
	if ws.IsSubWorkspace {
		engineID = ws.MainWorkspaceID
		var err error
		if main, err = c.opts.Registry.Get(ctx, ws.MainWorkspaceID); err != nil {
			c.logger.Warn("lifecycle: main workspace lookup failed",
				slog.String("workspace", ws.ID), slog.String("error", err.Error()))
		}
	}
	wasRunning := c.isRunning(engineID)

	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			c.logger.Error("lifecycle: teardown step failed",
				slog.String("workspace", ws.ID),
				slog.String("step", name),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("stop watcher", func() error { return c.stopWatcher(engineID) })
	step("stop engine", func() error { return c.stopEngine(ctx, engineID) })
	step("remove files", func() error { return c.removeFiles(ws, main, alsoDeleteFiles) })
	step("remove ui registration", func() error { return c.opts.Surface.Unregister(ws.ID) })
	step("registry delete", func() error { return c.opts.Registry.Remove(ctx, ws.ID) })
	if ws.IsSubWorkspace && restartMain && wasRunning {
		step("restart main", func() error {
			_, err := c.Start(ctx, engineID)
			return err
		})
	}
	c.logger.Info("lifecycle: workspace removed", slog.String("workspace", ws.ID), slog.Int("errors", len(errs)))
	return errs
}

// removeFiles drops a sub-workspace's routing rule and, when asked,
// deletes the workspace folder.
func (c *Coordinator) removeFiles(ws, main models.Workspace, alsoDeleteFiles bool) error {
	var errs []error
	if ws.IsSubWorkspace && main.FolderPath != "" {
		if err := routing.RemoveRule(routing.RulesPath(main.FolderPath), ws.SubFolderName); err != nil {
			errs = append(errs, err)
		}
	}
	if alsoDeleteFiles {
		if err := os.RemoveAll(ws.FolderPath); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every running workspace concurrently.
func (c *Coordinator) StopAll(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, id := range c.Running() {
		g.Go(func() error {
			if err := c.stopWatcher(id); err != nil {
				return err
			}
			if err := c.stopEngine(gCtx, id); err != nil {
				return fmt.Errorf("lifecycle: stop %s: %w", id, err)
			}
			return c.opts.Surface.Unregister(id)
		})
	}
	return g.Wait()
}
