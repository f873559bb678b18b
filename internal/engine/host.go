// Package engine hosts a booted wiki session behind a single-writer event
// loop and serves it over HTTP.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/sse"
	"github.com/starford/tidsync/internal/tagtree"
	"github.com/starford/tidsync/internal/wiki"
)

// ErrStopped is returned by operations on a stopped host.
var ErrStopped = errors.New("engine: stopped")

// Host owns one wiki.Session. Every read and mutation runs on the host's
// loop goroutine, so the session never sees concurrent access.
type Host struct {
	id      string
	url     string
	logger  *slog.Logger
	session *wiki.Session
	broker  *sse.Broker
	skipped []string

	ops     chan func()
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool

	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// Status summarizes a running host.
type Status struct {
	WorkspaceID string             `json:"workspace_id"`
	URL         string             `json:"url,omitempty"`
	Tiddlers    int                `json:"tiddlers"`
	Main        models.Workspace   `json:"main"`
	Subs        []models.Workspace `json:"subs"`
	Skipped     []string           `json:"skipped,omitempty"`
	Clients     int                `json:"clients"`
}

func (h *Host) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.stopCh:
			return
		case op := <-h.ops:
			op()
		}
	}
}

// do runs fn on the loop and waits for it to finish. ctx only bounds the
// wait for the loop; once fn has been handed over, do returns after fn
// does, so callers may read what fn captured.
func (h *Host) do(ctx context.Context, fn func(s *wiki.Session)) error {
	if h.closed.Load() {
		return ErrStopped
	}
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn(h.session)
	}
	select {
	case h.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// ID returns the main workspace ID.
func (h *Host) ID() string { return h.id }

// URL returns the serving URL, or "" when HTTP is disabled.
func (h *Host) URL() string { return h.url }

// Broker returns the change-notification broker.
func (h *Host) Broker() *sse.Broker { return h.broker }

// Save stores t and routes it to its workspace.
func (h *Host) Save(ctx context.Context, t *models.Tiddler) (wiki.SaveResult, error) {
	var res wiki.SaveResult
	var err error
	if doErr := h.do(ctx, func(s *wiki.Session) { res, err = s.Save(ctx, t) }); doErr != nil {
		return wiki.SaveResult{}, doErr
	}
	return res, err
}

// Delete removes title.
func (h *Host) Delete(ctx context.Context, title string) error {
	var err error
	if doErr := h.do(ctx, func(s *wiki.Session) { err = s.Delete(ctx, title) }); doErr != nil {
		return doErr
	}
	return err
}

// Get returns the tiddler with title and its provenance, if it has any.
func (h *Host) Get(ctx context.Context, title string) (*models.Tiddler, models.FileInfo, bool, error) {
	var t *models.Tiddler
	var info models.FileInfo
	var ok bool
	err := h.do(ctx, func(s *wiki.Session) {
		t, ok = s.Get(title)
		info, _ = s.FileInfo(title)
	})
	return t, info, ok, err
}

// Titles lists stored titles, optionally filtered.
func (h *Host) Titles(ctx context.Context, filter *tagtree.Filter) ([]string, error) {
	var out []string
	err := h.do(ctx, func(s *wiki.Session) { out = s.Titles(filter) })
	return out, err
}

// Route returns the workspace a tiddler with title and tags belongs in.
func (h *Host) Route(ctx context.Context, title string, tags []string) (models.Workspace, error) {
	var ws models.Workspace
	err := h.do(ctx, func(s *wiki.Session) { ws = s.Route(title, tags) })
	return ws, err
}

// Descendants returns the tag-tree closure of rootTag.
func (h *Host) Descendants(ctx context.Context, rootTag string) ([]string, error) {
	var out []string
	err := h.do(ctx, func(s *wiki.Session) { out = s.Descendants(rootTag) })
	return out, err
}

// Status reports what the host holds.
func (h *Host) Status(ctx context.Context) (Status, error) {
	st := Status{WorkspaceID: h.id, URL: h.url, Skipped: h.skipped}
	err := h.do(ctx, func(s *wiki.Session) {
		st.Tiddlers = s.Len()
		st.Main = s.Main()
		st.Subs = s.Subs()
	})
	st.Clients = h.broker.ClientCount()
	return st, err
}

// FileChanged implements watch.Sink.
func (h *Host) FileChanged(path string) {
	_ = h.do(context.Background(), func(s *wiki.Session) {
		if _, err := s.ApplyFileChange(path); err != nil {
			h.logger.Warn("engine: external change rejected",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	})
}

// FileRemoved implements watch.Sink.
func (h *Host) FileRemoved(path string) {
	_ = h.do(context.Background(), func(s *wiki.Session) {
		if _, err := s.ApplyFileRemoval(path); err != nil {
			h.logger.Warn("engine: external removal rejected",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	})
}

func (h *Host) publish(c wiki.Change) {
	h.broker.PublishChange(string(c.Kind), sse.TiddlerChange{
		Title:         c.Title,
		WorkspaceID:   c.WorkspaceID,
		FromWorkspace: c.FromWorkspace,
		External:      c.External,
	})
}

// Stop closes event streams, shuts the HTTP server down and ends the loop.
// It is safe to call more than once.
func (h *Host) Stop(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		<-h.stopped
		return nil
	}
	h.broker.Close()

	var err error
	if h.server != nil {
		err = h.server.Shutdown(ctx)
		if serveErr := <-h.serveErr; serveErr != nil && err == nil {
			err = serveErr
		}
	}
	close(h.stopCh)
	<-h.stopped
	h.logger.Info("engine: stopped", slog.String("workspace", h.id))
	return err
}
