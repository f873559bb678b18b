package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/relocate"
	"github.com/starford/tidsync/internal/sse"
	"github.com/starford/tidsync/internal/tidfile"
	"github.com/starford/tidsync/internal/wiki"
)

// SubWorkspace is one sub-workspace passed to Boot.
type SubWorkspace struct {
	// ID defaults to the folder's base name.
	ID         string
	Path       string
	RoutingTag string
	Order      int
}

// BootOptions is everything needed to start a host for one main workspace.
type BootOptions struct {
	HomePath      string
	SubWorkspaces []SubWorkspace
	PluginPaths   []string
	// Port 0 disables the HTTP listener.
	Port        int
	BindHost    string
	WorkspaceID string
	AuthToken   string
	Logger      *slog.Logger
	// Relocator overrides the attachment relocator.
	Relocator *relocate.Relocator
}

// Boot loads the workspace folders and starts a host. The returned string
// is a human-readable ready message. Any failure, including a panic while
// loading, is returned as an error carrying the detail.
func Boot(ctx context.Context, opts BootOptions) (h *Host, ready string, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, ready = nil, ""
			err = fmt.Errorf("engine: boot panicked: %v\n%s", r, debug.Stack())
		}
	}()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HomePath == "" {
		return nil, "", fmt.Errorf("engine: boot: home path is required")
	}
	id := opts.WorkspaceID
	if id == "" {
		id = filepath.Base(opts.HomePath)
	}
	logger = logger.With(slog.String("workspace", id))

	main := models.Workspace{ID: id, Name: id, FolderPath: opts.HomePath}
	subs := make([]models.Workspace, 0, len(opts.SubWorkspaces))
	for _, sw := range opts.SubWorkspaces {
		subID := sw.ID
		if subID == "" {
			subID = filepath.Base(sw.Path)
		}
		subs = append(subs, models.Workspace{
			ID:              subID,
			Name:            subID,
			FolderPath:      sw.Path,
			IsSubWorkspace:  true,
			MainWorkspaceID: id,
			RoutingTag:      sw.RoutingTag,
			SubFolderName:   filepath.Base(sw.Path),
			Order:           sw.Order,
		})
	}

	for _, p := range opts.PluginPaths {
		if _, statErr := os.Stat(p); statErr != nil {
			return nil, "", fmt.Errorf("engine: boot: plugin path: %w", statErr)
		}
	}

	h = &Host{
		id:       id,
		logger:   logger,
		broker:   sse.NewBroker(2 * time.Second),
		ops:      make(chan func()),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		serveErr: make(chan error, 1),
	}
	h.session = wiki.New(wiki.Options{
		Main:      main,
		Subs:      subs,
		Logger:    logger,
		Relocator: opts.Relocator,
		Notify:    h.publish,
	})
	fail := func(e error) (*Host, string, error) {
		h.broker.Close()
		if h.listener != nil {
			_ = h.listener.Close()
		}
		return nil, "", e
	}

	res, err := h.session.Load(ctx)
	if err != nil {
		return fail(fmt.Errorf("engine: boot: %w", err))
	}
	h.skipped = res.Skipped

	plugins := 0
	for _, p := range opts.PluginPaths {
		n, err := loadPlugins(h.session, p)
		if err != nil {
			return fail(fmt.Errorf("engine: boot: plugins %s: %w", p, err))
		}
		plugins += n
	}

	if opts.Port != 0 {
		bind := opts.BindHost
		if bind == "" {
			bind = "127.0.0.1"
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(opts.Port)))
		if err != nil {
			return fail(fmt.Errorf("engine: boot: listen: %w", err))
		}
		h.listener = ln
		port := ln.Addr().(*net.TCPAddr).Port
		h.url = "http://" + net.JoinHostPort(bind, strconv.Itoa(port)) + "/"
	}

	for _, t := range infoTiddlers(id, h.url, opts.AuthToken != "") {
		h.session.Inject(t)
	}

	go h.run()

	if h.listener != nil {
		h.server = &http.Server{
			Handler:           NewRouter(h, opts.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			err := h.server.Serve(h.listener)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			h.serveErr <- err
		}()
	}

	serving := "HTTP disabled"
	if h.url != "" {
		serving = "serving " + h.url
	}
	ready = fmt.Sprintf("tidsync engine ready: workspace %s, %d tiddlers (%d plugin), %d of %d sub-workspaces, %s",
		id, h.session.Len(), plugins, len(subs)-len(res.Skipped), len(subs), serving)
	logger.Info("engine: booted",
		slog.Int("tiddlers", h.session.Len()),
		slog.Int("collisions", len(res.Collisions)),
		slog.String("url", h.url))
	return h, ready, nil
}

// loadPlugins injects every .tid file under dir as a read-only tiddler.
func loadPlugins(s *wiki.Session, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, tidfile.Ext) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		t, err := tidfile.UnmarshalTid(data, strings.TrimSuffix(d.Name(), tidfile.Ext))
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		s.Inject(t)
		n++
		return nil
	})
	return n, err
}

// Environment info titles injected on every boot.
const (
	InfoDesktop     = "$:/info/desktop"
	InfoWorkspaceID = "$:/info/desktop/workspace-id"
	InfoAuthHeader  = "$:/info/desktop/auth-header"
	InfoURLProtocol = "$:/info/url/protocol"
	InfoURLHost     = "$:/info/url/host"
	InfoURLPort     = "$:/info/url/port"
	InfoURLFull     = "$:/info/url/full"
)

func infoTiddlers(workspaceID, serveURL string, auth bool) []*models.Tiddler {
	var host, port string
	if serveURL != "" {
		hostport := strings.TrimSuffix(strings.TrimPrefix(serveURL, "http://"), "/")
		host = hostport
		_, port, _ = net.SplitHostPort(hostport)
	}
	authHeader := "no"
	if auth {
		authHeader = "yes"
	}
	protocol := ""
	if serveURL != "" {
		protocol = "http:"
	}
	info := map[string]string{
		InfoDesktop:     "yes",
		InfoWorkspaceID: workspaceID,
		InfoAuthHeader:  authHeader,
		InfoURLProtocol: protocol,
		InfoURLHost:     host,
		InfoURLPort:     port,
		InfoURLFull:     serveURL,
	}
	out := make([]*models.Tiddler, 0, len(info))
	for title, text := range info {
		out = append(out, &models.Tiddler{Title: title, Text: text})
	}
	return out
}
