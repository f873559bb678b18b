// Package wiki holds the unified tiddler store for one booted main
// workspace and keeps it consistent with the workspace folders.
package wiki

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/starford/tidsync/internal/checksum"
	"github.com/starford/tidsync/internal/loader"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/relocate"
	"github.com/starford/tidsync/internal/routing"
	"github.com/starford/tidsync/internal/storage"
	"github.com/starford/tidsync/internal/tagtree"
)

// Title prefixes with special save handling.
const (
	InfoPrefix      = "$:/info/"
	TransientPrefix = "$:/temp/"
)

// ChangeKind names a store change delivered to the notifier.
type ChangeKind string

const (
	ChangeSaved     ChangeKind = "tiddler.changed"
	ChangeDeleted   ChangeKind = "tiddler.deleted"
	ChangeRelocated ChangeKind = "tiddler.relocated"
)

// Change describes one applied store mutation.
type Change struct {
	Kind        ChangeKind `json:"kind"`
	Title       string     `json:"title"`
	WorkspaceID string     `json:"workspace_id,omitempty"`
	// FromWorkspace is the previous workspace of a relocated tiddler.
	FromWorkspace string `json:"from_workspace,omitempty"`
	Path          string `json:"path,omitempty"`
	// External is set for changes picked up from the file system.
	External bool `json:"external,omitempty"`
}

// Options configures a Session.
type Options struct {
	Main      models.Workspace
	Subs      []models.Workspace
	Logger    *slog.Logger
	Relocator *relocate.Relocator
	// Notify is called synchronously after each applied change.
	Notify func(Change)
	Now    func() time.Time
}

// Session owns the store, the provenance map and the tag cache.
// It is not safe for concurrent use; the engine host serializes access.
type Session struct {
	main   models.Workspace
	subs   []models.Workspace
	logger *slog.Logger
	notify func(Change)
	now    func() time.Time

	store      map[string]*models.Tiddler
	provenance map[string]models.FileInfo
	checksums  checksum.Ledger
	readOnly   map[string]struct{}
	folders    map[string]*storage.FS

	tags      *tagtree.Resolver
	router    *routing.Router
	relocator *relocate.Relocator
	guard     *inflight
}

// New returns an empty session. Call Load to populate it.
func New(opts Options) *Session {
	s := &Session{
		main:       opts.Main,
		subs:       models.SortByOrder(opts.Subs),
		logger:     opts.Logger,
		notify:     opts.Notify,
		now:        opts.Now,
		store:      make(map[string]*models.Tiddler),
		provenance: make(map[string]models.FileInfo),
		checksums:  checksum.Ledger{},
		readOnly:   make(map[string]struct{}),
		folders:    make(map[string]*storage.FS),
		relocator:  opts.Relocator,
		guard:      newInflight(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.relocator == nil {
		s.relocator = relocate.New(s.logger)
	}
	s.tags = tagtree.NewResolver(s)
	s.router = routing.NewRouter(s.tags)
	return s
}

// Load replaces the store with the contents of the workspace folders.
func (s *Session) Load(ctx context.Context) (*loader.Result, error) {
	res, err := loader.LoadAll(ctx, s.main, s.subs, s.logger)
	if err != nil {
		return nil, err
	}
	s.store = res.Tiddlers
	s.provenance = res.Provenance
	s.checksums = res.Checksums
	s.tags.Invalidate()
	return res, nil
}

// Inject stores t without a backing file and marks it read-only. Used for
// plugin tiddlers and environment info.
func (s *Session) Inject(t *models.Tiddler) {
	prev := s.store[t.Title]
	s.store[t.Title] = t.Clone()
	s.readOnly[t.Title] = struct{}{}
	if prev == nil || !models.SameTags(prev.Tags, t.Tags) {
		s.tags.Invalidate()
	}
}

// Get returns a copy of the tiddler with title.
func (s *Session) Get(title string) (*models.Tiddler, bool) {
	t, ok := s.store[title]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// FileInfo returns the provenance entry for title.
func (s *Session) FileInfo(title string) (models.FileInfo, bool) {
	info, ok := s.provenance[title]
	return info, ok
}

// Titles returns every stored title in sorted order. A non-nil filter
// keeps only matching tiddlers.
func (s *Session) Titles(filter *tagtree.Filter) []string {
	out := make([]string, 0, len(s.store))
	for title, t := range s.store {
		if filter != nil && !s.tags.Match(*filter, title, t.Tags) {
			continue
		}
		out = append(out, title)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored tiddlers.
func (s *Session) Len() int { return len(s.store) }

// TaggedWith implements tagtree.Source.
func (s *Session) TaggedWith(tag string) []string {
	var out []string
	for title, t := range s.store {
		if t.HasTag(tag) {
			out = append(out, title)
		}
	}
	sort.Strings(out)
	return out
}

// Descendants returns the tag-tree closure of rootTag, sorted.
func (s *Session) Descendants(rootTag string) []string {
	set := s.tags.Descendants(rootTag)
	out := make([]string, 0, len(set))
	for title := range set {
		out = append(out, title)
	}
	sort.Strings(out)
	return out
}

// Route returns the workspace a tiddler with title and tags belongs in.
func (s *Session) Route(title string, tags []string) models.Workspace {
	return s.router.Route(title, tags, s.main, s.subs)
}

// Main returns the main workspace.
func (s *Session) Main() models.Workspace { return s.main }

// Subs returns the sub-workspaces in routing order.
func (s *Session) Subs() []models.Workspace {
	return append([]models.Workspace(nil), s.subs...)
}

// Workspace returns the configured workspace with id.
func (s *Session) Workspace(id string) (models.Workspace, bool) {
	if s.main.ID == id {
		return s.main, true
	}
	for _, sub := range s.subs {
		if sub.ID == id {
			return sub, true
		}
	}
	return models.Workspace{}, false
}

// workspaceFor returns the workspace whose content folder holds path.
// The deepest match wins.
func (s *Session) workspaceFor(path string) (models.Workspace, bool) {
	var best models.Workspace
	bestLen := -1
	for _, ws := range append([]models.Workspace{s.main}, s.subs...) {
		dir := filepath.Clean(ws.ContentDir())
		if path != dir && !strings.HasPrefix(path, dir+string(os.PathSeparator)) {
			continue
		}
		if len(dir) > bestLen {
			best, bestLen = ws, len(dir)
		}
	}
	return best, bestLen >= 0
}

// folder returns the storage provider rooted at the content folder of ws,
// creating the folder on first use.
func (s *Session) folder(ws models.Workspace) (*storage.FS, error) {
	if fs, ok := s.folders[ws.ID]; ok {
		return fs, nil
	}
	if err := os.MkdirAll(ws.ContentDir(), 0o755); err != nil {
		return nil, fmt.Errorf("wiki: content folder %s: %w", ws.ID, err)
	}
	fs, err := storage.NewFS(ws.ContentDir())
	if err != nil {
		return nil, err
	}
	s.folders[ws.ID] = fs
	return fs, nil
}

// folderPath maps an absolute path recorded in provenance to the provider
// of its workspace and the path relative to it.
func (s *Session) folderPath(workspaceID, abs string) (*storage.FS, string, error) {
	ws, ok := s.Workspace(workspaceID)
	if !ok {
		return nil, "", fmt.Errorf("wiki: unknown workspace %q for %s", workspaceID, abs)
	}
	fs, err := s.folder(ws)
	if err != nil {
		return nil, "", err
	}
	abs, err = filepath.Abs(abs)
	if err != nil {
		return nil, "", fmt.Errorf("wiki: resolve %s: %w", abs, err)
	}
	rel, err := fs.Rel(abs)
	if err != nil {
		return nil, "", err
	}
	return fs, rel, nil
}

func (s *Session) relocateSet() relocate.Workspaces {
	return relocate.Workspaces{Main: s.main, Subs: s.subs}
}

func (s *Session) emit(c Change) {
	if s.notify != nil {
		s.notify(c)
	}
}

func isReadOnlyTitle(title string) bool {
	return strings.HasPrefix(title, InfoPrefix)
}

func isTransient(title string) bool {
	return strings.HasPrefix(title, TransientPrefix)
}
