// Package watch reports tiddler file changes under workspace folders.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/storage"
)

// Sink receives change notifications. Paths are absolute.
type Sink interface {
	FileChanged(path string)
	FileRemoved(path string)
}

// Watch starts an fsnotify watcher on every root and forwards events to
// sink until ctx is cancelled.
//
// New directories created at runtime are added to the watch list and the
// files already inside them reported. Dot directories, the attachments
// folder at a root and atomic-write temp files are ignored. fsnotify fires
// Rename on the old path only; the new path arrives as a Create.
func Watch(ctx context.Context, roots []string, sink Sink, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	clean := make([]string, 0, len(roots))
	for _, root := range roots {
		root = filepath.Clean(root)
		if err := addDirsRecursive(w, root, root); err != nil {
			return err
		}
		clean = append(clean, root)
	}

	logger.Info("watcher: started", slog.Int("roots", len(clean)))

	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			absPath := ev.Name
			root := rootOf(clean, absPath)
			if root == "" || ignored(root, absPath) {
				continue
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, root, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
						continue
					}
					logger.Debug("watcher: watching new dir", slog.String("path", absPath))
					reportDir(root, absPath, sink)
					continue
				}
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				logger.Debug("watcher: changed", slog.String("path", absPath))
				sink.FileChanged(absPath)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				logger.Debug("watcher: removed", slog.String("path", absPath))
				sink.FileRemoved(absPath)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// rootOf returns the deepest root containing path.
func rootOf(roots []string, path string) string {
	best := ""
	for _, r := range roots {
		if (path == r || strings.HasPrefix(path, r+string(os.PathSeparator))) && len(r) > len(best) {
			best = r
		}
	}
	return best
}

// ignored reports whether path lies in a skipped directory or is a temp file.
func ignored(root, path string) bool {
	if storage.IsTemp(path) {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	if parts[0] == models.AttachmentsDirName {
		return true
	}
	for _, p := range parts {
		if strings.HasPrefix(p, ".") {
			return true
		}
	}
	return false
}

func reportDir(root, dir string, sink Sink) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ignored(root, path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			sink.FileChanged(path)
		}
		return nil
	})
}

// addDirsRecursive adds dir and its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if ignored(root, path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
