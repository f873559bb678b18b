package wiki

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/tidsync/internal/compare"
	"github.com/starford/tidsync/internal/loader"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/storage"
	"github.com/starford/tidsync/internal/tidfile"
)

// ApplyExternal offers a tiddler read from disk to the store. It is
// applied only when it differs meaningfully from what is stored; the file
// stays where it is even if its tags would route it elsewhere.
func (s *Session) ApplyExternal(t *models.Tiddler, info models.FileInfo) (bool, error) {
	if t == nil || t.Title == "" {
		return false, fmt.Errorf("wiki: apply external: empty title")
	}
	if s.isReadOnly(t.Title) {
		return false, nil
	}
	prev := s.store[t.Title]
	if old, ok := s.provenance[t.Title]; ok && old.WorkspaceID != info.WorkspaceID {
		s.logger.Warn("wiki: duplicate title, external file wins",
			slog.String("title", t.Title),
			slog.String("shadowed", old.Filepath),
			slog.String("winner", info.Filepath))
	}
	s.provenance[t.Title] = info
	if !compare.HasMeaningfulChange(prev, t) {
		return false, nil
	}
	s.store[t.Title] = t.Clone()
	if prev == nil || !models.SameTags(prev.Tags, t.Tags) {
		s.tags.Invalidate()
	}
	s.emit(Change{Kind: ChangeSaved, Title: t.Title, WorkspaceID: info.WorkspaceID, Path: info.Filepath, External: true})
	return true, nil
}

// ApplyFileChange reloads the tiddler file at path after a create or
// write. Files outside the workspaces, temp files and our own writes are
// ignored.
func (s *Session) ApplyFileChange(path string) (bool, error) {
	path = filepath.Clean(path)
	if storage.IsTemp(path) {
		return false, nil
	}
	ws, ok := s.workspaceFor(path)
	if !ok {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("wiki: read %s: %w", path, err)
	}
	if s.checksums.Matches(path, data) {
		return false, nil
	}

	fs, err := s.folder(ws)
	if err != nil {
		return false, err
	}
	entry, ok := entryFor(path)
	if !ok {
		return false, nil
	}
	if entry.Path, err = fs.Rel(entry.Path); err != nil {
		return false, err
	}
	if entry.MetaPath != "" {
		if entry.MetaPath, err = fs.Rel(entry.MetaPath); err != nil {
			return false, err
		}
	}

	t, info, err := loader.ReadEntry(fs, entry)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("wiki: load %s: %w", path, err)
	}
	info.WorkspaceID = ws.ID
	s.checksums.Record(path, data)

	// The file may now hold a different title than it used to.
	if old := s.titleAt(info.Filepath); old != "" && old != t.Title {
		s.dropTitle(old, info)
	}

	applied, err := s.ApplyExternal(t, info)
	if applied {
		s.logger.Info("wiki: external change applied",
			slog.String("title", t.Title),
			slog.String("workspace", ws.ID),
			slog.String("path", path))
	}
	return applied, err
}

// ApplyFileRemoval drops the tiddler whose backing file was removed or
// renamed away. Removals of files we no longer track are ignored.
func (s *Session) ApplyFileRemoval(path string) (bool, error) {
	path = filepath.Clean(path)
	s.checksums.Forget(path)
	contentPath := strings.TrimSuffix(path, tidfile.MetaExt)
	title := s.titleAt(contentPath)
	if title == "" {
		return false, nil
	}
	info := s.provenance[title]
	if path != info.Filepath && path != info.MetaPath() {
		return false, nil
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if s.isReadOnly(title) {
		return false, nil
	}
	s.dropTitle(title, info)
	s.logger.Info("wiki: external removal applied",
		slog.String("title", title),
		slog.String("workspace", info.WorkspaceID),
		slog.String("path", path))
	return true, nil
}

func (s *Session) dropTitle(title string, info models.FileInfo) {
	prev := s.store[title]
	delete(s.store, title)
	delete(s.provenance, title)
	if prev != nil && len(prev.Tags) > 0 {
		s.tags.Invalidate()
	}
	s.emit(Change{Kind: ChangeDeleted, Title: title, WorkspaceID: info.WorkspaceID, Path: info.Filepath, External: true})
}

func (s *Session) titleAt(path string) string {
	for title, info := range s.provenance {
		if info.Filepath == path {
			return title
		}
	}
	return ""
}

// entryFor maps a changed path to the storage entry it belongs to: a .tid
// file, or a content file with its .meta companion.
func entryFor(path string) (storage.Entry, bool) {
	switch {
	case strings.HasSuffix(path, tidfile.Ext):
		return storage.Entry{Path: path}, true
	case strings.HasSuffix(path, tidfile.MetaExt):
		content := strings.TrimSuffix(path, tidfile.MetaExt)
		if _, err := os.Stat(content); err != nil {
			return storage.Entry{}, false
		}
		return storage.Entry{Path: content, MetaPath: path}, true
	default:
		if _, err := os.Stat(path + tidfile.MetaExt); err != nil {
			return storage.Entry{}, false
		}
		return storage.Entry{Path: path, MetaPath: path + tidfile.MetaExt}, true
	}
}
