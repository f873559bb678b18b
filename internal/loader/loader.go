// Package loader reads a main workspace and its sub-workspaces into one
// tiddler set, recording which file each tiddler came from.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/starford/tidsync/internal/apperr"
	"github.com/starford/tidsync/internal/checksum"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/storage"
	"github.com/starford/tidsync/internal/tidfile"
)

// Collision records a title found in more than one file. The file loaded
// later wins.
type Collision struct {
	Title    string
	Shadowed string
	Winner   string
}

// Result is the unified load output.
type Result struct {
	Tiddlers   map[string]*models.Tiddler
	Provenance map[string]models.FileInfo
	// Checksums maps absolute file paths to the SHA-256 of their bytes.
	Checksums  checksum.Ledger
	Skipped    []string
	Collisions []Collision
}

func newResult() *Result {
	return &Result{
		Tiddlers:   make(map[string]*models.Tiddler),
		Provenance: make(map[string]models.FileInfo),
		Checksums:  checksum.Ledger{},
	}
}

// LoadAll loads main from its content subfolder, then every sub-workspace
// from its root in ascending Order. A main workspace that cannot be read
// fails the whole load; a broken sub-workspace is logged and skipped.
func LoadAll(ctx context.Context, main models.Workspace, subs []models.Workspace, logger *slog.Logger) (*Result, error) {
	res := newResult()

	if err := loadFolder(ctx, res, main, logger); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperr.ErrMainWorkspaceLoad, main.ContentDir(), err)
	}
	logger.Info("loader: main workspace loaded",
		slog.String("workspace", main.ID),
		slog.Int("tiddlers", len(res.Tiddlers)))

	for _, sub := range models.SortByOrder(subs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		before := len(res.Tiddlers)
		if err := loadFolder(ctx, res, sub, logger); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("loader: sub-workspace skipped",
				slog.String("workspace", sub.ID),
				slog.String("path", sub.ContentDir()),
				slog.String("error", err.Error()))
			res.Skipped = append(res.Skipped, sub.ID)
			continue
		}
		logger.Info("loader: sub-workspace loaded",
			slog.String("workspace", sub.ID),
			slog.Int("new_tiddlers", len(res.Tiddlers)-before))
	}
	return res, nil
}

// LoadFolder loads a single workspace; it is the native single-folder
// loader LoadAll builds on.
func LoadFolder(ctx context.Context, ws models.Workspace, logger *slog.Logger) (*Result, error) {
	res := newResult()
	if err := loadFolder(ctx, res, ws, logger); err != nil {
		return nil, err
	}
	return res, nil
}

func loadFolder(ctx context.Context, res *Result, ws models.Workspace, logger *slog.Logger) error {
	fs, err := storage.NewFS(ws.ContentDir())
	if err != nil {
		return err
	}
	entries, err := fs.List("")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, info, err := ReadEntry(fs, e)
		if err != nil {
			logger.Warn("loader: file skipped",
				slog.String("workspace", ws.ID),
				slog.String("path", e.Path),
				slog.String("error", err.Error()))
			continue
		}
		info.WorkspaceID = ws.ID
		if prev, dup := res.Provenance[t.Title]; dup {
			logger.Warn("loader: duplicate title, later workspace wins",
				slog.String("title", t.Title),
				slog.String("shadowed", prev.Filepath),
				slog.String("winner", info.Filepath))
			res.Collisions = append(res.Collisions, Collision{Title: t.Title, Shadowed: prev.Filepath, Winner: info.Filepath})
		}
		res.Tiddlers[t.Title] = t
		res.Provenance[t.Title] = info
		res.Checksums[info.Filepath] = e.Checksum
	}
	return nil
}

// ReadEntry decodes one listed file into its tiddler and provenance entry.
func ReadEntry(fs storage.Provider, e storage.Entry) (*models.Tiddler, models.FileInfo, error) {
	abs := filepath.Join(fs.Root(), e.Path)
	data, err := fs.Read(e.Path)
	if err != nil {
		return nil, models.FileInfo{}, err
	}

	if e.MetaPath == "" {
		fallback := strings.TrimSuffix(filepath.Base(e.Path), tidfile.Ext)
		t, err := tidfile.UnmarshalTid(data, fallback)
		if err != nil {
			return nil, models.FileInfo{}, err
		}
		return t, models.FileInfo{Filepath: abs, FileType: tidfile.TidType, IsEditable: true}, nil
	}

	meta, err := fs.Read(e.MetaPath)
	if err != nil {
		return nil, models.FileInfo{}, err
	}
	t, err := tidfile.UnmarshalMeta(meta, data, abs)
	if err != nil {
		return nil, models.FileInfo{}, err
	}
	ct := t.Field(models.FieldType)
	return t, models.FileInfo{
		Filepath:            abs,
		FileType:            ct,
		HasSeparateMetaFile: true,
		IsEditable:          tidfile.IsTextType(ct),
	}, nil
}
