// Package testutil provides shared test helpers for setting up workspace
// folders and tiddler files.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/tidfile"
)

// Logger returns a logger that discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// MainWorkspace creates a temporary main workspace with its content dir.
func MainWorkspace(t *testing.T, id string) models.Workspace {
	t.Helper()
	ws := models.Workspace{ID: id, Name: id, FolderPath: t.TempDir()}
	if err := os.MkdirAll(ws.ContentDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	return ws
}

// SubWorkspace creates a temporary sub-workspace linked to main.
func SubWorkspace(t *testing.T, id string, main models.Workspace, tag string, order int) models.Workspace {
	t.Helper()
	return models.Workspace{
		ID:              id,
		Name:            id,
		FolderPath:      t.TempDir(),
		IsSubWorkspace:  true,
		MainWorkspaceID: main.ID,
		RoutingTag:      tag,
		SubFolderName:   id,
		Order:           order,
	}
}

// WriteTid writes td as a .tid file in dir, creating dir, and returns its
// path.
func WriteTid(t *testing.T, dir string, td *models.Tiddler) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, tidfile.Filename(td.Title))
	if err := os.WriteFile(path, tidfile.MarshalTid(td), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteFile writes data at dir/name, creating parents.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
