package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/tidsync/internal/checksum"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/tidfile"
)

// TempPrefix marks in-progress atomic writes. Watchers and loaders skip it.
const TempPrefix = ".tidsync-tmp-"

// IsTemp reports whether name is an atomic-write temp file.
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// FS implements Provider backed by the local file system.
type FS struct {
	root string // absolute path to the workspace content directory
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects any
// result that escapes it.
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	abs := filepath.Join(f.root, cleaned)
	if !within(f.root, abs) {
		return "", fmt.Errorf("storage: path escapes root: %s", rel)
	}
	return abs, nil
}

func within(root, abs string) bool {
	return abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator))
}

// Rel converts an absolute path under the root into a provider path.
func (f *FS) Rel(abs string) (string, error) {
	abs = filepath.Clean(abs)
	if !within(f.root, abs) {
		return "", fmt.Errorf("storage: %s is outside %s", abs, f.root)
	}
	return filepath.Rel(f.root, abs)
}

// skipDir reports directories never holding tiddlers: dot directories and
// the attachments folder at the root.
func (f *FS) skipDir(p string, d fs.DirEntry) bool {
	if p == f.root {
		return false
	}
	if strings.HasPrefix(d.Name(), ".") {
		return true
	}
	return filepath.Dir(p) == f.root && d.Name() == models.AttachmentsDirName
}

// List walks dir (relative to root) and returns every .tid file and every
// content file paired with a .meta file.
func (f *FS) List(dir string) ([]Entry, error) {
	base, err := f.safePath(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if f.skipDir(p, d) {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if IsTemp(name) || strings.HasSuffix(name, tidfile.MetaExt) {
			return nil
		}
		entry := Entry{}
		if strings.HasSuffix(name, tidfile.Ext) {
			entry.Path = p
		} else if _, statErr := os.Stat(p + tidfile.MetaExt); statErr == nil {
			entry.Path, entry.MetaPath = p, p+tidfile.MetaExt
		} else {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		entry.Checksum = checksum.Sum(data)
		entry.Path, _ = filepath.Rel(f.root, entry.Path)
		if entry.MetaPath != "" {
			entry.MetaPath, _ = filepath.Rel(f.root, entry.MetaPath)
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Write atomically writes content: tmp file → fsync → rename.
func (f *FS) Write(path string, content []byte) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	return WriteAtomic(abs, content)
}

// WriteAtomic writes content to the absolute path abs through a temp file
// in the same directory.
func WriteAtomic(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// Delete removes a file. The returned error wraps os.ErrNotExist when the
// file was already gone.
func (f *FS) Delete(path string) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}
