// Package vcs initialises workspace folders as git repositories through
// the git CLI.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/starford/tidsync/internal/storage"
)

// ignoreLines are written to .gitignore of a fresh repository.
var ignoreLines = []string{
	storage.TempPrefix + "*",
	"*.swp",
	".DS_Store",
}

// Repository is a git working tree at one directory. Every command runs
// with "git -C <dir>".
type Repository struct {
	dir string
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string { return r.dir }

// Run executes git with args and returns stdout. Stderr is included in
// the error on failure.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// IsRepository reports whether dir already has a .git entry.
func (r *Repository) IsRepository() bool {
	_, err := os.Stat(filepath.Join(r.dir, ".git"))
	return err == nil
}

// EnsureInit runs "git init" unless the folder is already a repository.
// It reports whether a repository was created.
func (r *Repository) EnsureInit(ctx context.Context) (bool, error) {
	if r.IsRepository() {
		return false, nil
	}
	if _, err := r.Run(ctx, "init", "--quiet"); err != nil {
		return false, err
	}
	if err := r.writeIgnore(); err != nil {
		return true, err
	}
	return true, nil
}

func (r *Repository) writeIgnore() error {
	path := filepath.Join(r.dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return storage.WriteAtomic(path, []byte(strings.Join(ignoreLines, "\n")+"\n"))
}

// Available reports whether a git binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}
