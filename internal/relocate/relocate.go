// Package relocate moves a tiddler's external attachment file when the
// tiddler changes workspace.
package relocate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/starford/tidsync/internal/apperr"
	"github.com/starford/tidsync/internal/models"
)

// Outcome says what RelocateIfNeeded did.
type Outcome int

const (
	// NothingToDo: no reference, not a managed attachment, or same root.
	NothingToDo Outcome = iota
	// Moved by atomic rename.
	Moved
	// CopiedAcrossVolumes: rename hit EXDEV, so the file was copied and
	// the source removed.
	CopiedAcrossVolumes
	// SourceMissing: nothing at the source path; treated as already done.
	SourceMissing
)

func (o Outcome) String() string {
	switch o {
	case Moved:
		return "moved"
	case CopiedAcrossVolumes:
		return "copied"
	case SourceMissing:
		return "source-missing"
	default:
		return "nothing-to-do"
	}
}

// RelocationError reports a failed attachment move. The tiddler itself
// has already been relocated when this is returned.
type RelocationError struct {
	Ref  string
	From string
	To   string
	Err  error
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("relocate %s: %s -> %s: %v", e.Ref, e.From, e.To, e.Err)
}

func (e *RelocationError) Unwrap() error { return e.Err }

// Workspaces is the set of folders a path can be resolved against.
type Workspaces struct {
	Main models.Workspace
	Subs []models.Workspace
}

// Relocator moves attachments between workspace roots.
type Relocator struct {
	logger *slog.Logger
	rename func(oldpath, newpath string) error
}

// New returns a relocator using os.Rename.
func New(logger *slog.Logger) *Relocator {
	return &Relocator{logger: logger, rename: os.Rename}
}

// WithRename replaces the rename primitive. Tests use it to simulate
// cross-volume failures.
func (r *Relocator) WithRename(fn func(oldpath, newpath string) error) *Relocator {
	r.rename = fn
	return r
}

// RelocateIfNeeded moves the attachment named by ref from the workspace
// root owning oldFile to the one owning newFile. It is safe to retry. A
// different file already at the destination is never replaced; the source
// stays put and the error wraps apperr.ErrAlreadyExists.
func (r *Relocator) RelocateIfNeeded(ref, oldFile, newFile string, ws Workspaces) (Outcome, error) {
	rel, ok := ManagedPath(ref)
	if !ok {
		return NothingToDo, nil
	}
	oldRoot := ws.RootOf(oldFile)
	newRoot := ws.RootOf(newFile)
	if oldRoot == "" || newRoot == "" || oldRoot == newRoot {
		return NothingToDo, nil
	}

	src := filepath.Join(oldRoot, filepath.FromSlash(rel))
	dst := filepath.Join(newRoot, models.AttachmentsDirName, filepath.Base(src))

	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		r.logger.Info("relocate: attachment source missing, assuming already moved",
			slog.String("ref", ref), slog.String("source", src))
		return SourceMissing, nil
	}

	if _, err := os.Lstat(dst); err == nil {
		same, cmpErr := sameContent(src, dst)
		if cmpErr != nil {
			return NothingToDo, &RelocationError{Ref: ref, From: src, To: dst, Err: cmpErr}
		}
		if !same {
			return NothingToDo, &RelocationError{Ref: ref, From: src, To: dst, Err: apperr.ErrAlreadyExists}
		}
		// A previous copy landed but the source was never removed.
		if err := os.Remove(src); err != nil {
			return NothingToDo, &RelocationError{Ref: ref, From: src, To: dst, Err: err}
		}
		r.logger.Info("relocate: attachment already at destination", slog.String("from", src), slog.String("to", dst))
		return Moved, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return NothingToDo, &RelocationError{Ref: ref, From: src, To: dst, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return NothingToDo, &RelocationError{Ref: ref, From: src, To: dst, Err: err}
	}

	err := r.rename(src, dst)
	switch {
	case err == nil:
		r.logger.Info("relocate: attachment moved", slog.String("from", src), slog.String("to", dst))
		return Moved, nil
	case errors.Is(err, unix.EXDEV):
		if err := copyThenRemove(src, dst); err != nil {
			return NothingToDo, &RelocationError{Ref: ref, From: src, To: dst, Err: err}
		}
		r.logger.Info("relocate: attachment copied across volumes", slog.String("from", src), slog.String("to", dst))
		return CopiedAcrossVolumes, nil
	default:
		return NothingToDo, &RelocationError{Ref: ref, From: src, To: dst, Err: err}
	}
}

// ManagedPath decodes ref and returns its slash-separated path relative to
// the workspace root when it points into the managed attachments folder.
// Absolute paths, URLs and anything else are not managed.
func ManagedPath(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "/") || filepath.IsAbs(ref) {
		return "", false
	}
	if u, err := url.Parse(ref); err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	decoded, err := url.PathUnescape(ref)
	if err != nil {
		return "", false
	}
	cleaned := path.Clean(strings.TrimPrefix(decoded, "./"))
	prefix := models.AttachmentsDirName + "/"
	if !strings.HasPrefix(cleaned, prefix) || len(cleaned) == len(prefix) {
		return "", false
	}
	return cleaned, true
}

// RootOf returns the workspace root folder owning file, distinguishing a
// main workspace's content subfolder from sub-workspace roots. The most
// specific match wins so a sub-workspace nested inside the main content
// folder resolves to itself. Unknown paths yield "".
func (ws Workspaces) RootOf(file string) string {
	file = filepath.Clean(file)
	best, bestLen := "", -1
	consider := func(dir, root string) {
		dir = filepath.Clean(dir)
		if file != dir && !strings.HasPrefix(file, dir+string(os.PathSeparator)) {
			return
		}
		if len(dir) > bestLen {
			best, bestLen = root, len(dir)
		}
	}
	if ws.Main.FolderPath != "" {
		consider(ws.Main.ContentDir(), ws.Main.FolderPath)
	}
	for _, sub := range ws.Subs {
		if sub.FolderPath != "" {
			consider(sub.FolderPath, sub.FolderPath)
		}
	}
	return best
}

func sameContent(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}

func copyThenRemove(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
