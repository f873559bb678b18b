package wiki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/starford/tidsync/internal/apperr"
	"github.com/starford/tidsync/internal/compare"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/relocate"
	"github.com/starford/tidsync/internal/tidfile"
)

// SaveResult reports what a save did on disk.
type SaveResult struct {
	// Unchanged is set when the compare gate found nothing meaningful and
	// no file was written.
	Unchanged   bool   `json:"unchanged,omitempty"`
	Written     bool   `json:"written"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Path        string `json:"path,omitempty"`
	// Relocated is set when the tiddler moved to another workspace.
	Relocated     bool             `json:"relocated,omitempty"`
	FromWorkspace string           `json:"from_workspace,omitempty"`
	Attachment    relocate.Outcome `json:"-"`
	// AttachmentErr is a partial failure: the tiddler was saved and moved
	// but its attachment file was not.
	AttachmentErr error `json:"-"`
}

// Save stores t and writes it to the workspace its tags route it to,
// moving the old file and any managed attachment when that changes.
func (s *Session) Save(ctx context.Context, t *models.Tiddler) (SaveResult, error) {
	if t == nil || strings.TrimSpace(t.Title) == "" {
		return SaveResult{}, fmt.Errorf("wiki: save: empty title")
	}
	title := t.Title
	if err := tidfile.Validate(t); err != nil {
		return SaveResult{}, fmt.Errorf("wiki: save: %w", err)
	}
	if s.isReadOnly(title) {
		return SaveResult{}, fmt.Errorf("wiki: save %q: %w", title, apperr.ErrReadOnly)
	}
	if !s.guard.TryAcquire(title) {
		return SaveResult{}, fmt.Errorf("wiki: save %q: %w", title, apperr.ErrRelocationInFlight)
	}
	defer s.guard.Release(title)

	if err := ctx.Err(); err != nil {
		return SaveResult{}, err
	}

	prev := s.store[title]
	if !compare.HasMeaningfulChange(prev, t) {
		return SaveResult{Unchanged: true}, nil
	}

	next := t.Clone()
	now := s.now().UTC()
	if next.Created.IsZero() {
		if prev != nil && !prev.Created.IsZero() {
			next.Created = prev.Created
		} else {
			next.Created = now
		}
	}
	if next.Modified.IsZero() || (prev != nil && !next.Modified.After(prev.Modified)) {
		next.Modified = now
	}

	s.store[title] = next
	if prev == nil || !models.SameTags(prev.Tags, next.Tags) {
		s.tags.Invalidate()
	}

	if isTransient(title) {
		s.emit(Change{Kind: ChangeSaved, Title: title})
		return SaveResult{}, nil
	}

	target := s.Route(title, next.Tags)
	prevInfo, hadFile := s.provenance[title]
	moving := hadFile && prevInfo.WorkspaceID != target.ID

	info := prevInfo
	if !hadFile || moving {
		info = s.placement(title, prevInfo, hadFile, target)
	}
	if err := s.writeFiles(next, info); err != nil {
		return SaveResult{}, fmt.Errorf("wiki: save %q: %w", title, err)
	}

	res := SaveResult{Written: true, WorkspaceID: target.ID, Path: info.Filepath}
	if moving {
		res.Relocated = true
		res.FromWorkspace = prevInfo.WorkspaceID
		s.removeFiles(prevInfo)
		res.Attachment, res.AttachmentErr = s.relocator.RelocateIfNeeded(
			next.Field(models.FieldCanonicalURI), prevInfo.Filepath, info.Filepath, s.relocateSet())
		if res.AttachmentErr != nil {
			s.logger.Error("wiki: attachment relocation failed",
				slog.String("title", title),
				slog.String("from", prevInfo.WorkspaceID),
				slog.String("to", target.ID),
				slog.String("error", res.AttachmentErr.Error()))
		}
		s.logger.Info("wiki: tiddler relocated",
			slog.String("title", title),
			slog.String("from", prevInfo.WorkspaceID),
			slog.String("to", target.ID),
			slog.String("attachment", res.Attachment.String()))
	}
	s.provenance[title] = info

	kind := ChangeSaved
	if moving {
		kind = ChangeRelocated
	}
	s.emit(Change{Kind: kind, Title: title, WorkspaceID: target.ID, FromWorkspace: res.FromWorkspace, Path: info.Filepath})
	return res, nil
}

// Delete removes title from the store and its backing files.
func (s *Session) Delete(ctx context.Context, title string) error {
	if s.isReadOnly(title) {
		return fmt.Errorf("wiki: delete %q: %w", title, apperr.ErrReadOnly)
	}
	if !s.guard.TryAcquire(title) {
		return fmt.Errorf("wiki: delete %q: %w", title, apperr.ErrRelocationInFlight)
	}
	defer s.guard.Release(title)

	if err := ctx.Err(); err != nil {
		return err
	}
	prev, ok := s.store[title]
	if !ok {
		return fmt.Errorf("wiki: delete %q: %w", title, apperr.ErrNotFound)
	}
	info, hadFile := s.provenance[title]
	if hadFile {
		if err := s.deleteFiles(info); err != nil {
			return fmt.Errorf("wiki: delete %q: %w", title, err)
		}
	}
	delete(s.store, title)
	delete(s.provenance, title)
	if len(prev.Tags) > 0 {
		s.tags.Invalidate()
	}
	s.emit(Change{Kind: ChangeDeleted, Title: title, WorkspaceID: info.WorkspaceID, Path: info.Filepath})
	return nil
}

func (s *Session) isReadOnly(title string) bool {
	if isReadOnlyTitle(title) {
		return true
	}
	_, ok := s.readOnly[title]
	return ok
}

// placement picks the backing file for title inside target. Meta-paired
// tiddlers keep their content file name.
func (s *Session) placement(title string, prev models.FileInfo, hadFile bool, target models.Workspace) models.FileInfo {
	dir := target.ContentDir()
	if hadFile && prev.HasSeparateMetaFile {
		info := prev
		info.Filepath = s.uniquePath(title, dir, filepath.Base(prev.Filepath))
		info.WorkspaceID = target.ID
		return info
	}
	return models.FileInfo{
		Filepath:    s.uniquePath(title, dir, tidfile.Filename(title)),
		FileType:    tidfile.TidType,
		IsEditable:  true,
		WorkspaceID: target.ID,
	}
}

// uniquePath returns dir/name unless another title already owns that
// file, in which case a numeric suffix is added before the extension.
func (s *Session) uniquePath(title, dir, name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; s.ownedByOther(title, candidate); i++ {
		candidate = filepath.Join(dir, base+" "+strconv.Itoa(i)+ext)
	}
	return candidate
}

func (s *Session) ownedByOther(title, path string) bool {
	for other, info := range s.provenance {
		if other != title && info.Filepath == path {
			return true
		}
	}
	return false
}

func (s *Session) writeFiles(t *models.Tiddler, info models.FileInfo) error {
	fs, rel, err := s.folderPath(info.WorkspaceID, info.Filepath)
	if err != nil {
		return err
	}
	if !info.HasSeparateMetaFile {
		data := tidfile.MarshalTid(t)
		if err := fs.Write(rel, data); err != nil {
			return err
		}
		s.checksums.Record(info.Filepath, data)
		return nil
	}
	content, err := tidfile.ContentBytes(t)
	if err != nil {
		return err
	}
	meta := tidfile.MarshalMeta(t)
	if err := fs.Write(rel, content); err != nil {
		return err
	}
	s.checksums.Record(info.Filepath, content)
	if err := fs.Write(rel+tidfile.MetaExt, meta); err != nil {
		return err
	}
	s.checksums.Record(info.MetaPath(), meta)
	return nil
}

// deleteFiles removes the backing file(s). Files already gone count as
// removed.
func (s *Session) deleteFiles(info models.FileInfo) error {
	fs, rel, err := s.folderPath(info.WorkspaceID, info.Filepath)
	if err != nil {
		return err
	}
	paths := []string{rel}
	s.checksums.Forget(info.Filepath)
	if info.HasSeparateMetaFile {
		paths = append(paths, rel+tidfile.MetaExt)
		s.checksums.Forget(info.MetaPath())
	}
	var errs []error
	for _, p := range paths {
		if err := fs.Delete(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// removeFiles is deleteFiles for the old location of a moved tiddler.
// The new file is already written, so failures are only logged.
func (s *Session) removeFiles(info models.FileInfo) {
	if err := s.deleteFiles(info); err != nil {
		s.logger.Warn("wiki: old file not removed",
			slog.String("path", info.Filepath),
			slog.String("error", err.Error()))
	}
}
