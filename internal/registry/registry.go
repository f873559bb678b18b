package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/tidsync/internal/apperr"
	"github.com/starford/tidsync/internal/models"
)

// Store is the workspace registry. Consumers depend on this rather than
// *DB so tests can substitute a fake.
type Store interface {
	Add(ctx context.Context, ws models.Workspace) (models.Workspace, error)
	Update(ctx context.Context, ws models.Workspace) error
	Get(ctx context.Context, id string) (models.Workspace, error)
	List(ctx context.Context) ([]models.Workspace, error)
	SubWorkspaces(ctx context.Context, mainID string) ([]models.Workspace, error)
	Remove(ctx context.Context, id string) error
}

var _ Store = (*DB)(nil)

const selectCols = `id, name, folder_path, is_sub, COALESCE(main_id, ''), routing_tag, sub_folder_name, sort_order, port`

func validate(ws models.Workspace) error {
	err := validation.ValidateStruct(&ws,
		validation.Field(&ws.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&ws.FolderPath, validation.Required),
		validation.Field(&ws.MainWorkspaceID,
			validation.When(ws.IsSubWorkspace, validation.Required).Else(validation.Empty)),
		validation.Field(&ws.RoutingTag, validation.When(!ws.IsSubWorkspace, validation.Empty)),
		validation.Field(&ws.Port, validation.Min(0), validation.Max(65535)),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrInvalidWorkspace, err)
	}
	return nil
}

// checkMain enforces that a sub-workspace links to an existing main.
func (db *DB) checkMain(ctx context.Context, ws models.Workspace) error {
	if !ws.IsSubWorkspace {
		return nil
	}
	main, err := db.Get(ctx, ws.MainWorkspaceID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("%w: main workspace %q does not exist", apperr.ErrInvalidWorkspace, ws.MainWorkspaceID)
		}
		return err
	}
	if main.IsSubWorkspace {
		return fmt.Errorf("%w: %q is itself a sub-workspace", apperr.ErrInvalidWorkspace, main.ID)
	}
	return nil
}

// Add inserts ws, assigning a new ID when it has none.
func (db *DB) Add(ctx context.Context, ws models.Workspace) (models.Workspace, error) {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.IsSubWorkspace && ws.SubFolderName == "" {
		ws.SubFolderName = filepath.Base(ws.FolderPath)
	}
	if err := validate(ws); err != nil {
		return models.Workspace{}, err
	}
	if err := db.checkMain(ctx, ws); err != nil {
		return models.Workspace{}, err
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, folder_path, is_sub, main_id, routing_tag, sub_folder_name, sort_order, port)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ws.ID, ws.Name, ws.FolderPath, ws.IsSubWorkspace, nullable(ws.MainWorkspaceID),
		ws.RoutingTag, ws.SubFolderName, ws.Order, ws.Port)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Workspace{}, fmt.Errorf("registry: add %s: %w", ws.FolderPath, apperr.ErrAlreadyExists)
		}
		return models.Workspace{}, fmt.Errorf("registry: add: %w", err)
	}
	return ws, nil
}

// Update replaces every stored field of ws.
func (db *DB) Update(ctx context.Context, ws models.Workspace) error {
	if err := validate(ws); err != nil {
		return err
	}
	if err := db.checkMain(ctx, ws); err != nil {
		return err
	}
	res, err := db.conn.ExecContext(ctx, `
		UPDATE workspaces SET
			name = ?, folder_path = ?, is_sub = ?, main_id = ?, routing_tag = ?,
			sub_folder_name = ?, sort_order = ?, port = ?
		WHERE id = ?
	`, ws.Name, ws.FolderPath, ws.IsSubWorkspace, nullable(ws.MainWorkspaceID), ws.RoutingTag,
		ws.SubFolderName, ws.Order, ws.Port, ws.ID)
	if err != nil {
		return fmt.Errorf("registry: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registry: update %s: %w", ws.ID, apperr.ErrNotFound)
	}
	return nil
}

// Get returns the workspace with id.
func (db *DB) Get(ctx context.Context, id string) (models.Workspace, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+selectCols+` FROM workspaces WHERE id = ?`, id)
	ws, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workspace{}, fmt.Errorf("registry: get %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Workspace{}, fmt.Errorf("registry: get: %w", err)
	}
	return ws, nil
}

// List returns every workspace, mains before subs, each by order then name.
func (db *DB) List(ctx context.Context) ([]models.Workspace, error) {
	return db.query(ctx, `SELECT `+selectCols+` FROM workspaces ORDER BY is_sub, sort_order, name`)
}

// SubWorkspaces returns the subs linked to mainID in ascending order.
func (db *DB) SubWorkspaces(ctx context.Context, mainID string) ([]models.Workspace, error) {
	return db.query(ctx, `SELECT `+selectCols+` FROM workspaces WHERE main_id = ? ORDER BY sort_order, created_at`, mainID)
}

// Remove deletes the workspace with id. A main workspace with linked
// sub-workspaces cannot be removed.
func (db *DB) Remove(ctx context.Context, id string) error {
	var subs int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM workspaces WHERE main_id = ?`, id).Scan(&subs); err != nil {
		return fmt.Errorf("registry: remove: %w", err)
	}
	if subs > 0 {
		return fmt.Errorf("registry: remove %s: %d sub-workspaces still linked: %w", id, subs, apperr.ErrConflict)
	}
	res, err := db.conn.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: remove: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registry: remove %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (db *DB) query(ctx context.Context, q string, args ...any) ([]models.Workspace, error) {
	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: query: %w", err)
	}
	defer rows.Close()

	var out []models.Workspace
	for rows.Next() {
		ws, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (models.Workspace, error) {
	var ws models.Workspace
	err := s.Scan(&ws.ID, &ws.Name, &ws.FolderPath, &ws.IsSubWorkspace, &ws.MainWorkspaceID,
		&ws.RoutingTag, &ws.SubFolderName, &ws.Order, &ws.Port)
	return ws, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
