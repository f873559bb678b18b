// Package apperr holds sentinel errors shared across packages.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")

	// ErrMainWorkspaceLoad is fatal to boot: the main workspace content
	// folder is missing or unreadable.
	ErrMainWorkspaceLoad = errors.New("main workspace load failed")
	// ErrReadOnly is returned when saving a title the engine injects itself.
	ErrReadOnly = errors.New("read-only tiddler")
	// ErrRelocationInFlight rejects a second save for a title whose
	// previous save has not finished.
	ErrRelocationInFlight = errors.New("relocation already in flight")
	ErrInvalidWorkspace   = errors.New("invalid workspace")
	// ErrInvalidTiddler rejects a tiddler whose title or fields cannot be
	// written to a .tid header and read back unchanged.
	ErrInvalidTiddler = errors.New("invalid tiddler")
)
