// Package storage is the per-folder file abstraction every workspace
// write goes through.
package storage

// Entry describes one tiddler-bearing file found by List.
type Entry struct {
	// Path is relative to the provider root.
	Path string
	// MetaPath is the companion .meta file, or empty for .tid files.
	MetaPath string
	Checksum string
}

// Provider is the interface for workspace file operations. Paths are
// relative to the provider root.
type Provider interface {
	Root() string
	// List returns every .tid file and every file with a .meta companion.
	List(dir string) ([]Entry, error)
	Read(path string) ([]byte, error)
	// Write atomically writes content, creating parent directories.
	Write(path string, content []byte) error
	Delete(path string) error
	// Rel converts an absolute path under Root into a provider path.
	Rel(abs string) (string, error)
}
