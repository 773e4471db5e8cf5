// Package storage defines the file-system abstraction over export roots and
// the extraction workspace.
package storage

import (
	"io"
	"time"
)

// FileInfo describes one regular file under a root.
type FileInfo struct {
	Path    string // slash-separated, relative to root
	Size    int64
	ModTime time.Time
}

// Provider is the read side used by the parsers and the media linker.
type Provider interface {
	// Root returns the absolute root directory.
	Root() string
	// List returns every regular file under dir (relative to root) whose
	// extension matches one of exts. No exts means all files.
	List(dir string, exts ...string) ([]FileInfo, error)
	// Open streams the file at path (relative to root).
	Open(path string) (io.ReadCloser, error)
	// Exists reports whether path (relative to root) exists.
	Exists(path string) bool
}
