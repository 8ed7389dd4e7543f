// Package iface declares the two external-collaborator capabilities the
// cache engine core consumes without ever depending on a concrete
// implementation: RemoteFs (spec.md §1's "abstract RemoteFs capability
// exposing open/read/close/stat and returning byte streams") and LocalFs
// (spec.md §1's "abstract LocalFs capability"). Concrete adapters live
// under internal/remotefs and internal/localdisk; the core packages
// (managedfile, lru, registry, downloader, facade) only ever see these
// interfaces, matching spec.md §1's explicit scope boundary.
package iface

import (
	"context"
	"io"
	"os"

	"github.com/dfscache/dfscache/fsdesc"
)

// RemoteConn is a single acquired remote-filesystem connection, treated as
// an RAII handle by the Downloader (spec.md §5): acquired once per
// prepare() call, released on every exit path regardless of outcome.
type RemoteConn interface {
	// Open opens remoteRel for reading starting at the given byte offset,
	// so a retried transfer can resume where it left off instead of
	// restarting the whole object (spec.md §4.4 step 5: "seek to the
	// current size_local").
	Open(remoteRel string, offset int64) (io.ReadCloser, error)
	// Stat returns the object's size and whether it exists at all.
	Stat(remoteRel string) (size int64, exists bool, err error)
	// Close releases the connection back to the adapter's pool (or
	// actually tears it down, for adapters with no pooling to do).
	Close() error
}

// RemoteFs is the abstract capability the Downloader depends on to reach a
// configured remote filesystem.
type RemoteFs interface {
	// Acquire returns a connection scoped to desc. Callers must Close it.
	Acquire(ctx context.Context, desc fsdesc.Descriptor) (RemoteConn, error)
}

// LocalFile is a local byte-file handle, the facade's unit of I/O once a
// path has been resolved to a managed file.
type LocalFile interface {
	io.Reader
	io.Writer
	io.Closer
	Seek(offset int64, whence int) (int64, error)
}

// LocalFs is the abstract capability the Facade and Downloader use to
// manipulate cache-root byte files and the directories that hold them.
type LocalFs interface {
	Open(path string, flag int, perm os.FileMode) (LocalFile, error)
	Stat(path string) (os.FileInfo, error)
	Rename(oldPath, newPath string) error
	Remove(path string) error
	MkdirAll(path string, perm os.FileMode) error
	List(dir string) ([]os.FileInfo, error)
	Chmod(path string, mode os.FileMode) error
	Chown(path string, uid, gid int) error
}
