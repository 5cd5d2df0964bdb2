// Package backend provides the storage backend used by the vault, the load
// tracker and the channel caches.
package backend

import (
	"context"
	"io"
	"time"

	framecache "github.com/wolfeidau/frame-cache"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = framecache.ErrNotFound

// TempSuffix is appended to a key's path while a write to it is in flight.
// A file with this suffix that outlives its writer is an orphan.
const TempSuffix = ".tmp"

// Info describes a stored key.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing value.
	// The new value becomes visible atomically.
	Write(ctx context.Context, key string, r io.Reader) error

	// WriteIfAbsent stores data only if the key does not exist yet.
	// It reports whether a write happened.
	WriteIfAbsent(ctx context.Context, key string, r io.Reader) (bool, error)

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns size and modification time for a key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)

	// List returns all keys with the given prefix, skipping in-flight
	// temp files. The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)

	// Path returns the absolute filesystem location of a key.
	Path(key string) string
}

// AtomicWriter is a write handle whose data is committed on Close and
// discarded on Abort.
type AtomicWriter interface {
	io.WriteCloser
	Abort() error
}

// WriterBackend extends Backend with direct writer access for callers that
// stream data rather than provide a reader.
type WriterBackend interface {
	Backend

	// Writer returns a writer for the given key. Other writers of the same
	// key block until the returned writer is closed or aborted.
	Writer(ctx context.Context, key string) (AtomicWriter, error)
}
