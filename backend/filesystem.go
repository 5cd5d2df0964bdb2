package backend

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const lockStripes = 64

// Filesystem implements Backend using the local filesystem.
//
// Writes go to a temp file next to the destination, are synced, and are
// then renamed into place. The destination is unlinked before the rename
// because the target filesystems (FAT on removable media) cannot replace a
// file on rename. A crash between unlink and rename leaves only the temp
// file, which Recover promotes on the next open.
type Filesystem struct {
	root  string
	locks [lockStripes]sync.Mutex
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Path returns the absolute filesystem path for a key.
func (fs *Filesystem) Path(key string) string {
	return fs.keyToPath(key)
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	mu := fs.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	return fs.writeLocked(ctx, key, r)
}

// WriteIfAbsent stores data only when nothing exists at key yet.
func (fs *Filesystem) WriteIfAbsent(ctx context.Context, key string, r io.Reader) (bool, error) {
	mu := fs.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	exists, err := fs.exists(key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := fs.writeLocked(ctx, key, r); err != nil {
		return false, err
	}
	return true, nil
}

func (fs *Filesystem) writeLocked(ctx context.Context, key string, r io.Reader) error {
	w, err := fs.openTemp(key)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w.f, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = w.abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return w.commit()
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	mu := fs.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	err := os.Remove(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	return fs.exists(key)
}

func (fs *Filesystem) exists(key string) (bool, error) {
	_, err := os.Stat(fs.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Stat returns the size and modification time of the data at key.
func (fs *Filesystem) Stat(ctx context.Context, key string) (Info, error) {
	info, err := os.Stat(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat file: %w", err)
	}
	return Info{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns all keys with the given prefix.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), TempSuffix) {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// ListTemp returns keys (without the suffix) that have a temp file on disk.
func (fs *Filesystem) ListTemp(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(fs.keyToPath(prefix), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), TempSuffix) {
			return nil
		}
		rel, err := filepath.Rel(fs.root, strings.TrimSuffix(path, TempSuffix))
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// CleanTemp removes an orphaned temp file for key. A temp file that belongs
// to a write in progress is left alone. It reports whether a file was removed.
func (fs *Filesystem) CleanTemp(key string) (bool, error) {
	mu := fs.lockFor(key)
	if !mu.TryLock() {
		return false, nil
	}
	defer mu.Unlock()

	err := os.Remove(fs.keyToPath(key) + TempSuffix)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("removing temp file: %w", err)
}

// RecoveryAction describes what Recover did with a leftover temp file.
type RecoveryAction int

const (
	RecoveryNone RecoveryAction = iota
	RecoveryPromoted
	RecoveryDiscarded
)

func (a RecoveryAction) String() string {
	switch a {
	case RecoveryPromoted:
		return "promoted"
	case RecoveryDiscarded:
		return "discarded"
	default:
		return "none"
	}
}

// Recover resolves an interrupted write of key. When a temp file exists it
// is compared with the primary: a valid temp replaces a missing or invalid
// primary, and replaces a valid primary only when it is newer. Otherwise
// the temp file is discarded. valid inspects the head of a file.
func (fs *Filesystem) Recover(ctx context.Context, key string, valid func(io.Reader) bool) (RecoveryAction, error) {
	mu := fs.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	path := fs.keyToPath(key)
	tmpPath := path + TempSuffix

	tmpInfo, err := os.Stat(tmpPath)
	if err != nil {
		if os.IsNotExist(err) {
			return RecoveryNone, nil
		}
		return RecoveryNone, fmt.Errorf("stat temp file: %w", err)
	}

	promote := false
	primaryInfo, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		promote = fileValid(tmpPath, valid)
	case err != nil:
		return RecoveryNone, fmt.Errorf("stat file: %w", err)
	default:
		tmpOK := fileValid(tmpPath, valid)
		primaryOK := fileValid(path, valid)
		promote = tmpOK && (!primaryOK || tmpInfo.ModTime().After(primaryInfo.ModTime()))
	}

	if !promote {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			return RecoveryNone, fmt.Errorf("removing temp file: %w", err)
		}
		return RecoveryDiscarded, nil
	}

	if err := replaceFile(tmpPath, path); err != nil {
		return RecoveryNone, err
	}
	return RecoveryPromoted, nil
}

func fileValid(path string, valid func(io.Reader) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	return valid(f)
}

// Writer returns a writer for the given key.
// The write is atomic - data is written to a temp file and renamed on Close.
func (fs *Filesystem) Writer(ctx context.Context, key string) (AtomicWriter, error) {
	mu := fs.lockFor(key)
	mu.Lock()

	w, err := fs.openTemp(key)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	w.unlock = mu.Unlock
	return w, nil
}

func (fs *Filesystem) openTemp(key string) (*atomicWriter, error) {
	path := fs.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmpPath := path + TempSuffix
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{
		f:       f,
		tmpPath: tmpPath,
		dstPath: path,
	}, nil
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

func (fs *Filesystem) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &fs.locks[h.Sum32()%lockStripes]
}

// atomicWriter wraps a temp file for atomic writing.
type atomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	closed  bool
	unlock  func()
}

// Write implements io.Writer.
func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close commits the write by renaming the temp file.
func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	defer w.release()
	return w.commit()
}

// Abort cancels the write and removes the temp file.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	defer w.release()
	return w.abort()
}

func (w *atomicWriter) commit() error {
	w.closed = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := replaceFile(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	return nil
}

func (w *atomicWriter) abort() error {
	w.closed = true
	_ = w.f.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (w *atomicWriter) release() {
	if w.unlock != nil {
		w.unlock()
		w.unlock = nil
	}
}

// replaceFile moves src over dst. dst is removed first; rename is the only
// point at which the new content becomes visible.
func replaceFile(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing previous file: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	syncDir(filepath.Dir(dst))
	return nil
}

// syncDir flushes a directory entry so a rename survives power loss.
// Not every filesystem supports it; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// Compile-time interface checks
var (
	_ Backend       = (*Filesystem)(nil)
	_ WriterBackend = (*Filesystem)(nil)
	_ AtomicWriter  = (*atomicWriter)(nil)
)
