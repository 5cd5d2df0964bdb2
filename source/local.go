package source

import (
	"cmp"
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"net/url"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/channelcache"
)

// localNamespace scopes the UUIDv5 addresses of local files.
var localNamespace = uuid.MustParse("3f1c8a62-5b0e-4d8e-9a0c-6a1f2b7d9e41")

// Local is a source that rescans a directory of image files. Every file
// becomes an artwork whose address is derived from its path, so a file
// keeps its identity across rescans and a changed file is refetched.
type Local struct {
	dir string

	mu    sync.Mutex
	paths map[uuid.UUID]string
}

var _ Source = (*Local)(nil)

// NewLocal creates a source for dir.
func NewLocal(dir string) *Local {
	return &Local{dir: dir, paths: make(map[uuid.UUID]string)}
}

// Kind implements Source.
func (l *Local) Kind() Kind { return KindLocal }

// NeedsNetwork implements Source.
func (l *Local) NeedsNetwork() bool { return false }

// List implements Source. The whole directory is returned as one page.
func (l *Local) List(ctx context.Context, _ string) (Page, error) {
	type file struct {
		rel  string
		info fs.FileInfo
		f    framecache.Format
	}
	var files []file
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != l.dir && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name()[0] == '.' || !d.Type().IsRegular() {
			return nil
		}
		f, err := framecache.ParseFormat(filepath.Ext(d.Name()))
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(l.dir, path)
		if err != nil {
			return err
		}
		files = append(files, file{rel: filepath.ToSlash(rel), info: info, f: f})
		return nil
	})
	if err != nil {
		// A missing directory is usually an unmounted card: transient.
		return Page{}, fmt.Errorf("scanning %s: %w", l.dir, err)
	}
	slices.SortFunc(files, func(a, b file) int {
		return cmp.Compare(a.rel, b.rel)
	})

	paths := make(map[uuid.UUID]string, len(files))
	used := make(map[int32]struct{}, len(files))
	page := Page{Entries: make([]channelcache.Entry, 0, len(files))}
	for _, f := range files {
		addr := uuid.NewSHA1(localNamespace, []byte(f.rel))
		mod := clampUnix(f.info.ModTime().Unix())
		e := channelcache.Entry{
			PostID:     postIDFor(f.rel, used),
			Kind:       channelcache.KindArtwork,
			Format:     f.f,
			CreatedAt:  mod,
			ModifiedAt: mod,
			Address:    addr,
		}
		if f.f == framecache.FormatGIF {
			e.Flags |= channelcache.FlagAnimated
		}
		paths[addr] = filepath.Join(l.dir, filepath.FromSlash(f.rel))
		page.Entries = append(page.Entries, e)
	}

	l.mu.Lock()
	l.paths = paths
	l.mu.Unlock()
	return page, nil
}

// ArtworkURL implements Source with a file URL. An address not seen by the
// last scan triggers a rescan before it is reported missing.
func (l *Local) ArtworkURL(e channelcache.Entry) (string, error) {
	path, ok := l.lookup(e.Address)
	if !ok {
		if _, err := l.List(context.Background(), ""); err != nil {
			return "", err
		}
		if path, ok = l.lookup(e.Address); !ok {
			return "", fmt.Errorf("local artwork %d: %w", e.PostID, framecache.ErrNotFound)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func (l *Local) lookup(addr uuid.UUID) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	path, ok := l.paths[addr]
	return path, ok
}

// postIDFor derives a positive post id from a relative path, probing
// linearly past ids already taken in this scan.
func postIDFor(rel string, used map[int32]struct{}) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(rel))
	id := int32(h.Sum32() & 0x7fffffff)
	for {
		if id == 0 {
			id = 1
		}
		if _, ok := used[id]; !ok {
			used[id] = struct{}{}
			return id
		}
		id = (id + 1) & 0x7fffffff
	}
}
