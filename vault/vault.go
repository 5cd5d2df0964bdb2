// Package vault implements content-addressed artwork storage.
//
// Objects live at <root>/<h0>/<h1>/<h2>/<hex><ext> where h0..h2 are the
// first three bytes of the content key. Sibling files at the same address
// hold auxiliary data: <hex>.json (object info), <hex>_meta.json (owners)
// and <hex>.ltf (load tracker, owned by package loadtracker).
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/backend"
	"github.com/wolfeidau/frame-cache/telemetry"
)

const (
	// InfoSuffix is the suffix of the object info sidecar.
	InfoSuffix = ".json"
	// OwnersSuffix is the suffix of the owner refcount sidecar.
	OwnersSuffix = "_meta.json"
	// LTFSuffix is the suffix of load tracker records.
	LTFSuffix = ".ltf"
)

// ErrUnsupported is returned by FreeSpace on platforms without a free-space query.
var ErrUnsupported = errors.ErrUnsupported

// Info is the sidecar written next to every stored object.
type Info struct {
	ContentHash framecache.Hash   `json:"content_hash"`
	Size        int64             `json:"size"`
	Format      framecache.Format `json:"format"`
	SourceURL   string            `json:"source_url,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// StoreResult describes the outcome of a store.
type StoreResult struct {
	Hash   framecache.Hash
	Size   int64
	Exists bool
}

type owners struct {
	Owners []string `json:"owners"`
}

// tempCleaner is implemented by backends that keep per-key temp files.
type tempCleaner interface {
	CleanTemp(key string) (bool, error)
	ListTemp(ctx context.Context, prefix string) ([]string, error)
}

// Vault stores artwork objects keyed by content key.
type Vault struct {
	backend   backend.Backend
	temps     tempCleaner
	logger    *slog.Logger
	now       func() time.Time
	freeSpace func(path string) (uint64, error)

	// ownersMu serializes read-modify-write of owner sidecars.
	ownersMu sync.Mutex
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

// WithClock sets the time source used for StoredAt.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// WithFreeSpaceFunc replaces the platform free-space query.
func WithFreeSpaceFunc(fn func(path string) (uint64, error)) Option {
	return func(v *Vault) {
		v.freeSpace = fn
	}
}

// New creates a vault on top of b.
func New(b backend.Backend, opts ...Option) *Vault {
	v := &Vault{
		backend:   b,
		temps:     findTempCleaner(b),
		logger:    slog.Default(),
		now:       time.Now,
		freeSpace: freeSpace,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "vault")
	return v
}

func findTempCleaner(b backend.Backend) tempCleaner {
	for b != nil {
		if tc, ok := b.(tempCleaner); ok {
			return tc
		}
		u, ok := b.(interface{ Unwrap() backend.Backend })
		if !ok {
			return nil
		}
		b = u.Unwrap()
	}
	return nil
}

// ObjectKey returns the backend key of an object.
func ObjectKey(key framecache.ContentKey, f framecache.Format) string {
	return key.RelPath(f.Ext())
}

// Exists reports whether the object is present. I/O errors are reported as
// absent so the object is fetched again.
func (v *Vault) Exists(ctx context.Context, key framecache.ContentKey, f framecache.Format) bool {
	ok, err := v.backend.Exists(ctx, ObjectKey(key, f))
	if err != nil {
		v.logger.Debug("exists check failed", "key", key.ShortString(), "error", err)
		return false
	}
	return ok
}

// PathFor returns the absolute path of an object. Any orphaned temp file at
// that location is removed as a side effect.
func (v *Vault) PathFor(key framecache.ContentKey, f framecache.Format) string {
	k := ObjectKey(key, f)
	if v.temps != nil {
		if removed, err := v.temps.CleanTemp(k); err != nil {
			v.logger.Debug("cleaning temp file", "key", key.ShortString(), "error", err)
		} else if removed {
			v.logger.Info("removed orphaned temp file", "key", key.ShortString())
		}
	}
	return v.backend.Path(k)
}

// Store writes data for key unless the object already exists.
func (v *Vault) Store(ctx context.Context, key framecache.ContentKey, f framecache.Format, data []byte) (*StoreResult, error) {
	return v.StoreReader(ctx, key, f, bytes.NewReader(data), "")
}

// StoreReader streams r into the vault. When the object already exists r is
// not consumed and the existing content wins. A new object gets an info
// sidecar recording its BLAKE3 digest and sourceURL.
func (v *Vault) StoreReader(ctx context.Context, key framecache.ContentKey, f framecache.Format, r io.Reader, sourceURL string) (*StoreResult, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("%w: zero content key", framecache.ErrInvalidArgument)
	}
	if !f.Valid() {
		return nil, fmt.Errorf("%w: format %s", framecache.ErrInvalidArgument, f)
	}

	hr := framecache.NewHashingReader(r)
	written, err := v.backend.WriteIfAbsent(ctx, ObjectKey(key, f), hr)
	if err != nil {
		return nil, fmt.Errorf("storing object: %w", err)
	}
	if !written {
		telemetry.RecordVaultWrite(ctx, 0, false)
		return &StoreResult{Exists: true}, nil
	}

	res := &StoreResult{Hash: hr.Sum(), Size: hr.BytesRead()}
	telemetry.RecordVaultWrite(ctx, res.Size, true)

	info := Info{
		ContentHash: res.Hash,
		Size:        res.Size,
		Format:      f,
		SourceURL:   sourceURL,
		StoredAt:    v.now().UTC(),
	}
	// The object is already visible; a missing sidecar only disables Verify.
	if err := v.WriteSidecar(ctx, key, info); err != nil {
		v.logger.Warn("writing info sidecar", "key", key.ShortString(), "error", err)
	}
	return res, nil
}

// Open returns a reader for an object.
func (v *Vault) Open(ctx context.Context, key framecache.ContentKey, f framecache.Format) (io.ReadCloser, error) {
	rc, err := v.backend.Read(ctx, ObjectKey(key, f))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, framecache.ErrNotFound
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}
	return rc, nil
}

// Delete removes an object and its sidecars. It returns ErrNotFound when
// the object is absent.
func (v *Vault) Delete(ctx context.Context, key framecache.ContentKey, f framecache.Format) error {
	if err := v.backend.Delete(ctx, ObjectKey(key, f)); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return framecache.ErrNotFound
		}
		return fmt.Errorf("deleting object: %w", err)
	}
	for _, suffix := range []string{InfoSuffix, OwnersSuffix} {
		if err := v.backend.Delete(ctx, key.RelPath(suffix)); err != nil && !errors.Is(err, backend.ErrNotFound) {
			v.logger.Debug("deleting sidecar", "key", key.ShortString(), "suffix", suffix, "error", err)
		}
	}
	return nil
}

// WriteSidecar stores val as JSON at the object's address.
func (v *Vault) WriteSidecar(ctx context.Context, key framecache.ContentKey, val any) error {
	return v.writeJSON(ctx, key.RelPath(InfoSuffix), val)
}

// ReadSidecar decodes the JSON sidecar of key into val.
func (v *Vault) ReadSidecar(ctx context.Context, key framecache.ContentKey, val any) error {
	return v.readJSON(ctx, key.RelPath(InfoSuffix), val)
}

// DeleteSidecar removes the JSON sidecar of key.
func (v *Vault) DeleteSidecar(ctx context.Context, key framecache.ContentKey) error {
	err := v.backend.Delete(ctx, key.RelPath(InfoSuffix))
	if errors.Is(err, backend.ErrNotFound) {
		return framecache.ErrNotFound
	}
	return err
}

// Stat returns the info sidecar of an object.
func (v *Vault) Stat(ctx context.Context, key framecache.ContentKey) (Info, error) {
	var info Info
	err := v.ReadSidecar(ctx, key, &info)
	return info, err
}

// Verify recomputes the digest of an object and compares it with the info
// sidecar. A mismatch returns ErrCorrupt.
func (v *Vault) Verify(ctx context.Context, key framecache.ContentKey, f framecache.Format) error {
	info, err := v.Stat(ctx, key)
	if err != nil {
		return err
	}
	rc, err := v.Open(ctx, key, f)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	got, n, err := framecache.HashReader(rc)
	if err != nil {
		return err
	}
	if got != info.ContentHash || n != info.Size {
		return fmt.Errorf("%w: object %s digest %s, want %s", framecache.ErrCorrupt, key.ShortString(), got.ShortString(), info.ContentHash.ShortString())
	}
	return nil
}

// Retain records owner as a user of the object.
func (v *Vault) Retain(ctx context.Context, key framecache.ContentKey, owner string) error {
	v.ownersMu.Lock()
	defer v.ownersMu.Unlock()

	var o owners
	if err := v.readJSON(ctx, key.RelPath(OwnersSuffix), &o); err != nil && !errors.Is(err, framecache.ErrNotFound) {
		if !errors.Is(err, framecache.ErrCorrupt) {
			return err
		}
		v.logger.Warn("resetting corrupt owners sidecar", "key", key.ShortString())
	}
	if slices.Contains(o.Owners, owner) {
		return nil
	}
	o.Owners = append(o.Owners, owner)
	slices.Sort(o.Owners)
	return v.writeJSON(ctx, key.RelPath(OwnersSuffix), o)
}

// Owners returns the recorded owners of an object.
func (v *Vault) Owners(ctx context.Context, key framecache.ContentKey) ([]string, error) {
	var o owners
	if err := v.readJSON(ctx, key.RelPath(OwnersSuffix), &o); err != nil {
		return nil, err
	}
	return o.Owners, nil
}

// Release drops owner from the object. The object is deleted when no owner
// remains, or when it was never shared. It reports whether the object was
// deleted.
func (v *Vault) Release(ctx context.Context, key framecache.ContentKey, f framecache.Format, owner string) (bool, error) {
	v.ownersMu.Lock()
	defer v.ownersMu.Unlock()

	var o owners
	err := v.readJSON(ctx, key.RelPath(OwnersSuffix), &o)
	switch {
	case errors.Is(err, framecache.ErrNotFound), errors.Is(err, framecache.ErrCorrupt):
		o.Owners = nil
	case err != nil:
		return false, err
	}

	o.Owners = slices.DeleteFunc(o.Owners, func(s string) bool { return s == owner })
	if len(o.Owners) > 0 {
		return false, v.writeJSON(ctx, key.RelPath(OwnersSuffix), o)
	}

	if err := v.Delete(ctx, key, f); err != nil {
		if errors.Is(err, framecache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FreeSpace returns the bytes available to unprivileged writers on the
// vault filesystem, or ErrUnsupported.
func (v *Vault) FreeSpace() (uint64, error) {
	return v.freeSpace(v.backend.Path(""))
}

// Entry is one file found by List.
type Entry struct {
	Key framecache.ContentKey
	// Suffix is everything after the hex key: an object extension or a
	// sidecar suffix.
	Suffix string
	// Rel is the backend key of the file.
	Rel string
}

// IsObject reports whether the entry is an artwork object rather than a sidecar.
func (e Entry) IsObject() bool {
	if e.Suffix == InfoSuffix || e.Suffix == OwnersSuffix || e.Suffix == LTFSuffix {
		return false
	}
	_, err := framecache.ParseFormat(e.Suffix)
	return err == nil
}

// List returns every file in the vault that follows the address layout.
func (v *Vault) List(ctx context.Context) ([]Entry, error) {
	keys, err := v.backend.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing vault: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for _, rel := range keys {
		if e, ok := parseRel(rel); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// RemoveFile deletes one listed file.
func (v *Vault) RemoveFile(ctx context.Context, e Entry) error {
	err := v.backend.Delete(ctx, e.Rel)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	return err
}

// CleanTemps removes temp files not owned by an active write. It returns
// the number removed.
func (v *Vault) CleanTemps(ctx context.Context) (int, error) {
	if v.temps == nil {
		return 0, nil
	}
	keys, err := v.temps.ListTemp(ctx, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := v.temps.CleanTemp(k)
		if err != nil {
			v.logger.Debug("cleaning temp file", "rel", k, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func parseRel(rel string) (Entry, bool) {
	parts := strings.Split(rel, "/")
	if len(parts) != 4 {
		return Entry{}, false
	}
	name := parts[3]
	if len(name) < framecache.KeySize*2 {
		return Entry{}, false
	}
	key, err := framecache.ParseContentKey(name[:framecache.KeySize*2])
	if err != nil {
		return Entry{}, false
	}
	if a, b, c := key.Shard(); parts[0] != a || parts[1] != b || parts[2] != c {
		return Entry{}, false
	}
	return Entry{Key: key, Suffix: name[framecache.KeySize*2:], Rel: rel}, true
}

func (v *Vault) writeJSON(ctx context.Context, rel string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	if err := v.backend.Write(ctx, rel, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing sidecar: %w", err)
	}
	return nil
}

func (v *Vault) readJSON(ctx context.Context, rel string, val any) error {
	rc, err := v.backend.Read(ctx, rel)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return framecache.ErrNotFound
		}
		return fmt.Errorf("reading sidecar: %w", err)
	}
	defer func() { _ = rc.Close() }()

	if err := json.NewDecoder(rc).Decode(val); err != nil {
		return fmt.Errorf("%w: decoding sidecar %s: %v", framecache.ErrCorrupt, rel, err)
	}
	return nil
}
