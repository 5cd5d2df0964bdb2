// Package channelcache keeps the per-channel catalog (Ci) and the set of
// catalog artworks whose files are present in the vault (LAi).
//
// A Cache guards its in-memory state with one mutex and serializes file
// I/O with a second one, so a reader never opens a cache file while a
// different writer is replacing it. Vault I/O is always done with the
// state mutex released.
package channelcache

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
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
	// DefaultMaxArtworks is the default per-channel cap on downloaded artworks.
	DefaultMaxArtworks = 1024

	countEvictBatch    = 32
	pressureEvictBatch = 16
	scanBatch          = 64
)

// FileStore persists cache and metadata files atomically.
type FileStore interface {
	backend.Backend
	Recover(ctx context.Context, key string, valid func(io.Reader) bool) (backend.RecoveryAction, error)
}

// ObjectStore is the part of the vault a cache needs.
type ObjectStore interface {
	Exists(ctx context.Context, key framecache.ContentKey, f framecache.Format) bool
	Delete(ctx context.Context, key framecache.ContentKey, f framecache.Format) error
	Retain(ctx context.Context, key framecache.ContentKey, owner string) error
	Release(ctx context.Context, key framecache.ContentKey, f framecache.Format, owner string) (bool, error)
	FreeSpace() (uint64, error)
}

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Cache or Registry.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the time source used for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Cache is the catalog and local-availability index of one channel.
type Cache struct {
	id      string
	files   FileStore
	objects ObjectStore
	logger  *slog.Logger
	now     func() time.Time

	// ioMu serializes reads and writes of the cache and metadata files.
	// It is acquired before mu, never after.
	ioMu sync.Mutex

	mu        sync.Mutex
	entries   []Entry
	index     map[id]int
	available []int32
	availIdx  map[int32]int
	dirty     bool
	gen       uint64
}

// New creates an empty cache for channel id. Call Load before use.
func New(channelID string, files FileStore, objects ObjectStore, opts ...Option) *Cache {
	o := buildOptions(opts)
	return &Cache{
		id:       channelID,
		files:    files,
		objects:  objects,
		logger:   o.logger.With("component", "channelcache", "channel", channelID),
		now:      o.now,
		index:    make(map[id]int),
		availIdx: make(map[int32]int),
	}
}

// ID returns the channel id.
func (c *Cache) ID() string {
	return c.id
}

// FileName returns the base file name used for a channel's files. Ids that
// are not safe as file names are sanitized and suffixed with a short hash.
func FileName(channelID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, channelID)
	if safe == channelID && safe != "" && !strings.HasPrefix(safe, ".") {
		return safe
	}
	sum := sha256.Sum256([]byte(channelID))
	return strings.TrimLeft(safe, ".") + "-" + hex.EncodeToString(sum[:4])
}

func (c *Cache) cacheKey() string {
	return FileName(c.id) + ".cache"
}

func (c *Cache) metaKey() string {
	return FileName(c.id) + ".meta.json"
}

// Load reads the cache file, first resolving any interrupted write. A
// missing file is an empty cache; a corrupt one is reset to empty.
func (c *Cache) Load(ctx context.Context) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	action, err := c.files.Recover(ctx, c.cacheKey(), validFile)
	if err != nil {
		return fmt.Errorf("recovering cache file: %w", err)
	}
	if action != backend.RecoveryNone {
		c.logger.Info("recovered interrupted cache write", "action", action)
	}

	rc, err := c.files.Read(ctx, c.cacheKey())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			c.logger.Debug("no cache file")
			c.replace(snapshot{}, false)
			return nil
		}
		return fmt.Errorf("opening cache file: %w", err)
	}
	defer func() { _ = rc.Close() }()

	s, err := readSnapshot(rc)
	if err != nil {
		if errors.Is(err, framecache.ErrCorrupt) {
			c.logger.Warn("resetting corrupt cache file", "error", err)
			c.replace(snapshot{}, true)
			return nil
		}
		return err
	}
	c.replace(s, false)
	return nil
}

// replace installs s, dropping invalid or duplicate entries and LAi ids
// that do not name a catalog artwork.
func (c *Cache) replace(s snapshot, dirty bool) {
	entries := make([]Entry, 0, len(s.entries))
	index := make(map[id]int, len(s.entries))
	for _, e := range s.entries {
		if err := e.Validate(); err != nil {
			c.logger.Debug("dropping invalid record", "error", err)
			dirty = true
			continue
		}
		if i, ok := index[e.id()]; ok {
			entries[i] = e
			dirty = true
			continue
		}
		index[e.id()] = len(entries)
		entries = append(entries, e)
	}

	available := make([]int32, 0, len(s.available))
	availIdx := make(map[int32]int, len(s.available))
	for _, p := range s.available {
		_, known := index[id{post: p, kind: KindArtwork}]
		_, dup := availIdx[p]
		if !known || dup {
			dirty = true
			continue
		}
		availIdx[p] = len(available)
		available = append(available, p)
	}

	c.mu.Lock()
	c.entries = entries
	c.index = index
	c.available = available
	c.availIdx = availIdx
	c.dirty = dirty
	c.gen++
	c.mu.Unlock()
}

// Save writes the cache file atomically.
func (c *Cache) Save(ctx context.Context) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	s := snapshot{entries: slices.Clone(c.entries), available: slices.Clone(c.available)}
	gen := c.gen
	c.mu.Unlock()

	data, err := s.encode()
	if err != nil {
		return err
	}
	if err := c.files.Write(ctx, c.cacheKey(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}

	c.mu.Lock()
	if c.gen == gen {
		c.dirty = false
	}
	c.mu.Unlock()

	telemetry.UpdateChannelState(ctx, c.id, len(s.entries), len(s.available))
	return nil
}

// SaveIfDirty saves only when the cache changed since the last save.
func (c *Cache) SaveIfDirty(ctx context.Context) error {
	if !c.Dirty() {
		return nil
	}
	return c.Save(ctx)
}

// Remove deletes the channel's cache and metadata files.
func (c *Cache) Remove(ctx context.Context) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	for _, key := range []string{c.cacheKey(), c.metaKey()} {
		if err := c.files.Delete(ctx, key); err != nil && !errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("removing %s: %w", key, err)
		}
	}
	return nil
}

// Dirty reports whether there are unsaved changes.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

func (c *Cache) touchLocked() {
	c.dirty = true
	c.gen++
}

// MergeResult summarizes a merge batch.
type MergeResult struct {
	Added   int
	Updated int
	Skipped int
	// Stale counts artworks whose vault object was dropped because the
	// upstream copy changed.
	Stale int
}

// MergePosts inserts or replaces entries by (post id, kind). An artwork
// whose modification time or address changed loses its local file so it
// is downloaded again. Merging the same batch twice is a no-op the second
// time.
func (c *Cache) MergePosts(ctx context.Context, posts []Entry) MergeResult {
	var res MergeResult
	type staleObject struct {
		entry   Entry
		release bool
	}
	var stale []staleObject

	batch := dedupePosts(posts, func(err error) {
		c.logger.Debug("skipping invalid post", "error", err)
		res.Skipped++
	})

	c.mu.Lock()
	next := slices.Clone(c.entries)
	index := make(map[id]int, len(next)+len(batch))
	for i, e := range next {
		index[e.id()] = i
	}
	for _, p := range batch {
		i, ok := index[p.id()]
		if !ok {
			index[p.id()] = len(next)
			next = append(next, p)
			res.Added++
			continue
		}
		old := next[i]
		if old == p {
			continue
		}
		if p.IsArtwork() {
			switch {
			case old.Address != p.Address || old.Format != p.Format:
				// A different object; the old one may still be shared.
				stale = append(stale, staleObject{entry: old, release: true})
			case old.ModifiedAt != p.ModifiedAt:
				// Same address, new content: every holder must refetch.
				stale = append(stale, staleObject{entry: old})
			}
		}
		next[i] = p
		res.Updated++
	}
	c.entries = next
	c.index = index
	for _, s := range stale {
		c.removeAvailableLocked(s.entry.PostID)
	}
	if res.Added+res.Updated > 0 {
		c.touchLocked()
	}
	c.mu.Unlock()

	for _, s := range stale {
		var err error
		if s.release {
			_, err = c.objects.Release(ctx, s.entry.Key(), s.entry.Format, c.id)
		} else {
			err = c.objects.Delete(ctx, s.entry.Key(), s.entry.Format)
		}
		if err != nil && !errors.Is(err, framecache.ErrNotFound) {
			c.logger.Warn("dropping stale object", "post_id", s.entry.PostID, "error", err)
		}
	}
	res.Stale = len(stale)
	return res
}

// dedupePosts normalizes the valid posts of a batch and keeps one entry per
// (post id, kind). The last occurrence wins, at the position of the first.
func dedupePosts(posts []Entry, invalid func(error)) []Entry {
	out := make([]Entry, 0, len(posts))
	seen := make(map[id]int, len(posts))
	for _, p := range posts {
		if err := p.Validate(); err != nil {
			invalid(err)
			continue
		}
		p = p.normalize()
		if i, ok := seen[p.id()]; ok {
			out[i] = p
			continue
		}
		seen[p.id()] = len(out)
		out = append(out, p)
	}
	return out
}

// ReconcileDeletions drops every entry whose post id is absent from the
// complete remote listing and releases the vault objects of dropped
// artworks. It returns the number of entries removed.
func (c *Cache) ReconcileDeletions(ctx context.Context, remote []int32) int {
	keep := make(map[int32]struct{}, len(remote))
	for _, p := range remote {
		keep[p] = struct{}{}
	}

	var removed []Entry
	c.mu.Lock()
	next := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if _, ok := keep[e.PostID]; ok {
			next = append(next, e)
			continue
		}
		removed = append(removed, e)
	}
	if len(removed) > 0 {
		c.entries = next
		c.rebuildIndexLocked()
		for _, e := range removed {
			if e.IsArtwork() {
				c.removeAvailableLocked(e.PostID)
			}
		}
		c.touchLocked()
	}
	c.mu.Unlock()

	for _, e := range removed {
		if !e.IsArtwork() {
			continue
		}
		if _, err := c.objects.Release(ctx, e.Key(), e.Format, c.id); err != nil {
			c.logger.Warn("releasing removed artwork", "post_id", e.PostID, "error", err)
		}
	}
	if len(removed) > 0 {
		c.logger.Info("reconciled deletions", "removed", len(removed))
		telemetry.RecordEviction(ctx, c.id, "reconcile", len(removed))
	}
	return len(removed)
}

// RebuildLocalAvailability recomputes LAi by probing the vault for every
// catalog artwork. Newly found objects are retained for this channel.
func (c *Cache) RebuildLocalAvailability(ctx context.Context) (int, error) {
	c.mu.Lock()
	arts := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.IsArtwork() {
			arts = append(arts, e)
		}
	}
	prev := make(map[int32]struct{}, len(c.available))
	for _, p := range c.available {
		prev[p] = struct{}{}
	}
	c.mu.Unlock()

	found := make(map[int32]Entry, len(arts))
	for _, e := range arts {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !c.objects.Exists(ctx, e.Key(), e.Format) {
			continue
		}
		found[e.PostID] = e
		if _, ok := prev[e.PostID]; !ok {
			if err := c.objects.Retain(ctx, e.Key(), c.id); err != nil {
				c.logger.Debug("retaining object", "post_id", e.PostID, "error", err)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	available := make([]int32, 0, len(found))
	availIdx := make(map[int32]int, len(found))
	for _, e := range c.entries {
		f, ok := found[e.PostID]
		if !ok || !e.IsArtwork() || f.Address != e.Address {
			continue
		}
		availIdx[e.PostID] = len(available)
		available = append(available, e.PostID)
	}
	if !slices.Equal(available, c.available) {
		c.available = available
		c.availIdx = availIdx
		c.touchLocked()
	}
	return len(available), nil
}

// AddAvailable marks a catalog artwork as present locally. It reports
// false when the post is unknown or already available.
func (c *Cache) AddAvailable(postID int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[id{post: postID, kind: KindArtwork}]; !ok {
		return false
	}
	if _, ok := c.availIdx[postID]; ok {
		return false
	}
	c.availIdx[postID] = len(c.available)
	c.available = append(c.available, postID)
	c.touchLocked()
	return true
}

// RemoveAvailable drops postID from LAi.
func (c *Cache) RemoveAvailable(postID int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.removeAvailableLocked(postID) {
		return false
	}
	c.touchLocked()
	return true
}

func (c *Cache) removeAvailableLocked(postID int32) bool {
	i, ok := c.availIdx[postID]
	if !ok {
		return false
	}
	last := len(c.available) - 1
	if i != last {
		moved := c.available[last]
		c.available[i] = moved
		c.availIdx[moved] = i
	}
	c.available = c.available[:last]
	delete(c.availIdx, postID)
	return true
}

func (c *Cache) rebuildIndexLocked() {
	c.index = make(map[id]int, len(c.entries))
	for i, e := range c.entries {
		c.index[e.id()] = i
	}
}

// takeOldestLocked removes up to n of the oldest available artworks from
// LAi, leaving at least keep, and returns them.
func (c *Cache) takeOldestLocked(n, keep int) []Entry {
	excess := len(c.available) - keep
	if excess <= 0 || n <= 0 {
		return nil
	}
	n = min(n, excess)

	avail := make([]Entry, 0, len(c.available))
	for _, p := range c.available {
		avail = append(avail, c.entries[c.index[id{post: p, kind: KindArtwork}]])
	}
	slices.SortFunc(avail, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.CreatedAt, b.CreatedAt), cmp.Compare(a.PostID, b.PostID))
	})
	victims := avail[:n]
	for _, v := range victims {
		c.removeAvailableLocked(v.PostID)
	}
	c.touchLocked()
	return victims
}

func (c *Cache) releaseAll(ctx context.Context, victims []Entry) {
	for _, v := range victims {
		if _, err := c.objects.Release(ctx, v.Key(), v.Format, c.id); err != nil {
			c.logger.Warn("evicting artwork", "post_id", v.PostID, "error", err)
		}
	}
}

// Evict releases the files of the oldest downloaded artworks until at most
// maxCount remain available. Catalog entries are kept so the artworks can
// be downloaded again later.
func (c *Cache) Evict(ctx context.Context, maxCount int) (int, error) {
	if maxCount < 0 {
		return 0, fmt.Errorf("%w: negative max count", framecache.ErrInvalidArgument)
	}
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		c.mu.Lock()
		victims := c.takeOldestLocked(countEvictBatch, maxCount)
		c.mu.Unlock()
		if len(victims) == 0 {
			break
		}
		c.releaseAll(ctx, victims)
		total += len(victims)
	}
	if total > 0 {
		c.logger.Info("evicted artworks", "count", total, "max", maxCount)
		telemetry.RecordEviction(ctx, c.id, "count", total)
	}
	return total, nil
}

// EvictForStoragePressure evicts the oldest artworks in small batches until
// the vault filesystem has at least minFree bytes available. When free
// space cannot be measured it does nothing.
func (c *Cache) EvictForStoragePressure(ctx context.Context, minFree uint64) (int, error) {
	free, err := c.objects.FreeSpace()
	if err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			return 0, nil
		}
		return 0, fmt.Errorf("probing free space: %w", err)
	}

	total := 0
	for free < minFree {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		c.mu.Lock()
		victims := c.takeOldestLocked(pressureEvictBatch, 0)
		c.mu.Unlock()
		if len(victims) == 0 {
			break
		}
		c.releaseAll(ctx, victims)
		total += len(victims)

		if free, err = c.objects.FreeSpace(); err != nil {
			return total, fmt.Errorf("probing free space: %w", err)
		}
	}
	if total > 0 {
		c.logger.Info("evicted artworks for storage pressure", "count", total, "free_bytes", free)
		telemetry.RecordEviction(ctx, c.id, "storage", total)
	}
	return total, nil
}

// NextMissing returns the first catalog artwork at or after index from that
// is not locally available and that eligible accepts. eligible is called
// without the cache lock held and may do I/O. The returned index is the
// entry's position in Ci; when nothing is found it is the length of Ci.
func (c *Cache) NextMissing(ctx context.Context, from int, eligible func(Entry) bool) (Entry, int, bool) {
	type candidate struct {
		entry Entry
		index int
	}
	i := max(from, 0)
	for {
		if ctx.Err() != nil {
			return Entry{}, i, false
		}

		c.mu.Lock()
		n := len(c.entries)
		if i >= n {
			c.mu.Unlock()
			return Entry{}, n, false
		}
		var cands []candidate
		j := i
		for ; j < n && len(cands) < scanBatch; j++ {
			e := c.entries[j]
			if !e.IsArtwork() {
				continue
			}
			if _, ok := c.availIdx[e.PostID]; ok {
				continue
			}
			cands = append(cands, candidate{entry: e, index: j})
		}
		c.mu.Unlock()

		for _, cand := range cands {
			if eligible == nil || eligible(cand.entry) {
				return cand.entry, cand.index, true
			}
		}
		i = j
	}
}

// Stats is a point-in-time summary of a cache.
type Stats struct {
	Entries   int `json:"total_items"`
	Artworks  int `json:"artworks"`
	Available int `json:"locally_available_items"`
}

// Stats returns entry counts.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Entries: len(c.entries), Available: len(c.available)}
	for _, e := range c.entries {
		if e.IsArtwork() {
			s.Artworks++
		}
	}
	return s
}

// Len returns the number of catalog entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// AvailableCount returns the size of LAi.
func (c *Cache) AvailableCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.available)
}

// Entries returns a copy of the catalog in Ci order.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries)
}

// AvailableEntries returns the locally available artworks in Ci order.
func (c *Cache) AvailableEntries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.available))
	for _, e := range c.entries {
		if !e.IsArtwork() {
			continue
		}
		if _, ok := c.availIdx[e.PostID]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Artwork looks up a catalog artwork by post id.
func (c *Cache) Artwork(postID int32) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[id{post: postID, kind: KindArtwork}]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// IsAvailable reports whether postID is in LAi.
func (c *Cache) IsAvailable(postID int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.availIdx[postID]
	return ok
}
