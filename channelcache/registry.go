package channelcache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

type registered struct {
	cache *Cache
	refs  int
}

// Registry owns the channel caches of a process, keyed by channel id.
// Handles are reference counted; the last Release saves and drops the cache.
type Registry struct {
	files   FileStore
	objects ObjectStore
	opts    []Option
	logger  *slog.Logger

	mu     sync.Mutex
	caches map[string]*registered
}

// NewRegistry creates a registry whose caches share files and objects.
func NewRegistry(files FileStore, objects ObjectStore, opts ...Option) *Registry {
	o := buildOptions(opts)
	return &Registry{
		files:   files,
		objects: objects,
		opts:    opts,
		logger:  o.logger.With("component", "channelcache"),
		caches:  make(map[string]*registered),
	}
}

// Acquire returns the cache for channelID, loading it on first use.
func (r *Registry) Acquire(ctx context.Context, channelID string) (*Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.caches[channelID]; ok {
		reg.refs++
		return reg.cache, nil
	}

	c := New(channelID, r.files, r.objects, r.opts...)
	if err := c.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading channel %s: %w", channelID, err)
	}
	r.caches[channelID] = &registered{cache: c, refs: 1}
	r.logger.Debug("channel cache loaded", "channel", channelID, "entries", c.Len())
	return c, nil
}

// Release drops one reference. The last reference saves pending changes
// and removes the cache from the registry.
func (r *Registry) Release(ctx context.Context, channelID string) error {
	r.mu.Lock()
	reg, ok := r.caches[channelID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	reg.refs--
	if reg.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.caches, channelID)
	r.mu.Unlock()

	return reg.cache.SaveIfDirty(ctx)
}

// Get returns a registered cache without taking a reference.
func (r *Registry) Get(channelID string) (*Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.caches[channelID]
	if !ok {
		return nil, false
	}
	return reg.cache, true
}

// IDs returns the registered channel ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.caches))
	for channelID := range r.caches {
		ids = append(ids, channelID)
	}
	slices.Sort(ids)
	return ids
}

// Caches returns the registered caches ordered by channel id.
func (r *Registry) Caches() []*Cache {
	ids := r.IDs()
	out := make([]*Cache, 0, len(ids))
	for _, channelID := range ids {
		if c, ok := r.Get(channelID); ok {
			out = append(out, c)
		}
	}
	return out
}

// SaveAll saves every dirty cache, returning the first error.
func (r *Registry) SaveAll(ctx context.Context) error {
	var first error
	for _, c := range r.Caches() {
		if err := c.SaveIfDirty(ctx); err != nil {
			r.logger.Error("saving channel cache", "channel", c.ID(), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
