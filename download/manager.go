package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/channelcache"
	"github.com/wolfeidau/frame-cache/loadtracker"
	"github.com/wolfeidau/frame-cache/telemetry"
	"github.com/wolfeidau/frame-cache/vault"
)

const (
	defaultIdleRecheck     = 5 * time.Minute
	defaultExhaustionPause = 30 * time.Second
	defaultMinFreeBytes    = 32 << 20
)

// Config holds download manager configuration.
type Config struct {
	// IdleRecheck is how long the worker sleeps without a wake signal before
	// scanning again. Default: 5m.
	IdleRecheck time.Duration

	// ExhaustionPause is how long the worker stays idle after a download
	// failed because storage was full. Default: 30s.
	ExhaustionPause time.Duration

	// MinFreeBytes is the free space storage-pressure eviction restores
	// after a download failed with storage exhausted. Default: 32 MiB.
	MinFreeBytes uint64

	// Logger for download events.
	Logger *slog.Logger

	// Now overrides the clock.
	Now func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		IdleRecheck:     defaultIdleRecheck,
		ExhaustionPause: defaultExhaustionPause,
		MinFreeBytes:    defaultMinFreeBytes,
	}
}

// Caches looks up registered channel caches.
type Caches interface {
	Get(channelID string) (*channelcache.Cache, bool)
}

// Resolver maps a catalog artwork to the URL its content is fetched from.
type Resolver interface {
	ArtworkURL(ctx context.Context, channelID string, e channelcache.Entry) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, channelID string, e channelcache.Entry) (string, error)

// ArtworkURL implements Resolver.
func (f ResolverFunc) ArtworkURL(ctx context.Context, channelID string, e channelcache.Entry) (string, error) {
	return f(ctx, channelID, e)
}

// Job is one unit of download work.
type Job struct {
	Key        framecache.ContentKey
	Format     framecache.Format
	SourceURL  string
	TargetPath string
	ChannelID  string
	PostID     int32
}

// AvailableFunc is called after an artwork became locally available.
type AvailableFunc func(ctx context.Context, channelID string, e channelcache.Entry)

// Manager downloads missing artworks across channels, one at a time.
//
// Concurrency model:
//   - SetChannels, Wake and Rescan may be called from any goroutine.
//   - A single background goroutine scans for work and downloads.
//   - m.mu guards the channel list and scan cursors; it is never held
//     during I/O.
type Manager struct {
	config   Config
	caches   Caches
	vault    *vault.Vault
	tracker  *loadtracker.Tracker
	fetcher  Fetcher
	resolver Resolver
	flight   *Downloader
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	channels    []string
	cursors     map[string]int
	next        int
	pausedUntil time.Time
	onAvailable AvailableFunc

	// fetchMu serializes fetches so only one transfer is in flight.
	fetchMu sync.Mutex

	busy              atomic.Bool
	active            atomic.Pointer[string]
	playbackInitiated atomic.Bool

	// life is canceled by Stop and bounds every fetch, including ones
	// detached from their caller by the Downloader.
	life       context.Context
	cancelLife context.CancelFunc

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a download manager.
func NewManager(caches Caches, v *vault.Vault, t *loadtracker.Tracker, f Fetcher, r Resolver, cfg Config) *Manager {
	if cfg.IdleRecheck <= 0 {
		cfg.IdleRecheck = defaultIdleRecheck
	}
	if cfg.ExhaustionPause <= 0 {
		cfg.ExhaustionPause = defaultExhaustionPause
	}
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = defaultMinFreeBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With("component", "download")
	life, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:     cfg,
		caches:     caches,
		vault:      v,
		tracker:    t,
		fetcher:    f,
		resolver:   r,
		flight:     New(WithLogger(logger)),
		logger:     logger,
		now:        cfg.Now,
		cursors:    make(map[string]int),
		life:       life,
		cancelLife: cancel,
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// OnAvailable registers a hook called after each successful download.
func (m *Manager) OnAvailable(fn AvailableFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAvailable = fn
}

// Start launches the background worker. It must be called once.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop signals the worker to exit and waits for it to finish.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.cancelLife()
	<-m.doneCh
}

// SetChannels replaces the set of channels to download for. Cursors of
// channels that stay registered are kept.
func (m *Manager) SetChannels(ids []string) {
	m.mu.Lock()
	m.channels = slices.Clone(ids)
	for id := range m.cursors {
		if !slices.Contains(ids, id) {
			delete(m.cursors, id)
		}
	}
	if m.next >= len(m.channels) {
		m.next = 0
	}
	m.mu.Unlock()
	m.Wake()
}

// Channels returns the current channel set.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.channels)
}

// Wake asks the worker to look for work again. It never blocks.
func (m *Manager) Wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Rescan resets every scan cursor to the start of its channel and wakes
// the worker.
func (m *Manager) Rescan() {
	m.mu.Lock()
	clear(m.cursors)
	m.pausedUntil = time.Time{}
	m.mu.Unlock()
	m.Wake()
}

// IsBusy reports whether a download is in flight.
func (m *Manager) IsBusy() bool {
	return m.busy.Load()
}

// ActiveChannel returns the channel of the in-flight download.
func (m *Manager) ActiveChannel() (string, bool) {
	p := m.active.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// ResetPlaybackInitiated re-arms MarkPlaybackInitiated, typically after the
// user switched to a channel with nothing to play yet.
func (m *Manager) ResetPlaybackInitiated() {
	m.playbackInitiated.Store(false)
}

// MarkPlaybackInitiated returns true for the first caller after a reset.
func (m *Manager) MarkPlaybackInitiated() bool {
	return m.playbackInitiated.CompareAndSwap(false, true)
}

// Ensure downloads one artwork now, sharing any in-flight download of the
// same content.
func (m *Manager) Ensure(ctx context.Context, channelID string, e channelcache.Entry) error {
	if !e.IsArtwork() {
		return fmt.Errorf("%w: entry %d is not an artwork", framecache.ErrInvalidArgument, e.PostID)
	}
	cache, ok := m.caches.Get(channelID)
	if !ok {
		return fmt.Errorf("channel %q: %w", channelID, framecache.ErrNotFound)
	}
	if verdict, _ := m.tracker.Check(ctx, e.Key()); verdict != loadtracker.Allowed {
		return fmt.Errorf("artwork %d is %s: %w", e.PostID, verdict, framecache.ErrPermanent)
	}
	job, err := m.newJob(ctx, channelID, e)
	if err != nil {
		return err
	}
	return m.download(ctx, cache, e, job)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		wait := m.pauseRemaining()
		if wait == 0 {
			found, retryAt := m.step(ctx)
			if found {
				continue
			}
			wait = m.config.IdleRecheck
			if !retryAt.IsZero() {
				wait = min(wait, max(retryAt.Sub(m.now()), time.Second))
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.wakeCh:
		case <-timer.C:
		case <-m.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

func (m *Manager) pauseRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pausedUntil.IsZero() {
		return 0
	}
	d := m.pausedUntil.Sub(m.now())
	if d <= 0 {
		m.pausedUntil = time.Time{}
		return 0
	}
	return d
}

// step performs at most one download. It reports whether work was found
// and, when none was, the earliest time a deferred artwork becomes eligible.
func (m *Manager) step(ctx context.Context) (bool, time.Time) {
	m.mu.Lock()
	channels := slices.Clone(m.channels)
	start := m.next
	m.mu.Unlock()

	var retryAt time.Time
	for i := range channels {
		if ctx.Err() != nil {
			return false, time.Time{}
		}
		idx := (start + i) % len(channels)
		channelID := channels[idx]
		cache, ok := m.caches.Get(channelID)
		if !ok {
			continue
		}

		e, pos, found := m.nextMissing(ctx, cache, &retryAt)
		if !found {
			continue
		}

		m.mu.Lock()
		m.cursors[channelID] = pos + 1
		m.next = (idx + 1) % len(channels)
		m.mu.Unlock()

		job, err := m.newJob(ctx, channelID, e)
		if err == nil {
			err = m.download(ctx, cache, e, job)
		} else {
			m.recordFailure(ctx, channelID, e, err, 0)
		}
		if err != nil && framecache.IsExhaustion(err) {
			m.relieve(ctx, cache)
		}
		return true, time.Time{}
	}
	return false, retryAt
}

// nextMissing scans one channel from its cursor, wrapping to the start once.
func (m *Manager) nextMissing(ctx context.Context, cache *channelcache.Cache, retryAt *time.Time) (channelcache.Entry, int, bool) {
	m.mu.Lock()
	from := m.cursors[cache.ID()]
	m.mu.Unlock()

	eligible := func(e channelcache.Entry) bool {
		return m.eligible(ctx, cache, e, retryAt)
	}
	if e, pos, found := cache.NextMissing(ctx, from, eligible); found {
		return e, pos, true
	}
	if from > 0 {
		if e, pos, found := cache.NextMissing(ctx, 0, eligible); found {
			return e, pos, true
		}
	}
	m.mu.Lock()
	m.cursors[cache.ID()] = 0
	m.mu.Unlock()
	if cache.Dirty() {
		if err := cache.SaveIfDirty(ctx); err != nil {
			m.logger.Warn("saving channel cache", "channel", cache.ID(), "error", err)
		}
	}
	return channelcache.Entry{}, 0, false
}

func (m *Manager) eligible(ctx context.Context, cache *channelcache.Cache, e channelcache.Entry, retryAt *time.Time) bool {
	key := e.Key()
	verdict, at := m.tracker.Check(ctx, key)
	switch verdict {
	case loadtracker.Blocked:
		return false
	case loadtracker.Deferred:
		if retryAt.IsZero() || at.Before(*retryAt) {
			*retryAt = at
		}
		return false
	}

	// Content shared with another channel is already in the vault.
	if m.vault.Exists(ctx, key, e.Format) {
		if err := m.vault.Retain(ctx, key, cache.ID()); err != nil {
			m.logger.Warn("retaining shared artwork", "channel", cache.ID(), "post_id", e.PostID, "error", err)
			return false
		}
		cache.AddAvailable(e.PostID)
		return false
	}
	return true
}

func (m *Manager) newJob(ctx context.Context, channelID string, e channelcache.Entry) (Job, error) {
	url, err := m.resolver.ArtworkURL(ctx, channelID, e)
	if err != nil {
		return Job{}, fmt.Errorf("resolving artwork %d: %w", e.PostID, err)
	}
	key := e.Key()
	return Job{
		Key:        key,
		Format:     e.Format,
		SourceURL:  url,
		TargetPath: m.vault.PathFor(key, e.Format),
		ChannelID:  channelID,
		PostID:     e.PostID,
	}, nil
}

func (m *Manager) download(ctx context.Context, cache *channelcache.Cache, e channelcache.Entry, job Job) error {
	m.busy.Store(true)
	m.active.Store(&job.ChannelID)
	defer func() {
		m.active.Store(nil)
		m.busy.Store(false)
	}()

	ctx = telemetry.WithChannelContext(ctx, job.ChannelID)
	logger := m.logger.With(
		"run_id", uuid.NewString(),
		"channel", job.ChannelID,
		"post_id", job.PostID,
		"key", job.Key.ShortString(),
	)
	logger.Debug("downloading artwork", "url", job.SourceURL)

	start := time.Now()
	res, shared, err := m.flight.Do(ctx, job.Key, func(ctx context.Context) (*Result, error) {
		return m.fetchAndStore(ctx, job)
	})
	dur := time.Since(start)
	if err != nil {
		if framecache.IsCanceled(err) {
			telemetry.RecordDownload(ctx, job.ChannelID, "canceled", dur)
			return err
		}
		m.recordFailure(ctx, job.ChannelID, e, err, dur)
		return err
	}

	if err := m.vault.Retain(ctx, job.Key, job.ChannelID); err != nil {
		logger.Warn("retaining artwork", "error", err)
	}
	cache.AddAvailable(job.PostID)
	if err := cache.SaveIfDirty(ctx); err != nil {
		logger.Warn("saving channel cache", "error", err)
	}
	if err := m.tracker.Clear(ctx, job.Key); err != nil {
		logger.Warn("clearing load tracker record", "error", err)
	}

	outcome := "success"
	if res.Exists {
		outcome = "exists"
	}
	telemetry.RecordDownload(ctx, job.ChannelID, outcome, dur)
	logger.Info("artwork available", "size", res.Size, "shared", shared, "exists", res.Exists, "duration", dur)

	m.mu.Lock()
	hook := m.onAvailable
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, job.ChannelID, e)
	}
	return nil
}

func (m *Manager) fetchAndStore(ctx context.Context, job Job) (*Result, error) {
	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.life, cancel)
	defer stop()

	if m.vault.Exists(ctx, job.Key, job.Format) {
		return &Result{Exists: true}, nil
	}
	rc, err := m.fetcher.Fetch(ctx, job.SourceURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	sr, err := m.vault.StoreReader(ctx, job.Key, job.Format, rc, job.SourceURL)
	if err != nil {
		return nil, err
	}
	return &Result{Hash: sr.Hash, Size: sr.Size, Exists: sr.Exists}, nil
}

// recordFailure updates the download backoff ladder. Storage exhaustion is
// not the artwork's fault and leaves the ladder alone.
func (m *Manager) recordFailure(ctx context.Context, channelID string, e channelcache.Entry, cause error, dur time.Duration) {
	logger := m.logger.With("channel", channelID, "post_id", e.PostID)
	if framecache.IsExhaustion(cause) {
		telemetry.RecordDownload(ctx, channelID, "exhausted", dur)
		logger.Warn("storage exhausted while downloading", "error", cause)
		return
	}

	rec, err := m.tracker.RecordDownloadFailure(ctx, e.Key(), cause)
	if err != nil && !errors.Is(err, framecache.ErrInvalidArgument) {
		logger.Warn("recording download failure", "error", err)
	}
	class := framecache.Classify(cause)
	telemetry.RecordDownload(ctx, channelID, class.String(), dur)
	logger.Warn("download failed",
		"error", cause,
		"class", class,
		"download_attempts", rec.DownloadAttempts,
		"retry_after", time.Unix(rec.RetryAfter, 0).UTC(),
	)
}

// relieve frees space after an exhaustion failure and pauses the worker.
func (m *Manager) relieve(ctx context.Context, cache *channelcache.Cache) {
	n, err := cache.EvictForStoragePressure(ctx, m.config.MinFreeBytes)
	if err != nil {
		m.logger.Warn("storage pressure eviction failed", "channel", cache.ID(), "error", err)
	}
	if n > 0 {
		if err := cache.SaveIfDirty(ctx); err != nil {
			m.logger.Warn("saving channel cache", "channel", cache.ID(), "error", err)
		}
	}
	m.mu.Lock()
	m.pausedUntil = m.now().Add(m.config.ExhaustionPause)
	m.mu.Unlock()
}
