// Package scheduler decides what the display plays next.
//
// Channels are rotated with a smooth weighted round robin over the channels
// that have something locally available. Between normal picks, recently
// published artworks from the new-artwork pool get extra exposure. Picking
// reads only the in-memory channel caches and never waits on the network;
// catalogs are refreshed by background workers (see refresh.go).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/channelcache"
	"github.com/wolfeidau/frame-cache/events"
	"github.com/wolfeidau/frame-cache/loadtracker"
	"github.com/wolfeidau/frame-cache/playstate"
	"github.com/wolfeidau/frame-cache/source"
	"github.com/wolfeidau/frame-cache/telemetry"
	"github.com/wolfeidau/frame-cache/vault"
)

const (
	defaultDwell           = 30 * time.Second
	defaultRefreshInterval = time.Hour
	defaultRefreshRetry    = time.Minute
	defaultMinFreeBytes    = 32 << 20
)

// Pick sources reported in Item.Via.
const (
	ViaSWRR    = "swrr"
	ViaNAE     = "nae"
	ViaHistory = "history"
)

// ErrNothingToPlay is returned by PickNext when no channel has a locally
// available artwork.
var ErrNothingToPlay = fmt.Errorf("%w: nothing to play", framecache.ErrNotFound)

// Item is one playback decision.
type Item struct {
	ChannelID string
	Entry     channelcache.Entry
	Key       framecache.ContentKey
	// Path is the vault-relative path of the artwork file.
	Path  string
	Dwell time.Duration
	Via   string
}

// ChannelConfig describes a channel to register.
type ChannelConfig struct {
	ID     string
	Source source.Source
	// Weight is used in WeightManual mode. Values below 1 count as 1.
	Weight int
	Order  Order
	// Dwell is the channel's display duration; zero uses Config.DefaultDwell.
	Dwell time.Duration
}

// Downloads is the part of the download manager the scheduler drives.
type Downloads interface {
	SetChannels(ids []string)
	Wake()
	Rescan()
	ResetPlaybackInitiated()
	MarkPlaybackInitiated() bool
}

// StateStore persists the new-artwork pool and channel positions.
type StateStore interface {
	LoadPool(ctx context.Context) ([]playstate.Event, error)
	SavePool(ctx context.Context, events []playstate.Event) error
	LoadPosition(ctx context.Context, channelID string) (playstate.Position, error)
	SavePosition(ctx context.Context, channelID string, p playstate.Position) error
	DeletePosition(ctx context.Context, channelID string) error
}

var _ StateStore = (*playstate.Store)(nil)

// Config holds scheduler configuration.
type Config struct {
	// WeightMode selects how channel weights are derived. Default: equal.
	WeightMode WeightMode

	// DefaultDwell is the display duration of items without their own.
	// Default: 30s.
	DefaultDwell time.Duration

	// RefreshInterval is how often a channel catalog is refreshed.
	// Default: 1h.
	RefreshInterval time.Duration

	// RefreshRetry is the delay before a failed refresh is retried.
	// Default: 1m.
	RefreshRetry time.Duration

	// MaxArtworks caps the downloaded artworks kept per channel. Zero
	// means channelcache.DefaultMaxArtworks; a negative value disables
	// the cap.
	MaxArtworks int

	// MinFreeBytes is the free space storage-pressure eviction restores
	// during a refresh. Default: 32 MiB.
	MinFreeBytes uint64

	// NAECapacity bounds the new-artwork pool. Default: 32.
	NAECapacity int

	// HistorySize bounds the play history. Default: 64.
	HistorySize int

	// State persists the pool and channel positions. Optional.
	State StateStore

	// Events gates remote refreshes on connectivity. Optional.
	Events *events.Set

	// Rand drives NAE draws and shuffles. Default: seeded from the clock.
	Rand *rand.Rand

	// OnPlay is called, without locks held, after each pick.
	OnPlay func(Item)

	// Logger for scheduling events.
	Logger *slog.Logger

	// Now overrides the clock.
	Now func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		WeightMode:      WeightEqual,
		DefaultDwell:    defaultDwell,
		RefreshInterval: defaultRefreshInterval,
		RefreshRetry:    defaultRefreshRetry,
		MaxArtworks:     channelcache.DefaultMaxArtworks,
		MinFreeBytes:    defaultMinFreeBytes,
		NAECapacity:     DefaultNAECapacity,
		HistorySize:     DefaultHistorySize,
	}
}

type channelState struct {
	cfg   ChannelConfig
	cache *channelcache.Cache
	pos   cursor

	entryCount int
	active     bool
	weight     int

	refreshPending bool
	refreshing     bool
	cancelRefresh  context.CancelFunc
	lastRefresh    time.Time
	nextRefresh    time.Time
	lastError      string
}

// Scheduler is the play scheduler.
//
// Concurrency model:
//   - s.mu guards channel state, the pool, the history and the SWRR state.
//   - Cache methods may be called with s.mu held; caches never call back.
//   - Refresh workers do catalog and vault I/O without s.mu.
type Scheduler struct {
	config    Config
	registry  *channelcache.Registry
	vault     *vault.Vault
	tracker   *loadtracker.Tracker
	downloads Downloads
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	order    []string
	channels map[string]*channelState
	rr       swrr
	pool     *naePool
	history  *history
	rnd      *rand.Rand

	refreshWG sync.WaitGroup
	life      context.Context
	cancel    context.CancelFunc
	wakeCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a scheduler.
func New(reg *channelcache.Registry, v *vault.Vault, t *loadtracker.Tracker, d Downloads, cfg Config) *Scheduler {
	if cfg.DefaultDwell <= 0 {
		cfg.DefaultDwell = defaultDwell
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.RefreshRetry <= 0 {
		cfg.RefreshRetry = defaultRefreshRetry
	}
	if cfg.MaxArtworks == 0 {
		cfg.MaxArtworks = channelcache.DefaultMaxArtworks
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
	if cfg.Rand == nil {
		seed := uint64(cfg.Now().UnixNano())
		cfg.Rand = rand.New(rand.NewPCG(seed, seed>>17|1))
	}
	life, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:    cfg,
		registry:  reg,
		vault:     v,
		tracker:   t,
		downloads: d,
		logger:    cfg.Logger.With("component", "scheduler"),
		now:       cfg.Now,
		channels:  make(map[string]*channelState),
		pool:      newNAEPool(cfg.NAECapacity),
		history:   newHistory(cfg.HistorySize),
		rnd:       cfg.Rand,
		life:      life,
		cancel:    cancel,
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Register adds a channel. Its cache is loaded from disk and a refresh is
// requested when the catalog is empty, stale or read from a local source.
func (s *Scheduler) Register(ctx context.Context, cfg ChannelConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: empty channel id", framecache.ErrInvalidArgument)
	}
	if cfg.Source == nil {
		return fmt.Errorf("%w: channel %s has no source", framecache.ErrInvalidArgument, cfg.ID)
	}
	cfg.Weight = max(cfg.Weight, 1)

	s.mu.Lock()
	_, dup := s.channels[cfg.ID]
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: channel %s already registered", framecache.ErrInvalidArgument, cfg.ID)
	}

	cache, err := s.registry.Acquire(ctx, cfg.ID)
	if err != nil {
		return err
	}
	meta, err := cache.LoadMetadata(ctx)
	if err != nil {
		_ = s.registry.Release(ctx, cfg.ID)
		return err
	}

	ch := &channelState{cfg: cfg, cache: cache, entryCount: cache.Len()}
	ch.lastRefresh = meta.LastRefreshTime()
	stale := ch.lastRefresh.IsZero() || s.now().Sub(ch.lastRefresh) >= s.config.RefreshInterval
	ch.refreshPending = stale || ch.entryCount == 0 || cfg.Source.Kind() == source.KindLocal
	if !ch.refreshPending {
		ch.nextRefresh = ch.lastRefresh.Add(s.config.RefreshInterval)
	}
	if s.config.State != nil {
		p, err := s.config.State.LoadPosition(ctx, cfg.ID)
		switch {
		case err == nil:
			ch.pos = cursor{lastPost: p.LastPost, hasLast: true, cycle: p.Cycle}
		case !errors.Is(err, framecache.ErrNotFound):
			s.logger.Warn("loading channel position", "channel", cfg.ID, "error", err)
		}
	}

	s.mu.Lock()
	if _, dup := s.channels[cfg.ID]; dup {
		s.mu.Unlock()
		_ = s.registry.Release(ctx, cfg.ID)
		return fmt.Errorf("%w: channel %s already registered", framecache.ErrInvalidArgument, cfg.ID)
	}
	s.channels[cfg.ID] = ch
	s.order = append(s.order, cfg.ID)
	s.updateActiveLocked(true)
	ids := slices.Clone(s.order)
	s.mu.Unlock()

	s.logger.Info("channel registered",
		"channel", cfg.ID,
		"kind", cfg.Source.Kind(),
		"entries", ch.entryCount,
		"refresh_pending", ch.refreshPending)
	s.downloads.SetChannels(ids)
	s.wake()
	return nil
}

// Unregister removes a channel, cancelling any refresh in progress, and
// forgets its pool entries, history and saved position.
func (s *Scheduler) Unregister(ctx context.Context, channelID string) error {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("channel %q: %w", channelID, framecache.ErrNotFound)
	}
	if ch.cancelRefresh != nil {
		ch.cancelRefresh()
	}
	delete(s.channels, channelID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == channelID })
	s.pool.removeChannel(channelID)
	s.history.removeChannel(channelID)
	s.updateActiveLocked(true)
	ids := slices.Clone(s.order)
	pool := s.poolEventsLocked()
	s.mu.Unlock()

	s.downloads.SetChannels(ids)
	if s.config.State != nil {
		if err := s.config.State.DeletePosition(ctx, channelID); err != nil {
			s.logger.Warn("deleting channel position", "channel", channelID, "error", err)
		}
		s.savePool(ctx, pool)
	}
	s.logger.Info("channel unregistered", "channel", channelID)
	return s.registry.Release(ctx, channelID)
}

// Channels returns the registered channel ids in registration order.
func (s *Scheduler) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

// ArtworkURL returns the fetch URL of an artwork of a registered channel.
func (s *Scheduler) ArtworkURL(_ context.Context, channelID string, e channelcache.Entry) (string, error) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("channel %q: %w", channelID, framecache.ErrNotFound)
	}
	return ch.cfg.Source.ArtworkURL(e)
}

// updateActiveLocked recomputes which channels have something to play and
// resets the SWRR weights when that set changed or force is true.
func (s *Scheduler) updateActiveLocked(force bool) {
	changed := force
	for _, id := range s.order {
		ch := s.channels[id]
		active := ch.cache.AvailableCount() > 0
		if active != ch.active {
			ch.active = active
			changed = true
		}
	}
	if !changed {
		return
	}

	raw := make([]int, len(s.order))
	for i, id := range s.order {
		ch := s.channels[id]
		if !ch.active {
			continue
		}
		switch s.config.WeightMode {
		case WeightManual:
			raw[i] = ch.cfg.Weight
		case WeightProportional:
			raw[i] = ch.cache.AvailableCount()
		default:
			raw[i] = 1
		}
	}
	weights := normalizeWeights(raw)
	for i, id := range s.order {
		s.channels[id].weight = weights[i]
	}
	s.rr.reset(weights)
	s.logger.Debug("weights recomputed", "mode", s.config.WeightMode, "weights", weights)
}

func (s *Scheduler) dwellFor(ch *channelState, e channelcache.Entry) time.Duration {
	switch {
	case e.Dwell > 0:
		return e.Dwell
	case ch.cfg.Dwell > 0:
		return ch.cfg.Dwell
	default:
		return s.config.DefaultDwell
	}
}

func (s *Scheduler) itemFor(ch *channelState, e channelcache.Entry, via string) Item {
	return Item{
		ChannelID: ch.cfg.ID,
		Entry:     e,
		Key:       e.Key(),
		Path:      s.vault.PathFor(e.Key(), e.Format),
		Dwell:     s.dwellFor(ch, e),
		Via:       via,
	}
}

// presentLocked reports whether the file of e is in the vault. A missing file is
// dropped from LAi and the downloader is woken to fetch it again.
func (s *Scheduler) presentLocked(ctx context.Context, ch *channelState, e channelcache.Entry) bool {
	if s.vault.Exists(ctx, e.Key(), e.Format) {
		return true
	}
	s.logger.Warn("available artwork missing from vault", "channel", ch.cfg.ID, "post_id", e.PostID)
	ch.cache.RemoveAvailable(e.PostID)
	s.downloads.Wake()
	return false
}

// PickNext selects the next item to play. Items ahead in the history are
// replayed first, then the new-artwork pool gets a draw, then the channels
// are rotated. It returns ErrNothingToPlay when nothing is available.
func (s *Scheduler) PickNext(ctx context.Context) (Item, error) {
	s.mu.Lock()
	it, ok := s.pickNextLocked(ctx)
	var (
		pos  playstate.Position
		pool []playstate.Event
	)
	if ok && it.Via != ViaHistory {
		ch := s.channels[it.ChannelID]
		pos = playstate.Position{LastPost: ch.pos.lastPost, Cycle: slices.Clone(ch.pos.cycle)}
		if it.Via == ViaNAE {
			pool = s.poolEventsLocked()
		}
	}
	naeLen := s.pool.len()
	s.mu.Unlock()

	if !ok {
		s.downloads.ResetPlaybackInitiated()
		return Item{}, ErrNothingToPlay
	}
	s.downloads.MarkPlaybackInitiated()

	telemetry.RecordPick(ctx, it.ChannelID, it.Via)
	telemetry.UpdateNAEPool(ctx, naeLen)
	if s.config.State != nil && it.Via != ViaHistory {
		if err := s.config.State.SavePosition(ctx, it.ChannelID, pos); err != nil {
			s.logger.Warn("saving channel position", "channel", it.ChannelID, "error", err)
		}
		if it.Via == ViaNAE {
			s.savePool(ctx, pool)
		}
	}
	s.logger.Debug("picked",
		"channel", it.ChannelID,
		"post_id", it.Entry.PostID,
		"via", it.Via,
		"dwell", it.Dwell)
	if s.config.OnPlay != nil {
		s.config.OnPlay(it)
	}
	return it, nil
}

func (s *Scheduler) pickNextLocked(ctx context.Context) (Item, bool) {
	if h, ok := s.history.forward(); ok {
		ch, ok := s.channels[h.ChannelID]
		if ok && ch.cache.IsAvailable(h.Entry.PostID) && s.presentLocked(ctx, ch, h.Entry) {
			h.Via = ViaHistory
			return h, true
		}
		// The replayed item is gone; forget the rest of the forward history.
		s.history.back()
		s.history.dropAhead()
	}

	s.updateActiveLocked(false)

	if it, ok := s.pickNAELocked(ctx); ok {
		s.history.push(it)
		return it, true
	}

	attempts := 4 * max(len(s.order), 1)
	for range attempts {
		slot := s.rr.next()
		if slot < 0 {
			return Item{}, false
		}
		ch := s.channels[s.order[slot]]
		e, ok := ch.pos.next(ch.cfg.Order, ch.cache.AvailableEntries(), s.rnd)
		if !ok || !s.presentLocked(ctx, ch, e) {
			s.updateActiveLocked(false)
			continue
		}
		it := s.itemFor(ch, e, ViaSWRR)
		s.history.push(it)
		return it, true
	}
	return Item{}, false
}

func (s *Scheduler) pickNAELocked(ctx context.Context) (Item, bool) {
	for range 2 {
		e, ok := s.pool.pick(s.rnd, func(n NAEEntry) bool {
			ch, ok := s.channels[n.ChannelID]
			return ok && ch.cache.IsAvailable(n.PostID)
		})
		if !ok {
			return Item{}, false
		}
		ch := s.channels[e.ChannelID]
		art, ok := ch.cache.Artwork(e.PostID)
		if !ok || !s.presentLocked(ctx, ch, art) {
			continue
		}
		return s.itemFor(ch, art, ViaNAE), true
	}
	return Item{}, false
}

// PickPrevious steps back in the play history.
func (s *Scheduler) PickPrevious(ctx context.Context) (Item, error) {
	s.mu.Lock()
	it, ok := s.history.back()
	s.mu.Unlock()
	if !ok {
		return Item{}, fmt.Errorf("%w: no previous item", framecache.ErrNotFound)
	}
	it.Via = ViaHistory
	telemetry.RecordPick(ctx, it.ChannelID, it.Via)
	if s.config.OnPlay != nil {
		s.config.OnPlay(it)
	}
	return it, nil
}

// Current returns the item most recently picked.
func (s *Scheduler) Current() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.current()
}

// ChannelStats describes one channel. CurrentPosition is the index of the
// last played artwork in the channel's play order, or -1.
type ChannelStats struct {
	ID               string      `json:"id"`
	Kind             source.Kind `json:"kind"`
	TotalItems       int         `json:"total_items"`
	Artworks         int         `json:"artworks"`
	LocallyAvailable int         `json:"locally_available_items"`
	CurrentPosition  int         `json:"current_position"`
	Order            string      `json:"order"`
	Weight           int         `json:"weight"`
	Active           bool        `json:"active"`
	RefreshPending   bool        `json:"refresh_pending"`
	Refreshing       bool        `json:"refresh_in_progress"`
	LastRefresh      time.Time   `json:"last_refresh,omitzero"`
	LastError        string      `json:"last_error,omitempty"`
}

// Stats returns the stats of a channel.
func (s *Scheduler) Stats(channelID string) (ChannelStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return ChannelStats{}, fmt.Errorf("channel %q: %w", channelID, framecache.ErrNotFound)
	}
	return s.statsLocked(ch), nil
}

func (s *Scheduler) statsLocked(ch *channelState) ChannelStats {
	cs := ch.cache.Stats()
	return ChannelStats{
		ID:               ch.cfg.ID,
		Kind:             ch.cfg.Source.Kind(),
		TotalItems:       cs.Entries,
		Artworks:         cs.Artworks,
		LocallyAvailable: cs.Available,
		CurrentPosition:  ch.pos.position(ch.cfg.Order, ch.cache.AvailableEntries()),
		Order:            ch.cfg.Order.String(),
		Weight:           ch.weight,
		Active:           ch.active,
		RefreshPending:   ch.refreshPending,
		Refreshing:       ch.refreshing,
		LastRefresh:      ch.lastRefresh,
		LastError:        ch.lastError,
	}
}

// Overview is a snapshot of the whole scheduler.
type Overview struct {
	Channels   []ChannelStats `json:"channels"`
	NAE        []NAEEntry     `json:"nae_pool"`
	WeightMode string         `json:"weight_mode"`
	Current    *Item          `json:"-"`
}

// Overview returns the stats of every channel and the pool contents.
func (s *Scheduler) Overview() Overview {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := Overview{
		Channels:   make([]ChannelStats, 0, len(s.order)),
		NAE:        s.pool.snapshot(),
		WeightMode: s.config.WeightMode.String(),
	}
	for _, id := range s.order {
		o.Channels = append(o.Channels, s.statsLocked(s.channels[id]))
	}
	if it, ok := s.history.current(); ok {
		o.Current = &it
	}
	return o
}

// PublishArtwork adds a newly published artwork to the pool. When the
// channel does not know the post yet a refresh is requested so it shows up.
func (s *Scheduler) PublishArtwork(ctx context.Context, channelID string, postID int32) error {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("channel %q: %w", channelID, framecache.ErrNotFound)
	}
	s.pool.add(channelID, postID, s.now())
	_, known := ch.cache.Artwork(postID)
	if !known {
		ch.refreshPending = true
	}
	pool := s.poolEventsLocked()
	naeLen := s.pool.len()
	s.mu.Unlock()

	s.logger.Info("artwork published", "channel", channelID, "post_id", postID, "known", known)
	telemetry.UpdateNAEPool(ctx, naeLen)
	s.savePool(ctx, pool)
	if known {
		s.downloads.Wake()
	} else {
		s.wake()
	}
	return nil
}

// ReportLoadFailure records that the renderer could not load an artwork.
// The file is removed so it is downloaded again; after MaxLoadAttempts
// failures the artwork becomes terminal and is never fetched again.
func (s *Scheduler) ReportLoadFailure(ctx context.Context, channelID string, postID int32, reason string) (loadtracker.Record, error) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return loadtracker.Record{}, fmt.Errorf("channel %q: %w", channelID, framecache.ErrNotFound)
	}
	e, ok := ch.cache.Artwork(postID)
	if !ok {
		return loadtracker.Record{}, fmt.Errorf("artwork %d: %w", postID, framecache.ErrNotFound)
	}

	rec, err := s.tracker.RecordFailure(ctx, e.Key(), reason)
	if err != nil {
		return rec, err
	}
	if err := s.vault.Delete(ctx, e.Key(), e.Format); err != nil && !errors.Is(err, framecache.ErrNotFound) {
		s.logger.Warn("deleting unloadable artwork", "channel", channelID, "post_id", postID, "error", err)
	}
	ch.cache.RemoveAvailable(postID)

	s.mu.Lock()
	if rec.Terminal {
		s.pool.remove(channelID, postID)
	}
	s.updateActiveLocked(false)
	s.mu.Unlock()

	s.logger.Warn("artwork failed to load",
		"channel", channelID,
		"post_id", postID,
		"attempts", rec.Attempts,
		"terminal", rec.Terminal,
		"reason", reason)
	s.downloads.Wake()
	return rec, nil
}

// ReportLoadSuccess clears the failure record of an artwork.
func (s *Scheduler) ReportLoadSuccess(ctx context.Context, channelID string, postID int32) error {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %q: %w", channelID, framecache.ErrNotFound)
	}
	e, ok := ch.cache.Artwork(postID)
	if !ok {
		return fmt.Errorf("artwork %d: %w", postID, framecache.ErrNotFound)
	}
	return s.tracker.Clear(ctx, e.Key())
}

// ArtworkAvailable is the download manager hook. It reactivates the channel
// and starts playback when the display is still waiting for a first item.
func (s *Scheduler) ArtworkAvailable(ctx context.Context, channelID string, _ channelcache.Entry) {
	s.mu.Lock()
	if _, ok := s.channels[channelID]; !ok {
		s.mu.Unlock()
		return
	}
	s.updateActiveLocked(false)
	s.mu.Unlock()

	if s.downloads.MarkPlaybackInitiated() {
		if _, err := s.PickNext(ctx); err != nil && !errors.Is(err, framecache.ErrNotFound) {
			s.logger.Warn("starting playback", "channel", channelID, "error", err)
		}
	}
}

func (s *Scheduler) poolEventsLocked() []playstate.Event {
	entries := s.pool.snapshot()
	out := make([]playstate.Event, len(entries))
	for i, e := range entries {
		out[i] = playstate.Event{
			ChannelID: e.ChannelID,
			PostID:    e.PostID,
			Priority:  e.Priority,
			AddedAt:   e.AddedAt,
		}
	}
	return out
}

func (s *Scheduler) savePool(ctx context.Context, pool []playstate.Event) {
	if s.config.State == nil {
		return
	}
	if err := s.config.State.SavePool(ctx, pool); err != nil {
		s.logger.Warn("saving new-artwork pool", "error", err)
	}
}

func (s *Scheduler) restorePool(ctx context.Context) {
	if s.config.State == nil {
		return
	}
	saved, err := s.config.State.LoadPool(ctx)
	if err != nil {
		s.logger.Warn("loading new-artwork pool", "error", err)
		return
	}
	entries := make([]NAEEntry, len(saved))
	for i, e := range saved {
		entries[i] = NAEEntry{
			ChannelID: e.ChannelID,
			PostID:    e.PostID,
			Priority:  e.Priority,
			AddedAt:   e.AddedAt,
		}
	}
	s.mu.Lock()
	s.pool.restore(entries)
	n := s.pool.len()
	s.mu.Unlock()
	if n > 0 {
		s.logger.Info("restored new-artwork pool", "entries", n)
	}
}
