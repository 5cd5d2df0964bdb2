// Package loadtracker records per-artwork load and download failures so a
// broken asset is not fetched or shown in an endless loop.
//
// Two independent tracks share one record. Load failures (reported by the
// renderer) count strikes; the third strike makes the record terminal.
// Download failures drive an exponential retry ladder via RetryAfter and
// never set Terminal on their own, except for permanent errors such as an
// upstream 404.
package loadtracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/backend"
	"github.com/wolfeidau/frame-cache/telemetry"
	"github.com/wolfeidau/frame-cache/vault"
)

const (
	// MaxLoadAttempts is the number of load failures that makes a record terminal.
	MaxLoadAttempts = 3
	// MaxDownloadAttempts is the number of download failures before the long cooldown.
	MaxDownloadAttempts = 5

	InitialBackoff = time.Second
	MaxBackoff     = 30 * time.Second
	Cooldown       = 300 * time.Second
)

// Record is the persisted failure state of one content key. Timestamps are
// unix seconds; missing fields decode as zero.
type Record struct {
	Attempts         int                   `json:"attempts"`
	Terminal         bool                  `json:"terminal"`
	LastFailure      int64                 `json:"last_failure"`
	DownloadAttempts int                   `json:"download_attempts"`
	RetryAfter       int64                 `json:"retry_after"`
	ErrorClass       framecache.ErrorClass `json:"error_class"`
	Reason           string                `json:"reason"`
}

// Verdict is the answer to "may this key be downloaded now".
type Verdict int

const (
	Allowed Verdict = iota
	Deferred
	Blocked
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Deferred:
		return "deferred"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

type cached struct {
	rec     Record
	present bool
}

// Tracker persists records as <key>.ltf files in the vault layout.
type Tracker struct {
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[framecache.ContentKey]cached
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a tracker storing records in b.
func New(b backend.Backend, opts ...Option) *Tracker {
	t := &Tracker{
		backend: b,
		logger:  slog.Default(),
		now:     time.Now,
		cache:   make(map[framecache.ContentKey]cached),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "loadtracker")
	return t
}

func recordKey(key framecache.ContentKey) string {
	return key.RelPath(vault.LTFSuffix)
}

// Get returns the record for key, or ErrNotFound.
func (t *Tracker) Get(ctx context.Context, key framecache.ContentKey) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok, err := t.load(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, framecache.ErrNotFound
	}
	return rec, nil
}

// RecordFailure records a load failure. The third failure makes the record
// terminal.
func (t *Tracker) RecordFailure(ctx context.Context, key framecache.ContentKey, reason string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, _, err := t.load(ctx, key)
	if err != nil {
		return Record{}, err
	}

	rec.Attempts++
	if rec.Attempts >= MaxLoadAttempts {
		rec.Attempts = MaxLoadAttempts
		rec.Terminal = true
	}
	rec.LastFailure = t.now().Unix()
	rec.Reason = reason

	if err := t.save(ctx, key, rec); err != nil {
		return Record{}, err
	}
	telemetry.RecordLoadFailure(ctx, "load", rec.Terminal)
	if rec.Terminal {
		t.logger.Warn("artwork marked terminal", "key", key.ShortString(), "reason", reason)
	} else {
		t.logger.Debug("load failure recorded", "key", key.ShortString(), "attempts", rec.Attempts, "reason", reason)
	}
	return rec, nil
}

// RecordDownloadFailure advances the download retry ladder for key. A
// permanent error makes the record terminal immediately.
func (t *Tracker) RecordDownloadFailure(ctx context.Context, key framecache.ContentKey, cause error) (Record, error) {
	if cause == nil {
		return Record{}, fmt.Errorf("%w: nil download error", framecache.ErrInvalidArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, _, err := t.load(ctx, key)
	if err != nil {
		return Record{}, err
	}

	now := t.now()
	rec.ErrorClass = framecache.Classify(cause)
	rec.LastFailure = now.Unix()
	rec.Reason = cause.Error()

	if rec.ErrorClass == framecache.ClassPermanent {
		rec.Terminal = true
	} else {
		rec.DownloadAttempts++
		if rec.DownloadAttempts >= MaxDownloadAttempts {
			rec.RetryAfter = now.Add(Cooldown).Unix()
			rec.DownloadAttempts = 0
		} else {
			rec.RetryAfter = now.Add(Backoff(rec.DownloadAttempts)).Unix()
		}
	}

	if err := t.save(ctx, key, rec); err != nil {
		return Record{}, err
	}
	telemetry.RecordLoadFailure(ctx, "download", rec.Terminal)
	t.logger.Debug("download failure recorded",
		"key", key.ShortString(),
		"class", rec.ErrorClass,
		"download_attempts", rec.DownloadAttempts,
		"retry_after", rec.RetryAfter,
		"terminal", rec.Terminal,
	)
	return rec, nil
}

// Backoff returns the retry delay after the n-th consecutive download
// failure: 1s, 2s, 4s ... capped at MaxBackoff.
func Backoff(n int) time.Duration {
	if n <= 1 {
		return InitialBackoff
	}
	d := InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

// CanDownload reports false iff a terminal record exists for key.
func (t *Tracker) CanDownload(ctx context.Context, key framecache.ContentKey) bool {
	v, _ := t.Check(ctx, key)
	return v != Blocked
}

// Check reports whether key may be downloaded now. A Deferred verdict comes
// with the time at which the key becomes eligible again.
func (t *Tracker) Check(ctx context.Context, key framecache.ContentKey) (Verdict, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok, err := t.load(ctx, key)
	if err != nil {
		t.logger.Debug("reading record", "key", key.ShortString(), "error", err)
		return Allowed, time.Time{}
	}
	if !ok {
		return Allowed, time.Time{}
	}
	if rec.Terminal {
		return Blocked, time.Time{}
	}
	if rec.RetryAfter > 0 {
		at := time.Unix(rec.RetryAfter, 0)
		if t.now().Before(at) {
			return Deferred, at
		}
	}
	return Allowed, time.Time{}
}

// Clear forgets all failure history for key.
func (t *Tracker) Clear(ctx context.Context, key framecache.ContentKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.cache[key]; ok && !c.present {
		return nil
	}
	err := t.backend.Delete(ctx, recordKey(key))
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("deleting load tracker record: %w", err)
	}
	t.cache[key] = cached{}
	return nil
}

// Forget drops key from the in-memory cache. The garbage collector calls it
// after removing a record file behind the tracker's back.
func (t *Tracker) Forget(key framecache.ContentKey) {
	t.mu.Lock()
	delete(t.cache, key)
	t.mu.Unlock()
}

func (t *Tracker) load(ctx context.Context, key framecache.ContentKey) (Record, bool, error) {
	if c, ok := t.cache[key]; ok {
		return c.rec, c.present, nil
	}

	rc, err := t.backend.Read(ctx, recordKey(key))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			t.cache[key] = cached{}
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("reading load tracker record: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var rec Record
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		// A torn record is treated as clean history rather than a crash.
		t.logger.Warn("discarding corrupt load tracker record", "key", key.ShortString(), "error", err)
		t.cache[key] = cached{}
		return Record{}, false, nil
	}
	t.cache[key] = cached{rec: rec, present: true}
	return rec, true, nil
}

func (t *Tracker) save(ctx context.Context, key framecache.ContentKey, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding load tracker record: %w", err)
	}
	if err := t.backend.Write(ctx, recordKey(key), bytes.NewReader(data)); err != nil {
		delete(t.cache, key)
		return fmt.Errorf("writing load tracker record: %w", err)
	}
	t.cache[key] = cached{rec: rec, present: true}
	return nil
}
