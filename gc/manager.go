// Package gc provides garbage collection for the artwork vault.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/channelcache"
	"github.com/wolfeidau/frame-cache/loadtracker"
	"github.com/wolfeidau/frame-cache/vault"
)

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
	BatchSize    int           // Max deletions per phase per run (default: 1000)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
		BatchSize:    1000,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
	TempsRemoved        int           `json:"temps_removed"`
	OrphanSidecars      int           `json:"orphan_sidecars_deleted"`
	StaleLoadRecords    int           `json:"stale_load_records_deleted"`
	UnreferencedObjects int           `json:"unreferenced_objects_deleted"`
	BytesReclaimed      int64         `json:"bytes_reclaimed"`
	Errors              []string      `json:"errors,omitempty"`
}

// Channels exposes the registered channel caches. *channelcache.Registry
// implements it.
type Channels interface {
	Caches() []*channelcache.Cache
}

var _ Channels = (*channelcache.Registry)(nil)

// Manager manages garbage collection for the vault.
type Manager struct {
	vault    *vault.Vault
	channels Channels
	tracker  *loadtracker.Tracker
	config   Config
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result

	// runMu serializes runs started by the loop and by RunNow.
	runMu sync.Mutex
}

// New creates a new GC manager.
func New(v *vault.Vault, channels Channels, t *loadtracker.Tracker, config Config, opts ...ManagerOption) *Manager {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	m := &Manager{
		vault:    v,
		channels: channels,
		tracker:  t,
		config:   config,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "gc")
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	result := m.runGC(ctx)
	return result, ctx.Err()
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			return
		}
	}
}

func (m *Manager) runGC(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	result := &Result{
		StartedAt: m.now(),
	}
	start := time.Now()

	m.logger.Info("starting gc run")

	// Phase 1: temp files left by interrupted writes
	m.phaseTemps(ctx, result)

	entries, err := m.vault.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, "list vault: "+err.Error())
		m.logger.Error("failed to list vault", "error", err)
	} else {
		files := groupByKey(entries)

		// Phase 2: sidecars whose object is gone
		m.phaseOrphanSidecars(ctx, files, result)

		// Phases 3 and 4 need to know what the channels still reference.
		if refs, ok := m.referenced(); ok {
			m.phaseStaleLoadRecords(ctx, files, refs, result)
			m.phaseUnreferenced(ctx, files, refs, result)
		} else {
			m.logger.Debug("no channels registered, skipping reference phases")
		}
	}

	result.Duration = time.Since(start)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"temps_removed", result.TempsRemoved,
		"orphan_sidecars", result.OrphanSidecars,
		"stale_load_records", result.StaleLoadRecords,
		"unreferenced_objects", result.UnreferencedObjects,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

// referenced returns the content keys of every artwork in a registered
// channel catalog. It reports false when no channel is registered.
func (m *Manager) referenced() (map[framecache.ContentKey]struct{}, bool) {
	if m.channels == nil {
		return nil, false
	}
	caches := m.channels.Caches()
	if len(caches) == 0 {
		return nil, false
	}
	refs := make(map[framecache.ContentKey]struct{})
	for _, c := range caches {
		for _, e := range c.Entries() {
			if e.IsArtwork() {
				refs[e.Key()] = struct{}{}
			}
		}
	}
	return refs, true
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the time source for result timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}
