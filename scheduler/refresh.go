package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/events"
	"github.com/wolfeidau/frame-cache/source"
	"github.com/wolfeidau/frame-cache/telemetry"
)

// Start restores persisted state and launches the refresh loop. It must be
// called once.
func (s *Scheduler) Start(ctx context.Context) {
	s.restorePool(ctx)
	go s.run(ctx)
}

// Stop cancels refreshes in progress and waits for every worker to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.cancel()
	<-s.doneCh
	s.refreshWG.Wait()
}

// RequestRefresh marks a channel for refresh and wakes the refresh loop.
// An explicit request skips the retry delay left by a failed refresh.
func (s *Scheduler) RequestRefresh(channelID string) error {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if ok {
		ch.refreshPending = true
		if ch.lastError != "" {
			ch.nextRefresh = time.Time{}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %q: %w", channelID, framecache.ErrNotFound)
	}
	s.wake()
	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		wait := s.dispatch(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-s.wakeCh:
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

// dispatch starts a refresh worker for every channel that is due and
// returns how long to sleep until the next periodic refresh.
func (s *Scheduler) dispatch(ctx context.Context) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	wait := s.config.RefreshInterval
	for _, id := range s.order {
		ch := s.channels[id]
		if ch.refreshing {
			continue
		}
		if !ch.refreshPending && !ch.nextRefresh.IsZero() && !now.Before(ch.nextRefresh) {
			ch.refreshPending = true
		}
		if !ch.refreshPending {
			if !ch.nextRefresh.IsZero() {
				wait = min(wait, ch.nextRefresh.Sub(now))
			}
			continue
		}
		if ch.lastError != "" && now.Before(ch.nextRefresh) {
			wait = min(wait, ch.nextRefresh.Sub(now))
			continue
		}

		ch.refreshPending = false
		ch.refreshing = true
		rctx, cancel := context.WithCancel(s.life)
		rctx = telemetry.WithChannelContext(rctx, id)
		ch.cancelRefresh = cancel
		s.refreshWG.Add(1)
		go func() {
			defer s.refreshWG.Done()
			defer cancel()
			s.refresh(rctx, ch)
		}()
	}
	return max(wait, time.Second)
}

// refresh runs one refresh cycle of ch and applies its outcome.
func (s *Scheduler) refresh(ctx context.Context, ch *channelState) {
	id := ch.cfg.ID
	logger := s.logger.With("channel", id, "run_id", uuid.NewString())
	start := s.now()

	err := s.refreshChannel(ctx, ch, logger)
	dur := s.now().Sub(start)

	outcome := "success"
	switch {
	case err == nil:
	case framecache.IsCanceled(err) || errors.Is(err, events.ErrShutdown):
		outcome = "canceled"
	default:
		outcome = "error"
	}
	telemetry.RecordRefresh(ctx, id, outcome, dur)

	s.mu.Lock()
	ch.refreshing = false
	ch.cancelRefresh = nil
	if cur, registered := s.channels[id]; !registered || cur != ch {
		// Unregistered, or replaced by a new registration under the same id.
		s.mu.Unlock()
		return
	}
	now := s.now()
	switch outcome {
	case "success":
		ch.lastError = ""
		ch.lastRefresh = now
		ch.nextRefresh = now.Add(s.config.RefreshInterval)
		ch.entryCount = ch.cache.Len()
		s.pruneDeletedLocked(ch)
		s.updateActiveLocked(true)
	case "canceled":
		ch.refreshPending = true
	default:
		ch.lastError = err.Error()
		ch.refreshPending = true
		ch.nextRefresh = now.Add(s.config.RefreshRetry)
	}
	_, playing := s.history.current()
	stats := ch.cache.Stats()
	s.mu.Unlock()

	if outcome != "success" {
		if outcome == "error" {
			logger.Warn("refresh failed", "error", err, "retry_in", s.config.RefreshRetry)
		}
		s.wake()
		return
	}

	logger.Info("refresh complete",
		"entries", stats.Entries,
		"available", stats.Available,
		"duration", dur)
	telemetry.UpdateChannelState(ctx, id, stats.Entries, stats.Available)
	s.downloads.Rescan()
	if !playing {
		if _, err := s.PickNext(ctx); err != nil && !errors.Is(err, framecache.ErrNotFound) {
			logger.Warn("starting playback", "error", err)
		}
	}
}

// refreshChannel lists the channel's source and brings the cache in line
// with it. The steps after listing run in a fixed order: each assumes the
// previous one already removed stale data.
func (s *Scheduler) refreshChannel(ctx context.Context, ch *channelState, logger *slog.Logger) error {
	src := ch.cfg.Source
	cache := ch.cache

	if src.NeedsNetwork() && s.config.Events != nil {
		if err := s.config.Events.WaitFor(ctx, &s.config.Events.Online); err != nil {
			return err
		}
	}

	var merged int
	listing, err := source.ListAll(ctx, src, func(p source.Page) error {
		res := cache.MergePosts(ctx, p.Entries)
		merged += res.Added + res.Updated
		if res.Skipped > 0 {
			logger.Debug("skipped invalid entries", "count", res.Skipped)
		}
		return ctx.Err()
	})
	if err != nil {
		return fmt.Errorf("listing catalog: %w", err)
	}
	logger.Debug("catalog listed", "pages", listing.Pages, "posts", len(listing.PostIDs), "merged", merged)

	if _, err := cache.RebuildLocalAvailability(ctx); err != nil {
		return fmt.Errorf("rebuilding availability: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cache.Save(ctx); err != nil {
		return fmt.Errorf("saving cache: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if removed := cache.ReconcileDeletions(ctx, listing.PostIDs); removed > 0 {
		logger.Debug("reconciled", "removed", removed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := cache.EvictForStoragePressure(ctx, s.config.MinFreeBytes); err != nil {
		logger.Warn("storage pressure eviction", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.config.MaxArtworks > 0 {
		if _, err := cache.Evict(ctx, s.config.MaxArtworks); err != nil {
			return fmt.Errorf("evicting: %w", err)
		}
	}
	if err := cache.SaveIfDirty(ctx); err != nil {
		return fmt.Errorf("saving cache: %w", err)
	}

	var cursor *string
	if listing.Cursor != "" {
		cursor = &listing.Cursor
	}
	if err := cache.MarkRefreshed(ctx, cursor); err != nil {
		return fmt.Errorf("saving metadata: %w", err)
	}
	return nil
}

// pruneDeletedLocked drops pool entries of ch whose post left the catalog.
func (s *Scheduler) pruneDeletedLocked(ch *channelState) {
	for _, e := range s.pool.snapshot() {
		if e.ChannelID != ch.cfg.ID {
			continue
		}
		if _, ok := ch.cache.Artwork(e.PostID); !ok {
			s.pool.remove(e.ChannelID, e.PostID)
		}
	}
}
