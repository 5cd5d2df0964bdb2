package channelcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/frame-cache/backend"
)

// Metadata is the refresh bookkeeping stored next to a cache file. A
// missing file means the channel was never refreshed.
type Metadata struct {
	// Cursor is the remote paging cursor to resume from, if any.
	Cursor *string `json:"cursor"`
	// LastRefresh is the unix time of the last completed refresh.
	LastRefresh int64 `json:"last_refresh"`
}

// LastRefreshTime returns LastRefresh as a time, zero if never refreshed.
func (m Metadata) LastRefreshTime() time.Time {
	if m.LastRefresh == 0 {
		return time.Time{}
	}
	return time.Unix(m.LastRefresh, 0)
}

// LoadMetadata reads the channel metadata. Absent or unreadable metadata
// yields the zero value.
func (c *Cache) LoadMetadata(ctx context.Context) (Metadata, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	var m Metadata
	rc, err := c.files.Read(ctx, c.metaKey())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return m, nil
		}
		return m, fmt.Errorf("opening metadata: %w", err)
	}
	defer func() { _ = rc.Close() }()

	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		c.logger.Warn("ignoring corrupt channel metadata", "error", err)
		return Metadata{}, nil
	}
	return m, nil
}

// SaveMetadata writes the channel metadata atomically.
func (c *Cache) SaveMetadata(ctx context.Context, m Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if err := c.files.Write(ctx, c.metaKey(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// MarkRefreshed records a completed refresh at the current time with the
// given cursor.
func (c *Cache) MarkRefreshed(ctx context.Context, cursor *string) error {
	return c.SaveMetadata(ctx, Metadata{Cursor: cursor, LastRefresh: c.now().Unix()})
}
