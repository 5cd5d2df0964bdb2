package source

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/channelcache"
)

// Ephemeral is a channel of exactly one artwork, such as an artwork pushed
// to the frame for immediate display.
type Ephemeral struct {
	url   string
	entry channelcache.Entry
}

var _ Source = (*Ephemeral)(nil)

// NewEphemeral creates a single-artwork source. storageKey is the
// artwork's content address in UUID form and ext its format.
func NewEphemeral(artworkURL, storageKey, ext string, postID int32) (*Ephemeral, error) {
	addr, err := uuid.Parse(storageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: storage key: %v", framecache.ErrInvalidArgument, err)
	}
	f, err := framecache.ParseFormat(ext)
	if err != nil {
		return nil, err
	}
	if postID == 0 {
		postID = 1
	}
	e := channelcache.Entry{
		PostID:  postID,
		Kind:    channelcache.KindArtwork,
		Format:  f,
		Address: addr,
	}
	if f == framecache.FormatGIF {
		e.Flags |= channelcache.FlagAnimated
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &Ephemeral{url: artworkURL, entry: e}, nil
}

// Kind implements Source.
func (s *Ephemeral) Kind() Kind { return KindEphemeral }

// NeedsNetwork implements Source.
func (s *Ephemeral) NeedsNetwork() bool { return false }

// Entry returns the single artwork.
func (s *Ephemeral) Entry() channelcache.Entry { return s.entry }

// List implements Source.
func (s *Ephemeral) List(_ context.Context, _ string) (Page, error) {
	return Page{Entries: []channelcache.Entry{s.entry}}, nil
}

// ArtworkURL implements Source.
func (s *Ephemeral) ArtworkURL(e channelcache.Entry) (string, error) {
	if e.PostID != s.entry.PostID || e.Address != s.entry.Address {
		return "", fmt.Errorf("ephemeral artwork %d: %w", e.PostID, framecache.ErrNotFound)
	}
	return s.url, nil
}
