// Package source provides the catalog producers behind channels.
//
// A Source lists what a channel contains and says where each artwork can be
// fetched from. Three variants exist: Remote (a paged HTTP catalog), Local
// (a directory of image files) and Ephemeral (a single artwork).
package source

import (
	"context"
	"fmt"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/channelcache"
)

// Kind names a source variant.
type Kind string

const (
	KindRemote    Kind = "remote"
	KindLocal     Kind = "local"
	KindEphemeral Kind = "ephemeral"
)

// Page is one batch of a catalog listing.
type Page struct {
	Entries []channelcache.Entry
	// Next is the cursor of the following page; empty on the last page.
	Next string
}

// Source is the capability interface of a channel.
type Source interface {
	// Kind reports the variant.
	Kind() Kind

	// List returns the page of the catalog starting at cursor. An empty
	// cursor starts from the beginning.
	List(ctx context.Context, cursor string) (Page, error)

	// ArtworkURL returns the URL the content of e is fetched from.
	ArtworkURL(e channelcache.Entry) (string, error)

	// NeedsNetwork reports whether List talks to a remote service.
	NeedsNetwork() bool
}

// Listing is a complete catalog.
type Listing struct {
	PostIDs []int32
	// Cursor is the last page cursor followed; empty for single-page
	// catalogs.
	Cursor string
	Pages  int
}

// ListAll walks every page of s, passing each to fn before fetching the
// next. It stops at the first error from s, fn or ctx.
func ListAll(ctx context.Context, s Source, fn func(Page) error) (Listing, error) {
	var (
		l      Listing
		cursor string
		seen   = make(map[string]struct{})
	)
	for {
		if err := ctx.Err(); err != nil {
			return l, err
		}
		page, err := s.List(ctx, cursor)
		if err != nil {
			return l, fmt.Errorf("listing page %d: %w", l.Pages+1, err)
		}
		l.Pages++
		for _, e := range page.Entries {
			l.PostIDs = append(l.PostIDs, e.PostID)
		}
		if err := fn(page); err != nil {
			return l, err
		}
		if page.Next == "" {
			return l, nil
		}
		if _, dup := seen[page.Next]; dup {
			return l, fmt.Errorf("%w: cursor %q repeated", framecache.ErrCorrupt, page.Next)
		}
		seen[page.Next] = struct{}{}
		cursor = page.Next
		l.Cursor = page.Next
	}
}
