package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/channelcache"
	"github.com/wolfeidau/frame-cache/telemetry"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxCatalogBody  = 16 << 20
)

// HTTPCatalog is a Remote source backed by a paged JSON API.
//
// A page is requested as GET <url>?limit=N&cursor=C and answered with
//
//	{"items": [...], "next_cursor": "..."}
//
// Responses may be zstd encoded.
type HTTPCatalog struct {
	url         *url.URL
	artworkBase string
	client      *http.Client
	pageSize    int
}

var _ Source = (*HTTPCatalog)(nil)

// CatalogOption configures an HTTPCatalog.
type CatalogOption func(*HTTPCatalog)

// WithClient sets the HTTP client. A nil client keeps the default.
func WithClient(c *http.Client) CatalogOption {
	return func(h *HTTPCatalog) {
		if c != nil {
			h.client = c
		}
	}
}

// WithPageSize sets the requested page size. Zero keeps the default.
func WithPageSize(n int) CatalogOption {
	return func(h *HTTPCatalog) {
		if n > 0 {
			h.pageSize = min(n, maxPageSize)
		}
	}
}

// NewHTTPCatalog creates a remote catalog client.
func NewHTTPCatalog(catalogURL, artworkBase string, opts ...CatalogOption) (*HTTPCatalog, error) {
	u, err := url.Parse(catalogURL)
	if err != nil {
		return nil, fmt.Errorf("%w: catalog url: %v", framecache.ErrInvalidArgument, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: catalog url scheme %q", framecache.ErrInvalidArgument, u.Scheme)
	}
	h := &HTTPCatalog{
		url:         u,
		artworkBase: strings.TrimSuffix(artworkBase, "/"),
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport, "catalog"),
			Timeout:   30 * time.Second,
		},
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Kind implements Source.
func (h *HTTPCatalog) Kind() Kind { return KindRemote }

// NeedsNetwork implements Source.
func (h *HTTPCatalog) NeedsNetwork() bool { return true }

// ArtworkURL implements Source. Artworks live at <artwork_base>/<address><ext>.
func (h *HTTPCatalog) ArtworkURL(e channelcache.Entry) (string, error) {
	if !e.IsArtwork() {
		return "", fmt.Errorf("%w: entry %d is a %s", framecache.ErrInvalidArgument, e.PostID, e.Kind)
	}
	return h.artworkBase + "/" + e.Address.String() + e.Format.Ext(), nil
}

// catalogItem is the wire form of one catalog record.
type catalogItem struct {
	PostID     int32     `json:"post_id"`
	Kind       string    `json:"kind"`
	Format     string    `json:"format"`
	Address    uuid.UUID `json:"address"`
	CreatedAt  int64     `json:"created_at"`
	ModifiedAt int64     `json:"modified_at"`
	TotalCount uint32    `json:"total_count"`
	NSFW       bool      `json:"nsfw"`
	Animated   bool      `json:"animated"`
	DwellMS    uint32    `json:"dwell_ms"`
}

type catalogPage struct {
	Items      []catalogItem `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// List implements Source.
func (h *HTTPCatalog) List(ctx context.Context, cursor string) (Page, error) {
	u := *h.url
	q := u.Query()
	q.Set("limit", strconv.Itoa(h.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "zstd")

	resp, err := h.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetching catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Page{}, fmt.Errorf("catalog %s: %w", h.url.Redacted(), framecache.ErrPermanent)
	case resp.StatusCode != http.StatusOK:
		return Page{}, fmt.Errorf("catalog %s: unexpected status %d", h.url.Redacted(), resp.StatusCode)
	}

	body, closeBody, err := decodeBody(resp)
	if err != nil {
		return Page{}, err
	}
	defer closeBody()

	var page catalogPage
	if err := json.NewDecoder(io.LimitReader(body, maxCatalogBody)).Decode(&page); err != nil {
		return Page{}, fmt.Errorf("%w: decoding catalog page: %v", framecache.ErrCorrupt, err)
	}

	out := Page{Next: page.NextCursor, Entries: make([]channelcache.Entry, 0, len(page.Items))}
	for _, item := range page.Items {
		e, ok := item.entry()
		if !ok {
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	return out, nil
}

func decodeBody(resp *http.Response) (io.Reader, func(), error) {
	switch enc := strings.ToLower(resp.Header.Get("Content-Encoding")); enc {
	case "", "identity":
		return resp.Body, func() {}, nil
	case "zstd":
		dec, err := zstd.NewReader(resp.Body, zstd.WithDecoderMaxMemory(maxCatalogBody))
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return dec, dec.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported content encoding %q", framecache.ErrCorrupt, enc)
	}
}

// entry converts a wire item. Items of unknown kind or format are skipped.
func (it catalogItem) entry() (channelcache.Entry, bool) {
	e := channelcache.Entry{
		PostID:     it.PostID,
		CreatedAt:  clampUnix(it.CreatedAt),
		ModifiedAt: clampUnix(it.ModifiedAt),
		TotalCount: it.TotalCount,
		Address:    it.Address,
		Dwell:      time.Duration(it.DwellMS) * time.Millisecond,
	}
	switch it.Kind {
	case "artwork", "":
		e.Kind = channelcache.KindArtwork
		f, err := framecache.ParseFormat(it.Format)
		if err != nil {
			return channelcache.Entry{}, false
		}
		e.Format = f
	case "playlist":
		e.Kind = channelcache.KindPlaylist
	default:
		return channelcache.Entry{}, false
	}
	if it.NSFW {
		e.Flags |= channelcache.FlagNSFW
	}
	if it.Animated {
		e.Flags |= channelcache.FlagAnimated
	}
	if e.Validate() != nil {
		return channelcache.Entry{}, false
	}
	return e, true
}

func clampUnix(sec int64) uint32 {
	switch {
	case sec < 0:
		return 0
	case sec > int64(^uint32(0)):
		return ^uint32(0)
	default:
		return uint32(sec)
	}
}
