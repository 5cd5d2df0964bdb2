package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/channelcache"
)

func TestParseExampleDefinitions(t *testing.T) {
	defs, err := ParseDefinitions(ExampleDefinitions())
	require.NoError(t, err)
	require.Len(t, defs, 3)

	require.Equal(t, "featured", defs[0].ID)
	require.Equal(t, KindRemote, defs[0].Kind)
	require.Equal(t, 2, defs[0].Weight)
	require.Equal(t, 100, defs[0].PageSize)

	require.Equal(t, KindLocal, defs[1].Kind)
	require.Equal(t, "random", defs[1].Order)

	require.Equal(t, KindEphemeral, defs[2].Kind)
	require.Equal(t, 30*time.Second, defs[2].Dwell)

	for _, d := range defs {
		s, err := New(d, nil)
		require.NoError(t, err)
		require.Equal(t, d.Kind, s.Kind())
	}
}

func TestParseDefinitionsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"missing id", "[[channel]]\nkind = \"local\"\ndir = \"/x\"\n"},
		{"unknown kind", "[[channel]]\nid = \"a\"\nkind = \"tape\"\n"},
		{"remote without url", "[[channel]]\nid = \"a\"\nkind = \"remote\"\n"},
		{"negative weight", "[[channel]]\nid = \"a\"\nkind = \"local\"\ndir = \"/x\"\nweight = -1\n"},
		{"duplicate", "[[channel]]\nid = \"a\"\nkind = \"local\"\ndir = \"/x\"\n[[channel]]\nid = \"a\"\nkind = \"local\"\ndir = \"/y\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinitions([]byte(tt.toml))
			require.ErrorIs(t, err, framecache.ErrInvalidArgument)
		})
	}

	_, err := ParseDefinitions([]byte("[[channel]\n"))
	require.Error(t, err)
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.toml")
	require.NoError(t, os.WriteFile(path, ExampleDefinitions(), 0o644))
	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs, 3)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func catalogServer(t *testing.T, pages map[string]catalogPage, compress bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Query().Get("cursor")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		body, err := json.Marshal(page)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if compress && r.Header.Get("Accept-Encoding") == "zstd" {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			body = enc.EncodeAll(body, nil)
			_ = enc.Close()
			w.Header().Set("Content-Encoding", "zstd")
		}
		_, _ = w.Write(body)
	}))
}

func testPages() map[string]catalogPage {
	return map[string]catalogPage{
		"": {
			Items: []catalogItem{
				{PostID: 1, Kind: "artwork", Format: "webp", Address: uuid.MustParse("11111111-1111-1111-1111-111111111111"), CreatedAt: 100, ModifiedAt: 150, NSFW: true},
				{PostID: 2, Kind: "playlist", TotalCount: 12, CreatedAt: 200},
				{PostID: 3, Kind: "artwork", Format: "tiff", Address: uuid.MustParse("33333333-3333-3333-3333-333333333333")},
			},
			NextCursor: "p2",
		},
		"p2": {
			Items: []catalogItem{
				{PostID: 4, Format: "gif", Address: uuid.MustParse("44444444-4444-4444-4444-444444444444"), Animated: true, DwellMS: 5000},
				{PostID: 5, Kind: "artwork", Format: "png"},
			},
		},
	}
}

func TestHTTPCatalogListAll(t *testing.T) {
	for _, compress := range []bool{false, true} {
		srv := catalogServer(t, testPages(), compress)
		defer srv.Close()

		cat, err := NewHTTPCatalog(srv.URL+"/posts", "https://cdn.example/vault/", WithPageSize(50))
		require.NoError(t, err)
		require.True(t, cat.NeedsNetwork())

		var entries []channelcache.Entry
		listing, err := ListAll(context.Background(), cat, func(p Page) error {
			entries = append(entries, p.Entries...)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, listing.Pages)
		require.Equal(t, "p2", listing.Cursor)
		require.Equal(t, []int32{1, 2, 4}, listing.PostIDs)

		require.Len(t, entries, 3)
		require.Equal(t, channelcache.KindArtwork, entries[0].Kind)
		require.True(t, entries[0].Flags.Has(channelcache.FlagNSFW))
		require.Equal(t, uint32(150), entries[0].ModifiedAt)
		require.Equal(t, channelcache.KindPlaylist, entries[1].Kind)
		require.Equal(t, uint32(12), entries[1].TotalCount)
		require.Equal(t, framecache.FormatGIF, entries[2].Format)
		require.True(t, entries[2].Flags.Has(channelcache.FlagAnimated))
		require.Equal(t, 5*time.Second, entries[2].Dwell)

		u, err := cat.ArtworkURL(entries[2])
		require.NoError(t, err)
		require.Equal(t, "https://cdn.example/vault/44444444-4444-4444-4444-444444444444.gif", u)

		_, err = cat.ArtworkURL(entries[1])
		require.ErrorIs(t, err, framecache.ErrInvalidArgument)
	}
}

func TestHTTPCatalogSendsPaging(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	cat, err := NewHTTPCatalog(srv.URL+"?channel=featured", "https://cdn.example", WithPageSize(5000))
	require.NoError(t, err)
	page, err := cat.List(context.Background(), "abc")
	require.NoError(t, err)
	require.Empty(t, page.Entries)
	require.Empty(t, page.Next)

	require.Equal(t, "featured", got.Get("channel"))
	require.Equal(t, "abc", got.Get("cursor"))
	require.Equal(t, "1000", got.Get("limit"))
}

func TestHTTPCatalogErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/broken":
			_, _ = w.Write([]byte(`{"items": [`))
		case "/fail":
			w.WriteHeader(http.StatusBadGateway)
		case "/brotli":
			w.Header().Set("Content-Encoding", "br")
			_, _ = w.Write([]byte("??"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	list := func(path string) error {
		cat, err := NewHTTPCatalog(srv.URL+path, "https://cdn.example")
		require.NoError(t, err)
		_, err = cat.List(context.Background(), "")
		return err
	}
	require.ErrorIs(t, list("/broken"), framecache.ErrCorrupt)
	require.ErrorIs(t, list("/brotli"), framecache.ErrCorrupt)
	require.ErrorIs(t, list("/gone"), framecache.ErrPermanent)

	err := list("/fail")
	require.Error(t, err)
	require.Equal(t, framecache.ClassTransient, framecache.Classify(err))

	_, err = NewHTTPCatalog("ftp://example.com", "x")
	require.ErrorIs(t, err, framecache.ErrInvalidArgument)
}

func TestListAllRejectsCursorLoop(t *testing.T) {
	pages := map[string]catalogPage{
		"":  {NextCursor: "a"},
		"a": {NextCursor: "b"},
		"b": {NextCursor: "a"},
	}
	srv := catalogServer(t, pages, false)
	defer srv.Close()

	cat, err := NewHTTPCatalog(srv.URL, "https://cdn.example")
	require.NoError(t, err)
	_, err = ListAll(context.Background(), cat, func(Page) error { return nil })
	require.ErrorIs(t, err, framecache.ErrCorrupt)
}

func TestListAllStopsOnCallbackError(t *testing.T) {
	srv := catalogServer(t, testPages(), false)
	defer srv.Close()

	cat, err := NewHTTPCatalog(srv.URL, "https://cdn.example")
	require.NoError(t, err)

	stop := errors.New("stop")
	listing, err := ListAll(context.Background(), cat, func(Page) error { return stop })
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, listing.Pages)
}

func TestLocalList(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, data string) {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	}
	write("a.png", "png")
	write("sub/b.gif", "gif")
	write("notes.txt", "skip")
	write(".hidden.png", "skip")
	write(".trash/c.png", "skip")

	src := NewLocal(dir)
	require.False(t, src.NeedsNetwork())
	page, err := src.List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, page.Next)
	require.Len(t, page.Entries, 2)

	png, gif := page.Entries[0], page.Entries[1]
	require.Equal(t, framecache.FormatPNG, png.Format)
	require.Equal(t, framecache.FormatGIF, gif.Format)
	require.True(t, gif.Flags.Has(channelcache.FlagAnimated))
	require.Positive(t, png.PostID)
	require.NotEqual(t, png.PostID, gif.PostID)
	require.NoError(t, png.Validate())

	// Identity is stable across scans.
	again, err := NewLocal(dir).List(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, page.Entries, again.Entries)

	u, err := src.ArtworkURL(gif)
	require.NoError(t, err)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	require.Equal(t, "file", parsed.Scheme)
	require.Equal(t, filepath.Join(dir, "sub", "b.gif"), filepath.FromSlash(parsed.Path))

	// A fresh source rescans to resolve an unknown address.
	u2, err := NewLocal(dir).ArtworkURL(gif)
	require.NoError(t, err)
	require.Equal(t, u, u2)

	gone := gif
	gone.Address = uuid.New()
	_, err = src.ArtworkURL(gone)
	require.ErrorIs(t, err, framecache.ErrNotFound)
}

func TestLocalMissingDirIsTransient(t *testing.T) {
	_, err := NewLocal(filepath.Join(t.TempDir(), "absent")).List(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, framecache.ClassTransient, framecache.Classify(err))
}

func TestPostIDForResolvesCollisions(t *testing.T) {
	used := make(map[int32]struct{})
	first := postIDFor("x.png", used)
	second := postIDFor("x.png", used)
	require.NotEqual(t, first, second)
	require.Positive(t, second)
}

func TestEphemeral(t *testing.T) {
	s, err := NewEphemeral("https://cdn.example/a.gif", "9b2f6c1e-0c39-4a52-a1a7-4c3a0e5f6d21", "gif", 0)
	require.NoError(t, err)
	require.Equal(t, KindEphemeral, s.Kind())

	page, err := s.List(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []channelcache.Entry{s.Entry()}, page.Entries)
	require.Equal(t, int32(1), s.Entry().PostID)

	u, err := s.ArtworkURL(s.Entry())
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/a.gif", u)

	_, err = NewEphemeral("https://cdn.example/a.gif", "not-a-uuid", "gif", 0)
	require.ErrorIs(t, err, framecache.ErrInvalidArgument)
	_, err = NewEphemeral("https://cdn.example/a.gif", "9b2f6c1e-0c39-4a52-a1a7-4c3a0e5f6d21", "bmp", 0)
	require.ErrorIs(t, err, framecache.ErrInvalidArgument)
}
