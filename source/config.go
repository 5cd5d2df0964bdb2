package source

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	framecache "github.com/wolfeidau/frame-cache"
)

//go:embed channels.example.toml
var exampleChannels []byte

// Definition describes one channel in the channels file.
type Definition struct {
	ID     string        `toml:"id"`
	Name   string        `toml:"name"`
	Kind   Kind          `toml:"kind"`
	Weight int           `toml:"weight"`
	Order  string        `toml:"order"`
	Dwell  time.Duration `toml:"dwell"`

	// Remote: catalog endpoint, artwork base URL and page size.
	URL         string `toml:"url"`
	ArtworkBase string `toml:"artwork_base"`
	PageSize    int    `toml:"page_size"`

	// Local: directory to scan.
	Dir string `toml:"dir"`

	// Ephemeral: the artwork's content address and format. URL is the
	// artwork itself.
	StorageKey string `toml:"storage_key"`
	Extension  string `toml:"extension"`
	PostID     int32  `toml:"post_id"`
}

// File is the channels file.
type File struct {
	Channels []Definition `toml:"channel"`
}

// Validate checks a definition.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: channel without id", framecache.ErrInvalidArgument)
	}
	if d.Weight < 0 {
		return fmt.Errorf("%w: channel %s: negative weight", framecache.ErrInvalidArgument, d.ID)
	}
	switch d.Kind {
	case KindRemote:
		if d.URL == "" || d.ArtworkBase == "" {
			return fmt.Errorf("%w: remote channel %s needs url and artwork_base", framecache.ErrInvalidArgument, d.ID)
		}
	case KindLocal:
		if d.Dir == "" {
			return fmt.Errorf("%w: local channel %s needs dir", framecache.ErrInvalidArgument, d.ID)
		}
	case KindEphemeral:
		if d.URL == "" || d.StorageKey == "" {
			return fmt.Errorf("%w: ephemeral channel %s needs url and storage_key", framecache.ErrInvalidArgument, d.ID)
		}
	default:
		return fmt.Errorf("%w: channel %s: unknown kind %q", framecache.ErrInvalidArgument, d.ID, d.Kind)
	}
	return nil
}

// ParseDefinitions decodes a channels file.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing channels: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Channels))
	for _, d := range f.Channels {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate channel id %q", framecache.ErrInvalidArgument, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return f.Channels, nil
}

// LoadDefinitions reads and parses a channels file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading channels file: %w", err)
	}
	return ParseDefinitions(data)
}

// ExampleDefinitions returns the embedded example channels file.
func ExampleDefinitions() []byte {
	return exampleChannels
}

// New builds the source for a definition. client is used by remote
// catalogs; nil selects a default client.
func New(d Definition, client *http.Client) (Source, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	switch d.Kind {
	case KindRemote:
		return NewHTTPCatalog(d.URL, d.ArtworkBase, WithClient(client), WithPageSize(d.PageSize))
	case KindLocal:
		return NewLocal(d.Dir), nil
	default:
		return NewEphemeral(d.URL, d.StorageKey, d.Extension, d.PostID)
	}
}
