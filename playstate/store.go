// Package playstate persists scheduler state that should survive a restart:
// the new-artwork pool and each channel's play position.
package playstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	framecache "github.com/wolfeidau/frame-cache"
)

var (
	bucketPool      = []byte("nae_pool")  // "entries" -> encoded pool
	bucketPositions = []byte("positions") // channel id -> encoded position

	keyPool = []byte("entries")
)

// Store is a bbolt-backed state store.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Open opens or creates the state database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "playstate")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPool, bucketPositions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadPool returns the persisted pool. A corrupt record is dropped and
// reported as an empty pool.
func (s *Store) LoadPool(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPool).Get(keyPool)
		if data == nil {
			return nil
		}
		var err error
		events, err = decodePool(data)
		return err
	})
	if errors.Is(err, framecache.ErrCorrupt) {
		s.logger.Warn("discarding corrupt pool", "error", err)
		return nil, nil
	}
	return events, err
}

// SavePool replaces the persisted pool.
func (s *Store) SavePool(ctx context.Context, events []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPool)
		if len(events) == 0 {
			return b.Delete(keyPool)
		}
		return b.Put(keyPool, encodePool(events))
	})
}

// LoadPosition returns the position of a channel. It returns
// framecache.ErrNotFound when none is stored or the stored one is corrupt.
func (s *Store) LoadPosition(ctx context.Context, channelID string) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	var (
		p     Position
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPositions).Get([]byte(channelID))
		if data == nil {
			return nil
		}
		found = true
		var err error
		p, err = decodePosition(data)
		return err
	})
	if errors.Is(err, framecache.ErrCorrupt) {
		s.logger.Warn("discarding corrupt position", "channel", channelID, "error", err)
		return Position{}, framecache.ErrNotFound
	}
	if err != nil {
		return Position{}, err
	}
	if !found {
		return Position{}, framecache.ErrNotFound
	}
	return p, nil
}

// SavePosition stores the position of a channel.
func (s *Store) SavePosition(ctx context.Context, channelID string, p Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channelID == "" {
		return fmt.Errorf("%w: empty channel id", framecache.ErrInvalidArgument)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPositions).Put([]byte(channelID), encodePosition(p))
	})
}

// DeletePosition forgets the position of a channel.
func (s *Store) DeletePosition(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPositions).Delete([]byte(channelID))
	})
}

// Channels returns the ids of channels with a stored position.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPositions).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
