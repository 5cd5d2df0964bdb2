package framecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"

	"github.com/google/uuid"
)

// KeySize is the size of a ContentKey in bytes.
const KeySize = sha256.Size

// ContentKey addresses an object in the vault. It is the SHA-256 of a
// stable content identifier, so the on-disk location of an object is a pure
// function of that identifier.
type ContentKey [KeySize]byte

// KeyFor derives the content key for a stable identifier.
func KeyFor(stable string) ContentKey {
	return ContentKey(sha256.Sum256([]byte(stable)))
}

// KeyForAddress derives the content key for a 16-byte content address.
// The canonical UUID string form is the stable identifier.
func KeyForAddress(addr uuid.UUID) ContentKey {
	return KeyFor(addr.String())
}

// String returns the hex-encoded key.
func (k ContentKey) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for logs.
func (k ContentKey) ShortString() string {
	return hex.EncodeToString(k[:6])
}

// IsZero reports whether the key is unset.
func (k ContentKey) IsZero() bool {
	return k == ContentKey{}
}

// Shard returns the three directory levels derived from the first three
// bytes of the key.
func (k ContentKey) Shard() (string, string, string) {
	return hex.EncodeToString(k[0:1]), hex.EncodeToString(k[1:2]), hex.EncodeToString(k[2:3])
}

// RelPath returns the slash-separated relative location of the object with
// the given suffix, e.g. "ab/cd/ef/abcdef...0123.webp".
func (k ContentKey) RelPath(suffix string) string {
	a, b, c := k.Shard()
	return path.Join(a, b, c, k.String()+suffix)
}

// MarshalText implements encoding.TextMarshaler.
func (k ContentKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ContentKey) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("%w: content key must be %d hex chars, got %d", ErrInvalidArgument, KeySize*2, len(text))
	}
	if _, err := hex.Decode(k[:], text); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// ParseContentKey parses a hex-encoded content key.
func ParseContentKey(s string) (ContentKey, error) {
	var k ContentKey
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return ContentKey{}, err
	}
	return k, nil
}
