package framecache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 digest in bytes.
const HashSize = 32

// Hash is the BLAKE3 digest of an artwork's bytes. The vault records it in
// the info sidecar so a stored object can be verified without a refetch.
// It is unrelated to the ContentKey, which addresses the object.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 8 bytes in hex, for logs.
func (h Hash) ShortString() string {
	return h.String()[:16]
}

// IsZero reports whether h was never computed.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. A malformed digest is
// reported as ErrCorrupt since it only ever comes from a sidecar file.
func (h *Hash) UnmarshalText(text []byte) error {
	var d Hash
	if hex.DecodedLen(len(text)) != HashSize {
		return fmt.Errorf("%w: digest has %d hex chars", ErrCorrupt, len(text))
	}
	if _, err := hex.Decode(d[:], text); err != nil {
		return fmt.Errorf("%w: digest: %v", ErrCorrupt, err)
	}
	*h = d
	return nil
}

// HashBytes returns the digest of data.
func HashBytes(data []byte) Hash {
	return blake3.Sum256(data)
}

// HashReader drains r and returns its digest and length.
func HashReader(r io.Reader) (Hash, int64, error) {
	hr := NewHashingReader(r)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return Hash{}, hr.BytesRead(), fmt.Errorf("hashing content: %w", err)
	}
	return hr.Sum(), hr.BytesRead(), nil
}

// HashingReader digests the bytes read through it, so an object can be
// hashed while it streams to disk.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader wraps r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: blake3.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of everything read so far.
func (hr *HashingReader) Sum() Hash {
	var d Hash
	hr.h.Sum(d[:0])
	return d
}

// BytesRead returns the number of bytes read so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
