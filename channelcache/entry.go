package channelcache

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	framecache "github.com/wolfeidau/frame-cache"
)

const (
	// RecordSize is the on-disk size of one catalog record.
	RecordSize = 64
	// MaxDwell is the longest dwell a record can hold; longer values are
	// clamped.
	MaxDwell = time.Duration(math.MaxUint32) * time.Millisecond
)

// Kind distinguishes artwork records from playlist records.
type Kind uint8

const (
	KindArtwork Kind = iota
	KindPlaylist
)

func (k Kind) String() string {
	switch k {
	case KindArtwork:
		return "artwork"
	case KindPlaylist:
		return "playlist"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flags is the filter bitset of an entry.
type Flags uint16

const (
	FlagNSFW Flags = 1 << iota
	FlagAnimated
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Entry is one catalog record. Artwork entries carry a content address;
// playlist entries carry a member count. The unused field of the other
// kind is always written as zero.
type Entry struct {
	PostID     int32
	Kind       Kind
	Format     framecache.Format
	Flags      Flags
	CreatedAt  uint32
	ModifiedAt uint32
	// TotalCount is the number of artworks in a playlist.
	TotalCount uint32
	// Address is the content address of an artwork.
	Address uuid.UUID
	// Dwell overrides the display duration; zero means the channel default.
	Dwell time.Duration
}

// id is the identity of an entry within one channel.
type id struct {
	post int32
	kind Kind
}

func (e Entry) id() id {
	return id{post: e.PostID, kind: e.Kind}
}

// IsArtwork reports whether the entry refers to a downloadable artwork.
func (e Entry) IsArtwork() bool {
	return e.Kind == KindArtwork
}

// Key returns the vault content key of an artwork entry.
func (e Entry) Key() framecache.ContentKey {
	return framecache.KeyForAddress(e.Address)
}

// Validate checks the fields a record must carry for its kind.
func (e Entry) Validate() error {
	switch e.Kind {
	case KindArtwork:
		if e.Address == uuid.Nil {
			return fmt.Errorf("%w: artwork %d has no content address", framecache.ErrInvalidArgument, e.PostID)
		}
		if !e.Format.Valid() {
			return fmt.Errorf("%w: artwork %d has format %s", framecache.ErrInvalidArgument, e.PostID, e.Format)
		}
	case KindPlaylist:
	default:
		return fmt.Errorf("%w: entry %d has %s", framecache.ErrInvalidArgument, e.PostID, e.Kind)
	}
	return nil
}

// normalize zeroes the fields that do not apply to the entry's kind and
// clamps the dwell to what the record can store.
func (e Entry) normalize() Entry {
	e.Dwell = min(max(e.Dwell, 0), MaxDwell).Truncate(time.Millisecond)
	switch e.Kind {
	case KindArtwork:
		e.TotalCount = 0
	case KindPlaylist:
		e.Address = uuid.Nil
	}
	return e
}

// AppendBinary appends the 64-byte record encoding of e to b.
//
//	0  post_id      int32
//	4  kind         uint8
//	5  format       uint8
//	6  flags        uint16
//	8  created_at   uint32
//	12 modified_at  uint32
//	16 total_count  uint32
//	20 address      [16]byte
//	36 dwell_ms     uint32
//	40 reserved     [24]byte
func (e Entry) AppendBinary(b []byte) ([]byte, error) {
	e = e.normalize()

	var rec [RecordSize]byte
	le := binary.LittleEndian
	le.PutUint32(rec[0:], uint32(e.PostID))
	rec[4] = byte(e.Kind)
	rec[5] = byte(e.Format)
	le.PutUint16(rec[6:], uint16(e.Flags))
	le.PutUint32(rec[8:], e.CreatedAt)
	le.PutUint32(rec[12:], e.ModifiedAt)
	le.PutUint32(rec[16:], e.TotalCount)
	copy(rec[20:36], e.Address[:])
	le.PutUint32(rec[36:], uint32(e.Dwell/time.Millisecond))
	return append(b, rec[:]...), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e Entry) MarshalBinary() ([]byte, error) {
	return e.AppendBinary(make([]byte, 0, RecordSize))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *Entry) UnmarshalBinary(rec []byte) error {
	if len(rec) < RecordSize {
		return fmt.Errorf("%w: record is %d bytes, want %d", framecache.ErrCorrupt, len(rec), RecordSize)
	}
	le := binary.LittleEndian
	*e = Entry{
		PostID:     int32(le.Uint32(rec[0:])),
		Kind:       Kind(rec[4]),
		Format:     framecache.Format(rec[5]),
		Flags:      Flags(le.Uint16(rec[6:])),
		CreatedAt:  le.Uint32(rec[8:]),
		ModifiedAt: le.Uint32(rec[12:]),
		TotalCount: le.Uint32(rec[16:]),
		Dwell:      time.Duration(le.Uint32(rec[36:])) * time.Millisecond,
	}
	copy(e.Address[:], rec[20:36])
	*e = e.normalize()
	return nil
}
