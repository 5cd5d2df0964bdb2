package channelcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	framecache "github.com/wolfeidau/frame-cache"
)

const (
	fileMagic   uint32 = 0x43434646 // "FFCC" little-endian
	fileVersion uint16 = 1

	headerSize = 16
	// maxRecords bounds ci_count before anything is allocated.
	maxRecords = 1 << 20
)

// snapshot is the persisted state of a channel cache.
type snapshot struct {
	entries   []Entry
	available []int32
}

// encode serializes s in the channel cache file format.
func (s snapshot) encode() ([]byte, error) {
	buf := make([]byte, headerSize, headerSize+len(s.entries)*RecordSize+len(s.available)*4)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], fileMagic)
	le.PutUint16(buf[4:], fileVersion)
	le.PutUint16(buf[6:], RecordSize)
	le.PutUint32(buf[8:], uint32(len(s.entries)))
	le.PutUint32(buf[12:], uint32(len(s.available)))

	var err error
	for _, e := range s.entries {
		if buf, err = e.AppendBinary(buf); err != nil {
			return nil, err
		}
	}
	for _, p := range s.available {
		buf = le.AppendUint32(buf, uint32(p))
	}
	return buf, nil
}

// decodeSnapshot parses a channel cache file. The header is validated
// before any count is trusted; any mismatch returns ErrCorrupt.
func decodeSnapshot(data []byte) (snapshot, error) {
	ciCount, laiCount, err := parseHeader(data)
	if err != nil {
		return snapshot{}, err
	}
	want := headerSize + int(ciCount)*RecordSize + int(laiCount)*4
	if len(data) != want {
		return snapshot{}, fmt.Errorf("%w: file is %d bytes, header implies %d", framecache.ErrCorrupt, len(data), want)
	}

	s := snapshot{
		entries:   make([]Entry, 0, ciCount),
		available: make([]int32, 0, laiCount),
	}
	off := headerSize
	for range ciCount {
		var e Entry
		if err := e.UnmarshalBinary(data[off : off+RecordSize]); err != nil {
			return snapshot{}, err
		}
		s.entries = append(s.entries, e)
		off += RecordSize
	}
	for range laiCount {
		s.available = append(s.available, int32(binary.LittleEndian.Uint32(data[off:])))
		off += 4
	}
	return s, nil
}

func parseHeader(data []byte) (ciCount, laiCount uint32, err error) {
	if len(data) < headerSize {
		return 0, 0, fmt.Errorf("%w: file is %d bytes, shorter than header", framecache.ErrCorrupt, len(data))
	}
	le := binary.LittleEndian
	if m := le.Uint32(data[0:]); m != fileMagic {
		return 0, 0, fmt.Errorf("%w: bad magic %#08x", framecache.ErrCorrupt, m)
	}
	if v := le.Uint16(data[4:]); v != fileVersion {
		return 0, 0, fmt.Errorf("%w: unsupported version %d", framecache.ErrCorrupt, v)
	}
	if rs := le.Uint16(data[6:]); rs != RecordSize {
		return 0, 0, fmt.Errorf("%w: record size %d, want %d", framecache.ErrCorrupt, rs, RecordSize)
	}
	ciCount = le.Uint32(data[8:])
	laiCount = le.Uint32(data[12:])
	if ciCount > maxRecords || laiCount > ciCount {
		return 0, 0, fmt.Errorf("%w: implausible counts ci=%d lai=%d", framecache.ErrCorrupt, ciCount, laiCount)
	}
	return ciCount, laiCount, nil
}

// validFile reports whether r starts with a valid header and holds exactly
// the bytes the header announces. It is the validity test for crash recovery.
func validFile(r io.Reader) bool {
	data, err := io.ReadAll(io.LimitReader(r, headerSize+maxRecords*(RecordSize+4)+1))
	if err != nil {
		return false
	}
	_, err = decodeSnapshot(data)
	return err == nil
}

// readSnapshot reads and decodes a whole file.
func readSnapshot(r io.Reader) (snapshot, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return snapshot{}, fmt.Errorf("reading cache file: %w", err)
	}
	return decodeSnapshot(buf.Bytes())
}
