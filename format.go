package framecache

import (
	"fmt"
	"strings"
)

// Format identifies the encoding of a stored artwork. The numeric values are
// persisted in channel cache records and must not be reordered.
type Format uint8

const (
	FormatWebP Format = iota
	FormatGIF
	FormatPNG
	FormatJPEG
)

var formatExt = [...]string{
	FormatWebP: ".webp",
	FormatGIF:  ".gif",
	FormatPNG:  ".png",
	FormatJPEG: ".jpg",
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	return int(f) < len(formatExt)
}

// Ext returns the file extension including the leading dot.
func (f Format) Ext() string {
	if !f.Valid() {
		return ".bin"
	}
	return formatExt[f]
}

func (f Format) String() string {
	if !f.Valid() {
		return fmt.Sprintf("format(%d)", uint8(f))
	}
	return formatExt[f][1:]
}

// ParseFormat accepts an extension or format name with or without the dot.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "webp":
		return FormatWebP, nil
	case "gif":
		return FormatGIF, nil
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	}
	return 0, fmt.Errorf("%w: unknown format %q", ErrInvalidArgument, s)
}
