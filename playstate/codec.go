package playstate

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	framecache "github.com/wolfeidau/frame-cache"
)

// Field numbers. Unknown fields are skipped on decode so newer writers stay
// readable.
const (
	eventChannel  protowire.Number = 1
	eventPost     protowire.Number = 2
	eventPriority protowire.Number = 3
	eventAdded    protowire.Number = 4

	poolEvent protowire.Number = 1

	positionLast  protowire.Number = 1
	positionCycle protowire.Number = 2
)

// Event is a persisted new-artwork pool entry.
type Event struct {
	ChannelID string
	PostID    int32
	Priority  float64
	AddedAt   time.Time
}

// Position is a persisted channel play position.
type Position struct {
	LastPost int32
	// Cycle is the remainder of the current shuffled cycle.
	Cycle []int32
}

func appendEvent(b []byte, e Event) []byte {
	b = protowire.AppendTag(b, eventChannel, protowire.BytesType)
	b = protowire.AppendString(b, e.ChannelID)
	b = protowire.AppendTag(b, eventPost, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.PostID)))
	b = protowire.AppendTag(b, eventPriority, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(e.Priority))
	if !e.AddedAt.IsZero() {
		b = protowire.AppendTag(b, eventAdded, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.AddedAt.UnixNano()))
	}
	return b
}

func encodePool(events []Event) []byte {
	var b []byte
	for _, e := range events {
		b = protowire.AppendTag(b, poolEvent, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEvent(nil, e))
	}
	return b
}

func decodePool(b []byte) ([]Event, error) {
	var events []Event
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != poolEvent || typ != protowire.BytesType {
			return skipField, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		e, err := decodeEvent(v)
		if err != nil {
			return 0, err
		}
		events = append(events, e)
		return n, nil
	})
	return events, err
}

func decodeEvent(b []byte) (Event, error) {
	var e Event
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == eventChannel && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.ChannelID = v
			return n, nil
		case num == eventPost && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.PostID = int32(protowire.DecodeZigZag(v))
			return n, nil
		case num == eventPriority && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			e.Priority = math.Float64frombits(v)
			return n, nil
		case num == eventAdded && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.AddedAt = time.Unix(0, int64(v)).UTC()
			return n, nil
		}
		return skipField, nil
	})
	return e, err
}

func encodePosition(p Position) []byte {
	var b []byte
	b = protowire.AppendTag(b, positionLast, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.LastPost)))
	if len(p.Cycle) > 0 {
		var packed []byte
		for _, post := range p.Cycle {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(post)))
		}
		b = protowire.AppendTag(b, positionCycle, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func decodePosition(b []byte) (Position, error) {
	var p Position
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == positionLast && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.LastPost = int32(protowire.DecodeZigZag(v))
			return n, nil
		case num == positionCycle && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				p.Cycle = append(p.Cycle, int32(protowire.DecodeZigZag(v)))
				packed = packed[m:]
			}
			return n, nil
		}
		return skipField, nil
	})
	return p, err
}

// skipField is returned by a walk callback for fields it does not know.
const skipField = math.MinInt

// walk iterates the fields of a message. fn consumes the value of a field
// and returns its length, a negative protowire error code, or skipField.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", framecache.ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", framecache.ErrCorrupt, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
