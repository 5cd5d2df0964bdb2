package scheduler

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/wolfeidau/frame-cache/channelcache"
)

// Order is the order a channel's artworks are played in.
type Order int

const (
	// OrderOriginal plays in catalog order.
	OrderOriginal Order = iota
	// OrderCreated plays newest first.
	OrderCreated
	// OrderRandom shuffles each cycle through the channel.
	OrderRandom
)

func (o Order) String() string {
	switch o {
	case OrderOriginal:
		return "original"
	case OrderCreated:
		return "created"
	case OrderRandom:
		return "random"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// ParseOrder parses an order name. The empty string is OrderOriginal.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "", "original":
		return OrderOriginal, nil
	case "created":
		return OrderCreated, nil
	case "random", "shuffle":
		return OrderRandom, nil
	}
	return 0, fmt.Errorf("unknown play order %q", s)
}

// cursor tracks a channel's position in its play order.
type cursor struct {
	lastPost int32
	hasLast  bool
	// cycle holds the posts still to play in the current random cycle.
	cycle []int32
}

// next returns the artwork following the cursor among avail, which is in
// catalog order, and advances the cursor.
func (c *cursor) next(order Order, avail []channelcache.Entry, r *rand.Rand) (channelcache.Entry, bool) {
	if len(avail) == 0 {
		return channelcache.Entry{}, false
	}
	if order == OrderRandom {
		return c.nextRandom(avail, r)
	}

	list := avail
	if order == OrderCreated {
		list = slices.Clone(avail)
		slices.SortStableFunc(list, func(a, b channelcache.Entry) int {
			return cmp.Compare(b.CreatedAt, a.CreatedAt)
		})
	}
	i := 0
	if c.hasLast {
		if j := indexOf(list, c.lastPost); j >= 0 {
			i = (j + 1) % len(list)
		}
	}
	c.lastPost, c.hasLast = list[i].PostID, true
	return list[i], true
}

func (c *cursor) nextRandom(avail []channelcache.Entry, r *rand.Rand) (channelcache.Entry, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		for len(c.cycle) > 0 {
			post := c.cycle[0]
			c.cycle = c.cycle[1:]
			if j := indexOf(avail, post); j >= 0 {
				c.lastPost, c.hasLast = post, true
				return avail[j], true
			}
		}
		c.cycle = make([]int32, len(avail))
		for i, e := range avail {
			c.cycle[i] = e.PostID
		}
		r.Shuffle(len(c.cycle), func(i, j int) {
			c.cycle[i], c.cycle[j] = c.cycle[j], c.cycle[i]
		})
		// Avoid replaying the last artwork across a cycle boundary.
		if len(c.cycle) > 1 && c.hasLast && c.cycle[0] == c.lastPost {
			c.cycle[0], c.cycle[len(c.cycle)-1] = c.cycle[len(c.cycle)-1], c.cycle[0]
		}
	}
	return channelcache.Entry{}, false
}

// position returns the zero-based index of the last played artwork in the
// channel's play order, or -1.
func (c *cursor) position(order Order, avail []channelcache.Entry) int {
	if !c.hasLast {
		return -1
	}
	if order == OrderRandom {
		return max(len(avail)-len(c.cycle)-1, 0)
	}
	list := avail
	if order == OrderCreated {
		list = slices.Clone(avail)
		slices.SortStableFunc(list, func(a, b channelcache.Entry) int {
			return cmp.Compare(b.CreatedAt, a.CreatedAt)
		})
	}
	return indexOf(list, c.lastPost)
}

func indexOf(list []channelcache.Entry, post int32) int {
	return slices.IndexFunc(list, func(e channelcache.Entry) bool {
		return e.PostID == post
	})
}
