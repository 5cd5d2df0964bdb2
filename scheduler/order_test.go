package scheduler

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/frame-cache/channelcache"
)

func entries(ps ...int32) []channelcache.Entry {
	out := make([]channelcache.Entry, len(ps))
	for i, p := range ps {
		out[i] = channelcache.Entry{PostID: p, CreatedAt: uint32(p)}
	}
	return out
}

func playN(c *cursor, order Order, avail []channelcache.Entry, r *rand.Rand, n int) []int32 {
	out := make([]int32, 0, n)
	for range n {
		e, ok := c.next(order, avail, r)
		if !ok {
			break
		}
		out = append(out, e.PostID)
	}
	return out
}

func TestOrderOriginalWraps(t *testing.T) {
	var c cursor
	avail := entries(5, 1, 3)
	require.Equal(t, []int32{5, 1, 3, 5}, playN(&c, OrderOriginal, avail, nil, 4))
	require.Equal(t, 0, c.position(OrderOriginal, avail))
}

func TestOrderOriginalResumesAfterRemovedPost(t *testing.T) {
	c := cursor{lastPost: 9, hasLast: true}
	require.Equal(t, []int32{1, 2}, playN(&c, OrderOriginal, entries(1, 2), nil, 2))
}

func TestOrderCreatedNewestFirst(t *testing.T) {
	var c cursor
	avail := entries(1, 3, 2)
	require.Equal(t, []int32{3, 2, 1, 3}, playN(&c, OrderCreated, avail, nil, 4))
	require.Equal(t, 0, c.position(OrderCreated, avail))
	// Catalog order is untouched.
	require.Equal(t, int32(1), avail[0].PostID)
}

func TestOrderRandomCyclesWithoutRepeats(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	var c cursor
	avail := entries(1, 2, 3, 4, 5)

	played := playN(&c, OrderRandom, avail, r, 50)
	require.Len(t, played, 50)
	for i := 0; i < len(played); i += len(avail) {
		cycle := slices.Clone(played[i : i+len(avail)])
		slices.Sort(cycle)
		require.Equal(t, []int32{1, 2, 3, 4, 5}, cycle)
	}
	for i := 1; i < len(played); i++ {
		require.NotEqual(t, played[i-1], played[i], "repeat at %d", i)
	}
}

func TestOrderRandomSkipsVanishedPosts(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 1))
	var c cursor
	playN(&c, OrderRandom, entries(1, 2, 3, 4), r, 1)

	avail := entries(2)
	for range 3 {
		e, ok := c.next(OrderRandom, avail, r)
		require.True(t, ok)
		require.Equal(t, int32(2), e.PostID)
	}
}

func TestOrderEmpty(t *testing.T) {
	var c cursor
	_, ok := c.next(OrderOriginal, nil, nil)
	require.False(t, ok)
	require.Equal(t, -1, c.position(OrderOriginal, nil))
}

func TestParseOrder(t *testing.T) {
	for in, want := range map[string]Order{
		"":         OrderOriginal,
		"original": OrderOriginal,
		"Created":  OrderCreated,
		"shuffle":  OrderRandom,
		"random":   OrderRandom,
	} {
		got, err := ParseOrder(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
	_, err := ParseOrder("sideways")
	require.Error(t, err)
}
