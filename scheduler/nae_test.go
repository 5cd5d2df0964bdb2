package scheduler

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNAEPriorityHalvesOnSelection(t *testing.T) {
	p := newNAEPool(0)
	now := time.Unix(1_700_000_000, 0)
	p.add("a", 1, now)

	e := p.selectEntry(0)
	require.Equal(t, 0.25, e.Priority)
	e = p.selectEntry(0)
	require.Equal(t, 0.125, e.Priority)
	require.Equal(t, 1, p.len())

	// 0.0625, 0.03125, then 0.015625 drops under the floor.
	p.selectEntry(0)
	p.selectEntry(0)
	require.Equal(t, 1, p.len())
	e = p.selectEntry(0)
	require.Equal(t, 0.015625, e.Priority)
	require.Equal(t, 0, p.len())
}

func TestNAEDuplicateResetsPriority(t *testing.T) {
	p := newNAEPool(0)
	now := time.Unix(1_700_000_000, 0)
	p.add("a", 1, now)
	p.selectEntry(0)
	p.selectEntry(0)

	p.add("a", 1, now.Add(time.Minute))
	require.Equal(t, 1, p.len())
	snap := p.snapshot()
	require.Equal(t, NAEInitialPriority, snap[0].Priority)
	require.Equal(t, now, snap[0].AddedAt)
}

func TestNAECapacityEvictsLowestOldest(t *testing.T) {
	p := newNAEPool(3)
	now := time.Unix(1_700_000_000, 0)
	p.add("a", 1, now)
	p.add("a", 2, now.Add(time.Second))
	p.add("a", 3, now.Add(2*time.Second))
	p.selectEntry(1) // post 2 drops to 0.25

	p.add("b", 9, now.Add(3*time.Second))
	var posts []int32
	for _, e := range p.snapshot() {
		posts = append(posts, e.PostID)
	}
	require.Equal(t, []int32{1, 3, 9}, posts)

	// Equal priorities: the oldest goes.
	p.add("b", 10, now.Add(4*time.Second))
	posts = posts[:0]
	for _, e := range p.snapshot() {
		posts = append(posts, e.PostID)
	}
	require.Equal(t, []int32{3, 9, 10}, posts)
}

func TestNAEPick(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	now := time.Unix(1_700_000_000, 0)

	t.Run("empty", func(t *testing.T) {
		p := newNAEPool(0)
		_, ok := p.pick(r, nil)
		require.False(t, ok)
	})

	t.Run("saturated pool always draws", func(t *testing.T) {
		p := newNAEPool(0)
		p.add("a", 1, now)
		p.add("a", 2, now)
		e, ok := p.pick(r, nil)
		require.True(t, ok)
		require.Equal(t, 0.25, e.Priority)
	})

	t.Run("ineligible entries never win", func(t *testing.T) {
		p := newNAEPool(0)
		p.add("a", 1, now)
		p.add("b", 2, now)
		p.add("b", 3, now)
		for range 50 {
			e, ok := p.pick(r, func(e NAEEntry) bool { return e.ChannelID == "a" })
			if ok {
				require.Equal(t, "a", e.ChannelID)
			}
		}
		for _, e := range p.snapshot() {
			if e.ChannelID == "b" {
				require.Equal(t, NAEInitialPriority, e.Priority)
			}
		}
	})

	t.Run("draw rate follows priority", func(t *testing.T) {
		hits := 0
		const rounds = 4000
		for range rounds {
			p := newNAEPool(0)
			p.add("a", 1, now)
			if _, ok := p.pick(r, nil); ok {
				hits++
			}
		}
		require.InDelta(t, 0.5, float64(hits)/rounds, 0.05)
	})
}

func TestNAERemoveAndRestore(t *testing.T) {
	p := newNAEPool(2)
	now := time.Unix(1_700_000_000, 0)
	p.add("a", 1, now)
	p.add("b", 2, now)
	p.removeChannel("a")
	require.Equal(t, 1, p.len())
	p.remove("b", 2)
	require.Equal(t, 0, p.len())

	p.restore([]NAEEntry{
		{ChannelID: "a", PostID: 1, Priority: 0.25},
		{ChannelID: "a", PostID: 1, Priority: 0.5},
		{ChannelID: "a", PostID: 2, Priority: 0.01},
		{ChannelID: "a", PostID: 3, Priority: 0.9},
		{ChannelID: "b", PostID: 4, Priority: 0.5},
		{ChannelID: "b", PostID: 5, Priority: 0.5},
	})
	snap := p.snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, int32(1), snap[0].PostID)
	require.Equal(t, 0.25, snap[0].Priority)
	require.Equal(t, int32(4), snap[1].PostID)
}
