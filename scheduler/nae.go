package scheduler

import (
	"math/rand/v2"
	"slices"
	"time"
)

const (
	// DefaultNAECapacity bounds the new-artwork pool.
	DefaultNAECapacity = 32
	// NAEInitialPriority is the priority of a freshly published artwork.
	NAEInitialPriority = 0.5
	// NAEMinPriority is the priority below which an entry leaves the pool.
	NAEMinPriority = 0.02
)

// NAEEntry is a recently published artwork competing for extra exposure.
type NAEEntry struct {
	ChannelID string    `json:"channel_id"`
	PostID    int32     `json:"post_id"`
	Priority  float64   `json:"priority"`
	AddedAt   time.Time `json:"added_at"`
}

// naePool is a bounded set of NAE entries, unique by channel and post.
type naePool struct {
	capacity int
	entries  []NAEEntry
}

func newNAEPool(capacity int) *naePool {
	if capacity <= 0 {
		capacity = DefaultNAECapacity
	}
	return &naePool{capacity: capacity}
}

func (p *naePool) find(channelID string, postID int32) int {
	return slices.IndexFunc(p.entries, func(e NAEEntry) bool {
		return e.ChannelID == channelID && e.PostID == postID
	})
}

// add inserts an entry at the initial priority. A duplicate has its
// priority reset instead. When the pool is full the lowest-priority entry,
// oldest first, is dropped.
func (p *naePool) add(channelID string, postID int32, now time.Time) {
	if i := p.find(channelID, postID); i >= 0 {
		p.entries[i].Priority = NAEInitialPriority
		return
	}
	if len(p.entries) >= p.capacity {
		victim := 0
		for i, e := range p.entries[1:] {
			v := p.entries[victim]
			if e.Priority < v.Priority || (e.Priority == v.Priority && e.AddedAt.Before(v.AddedAt)) {
				victim = i + 1
			}
		}
		p.entries = slices.Delete(p.entries, victim, victim+1)
	}
	p.entries = append(p.entries, NAEEntry{
		ChannelID: channelID,
		PostID:    postID,
		Priority:  NAEInitialPriority,
		AddedAt:   now,
	})
}

// pick runs one draw. Each eligible entry wins with probability equal to its
// priority, scaled down when the priorities sum past one. The winner's
// priority halves and it leaves the pool once it falls under NAEMinPriority.
func (p *naePool) pick(r *rand.Rand, eligible func(NAEEntry) bool) (NAEEntry, bool) {
	var (
		idx   []int
		total float64
	)
	for i, e := range p.entries {
		if eligible == nil || eligible(e) {
			idx = append(idx, i)
			total += e.Priority
		}
	}
	if len(idx) == 0 {
		return NAEEntry{}, false
	}

	roll := r.Float64() * max(total, 1)
	if roll >= total {
		return NAEEntry{}, false
	}
	for _, i := range idx {
		roll -= p.entries[i].Priority
		if roll < 0 {
			return p.selectEntry(i), true
		}
	}
	return p.selectEntry(idx[len(idx)-1]), true
}

func (p *naePool) selectEntry(i int) NAEEntry {
	p.entries[i].Priority /= 2
	e := p.entries[i]
	if e.Priority < NAEMinPriority {
		p.entries = slices.Delete(p.entries, i, i+1)
	}
	return e
}

// removeChannel drops every entry of a channel.
func (p *naePool) removeChannel(channelID string) {
	p.entries = slices.DeleteFunc(p.entries, func(e NAEEntry) bool {
		return e.ChannelID == channelID
	})
}

func (p *naePool) remove(channelID string, postID int32) {
	if i := p.find(channelID, postID); i >= 0 {
		p.entries = slices.Delete(p.entries, i, i+1)
	}
}

func (p *naePool) snapshot() []NAEEntry {
	return slices.Clone(p.entries)
}

// restore replaces the pool, dropping entries that are out of range.
func (p *naePool) restore(entries []NAEEntry) {
	p.entries = p.entries[:0]
	for _, e := range entries {
		if e.Priority < NAEMinPriority || e.Priority > NAEInitialPriority {
			continue
		}
		if p.find(e.ChannelID, e.PostID) >= 0 {
			continue
		}
		if len(p.entries) >= p.capacity {
			break
		}
		p.entries = append(p.entries, e)
	}
}

func (p *naePool) len() int {
	return len(p.entries)
}
