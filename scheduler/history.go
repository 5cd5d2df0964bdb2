package scheduler

// DefaultHistorySize bounds the play history.
const DefaultHistorySize = 64

// history is a bounded list of played items with a cursor. Moving back and
// then forward replays the same items before new picks are made.
type history struct {
	size  int
	items []Item
	pos   int // index of the current item; -1 when empty
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{size: size, pos: -1}
}

// push records a new item after the cursor, discarding any items ahead of
// it, and drops the oldest item when full.
func (h *history) push(it Item) {
	h.items = append(h.items[:h.pos+1], it)
	if len(h.items) > h.size {
		h.items = append(h.items[:0], h.items[len(h.items)-h.size:]...)
	}
	h.pos = len(h.items) - 1
}

func (h *history) current() (Item, bool) {
	if h.pos < 0 {
		return Item{}, false
	}
	return h.items[h.pos], true
}

func (h *history) back() (Item, bool) {
	if h.pos <= 0 {
		return Item{}, false
	}
	h.pos--
	return h.items[h.pos], true
}

func (h *history) forward() (Item, bool) {
	if h.pos+1 >= len(h.items) {
		return Item{}, false
	}
	h.pos++
	return h.items[h.pos], true
}

// dropAhead forgets items after the cursor.
func (h *history) dropAhead() {
	h.items = h.items[:h.pos+1]
}

// removeChannel forgets items of a channel, keeping the cursor on the same
// item when it survives.
func (h *history) removeChannel(channelID string) {
	kept := h.items[:0]
	newPos := -1
	for i, it := range h.items {
		if it.ChannelID == channelID {
			continue
		}
		kept = append(kept, it)
		if i <= h.pos {
			newPos = len(kept) - 1
		}
	}
	clear(h.items[len(kept):])
	h.items = kept
	h.pos = newPos
}
