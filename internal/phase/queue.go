package phase

import (
	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/mac"
	"dutycycle-mesh/internal/packet"
)

// queueItem is one parked transmission. Exactly one of snap and list is set.
type queueItem struct {
	inUse bool
	dest  packet.Addr
	timer clock.Timer
	cb    mac.Callback
	ptr   any
	snap  *packet.Snapshot
	list  *packet.BufList
}

// deferredQueue is a fixed pool of parked sends addressed by slot index.
type deferredQueue struct {
	items []queueItem
	free  []int
}

func newDeferredQueue(size int) *deferredQueue {
	q := &deferredQueue{
		items: make([]queueItem, size),
		free:  make([]int, 0, size),
	}
	for i := size - 1; i >= 0; i-- {
		q.free = append(q.free, i)
	}
	return q
}

// alloc hands out a free slot, or false when the pool is exhausted.
func (q *deferredQueue) alloc() (int, bool) {
	if len(q.free) == 0 {
		return -1, false
	}
	slot := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	q.items[slot].inUse = true
	return slot, true
}

// take empties a slot and returns what it held.
func (q *deferredQueue) take(slot int) (queueItem, bool) {
	if slot < 0 || slot >= len(q.items) || !q.items[slot].inUse {
		return queueItem{}, false
	}
	it := q.items[slot]
	q.items[slot] = queueItem{}
	q.free = append(q.free, slot)
	return it, true
}

func (q *deferredQueue) inUse() int {
	return len(q.items) - len(q.free)
}
