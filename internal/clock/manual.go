package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Manual is a discrete-event Clock. Time only moves when Advance, AdvanceTo
// or WaitUntil is called; due timers fire in deadline order on the caller's
// goroutine. It also satisfies Waiter, so a precise wait simply jumps ahead.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	second Ticks
	seq    uint64
	events eventHeap
}

func NewManual(second Ticks) *Manual {
	return &Manual{second: second}
}

type manualTimer struct {
	c       *Manual
	at      time.Duration
	seq     uint64
	f       func()
	stopped bool
	fired   bool
	index   int
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	if t.index >= 0 {
		heap.Remove(&t.c.events, t.index)
	}
	return true
}

func (c *Manual) Now() Ticks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DurationToTicks(c.now, c.second)
}

func (c *Manual) Second() Ticks { return c.second }

func (c *Manual) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Manual) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	t := &manualTimer{c: c, at: c.now + d, seq: c.seq, f: f, index: -1}
	heap.Push(&c.events, t)
	return t
}

// Pending is the number of armed timers.
func (c *Manual) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Advance moves time forward by d, firing every timer that falls due.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()
	c.AdvanceTo(target)
}

// AdvanceTo moves time forward to the absolute elapsed time target.
func (c *Manual) AdvanceTo(target time.Duration) {
	for {
		c.mu.Lock()
		if len(c.events) == 0 || c.events[0].at > target {
			if target > c.now {
				c.now = target
			}
			c.mu.Unlock()
			return
		}
		t := heap.Pop(&c.events).(*manualTimer)
		if t.at > c.now {
			c.now = t.at
		}
		t.fired = true
		c.mu.Unlock()
		t.f()
	}
}

// Step fires the next pending timer, if any, and reports whether it did.
func (c *Manual) Step() bool {
	c.mu.Lock()
	if len(c.events) == 0 {
		c.mu.Unlock()
		return false
	}
	at := c.events[0].at
	c.mu.Unlock()
	c.AdvanceTo(at)
	return true
}

// WaitUntil jumps to the tick deadline. Deadlines in the past are a no-op.
func (c *Manual) WaitUntil(deadline Ticks) {
	c.mu.Lock()
	now := DurationToTicks(c.now, c.second)
	if !LT(now, deadline) {
		c.mu.Unlock()
		return
	}
	abs := uint64(c.now)*uint64(c.second)/uint64(time.Second) + uint64(deadline-now)
	// round up so Now() lands on the deadline tick, not one short
	target := time.Duration((abs*uint64(time.Second) + uint64(c.second) - 1) / uint64(c.second))
	c.mu.Unlock()
	c.AdvanceTo(target)
}

type eventHeap []*manualTimer

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at == h[j].at {
		return h[i].seq < h[j].seq
	}
	return h[i].at < h[j].at
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *eventHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
