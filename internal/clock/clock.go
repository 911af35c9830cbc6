package clock

import (
	"runtime"
	"time"
)

// Ticks is a reading of the fine-grained radio timer. It wraps around, so
// readings must be compared with LT rather than <.
type Ticks uint32

// LT reports whether a is before b, treating the tick counter as circular.
func LT(a, b Ticks) bool {
	return int32(a-b) < 0
}

// Timer is a handle to a one-shot coarse timer.
type Timer interface {
	Stop() bool
}

// Clock is everything the scheduler needs from the platform timers:
// a fine tick counter, a coarse monotonic time base and one-shot callbacks.
type Clock interface {
	// Now returns the fine-grained tick counter.
	Now() Ticks
	// Second is the number of fine ticks per second.
	Second() Ticks
	// Elapsed is the coarse monotonic time since the clock started.
	Elapsed() time.Duration
	// AfterFunc runs f once after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Waiter blocks the caller until a tick deadline has passed.
type Waiter interface {
	WaitUntil(deadline Ticks)
}

// TicksToDuration converts a tick count into wall time for the given tick rate.
func TicksToDuration(t, second Ticks) time.Duration {
	return time.Duration(uint64(t) * uint64(time.Second) / uint64(second))
}

// DurationToTicks is the inverse of TicksToDuration, truncating.
func DurationToTicks(d time.Duration, second Ticks) Ticks {
	if d <= 0 {
		return 0
	}
	return Ticks(uint64(d) * uint64(second) / uint64(time.Second))
}

// Real is a Clock backed by the runtime's monotonic clock.
type Real struct {
	start  time.Time
	second Ticks
}

func NewReal(second Ticks) *Real {
	return &Real{start: time.Now(), second: second}
}

func (c *Real) Now() Ticks {
	return DurationToTicks(time.Since(c.start), c.second)
}

func (c *Real) Second() Ticks { return c.second }

func (c *Real) Elapsed() time.Duration { return time.Since(c.start) }

func (c *Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SpinWaiter busy-waits on the tick counter. Only suitable when the wait is a
// fraction of a cycle.
type SpinWaiter struct {
	Clock Clock
}

func (w SpinWaiter) WaitUntil(deadline Ticks) {
	for LT(w.Clock.Now(), deadline) {
		runtime.Gosched()
	}
}

// SleepWaiter parks the goroutine for most of the wait and spins for the
// last stretch, so other goroutines keep running under a preemptive scheduler.
type SleepWaiter struct {
	Clock Clock
	// Slack is how long before the deadline the waiter switches to spinning.
	Slack time.Duration
}

func (w SleepWaiter) WaitUntil(deadline Ticks) {
	now := w.Clock.Now()
	if !LT(now, deadline) {
		return
	}
	remaining := TicksToDuration(deadline-now, w.Clock.Second())
	if remaining > w.Slack {
		time.Sleep(remaining - w.Slack)
	}
	SpinWaiter{Clock: w.Clock}.WaitUntil(deadline)
}
