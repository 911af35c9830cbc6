package phase

import (
	"fmt"
	"time"

	"dutycycle-mesh/internal/clock"
)

// Status is the decision Wait takes for one outgoing transmission.
type Status int

const (
	// Unknown: no usable phase, the caller sends right away on its own terms.
	Unknown Status = iota
	// SendNow: the neighbor is awake (or about to be); transmit immediately.
	SendNow
	// Deferred: the packet was parked and will be sent by a timer.
	Deferred
)

func (s Status) String() string {
	switch s {
	case SendNow:
		return "SEND_NOW"
	case Deferred:
		return "DEFERRED"
	default:
		return "UNKNOWN"
	}
}

const (
	// CycleTimeAlwaysOn marks a neighbor that keeps its radio on.
	CycleTimeAlwaysOn clock.Ticks = 0
	// CycleTimeUnknown marks a neighbor whose duty cycle has not been reported.
	CycleTimeUnknown clock.Ticks = ^clock.Ticks(0)
)

type Config struct {
	// TicksPerSecond is the fine radio timer rate. Phases are kept modulo one
	// second of it, so every cycle time must divide it.
	TicksPerSecond clock.Ticks
	// ClockSecond is the coarse timer rate used for deferred sends.
	ClockSecond uint32
	// CycleTime is this node's own duty cycle period in ticks.
	CycleTime clock.Ticks

	TableSize      int
	QueueSize      int
	DeferThreshold uint32 // coarse ticks

	MaxNoacks   uint8
	NoackWindow time.Duration

	DriftCorrect   bool
	DiscoveryProbe bool
	Verbose        bool
}

// DefaultConfig is an 8 Hz duty cycle on a 4096 Hz radio timer.
func DefaultConfig() Config {
	return Config{
		TicksPerSecond: 4096,
		ClockSecond:    128,
		CycleTime:      4096 / 8,
		TableSize:      16,
		QueueSize:      8,
		DeferThreshold: 1,
		MaxNoacks:      16,
		NoackWindow:    30 * time.Second,
		DiscoveryProbe: true,
	}
}

func (c Config) Validate() error {
	if c.TicksPerSecond == 0 || c.ClockSecond == 0 {
		return fmt.Errorf("phase: clock rates must be non-zero")
	}
	if c.TableSize <= 0 || c.QueueSize <= 0 {
		return fmt.Errorf("phase: table size %d and queue size %d must be positive", c.TableSize, c.QueueSize)
	}
	if c.CycleTime != CycleTimeAlwaysOn && c.TicksPerSecond%c.CycleTime != 0 {
		return fmt.Errorf("phase: cycle time %d does not divide %d ticks/s", c.CycleTime, c.TicksPerSecond)
	}
	if c.MaxNoacks == 0 {
		return fmt.Errorf("phase: max noacks must be positive")
	}
	return nil
}

func isPowerOfTwo(v clock.Ticks) bool {
	return v != 0 && v&(v-1) == 0
}
