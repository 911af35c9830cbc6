package rdc

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/mesh"
	"dutycycle-mesh/internal/packet"
)

type Config struct {
	// Range is the maximum distance, in metres, at which two radios hear each other.
	Range float64 `yaml:"range" json:"range"`
	// Loss is the probability that a wake-up encounter fails and the
	// sender strobes a full cycle without an ACK.
	Loss float64 `yaml:"loss" json:"loss"`
	// Strobe is the interval between repeated copies of a frame, in ticks.
	Strobe clock.Ticks `yaml:"strobe" json:"strobe"`
	// TxTicks is the airtime of one frame.
	TxTicks clock.Ticks `yaml:"tx_ticks" json:"tx_ticks"`
	Verbose bool        `yaml:"verbose" json:"verbose"`
}

func DefaultConfig() Config {
	return Config{
		Range:   100,
		Loss:    0.05,
		Strobe:  16,
		TxTicks: 8,
	}
}

// Transmission is one strobe train on the air.
type Transmission struct {
	Sender    packet.Addr
	Receiver  packet.Addr
	StartTime time.Duration
	EndTime   time.Duration
}

// Medium is the shared channel all simulated radios transmit on.
type Medium struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock
	rng *rand.Rand

	radios        map[packet.Addr]*Radio
	transmissions map[uint64]*Transmission
	seq           uint64
}

func NewMedium(cfg Config, clk clock.Clock, seed int64) *Medium {
	return &Medium{
		cfg:           cfg,
		clk:           clk,
		rng:           rand.New(rand.NewSource(seed)),
		radios:        make(map[packet.Addr]*Radio),
		transmissions: make(map[uint64]*Transmission),
	}
}

func (m *Medium) Config() Config { return m.cfg }

// Attach creates a radio at pos that wakes every cycleTime ticks, offset
// ticks into each cycle.
func (m *Medium) Attach(addr packet.Addr, pos mesh.Coordinates, cycleTime, offset clock.Ticks) *Radio {
	r := &Radio{
		m:         m,
		addr:      addr,
		pos:       pos,
		cycleTime: cycleTime,
		offset:    offset,
	}
	m.mu.Lock()
	m.radios[addr] = r
	m.mu.Unlock()
	log.Printf("[rdc] Node %s: radio attached at (%.1f, %.1f), cycle %d offset %d\n", addr, pos.X, pos.Y, cycleTime, offset)
	return r
}

func (m *Medium) Detach(addr packet.Addr) {
	m.mu.Lock()
	delete(m.radios, addr)
	m.mu.Unlock()
}

// Neighbors lists the radios within range of addr.
func (m *Medium) Neighbors(addr packet.Addr) []packet.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	self, ok := m.radios[addr]
	if !ok {
		return nil
	}
	var out []packet.Addr
	for a, r := range m.radios {
		if a != addr && m.inRange(self, r) {
			out = append(out, a)
		}
	}
	return out
}

// ActiveTransmissions is the number of strobe trains currently on the air.
func (m *Medium) ActiveTransmissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transmissions)
}

func (m *Medium) inRange(a, b *Radio) bool {
	return a.pos.DistanceTo(b.pos) <= m.cfg.Range
}

func timesOverlap(s1, e1, s2, e2 time.Duration) bool {
	return s1 < e2 && s2 < e1
}

// channelBusy is the clear channel assessment: true if a radio within range
// of r is on the air at now. Caller holds mu.
func (m *Medium) channelBusy(r *Radio, now time.Duration) bool {
	for _, tx := range m.transmissions {
		if tx.Sender == r.addr {
			return true
		}
		other, ok := m.radios[tx.Sender]
		if !ok || !m.inRange(r, other) {
			continue
		}
		if timesOverlap(now, now+1, tx.StartTime, tx.EndTime) {
			return true
		}
	}
	return false
}

// slowestNeighbor is the longest cycle among r's neighbors, used to size a
// broadcast strobe train. Caller holds mu.
func (m *Medium) slowestNeighbor(r *Radio) clock.Ticks {
	ct := r.cycleTime
	for _, o := range m.radios {
		if o != r && m.inRange(r, o) && o.cycleTime > ct {
			ct = o.cycleTime
		}
	}
	return ct
}

func (m *Medium) lost() bool {
	return m.cfg.Loss > 0 && m.rng.Float64() < m.cfg.Loss
}
