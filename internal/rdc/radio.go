package rdc

import (
	"log"
	"sync"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/mac"
	"dutycycle-mesh/internal/mesh"
	"dutycycle-mesh/internal/packet"
)

// PhaseReporter learns wake-up phases from unicast outcomes.
type PhaseReporter interface {
	Update(neighbor packet.Addr, t clock.Ticks, status mac.Status)
}

// Handler receives frames addressed to the radio or broadcast in its range.
type Handler func(pkt *packet.Buffer)

type Stats struct {
	Sent       int `json:"sent"`
	Collisions int `json:"collisions"`
	NoAcks     int `json:"no_acks"`
	Received   int `json:"received"`
	Strobes    int `json:"strobes"`
}

// Radio is one node's duty-cycled transceiver. It implements mac.Sender.
type Radio struct {
	m    *Medium
	addr packet.Addr
	pos  mesh.Coordinates

	cycleTime clock.Ticks
	offset    clock.Ticks

	hmu     sync.Mutex
	handler Handler
	phase   PhaseReporter
	stats   Stats
}

var _ mac.Sender = (*Radio)(nil)

func (r *Radio) Addr() packet.Addr { return r.addr }

func (r *Radio) Position() mesh.Coordinates {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.pos
}

func (r *Radio) SetPosition(pos mesh.Coordinates) {
	r.m.mu.Lock()
	r.pos = pos
	r.m.mu.Unlock()
}

func (r *Radio) CycleTime() clock.Ticks {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.cycleTime
}

// SetCycleTime changes how often the radio wakes. The wake offset is kept
// modulo the new cycle.
func (r *Radio) SetCycleTime(ct clock.Ticks) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.cycleTime = ct
	if ct > 0 {
		r.offset %= ct
	}
}

// Offset is the tick, modulo the cycle time, at which the radio wakes.
func (r *Radio) Offset() clock.Ticks {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.offset
}

func (r *Radio) SetHandler(h Handler) {
	r.hmu.Lock()
	r.handler = h
	r.hmu.Unlock()
}

func (r *Radio) SetPhaseReporter(p PhaseReporter) {
	r.hmu.Lock()
	r.phase = p
	r.hmu.Unlock()
}

func (r *Radio) Stats() Stats {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	return r.stats
}

// NextWake is the number of ticks from now until the radio next listens.
// Caller holds m.mu.
func (r *Radio) nextWake(now clock.Ticks) clock.Ticks {
	if r.cycleTime == 0 {
		return 0
	}
	d := (int64(r.offset) - int64(now)) % int64(r.cycleTime)
	if d < 0 {
		d += int64(r.cycleTime)
	}
	return clock.Ticks(d)
}

func (r *Radio) NextWake(now clock.Ticks) clock.Ticks {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.nextWake(now)
}

func (r *Radio) Send(pkt *packet.Buffer, cb mac.Callback, ptr any) {
	r.transmit([]*packet.Buffer{pkt}, cb, ptr)
}

// SendList sends a burst: the first frame is strobed, the rest follow back to back.
func (r *Radio) SendList(list *packet.BufList, cb mac.Callback, ptr any) {
	if list.Len() == 0 {
		r.m.clk.AfterFunc(0, func() { cb(ptr, mac.TxErr, 0) })
		return
	}
	r.transmit(list.Bufs, cb, ptr)
}

type outcome struct {
	status    mac.Status
	numTx     int
	span      clock.Ticks
	encounter clock.Ticks
	deliver   []*Radio
}

func (r *Radio) transmit(bufs []*packet.Buffer, cb mac.Callback, ptr any) {
	m := r.m
	cfg := m.cfg
	dest := bufs[0].Receiver
	now := m.clk.Now()
	nowDur := m.clk.Elapsed()
	burst := clock.Ticks(len(bufs)-1) * cfg.TxTicks

	m.mu.Lock()
	if m.channelBusy(r, nowDur) {
		m.mu.Unlock()
		r.count(func(s *Stats) { s.Collisions++ })
		if cfg.Verbose {
			log.Printf("[rdc] Node %s: channel busy, %s collides\n", r.addr, dest)
		}
		m.clk.AfterFunc(0, func() { cb(ptr, mac.TxCollision, 1) })
		return
	}

	var o outcome
	if dest == packet.Broadcast {
		o = m.broadcast(r)
	} else {
		o = m.unicast(r, dest, now)
	}
	o.span += burst
	m.seq++
	id := m.seq
	m.transmissions[id] = &Transmission{
		Sender:    r.addr,
		Receiver:  dest,
		StartTime: nowDur,
		EndTime:   nowDur + clock.TicksToDuration(o.span, m.clk.Second()),
	}
	m.mu.Unlock()

	r.count(func(s *Stats) {
		s.Sent++
		s.Strobes += o.numTx
		if o.status == mac.TxNoAck {
			s.NoAcks++
		}
	})
	if cfg.Verbose {
		log.Printf("[rdc] Node %s: -> %s %s after %d strobes (%d ticks)\n", r.addr, dest, o.status, o.numTx, o.span)
	}

	m.clk.AfterFunc(clock.TicksToDuration(o.span, m.clk.Second()), func() {
		m.mu.Lock()
		delete(m.transmissions, id)
		m.mu.Unlock()

		if dest != packet.Broadcast {
			r.hmu.Lock()
			ph := r.phase
			r.hmu.Unlock()
			if ph != nil {
				ph.Update(dest, o.encounter, o.status)
			}
		}
		for _, rx := range o.deliver {
			for _, b := range bufs {
				rx.receive(b)
			}
		}
		cb(ptr, o.status, o.numTx)
	})
}

// broadcast strobes for a full cycle of the slowest neighbor. Caller holds mu.
func (m *Medium) broadcast(r *Radio) outcome {
	ct := m.slowestNeighbor(r)
	o := outcome{status: mac.TxOK, span: ct + m.cfg.TxTicks, numTx: strobes(ct, m.cfg.Strobe)}
	for _, rx := range m.radios {
		if rx != r && m.inRange(r, rx) && !m.lost() {
			o.deliver = append(o.deliver, rx)
		}
	}
	return o
}

// unicast strobes until the receiver wakes and acknowledges. Caller holds mu.
func (m *Medium) unicast(r *Radio, dest packet.Addr, now clock.Ticks) outcome {
	rx, ok := m.radios[dest]
	if !ok || !m.inRange(r, rx) || m.lost() {
		ct := m.slowestNeighbor(r)
		if ok && rx.cycleTime > ct {
			ct = rx.cycleTime
		}
		if ct < m.cfg.Strobe {
			ct = m.cfg.Strobe
		}
		return outcome{status: mac.TxNoAck, span: ct + m.cfg.TxTicks, numTx: strobes(ct, m.cfg.Strobe)}
	}
	wait := rx.nextWake(now)
	return outcome{
		status:    mac.TxOK,
		span:      wait + m.cfg.TxTicks,
		numTx:     strobes(wait, m.cfg.Strobe),
		encounter: now + wait,
		deliver:   []*Radio{rx},
	}
}

func strobes(span, strobe clock.Ticks) int {
	if strobe == 0 {
		return 1
	}
	return int(span/strobe) + 1
}

func (r *Radio) receive(b *packet.Buffer) {
	r.count(func(s *Stats) { s.Received++ })
	// probes only exist to learn the phase and never reach the upper layer
	if b.PacketType == packet.PKT_PROBE {
		return
	}
	r.hmu.Lock()
	h := r.handler
	r.hmu.Unlock()
	if h == nil {
		return
	}
	cp := &packet.Buffer{Attrs: b.Attrs, Payload: append([]byte(nil), b.Payload...)}
	h(cp)
}

func (r *Radio) count(f func(*Stats)) {
	r.hmu.Lock()
	f(&r.stats)
	r.hmu.Unlock()
}

// Airtime converts a tick span to simulated time on this medium's clock.
func (m *Medium) Airtime(span clock.Ticks) time.Duration {
	return clock.TicksToDuration(span, m.clk.Second())
}
