package phase

import (
	"fmt"
	"log"
	"sync"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/mac"
	"dutycycle-mesh/internal/packet"
)

// Estimator is the part of the link estimator the scheduler reports to.
type Estimator interface {
	PacketSent(dest packet.Addr, status mac.Status, numTx int)
	OtherSourceMetricUpdate(addr packet.Addr, known bool)
}

// discovery is the one probe allowed in flight at a time.
type discovery struct {
	dest packet.Addr
}

// Scheduler predicts neighbor wake-ups and decides, per transmission, whether
// to send now, park the packet until the neighbor wakes, or give up on
// phase optimisation.
//
// All table and queue state is guarded by mu. Nothing calls into the sender,
// the waiter or the estimator while holding it.
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	self   packet.Addr
	clk    clock.Clock
	waiter clock.Waiter
	sender mac.Sender

	table     *Table
	queue     *deferredQueue
	inflight  *discovery
	estimator Estimator
	bus       *eventBus.EventBus
}

type Option func(*Scheduler)

// WithWaiter replaces the default spin waiter used for short waits.
func WithWaiter(w clock.Waiter) Option {
	return func(s *Scheduler) { s.waiter = w }
}

// WithEstimator wires phase changes and probe outcomes into a link estimator.
func WithEstimator(e Estimator) Option {
	return func(s *Scheduler) { s.estimator = e }
}

func WithEventBus(bus *eventBus.EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// NewScheduler builds a scheduler for node self. sender is the radio layer
// used for deferred sends and discovery probes.
func NewScheduler(self packet.Addr, cfg Config, clk clock.Clock, sender mac.Sender, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk.Second() != cfg.TicksPerSecond {
		return nil, fmt.Errorf("phase: clock runs at %d ticks/s, config expects %d", clk.Second(), cfg.TicksPerSecond)
	}
	s := &Scheduler{
		cfg:    cfg,
		self:   self,
		clk:    clk,
		sender: sender,
		table:  NewTable(cfg.TableSize, cfg.TicksPerSecond, cfg.MaxNoacks, cfg.NoackWindow, cfg.DriftCorrect),
		queue:  newDeferredQueue(cfg.QueueSize),
	}
	s.waiter = clock.SpinWaiter{Clock: clk}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Scheduler) Config() Config { return s.cfg }

// Wait decides how to send the current packet to neighbor. guard is the
// safety margin, in ticks, to leave before the predicted wake-up. When the
// answer is Deferred the scheduler owns the transmission: it will hand pkt
// (or list, if non-nil) to the sender later and cb will report the outcome.
func (s *Scheduler) Wait(neighbor packet.Addr, guard clock.Ticks, cb mac.Callback, ptr any, pkt *packet.Buffer, list *packet.BufList) Status {
	s.mu.Lock()
	e := s.table.get(neighbor)
	if e == nil {
		s.mu.Unlock()
		s.publish(eventBus.EventPhaseUnknown, neighbor, 0, "no entry")
		return Unknown
	}
	if e.CycleTime == CycleTimeAlwaysOn {
		s.mu.Unlock()
		s.publish(eventBus.EventPhaseSendNow, neighbor, 0, "always on")
		return SendNow
	}
	if e.CycleTime == CycleTimeUnknown || e.State != PhaseKnown {
		probe := s.cfg.DiscoveryProbe && e.State == PhaseUnknown && s.startDiscovery(e)
		s.mu.Unlock()
		if probe {
			s.sendProbe(neighbor)
		}
		s.publish(eventBus.EventPhaseUnknown, neighbor, 0, e.State.String())
		return Unknown
	}

	now := s.clk.Now()
	wait := s.waitTicks(e, now, guard)
	coarse := uint64(s.cfg.ClockSecond) * uint64(wait-guard) / uint64(s.cfg.TicksPerSecond)

	if coarse > uint64(s.cfg.DeferThreshold) {
		slot, ok := s.queue.alloc()
		if !ok {
			s.mu.Unlock()
			log.Printf("[phase] Node %s: deferred queue full, not waiting for %s\n", s.self, neighbor)
			s.publish(eventBus.EventPhaseUnknown, neighbor, 0, "queue full")
			return Unknown
		}
		it := &s.queue.items[slot]
		it.dest = neighbor
		it.cb = cb
		it.ptr = ptr
		it.list = list
		if list == nil && pkt != nil {
			it.snap = pkt.Snapshot()
		}
		delay := time.Duration(coarse) * time.Second / time.Duration(s.cfg.ClockSecond)
		it.timer = s.clk.AfterFunc(delay, func() { s.sendDeferred(slot) })
		s.mu.Unlock()
		if s.cfg.Verbose {
			log.Printf("[phase] Node %s: deferring send to %s by %d coarse ticks\n", s.self, neighbor, coarse)
		}
		s.publish(eventBus.EventPhaseDeferred, neighbor, int64(coarse), "")
		return Deferred
	}
	s.mu.Unlock()

	s.waiter.WaitUntil(now + wait - guard)
	s.publish(eventBus.EventPhaseSendNow, neighbor, int64(wait-guard), "")
	return SendNow
}

// waitTicks is the time from now until the neighbor's next wake-up that
// leaves at least guard ticks. Caller holds mu.
func (s *Scheduler) waitTicks(e *Entry, now, guard clock.Ticks) clock.Ticks {
	ct := e.CycleTime

	// Spread the offset observed over the last sync interval across the
	// cycles elapsed since then. The offset is signed: a neighbor waking
	// early shows up as a drift just short of a whole number of cycles.
	var shift int64
	if s.cfg.DriftCorrect && e.Drift > ct {
		cycles := (int64(e.Drift) + int64(ct)/2) / int64(ct)
		off := int64(e.Drift) - cycles*int64(ct)
		elapsed := int64(uint32(now - e.LastSync))
		shift = off * (elapsed / int64(ct)) / cycles
	}

	var wait clock.Ticks
	if isPowerOfTwo(ct) {
		wait = (e.Phase + clock.Ticks(shift) - now) & (ct - 1)
	} else {
		wait = clock.Ticks(modTicks(int64(e.Phase)+shift-int64(s.table.wrap(now)), int64(ct)))
	}
	// A guard longer than one cycle skips as many cycles as it needs.
	for wait < guard {
		wait += ct
	}
	return wait
}

func modTicks(v, m int64) int64 {
	r := v % m
	if r < 0 {
		r += m
	}
	return r
}

func (s *Scheduler) sendDeferred(slot int) {
	s.mu.Lock()
	it, ok := s.queue.take(slot)
	s.mu.Unlock()
	if !ok {
		return
	}
	if it.list != nil {
		s.sender.SendList(it.list, it.cb, it.ptr)
		return
	}
	var pkt *packet.Buffer
	if it.snap != nil {
		pkt = it.snap.Restore()
	}
	s.sender.Send(pkt, it.cb, it.ptr)
}

// Update feeds a transmission outcome back into the table. Only OK and
// NOACK carry phase information; other statuses are ignored.
func (s *Scheduler) Update(neighbor packet.Addr, now clock.Ticks, status mac.Status) {
	var changed, dropped bool
	s.mu.Lock()
	switch status {
	case mac.TxOK:
		changed = s.table.UpsertOnSuccess(neighbor, now)
	case mac.TxNoAck:
		changed, dropped = s.table.UpsertOnFailure(neighbor, s.clk.Elapsed())
	}
	s.mu.Unlock()

	if dropped {
		log.Printf("[phase] Node %s: dropping phase of %s after repeated noacks\n", s.self, neighbor)
		s.publish(eventBus.EventPhaseDropped, neighbor, 0, "noack")
	}
	if changed {
		s.notify(neighbor)
	}
}

// SetCycleTime records the duty cycle period neighbor advertised.
func (s *Scheduler) SetCycleTime(neighbor packet.Addr, cycleTime clock.Ticks) {
	s.mu.Lock()
	changed := s.table.SetCycleTime(neighbor, cycleTime)
	s.mu.Unlock()
	if changed {
		s.publish(eventBus.EventCycleTime, neighbor, int64(cycleTime), "")
		s.notify(neighbor)
	}
}

// Remove forgets neighbor.
func (s *Scheduler) Remove(neighbor packet.Addr) {
	s.mu.Lock()
	removed := s.table.Remove(neighbor)
	s.mu.Unlock()
	if removed {
		s.publish(eventBus.EventPhaseDropped, neighbor, 0, "removed")
		s.notify(neighbor)
	}
}

// AverageDelay estimates how long a packet waits at this node before the
// radio can hand it to neighbor, for delay-based routing metrics. myPhase is
// this node's own wake phase.
func (s *Scheduler) AverageDelay(neighbor packet.Addr, guard, myPhase clock.Ticks) clock.Ticks {
	s.mu.Lock()
	e := s.table.get(neighbor)
	if e == nil || e.CycleTime == CycleTimeUnknown || e.CycleTime == CycleTimeAlwaysOn {
		s.mu.Unlock()
		return guard
	}
	ct := e.CycleTime
	if ct != s.cfg.CycleTime {
		s.mu.Unlock()
		return ct/2 + guard
	}

	switch e.State {
	case PhaseKnown:
		d := clock.Ticks(modTicks(int64(e.Phase)-int64(s.table.wrap(myPhase)), int64(ct)))
		if d < guard {
			d += ct
		}
		s.mu.Unlock()
		return d
	case PhaseDiscoveryFailed:
		s.mu.Unlock()
		return guard
	}
	if !s.cfg.DiscoveryProbe {
		s.mu.Unlock()
		return guard
	}
	probe := e.State == PhaseUnknown && s.startDiscovery(e)
	s.mu.Unlock()
	if probe {
		s.sendProbe(neighbor)
	}
	return ct + guard
}

// startDiscovery claims the discovery slot for e. Caller holds mu.
func (s *Scheduler) startDiscovery(e *Entry) bool {
	if s.inflight != nil {
		return false
	}
	s.inflight = &discovery{dest: e.Neighbor}
	e.State = PhaseDiscovering
	return true
}

func (s *Scheduler) sendProbe(dest packet.Addr) {
	log.Printf("[phase] Node %s: sending phase discovery probe to %s\n", s.self, dest)
	s.publish(eventBus.EventDiscoverySent, dest, 0, "")
	s.sender.Send(packet.CreateProbePacket(s.self, dest), s.discoveryDone, nil)
}

// discoveryDone runs once per probe and always frees the discovery slot.
func (s *Scheduler) discoveryDone(_ any, status mac.Status, numTx int) {
	s.mu.Lock()
	d := s.inflight
	s.inflight = nil
	if d != nil {
		if e := s.table.get(d.dest); e != nil {
			switch {
			case status != mac.TxOK && e.State != PhaseKnown:
				e.State = PhaseDiscoveryFailed
			case e.State == PhaseDiscovering:
				// acked but no phase was recorded; allow another probe
				e.State = PhaseUnknown
			}
		}
	}
	s.mu.Unlock()
	if d == nil {
		return
	}
	s.publish(eventBus.EventDiscoveryDone, d.dest, int64(numTx), status.String())
	if s.estimator != nil {
		s.estimator.PacketSent(d.dest, status, numTx)
	}
}

// DiscoveryInFlight reports the probe target, if a probe is outstanding.
func (s *Scheduler) DiscoveryInFlight() (packet.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		return packet.Null, false
	}
	return s.inflight.dest, true
}

// Lookup returns a copy of the entry for neighbor.
func (s *Scheduler) Lookup(neighbor packet.Addr) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Find(neighbor)
}

// Entries returns a copy of the whole phase table.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Entries()
}

// Parked is the number of deferred sends waiting on their timers.
func (s *Scheduler) Parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.inUse()
}

func (s *Scheduler) notify(neighbor packet.Addr) {
	if s.estimator != nil {
		s.estimator.OtherSourceMetricUpdate(neighbor, true)
	}
}

func (s *Scheduler) publish(t eventBus.EventType, other packet.Addr, value int64, payload string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventBus.Event{
		Type:    t,
		Node:    s.self,
		Other:   other,
		Value:   value,
		Payload: payload,
		SimTime: s.clk.Elapsed(),
	})
}
