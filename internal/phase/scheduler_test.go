package phase

import (
	"testing"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/mac"
	"dutycycle-mesh/internal/packet"
)

var (
	self = packet.AddrFromUint16(1)
	nbrA = packet.AddrFromUint16(2)
	nbrB = packet.AddrFromUint16(3)
	nbrC = packet.AddrFromUint16(4)
)

// holdSender records every send and keeps the callbacks so tests decide
// when a transmission completes.
type holdSender struct {
	sent  []*packet.Buffer
	lists []*packet.BufList
	cbs   []mac.Callback
	ptrs  []any
}

func (h *holdSender) Send(pkt *packet.Buffer, cb mac.Callback, ptr any) {
	h.sent = append(h.sent, pkt)
	h.cbs = append(h.cbs, cb)
	h.ptrs = append(h.ptrs, ptr)
}

func (h *holdSender) SendList(list *packet.BufList, cb mac.Callback, ptr any) {
	h.lists = append(h.lists, list)
	h.cbs = append(h.cbs, cb)
	h.ptrs = append(h.ptrs, ptr)
}

func (h *holdSender) complete(i int, status mac.Status, numTx int) {
	h.cbs[i](h.ptrs[i], status, numTx)
}

type recordEstimator struct {
	sent    []mac.Status
	sentTo  []packet.Addr
	updates []packet.Addr
}

func (r *recordEstimator) PacketSent(dest packet.Addr, status mac.Status, numTx int) {
	r.sentTo = append(r.sentTo, dest)
	r.sent = append(r.sent, status)
}

func (r *recordEstimator) OtherSourceMetricUpdate(addr packet.Addr, known bool) {
	r.updates = append(r.updates, addr)
}

func newTestScheduler(t *testing.T, mutate func(*Config)) (*Scheduler, *clock.Manual, *holdSender, *recordEstimator) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.NewManual(cfg.TicksPerSecond)
	snd := &holdSender{}
	est := &recordEstimator{}
	s, err := NewScheduler(self, cfg, clk, snd, WithWaiter(clk), WithEstimator(est))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s, clk, snd, est
}

func TestNewSchedulerRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CycleTime = 500
	if _, err := NewScheduler(self, cfg, clock.NewManual(4096), &holdSender{}); err == nil {
		t.Fatalf("cycle time 500 accepted")
	}
	if _, err := NewScheduler(self, DefaultConfig(), clock.NewManual(1000), &holdSender{}); err == nil {
		t.Fatalf("clock rate mismatch accepted")
	}
}

func TestWaitUnknownNeighbor(t *testing.T) {
	s, _, snd, _ := newTestScheduler(t, nil)
	if got := s.Wait(nbrA, 50, nil, nil, &packet.Buffer{}, nil); got != Unknown {
		t.Fatalf("Wait on empty table = %v, want UNKNOWN", got)
	}
	if len(snd.sent) != 0 {
		t.Fatalf("unexpected probe for neighbor with no entry")
	}
}

func TestWaitAlwaysOnSendsNow(t *testing.T) {
	for _, known := range []bool{false, true} {
		s, clk, _, _ := newTestScheduler(t, nil)
		if known {
			s.Update(nbrA, 300, mac.TxOK)
		}
		s.SetCycleTime(nbrA, CycleTimeAlwaysOn)
		clk.WaitUntil(1000)

		if got := s.Wait(nbrA, 50, nil, nil, &packet.Buffer{}, nil); got != SendNow {
			t.Fatalf("known=%v: Wait = %v, want SEND_NOW", known, got)
		}
		if clk.Now() != 1000 {
			t.Fatalf("known=%v: always-on wait moved the clock to %d", known, clk.Now())
		}
		if clk.Pending() != 0 {
			t.Fatalf("known=%v: always-on wait armed a timer", known)
		}
	}
}

func TestWaitTicksBounds(t *testing.T) {
	for _, ct := range []clock.Ticks{512, 1024, 4096 / 5} {
		s, _, _, _ := newTestScheduler(t, func(c *Config) {
			c.TicksPerSecond = 4096 / 5 * 5
			c.CycleTime = 4096 / 5 * 5
		})
		for ph := clock.Ticks(0); ph < ct; ph += 37 {
			e := &Entry{Phase: ph, State: PhaseKnown, CycleTime: ct}
			for _, now := range []clock.Ticks{0, 13, 4000, 70001, 0xFFFFFF00} {
				for _, guard := range []clock.Ticks{0, 1, 50, ct - 1} {
					w := s.waitTicks(e, now, guard)
					if w < guard {
						t.Fatalf("ct=%d ph=%d now=%d guard=%d: wait %d below guard", ct, ph, now, guard, w)
					}
					if w >= ct+guard {
						t.Fatalf("ct=%d ph=%d now=%d guard=%d: wait %d spans more than one bump", ct, ph, now, guard, w)
					}
					if isPowerOfTwo(ct) && (now+w)&(ct-1) != ph {
						t.Fatalf("ct=%d ph=%d now=%d: wake at %d is off phase", ct, ph, now, now+w)
					}
				}
			}
		}
	}
}

func TestWaitDefersAndFires(t *testing.T) {
	s, clk, snd, _ := newTestScheduler(t, nil)
	s.Update(nbrA, 100, mac.TxOK)
	s.SetCycleTime(nbrA, 512)
	clk.WaitUntil(4000)

	pkt, err := packet.CreateDataPacket(self, nbrA, []byte("hello"))
	if err != nil {
		t.Fatalf("CreateDataPacket: %v", err)
	}
	var done []mac.Status
	cb := func(ptr any, status mac.Status, numTx int) { done = append(done, status) }

	// wait = (100-4000) mod 512 = 196; 146 ticks over guard is 4 coarse ticks.
	if got := s.Wait(nbrA, 50, cb, "ctx", pkt, nil); got != Deferred {
		t.Fatalf("Wait = %v, want DEFERRED", got)
	}
	if s.Parked() != 1 {
		t.Fatalf("parked = %d, want 1", s.Parked())
	}
	pkt.Payload[0] = 'j'

	clk.Advance(4 * time.Second / 128)
	if len(snd.sent) != 1 {
		t.Fatalf("sent %d packets after timer, want 1", len(snd.sent))
	}
	if got := string(snd.sent[0].Payload); got != "hello" {
		t.Fatalf("deferred payload = %q, want the snapshot %q", got, "hello")
	}
	if snd.ptrs[0] != "ctx" {
		t.Fatalf("callback context = %v, want ctx", snd.ptrs[0])
	}
	snd.complete(0, mac.TxOK, 3)
	if len(done) != 1 || done[0] != mac.TxOK {
		t.Fatalf("caller callback saw %v", done)
	}
	if s.Parked() != 0 {
		t.Fatalf("slot not released")
	}
}

func TestWaitDeferredList(t *testing.T) {
	s, clk, snd, _ := newTestScheduler(t, nil)
	s.Update(nbrA, 100, mac.TxOK)
	s.SetCycleTime(nbrA, 512)
	clk.WaitUntil(4000)

	list := &packet.BufList{Bufs: []*packet.Buffer{packet.CreateProbePacket(self, nbrA)}}
	if got := s.Wait(nbrA, 50, nil, nil, nil, list); got != Deferred {
		t.Fatalf("Wait = %v, want DEFERRED", got)
	}
	clk.Advance(time.Second)
	if len(snd.lists) != 1 || snd.lists[0] != list {
		t.Fatalf("buffered list not handed to SendList")
	}
	if len(snd.sent) != 0 {
		t.Fatalf("list send also went through Send")
	}
}

func TestWaitSendNowSpinsToGuard(t *testing.T) {
	s, clk, _, _ := newTestScheduler(t, nil)
	s.Update(nbrA, 100, mac.TxOK)
	s.SetCycleTime(nbrA, 512)
	clk.WaitUntil(4096 + 30)

	if got := s.Wait(nbrA, 50, nil, nil, &packet.Buffer{}, nil); got != SendNow {
		t.Fatalf("Wait = %v, want SEND_NOW", got)
	}
	if got, want := clk.Now(), clock.Ticks(4096+50); got != want {
		t.Fatalf("returned at tick %d, want %d", got, want)
	}
}

func TestWaitQueueFullFallsBack(t *testing.T) {
	s, clk, _, _ := newTestScheduler(t, func(c *Config) { c.QueueSize = 1 })
	s.Update(nbrA, 100, mac.TxOK)
	s.SetCycleTime(nbrA, 512)
	clk.WaitUntil(4000)

	if got := s.Wait(nbrA, 50, nil, nil, &packet.Buffer{}, nil); got != Deferred {
		t.Fatalf("first Wait = %v, want DEFERRED", got)
	}
	if got := s.Wait(nbrA, 50, nil, nil, &packet.Buffer{}, nil); got != Unknown {
		t.Fatalf("Wait with full queue = %v, want UNKNOWN", got)
	}
}

func TestUpdateIdempotent(t *testing.T) {
	s, _, _, est := newTestScheduler(t, nil)
	s.Update(nbrA, 700, mac.TxOK)
	s.Update(nbrA, 700, mac.TxOK)

	e, ok := s.Lookup(nbrA)
	if !ok {
		t.Fatalf("entry missing after update")
	}
	if e.Noacks != 0 || e.Phase != 700 || e.State != PhaseKnown {
		t.Fatalf("entry = %+v, want phase 700, 0 noacks, known", e)
	}
	if len(est.updates) != 1 {
		t.Fatalf("routing notified %d times, want 1 (second update changed nothing)", len(est.updates))
	}
}

func TestUpdateIgnoresOtherStatuses(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, nil)
	for _, st := range []mac.Status{mac.TxCollision, mac.TxErr, mac.TxErrFatal, mac.TxDeferred} {
		s.Update(nbrA, 10, st)
	}
	if _, ok := s.Lookup(nbrA); ok {
		t.Fatalf("non OK/NOACK status created an entry")
	}
	s.Update(nbrA, 10, mac.TxNoAck)
	if _, ok := s.Lookup(nbrA); ok {
		t.Fatalf("NOACK for an unseen neighbor created an entry")
	}
}

func TestNoackCapEvicts(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, nil)
	s.Update(nbrA, 100, mac.TxOK)
	for i := 1; i < 16; i++ {
		s.Update(nbrA, 0, mac.TxNoAck)
	}
	e, ok := s.Lookup(nbrA)
	if !ok || e.Noacks != 15 {
		t.Fatalf("after 15 noacks: entry %+v present=%v", e, ok)
	}
	s.Update(nbrA, 0, mac.TxNoAck)
	if _, ok := s.Lookup(nbrA); ok {
		t.Fatalf("entry survived 16 noacks")
	}
}

func TestNoackWindowEvicts(t *testing.T) {
	s, clk, _, _ := newTestScheduler(t, nil)
	s.Update(nbrA, 100, mac.TxOK)
	s.Update(nbrA, 0, mac.TxNoAck)
	clk.Advance(29 * time.Second)
	s.Update(nbrA, 0, mac.TxNoAck)
	if _, ok := s.Lookup(nbrA); !ok {
		t.Fatalf("entry dropped inside the noack window")
	}
	clk.Advance(time.Second)
	s.Update(nbrA, 0, mac.TxNoAck)
	if _, ok := s.Lookup(nbrA); ok {
		t.Fatalf("entry survived the noack window")
	}
}

func TestSuccessResetsNoackWindow(t *testing.T) {
	s, clk, _, _ := newTestScheduler(t, nil)
	s.Update(nbrA, 100, mac.TxOK)
	s.Update(nbrA, 0, mac.TxNoAck)
	clk.Advance(20 * time.Second)
	s.Update(nbrA, 200, mac.TxOK)
	clk.Advance(20 * time.Second)
	s.Update(nbrA, 0, mac.TxNoAck)
	if _, ok := s.Lookup(nbrA); !ok {
		t.Fatalf("window from before the success still applied")
	}
}

func TestTableEvictsLeastRecentlyUsed(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, func(c *Config) { c.TableSize = 2 })
	s.Update(nbrA, 1, mac.TxOK)
	s.Update(nbrB, 2, mac.TxOK)
	s.Update(nbrA, 3, mac.TxOK)
	s.Update(nbrC, 4, mac.TxOK)

	if _, ok := s.Lookup(nbrB); ok {
		t.Fatalf("least recently used neighbor kept")
	}
	for _, a := range []packet.Addr{nbrA, nbrC} {
		if _, ok := s.Lookup(a); !ok {
			t.Fatalf("neighbor %s evicted", a)
		}
	}
	if n := len(s.Entries()); n != 2 {
		t.Fatalf("table holds %d entries, want 2", n)
	}
}

func TestRemove(t *testing.T) {
	s, _, _, est := newTestScheduler(t, nil)
	s.Update(nbrA, 1, mac.TxOK)
	s.Remove(nbrA)
	s.Remove(nbrA)
	if _, ok := s.Lookup(nbrA); ok {
		t.Fatalf("entry still present after Remove")
	}
	if len(est.updates) != 2 {
		t.Fatalf("routing notified %d times, want 2", len(est.updates))
	}
}

func TestWaitStartsDiscovery(t *testing.T) {
	s, _, snd, _ := newTestScheduler(t, nil)
	s.SetCycleTime(nbrA, 512)

	if got := s.Wait(nbrA, 50, nil, nil, &packet.Buffer{}, nil); got != Unknown {
		t.Fatalf("Wait with unknown phase = %v, want UNKNOWN", got)
	}
	if len(snd.sent) != 1 || snd.sent[0].PacketType != packet.PKT_PROBE || len(snd.sent[0].Payload) != 1 {
		t.Fatalf("expected one 1-byte probe, got %d sends", len(snd.sent))
	}
	s.Wait(nbrA, 50, nil, nil, &packet.Buffer{}, nil)
	if len(snd.sent) != 1 {
		t.Fatalf("second Wait sent another probe")
	}
}

func TestDiscoverySingleInFlight(t *testing.T) {
	s, _, snd, est := newTestScheduler(t, nil)
	s.SetCycleTime(nbrA, 512)
	s.SetCycleTime(nbrB, 512)

	if got := s.AverageDelay(nbrA, 50, 0); got != 512+50 {
		t.Fatalf("AverageDelay while discovering = %d, want %d", got, 512+50)
	}
	if got := s.AverageDelay(nbrB, 50, 0); got != 512+50 {
		t.Fatalf("AverageDelay for second neighbor = %d, want %d", got, 512+50)
	}
	if len(snd.sent) != 1 || snd.sent[0].Receiver != nbrA {
		t.Fatalf("want exactly one probe to %s, got %d", nbrA, len(snd.sent))
	}
	if dest, ok := s.DiscoveryInFlight(); !ok || dest != nbrA {
		t.Fatalf("in flight = %s/%v, want %s", dest, ok, nbrA)
	}

	snd.complete(0, mac.TxNoAck, 5)
	if _, ok := s.DiscoveryInFlight(); ok {
		t.Fatalf("discovery slot not released")
	}
	if e, _ := s.Lookup(nbrA); e.State != PhaseDiscoveryFailed {
		t.Fatalf("state after failed probe = %v, want discovery-failed", e.State)
	}
	if got := s.AverageDelay(nbrA, 50, 0); got != 50 {
		t.Fatalf("AverageDelay after failed discovery = %d, want guard", got)
	}
	if len(est.sent) != 1 || est.sent[0] != mac.TxNoAck || est.sentTo[0] != nbrA {
		t.Fatalf("probe outcome not reported to estimator: %v", est.sent)
	}

	s.AverageDelay(nbrB, 50, 0)
	if len(snd.sent) != 2 || snd.sent[1].Receiver != nbrB {
		t.Fatalf("free slot did not start discovery for %s", nbrB)
	}
	snd.complete(1, mac.TxOK, 1)
	snd.complete(1, mac.TxOK, 1)
	if len(est.sent) != 2 {
		t.Fatalf("duplicate completion reported %d outcomes, want 2", len(est.sent))
	}
	if e, _ := s.Lookup(nbrB); e.State == PhaseDiscoveryFailed {
		t.Fatalf("successful probe marked discovery failed")
	}
}

func TestDiscoveryDisabled(t *testing.T) {
	s, _, snd, _ := newTestScheduler(t, func(c *Config) { c.DiscoveryProbe = false })
	s.SetCycleTime(nbrA, 512)
	if got := s.AverageDelay(nbrA, 50, 0); got != 50 {
		t.Fatalf("AverageDelay = %d, want guard", got)
	}
	s.Wait(nbrA, 50, nil, nil, &packet.Buffer{}, nil)
	if len(snd.sent) != 0 {
		t.Fatalf("probe sent with discovery disabled")
	}
}

func TestAverageDelay(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, nil)
	s.Update(nbrA, 100, mac.TxOK)
	s.SetCycleTime(nbrA, 512)
	s.Update(nbrB, 100, mac.TxOK)
	s.SetCycleTime(nbrB, 1024)

	cases := []struct {
		name    string
		nbr     packet.Addr
		myPhase clock.Ticks
		want    clock.Ticks
	}{
		{"known phase", nbrA, 30, 70},
		{"under guard bumps a cycle", nbrA, 80, 20 + 512},
		{"other cycle time", nbrB, 30, 512 + 50},
		{"unknown neighbor", nbrC, 30, 50},
	}
	for _, c := range cases {
		if got := s.AverageDelay(c.nbr, 50, c.myPhase); got != c.want {
			t.Fatalf("%s: AverageDelay = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestDriftCorrectionTracksSlowNeighbor(t *testing.T) {
	s, clk, _, _ := newTestScheduler(t, func(c *Config) { c.DriftCorrect = true })
	s.SetCycleTime(nbrA, 512)
	// The neighbor wakes 2 ticks later every 8 cycles.
	s.Update(nbrA, 100, mac.TxOK)
	s.Update(nbrA, 100+8*512+2, mac.TxOK)

	e, _ := s.Lookup(nbrA)
	if e.Drift != 8*512+2 {
		t.Fatalf("drift = %d, want %d", e.Drift, 8*512+2)
	}
	// 8 more cycles on, the wake-up should have slipped another 2 ticks, to
	// 4198+8*512+2.
	clk.WaitUntil(4198 + 8*512)
	got := s.waitTicks(&e, clk.Now(), 0)
	if want := clock.Ticks(2); got != want {
		t.Fatalf("wait = %d, want %d", got, want)
	}
}

func TestDriftCorrectionTracksFastNeighbor(t *testing.T) {
	s, clk, _, _ := newTestScheduler(t, func(c *Config) { c.DriftCorrect = true })
	s.SetCycleTime(nbrA, 512)
	// The neighbor wakes 2 ticks earlier every 8 cycles.
	s.Update(nbrA, 100, mac.TxOK)
	s.Update(nbrA, 100+8*512-2, mac.TxOK)

	e, _ := s.Lookup(nbrA)
	if e.Drift != 8*512-2 {
		t.Fatalf("drift = %d, want %d", e.Drift, 8*512-2)
	}
	// 15 whole cycles after the last sync the prediction has moved 3 ticks
	// earlier: phase 98 seen from 12372 is 14 ticks away uncorrected.
	clk.WaitUntil(12372)
	got := s.waitTicks(&e, clk.Now(), 0)
	if want := clock.Ticks(11); got != want {
		t.Fatalf("wait = %d, want %d", got, want)
	}
}

func TestWaitTicksGuard(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, nil)
	s.Update(nbrA, 100, mac.TxOK)
	s.SetCycleTime(nbrA, 512)
	e, _ := s.Lookup(nbrA)

	cases := []struct {
		name  string
		guard clock.Ticks
		want  clock.Ticks
	}{
		{"outside guard", 50, 70},
		{"inside guard adds a cycle", 80, 70 + 512},
		{"guard longer than a cycle", 600, 70 + 2*512},
	}
	for _, c := range cases {
		if got := s.waitTicks(&e, 30, c.guard); got != c.want {
			t.Fatalf("%s: wait = %d, want %d", c.name, got, c.want)
		}
	}
}
