package neighbor

import (
	"testing"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/mac"
	"dutycycle-mesh/internal/packet"
)

var (
	self = packet.AddrFromUint16(1)
	nbrA = packet.AddrFromUint16(2)
	nbrB = packet.AddrFromUint16(3)
)

type notification struct {
	addr   packet.Addr
	known  bool
	metric uint16
}

func newTestEstimator(t *testing.T, cfg Config) (*Estimator, *[]notification) {
	t.Helper()
	e, err := NewEstimator(self, cfg, clock.NewManual(4096), nil)
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	var got []notification
	if !e.Subscribe(func(addr packet.Addr, known bool, metric uint16) {
		got = append(got, notification{addr, known, metric})
	}) {
		t.Fatalf("first Subscribe refused")
	}
	return e, &got
}

func TestSubscribeOnce(t *testing.T) {
	e, _ := newTestEstimator(t, DefaultConfig())
	if e.Subscribe(func(packet.Addr, bool, uint16) {}) {
		t.Fatalf("second subscriber accepted")
	}
}

func TestFirstSampleStartsFromCeiling(t *testing.T) {
	e, got := newTestEstimator(t, DefaultConfig())
	e.PacketSent(nbrA, mac.TxOK, 1)

	// (240*90 + 16*10) / 100
	want := uint16(217)
	if m := e.GetMetric(nbrA); m != want {
		t.Fatalf("metric after first OK = %d, want %d", m, want)
	}
	if len(*got) != 1 || (*got)[0] != (notification{nbrA, true, want}) {
		t.Fatalf("notifications = %+v, want one for %s", *got, nbrA)
	}
}

func TestUnknownNeighborGetsCeiling(t *testing.T) {
	e, _ := newTestEstimator(t, DefaultConfig())
	if m := e.GetMetric(nbrB); m != 15*16 {
		t.Fatalf("metric for unknown neighbor = %d, want %d", m, 15*16)
	}
	e.PacketReceived(nbrB)
	if m := e.GetMetric(nbrB); m != 15*16 {
		t.Fatalf("metric for heard-only neighbor = %d, want %d", m, 15*16)
	}
}

func TestIgnoredStatuses(t *testing.T) {
	e, got := newTestEstimator(t, DefaultConfig())
	e.PacketSent(nbrA, mac.TxOK, 1)
	before := e.GetMetric(nbrA)
	for _, st := range []mac.Status{mac.TxCollision, mac.TxErr, mac.TxErrFatal, mac.TxDeferred} {
		e.PacketSent(nbrA, st, 3)
	}
	if m := e.GetMetric(nbrA); m != before {
		t.Fatalf("metric moved from %d to %d on non OK/NOACK status", before, m)
	}
	if len(*got) != 1 {
		t.Fatalf("%d notifications, want 1", len(*got))
	}
	e.PacketSent(packet.Null, mac.TxOK, 1)
	if len(e.Neighbors()) != 1 {
		t.Fatalf("null destination was added")
	}
}

func TestNoackPenalty(t *testing.T) {
	e, _ := newTestEstimator(t, DefaultConfig())
	for i := 0; i < 50; i++ {
		e.PacketSent(nbrA, mac.TxOK, 1)
	}
	low := e.GetMetric(nbrA)
	e.PacketSent(nbrA, mac.TxNoAck, 1)
	// (low*90 + 240*10) / 100
	want := uint16((uint32(low)*90 + 2400) / 100)
	if m := e.GetMetric(nbrA); m != want {
		t.Fatalf("metric after NOACK = %d, want %d", m, want)
	}
}

func TestNoackForUnseenNeighborIsDropped(t *testing.T) {
	e, got := newTestEstimator(t, DefaultConfig())
	e.PacketSent(nbrA, mac.TxNoAck, 1)
	if len(e.Neighbors()) != 0 || len(*got) != 0 {
		t.Fatalf("NOACK alone created state for %s", nbrA)
	}
}

func TestConvergesMonotonically(t *testing.T) {
	for _, m := range []uint16{1, 2, 4, 7} {
		e, _ := newTestEstimator(t, DefaultConfig())
		target := m * 16
		prev := uint16(15 * 16)
		for i := 0; i < 200; i++ {
			e.PacketSent(nbrA, mac.TxOK, int(m))
			cur := e.GetMetric(nbrA)
			if cur > prev {
				t.Fatalf("m=%d step %d: metric rose from %d to %d", m, i, prev, cur)
			}
			if cur < target {
				t.Fatalf("m=%d step %d: metric %d overshot %d", m, i, cur, target)
			}
			prev = cur
		}
		if prev != target {
			t.Fatalf("m=%d: settled at %d, want %d", m, prev, target)
		}
	}
}

func TestOnlyChangesNotify(t *testing.T) {
	e, got := newTestEstimator(t, DefaultConfig())
	for i := 0; i < 200; i++ {
		e.PacketSent(nbrA, mac.TxOK, 1)
	}
	n := len(*got)
	e.PacketSent(nbrA, mac.TxOK, 1)
	if len(*got) != n {
		t.Fatalf("converged metric still notified")
	}
}

func TestOtherSourceMetricUpdate(t *testing.T) {
	e, got := newTestEstimator(t, DefaultConfig())
	e.OtherSourceMetricUpdate(nbrA, true)
	if len(*got) != 0 {
		t.Fatalf("notified for a neighbor not in the table")
	}
	e.PacketReceived(nbrA)
	e.OtherSourceMetricUpdate(nbrA, true)
	if len(*got) != 1 || (*got)[0].metric != 240 {
		t.Fatalf("notifications = %+v, want ceiling re-announced", *got)
	}
}

func TestTableFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TableSize = 1
	e, _ := newTestEstimator(t, cfg)
	e.PacketSent(nbrA, mac.TxOK, 1)
	e.PacketSent(nbrB, mac.TxOK, 1)
	if m := e.GetMetric(nbrB); m != cfg.Ceiling() {
		t.Fatalf("metric stored for neighbor that did not fit: %d", m)
	}
	if tb := NewAttrTable(1); tb.Add(nbrA) != AddCreated || tb.Add(nbrA) != AddExists || tb.Add(nbrB) != AddFull {
		t.Fatalf("unexpected Add results")
	}
}

func TestPublishesLinkMetric(t *testing.T) {
	bus := eventBus.NewEventBus()
	ch := bus.Subscribe()
	e, err := NewEstimator(self, DefaultConfig(), clock.NewManual(4096), bus)
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	e.PacketSent(nbrA, mac.TxOK, 1)
	select {
	case ev := <-ch:
		if ev.Type != eventBus.EventLinkMetric || ev.Other != nbrA || ev.Value != 217 {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatalf("no event published")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alpha = 101
	if cfg.Validate() == nil {
		t.Fatalf("alpha above scale accepted")
	}
	cfg = DefaultConfig()
	cfg.Limit = 5000
	if cfg.Validate() == nil {
		t.Fatalf("overflowing ceiling accepted")
	}
}

func TestLinkMetricReportsMissingSamples(t *testing.T) {
	e, _ := newTestEstimator(t, DefaultConfig())
	e.PacketReceived(nbrA)
	if m, ok := e.LinkMetric(nbrA); ok {
		t.Fatalf("LinkMetric = %d before any send, want none", m)
	}
	e.PacketSent(nbrA, mac.TxOK, 1)
	m, ok := e.LinkMetric(nbrA)
	if !ok || m != e.GetMetric(nbrA) {
		t.Fatalf("LinkMetric = %d, %v, want %d", m, ok, e.GetMetric(nbrA))
	}
}
