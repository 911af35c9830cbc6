package phase

import (
	"testing"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/packet"
)

func TestTableUpsertWrapsToSecond(t *testing.T) {
	tb := NewTable(4, 4096, 16, 30*time.Second, false)
	if !tb.UpsertOnSuccess(nbrA, 3*4096+77) {
		t.Fatalf("first success reported no change")
	}
	e, ok := tb.Find(nbrA)
	if !ok {
		t.Fatalf("entry not created")
	}
	if e.Phase != 77 || e.LastSync != 3*4096+77 {
		t.Fatalf("phase %d last sync %d, want 77 and %d", e.Phase, e.LastSync, 3*4096+77)
	}
	if e.CycleTime != CycleTimeUnknown {
		t.Fatalf("new entry cycle time = %d, want unknown", e.CycleTime)
	}
}

func TestTableEvictLRUExplicit(t *testing.T) {
	tb := NewTable(3, 4096, 16, 30*time.Second, false)
	if _, ok := tb.EvictLRU(); ok {
		t.Fatalf("evicted from empty table")
	}
	for i, a := range []packet.Addr{nbrA, nbrB, nbrC} {
		tb.SetCycleTime(a, 512)
		tb.UpsertOnSuccess(a, clock.Ticks(i))
	}
	tb.get(nbrA)
	got, ok := tb.EvictLRU()
	if !ok || got != nbrB {
		t.Fatalf("evicted %s, want %s", got, nbrB)
	}
	if tb.Len() != 2 {
		t.Fatalf("len = %d, want 2", tb.Len())
	}
}

func TestTableSetCycleTimeReportsChange(t *testing.T) {
	tb := NewTable(2, 4096, 16, 30*time.Second, false)
	if !tb.SetCycleTime(nbrA, 512) {
		t.Fatalf("new neighbor reported unchanged")
	}
	if tb.SetCycleTime(nbrA, 512) {
		t.Fatalf("same cycle time reported as a change")
	}
	if !tb.SetCycleTime(nbrA, 1024) {
		t.Fatalf("new cycle time reported unchanged")
	}
}

func TestDeferredQueueRecyclesSlots(t *testing.T) {
	q := newDeferredQueue(2)
	a, _ := q.alloc()
	b, _ := q.alloc()
	if _, ok := q.alloc(); ok {
		t.Fatalf("allocated past capacity")
	}
	if _, ok := q.take(a); !ok {
		t.Fatalf("take of live slot failed")
	}
	if _, ok := q.take(a); ok {
		t.Fatalf("slot taken twice")
	}
	if q.inUse() != 1 {
		t.Fatalf("in use = %d, want 1", q.inUse())
	}
	c, ok := q.alloc()
	if !ok || c != a {
		t.Fatalf("freed slot %d not reused (got %d)", a, c)
	}
	_ = b
}
