package phase

import (
	"fmt"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/packet"
)

// State says what is known about a neighbor's wake phase.
type State uint8

const (
	PhaseUnknown State = iota
	PhaseKnown
	PhaseDiscovering
	PhaseDiscoveryFailed
)

func (s State) String() string {
	switch s {
	case PhaseKnown:
		return "known"
	case PhaseDiscovering:
		return "discovering"
	case PhaseDiscoveryFailed:
		return "discovery-failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "known":
		*s = PhaseKnown
	case "discovering":
		*s = PhaseDiscovering
	case "discovery-failed":
		*s = PhaseDiscoveryFailed
	case "unknown":
		*s = PhaseUnknown
	default:
		return fmt.Errorf("phase: unknown state %q", text)
	}
	return nil
}

// Entry is the duty-cycle record kept for one neighbor.
type Entry struct {
	Neighbor packet.Addr `json:"neighbor"`
	// Phase is the time of the last successful send, modulo one tick-second.
	// Only meaningful when State is PhaseKnown.
	Phase     clock.Ticks `json:"phase"`
	State     State       `json:"state"`
	CycleTime clock.Ticks `json:"cycle_time"`
	// Drift is the time between the last two successful sends and LastSync the
	// absolute tick of the latest one; both feed drift correction.
	Drift    clock.Ticks `json:"drift"`
	LastSync clock.Ticks `json:"last_sync"`
	Noacks   uint8       `json:"noacks"`

	noackDeadline time.Duration
	lastUse       uint64
}

// Table is a fixed-capacity set of phase entries. When full, inserting a new
// neighbor evicts the least recently used one.
type Table struct {
	entries      []Entry
	capacity     int
	seq          uint64
	second       clock.Ticks
	maxNoacks    uint8
	noackWindow  time.Duration
	driftCorrect bool
}

func NewTable(capacity int, second clock.Ticks, maxNoacks uint8, noackWindow time.Duration, driftCorrect bool) *Table {
	return &Table{
		entries:      make([]Entry, 0, capacity),
		capacity:     capacity,
		second:       second,
		maxNoacks:    maxNoacks,
		noackWindow:  noackWindow,
		driftCorrect: driftCorrect,
	}
}

func (t *Table) Len() int { return len(t.entries) }

func (t *Table) index(addr packet.Addr) int {
	for i := range t.entries {
		if t.entries[i].Neighbor == addr {
			return i
		}
	}
	return -1
}

// Find returns a copy of the entry for addr without touching its LRU position.
func (t *Table) Find(addr packet.Addr) (Entry, bool) {
	if i := t.index(addr); i >= 0 {
		return t.entries[i], true
	}
	return Entry{}, false
}

// get returns the live entry for addr and marks it as recently used.
func (t *Table) get(addr packet.Addr) *Entry {
	i := t.index(addr)
	if i < 0 {
		return nil
	}
	t.seq++
	t.entries[i].lastUse = t.seq
	return &t.entries[i]
}

// EvictLRU drops the least recently used entry and returns its address.
func (t *Table) EvictLRU() (packet.Addr, bool) {
	if len(t.entries) == 0 {
		return packet.Null, false
	}
	oldest := 0
	for i := 1; i < len(t.entries); i++ {
		if t.entries[i].lastUse < t.entries[oldest].lastUse {
			oldest = i
		}
	}
	addr := t.entries[oldest].Neighbor
	t.removeAt(oldest)
	return addr, true
}

// insert adds a fresh entry for addr. The returned address is the neighbor
// that had to be evicted to make room, if any.
func (t *Table) insert(addr packet.Addr) (*Entry, packet.Addr, bool) {
	evicted, didEvict := packet.Null, false
	if len(t.entries) >= t.capacity {
		evicted, didEvict = t.EvictLRU()
	}
	t.seq++
	t.entries = append(t.entries, Entry{
		Neighbor:  addr,
		State:     PhaseUnknown,
		CycleTime: CycleTimeUnknown,
		lastUse:   t.seq,
	})
	return &t.entries[len(t.entries)-1], evicted, didEvict
}

func (t *Table) removeAt(i int) {
	last := len(t.entries) - 1
	t.entries[i] = t.entries[last]
	t.entries[last] = Entry{}
	t.entries = t.entries[:last]
}

// Remove drops addr from the table and reports whether it was present.
func (t *Table) Remove(addr packet.Addr) bool {
	i := t.index(addr)
	if i < 0 {
		return false
	}
	t.removeAt(i)
	return true
}

func (t *Table) wrap(now clock.Ticks) clock.Ticks {
	if isPowerOfTwo(t.second) {
		return now & (t.second - 1)
	}
	return now % t.second
}

// UpsertOnSuccess records a successful send to addr at tick now, creating the
// entry if needed. It reports whether anything stored changed.
func (t *Table) UpsertOnSuccess(addr packet.Addr, now clock.Ticks) bool {
	ph := t.wrap(now)
	e := t.get(addr)
	if e == nil {
		e, _, _ = t.insert(addr)
		e.Phase = ph
		e.State = PhaseKnown
		e.LastSync = now
		return true
	}
	changed := e.State != PhaseKnown || e.Phase != ph || e.Noacks != 0
	if t.driftCorrect && e.State == PhaseKnown {
		e.Drift = now - e.LastSync
	}
	e.Phase = ph
	e.State = PhaseKnown
	e.LastSync = now
	e.Noacks = 0
	return changed
}

// UpsertOnFailure counts a missing ACK from addr. The first failure opens the
// noack window; the entry is dropped once the noack cap is hit or the window
// has run out. Unknown neighbors are ignored.
func (t *Table) UpsertOnFailure(addr packet.Addr, elapsed time.Duration) (changed, dropped bool) {
	e := t.get(addr)
	if e == nil {
		return false, false
	}
	e.Noacks++
	if e.Noacks == 1 {
		e.noackDeadline = elapsed + t.noackWindow
	}
	if e.Noacks >= t.maxNoacks || elapsed >= e.noackDeadline {
		t.Remove(addr)
		return true, true
	}
	return true, false
}

// SetCycleTime records the duty cycle period reported by addr.
func (t *Table) SetCycleTime(addr packet.Addr, cycleTime clock.Ticks) bool {
	e := t.get(addr)
	if e == nil {
		e, _, _ = t.insert(addr)
		e.CycleTime = cycleTime
		return true
	}
	if e.CycleTime == cycleTime {
		return false
	}
	e.CycleTime = cycleTime
	return true
}

// Entries returns a copy of every entry.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
