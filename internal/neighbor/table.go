package neighbor

import (
	"time"

	"dutycycle-mesh/internal/packet"
)

// Add results, matching the neighbor attribute table contract.
const (
	AddFull    = -1
	AddExists  = 0
	AddCreated = 1
)

// Attr is what the estimator keeps per neighbor. A zero Metric means no
// sample has been recorded yet.
type Attr struct {
	Addr     packet.Addr   `json:"addr"`
	Metric   uint16        `json:"metric"`
	LastSeen time.Duration `json:"last_seen"`
}

// AttrTable is a bounded neighbor attribute table. It refuses new neighbors
// once full rather than evicting.
type AttrTable struct {
	attrs    []Attr
	capacity int
}

func NewAttrTable(capacity int) *AttrTable {
	return &AttrTable{attrs: make([]Attr, 0, capacity), capacity: capacity}
}

func (t *AttrTable) index(addr packet.Addr) int {
	for i := range t.attrs {
		if t.attrs[i].Addr == addr {
			return i
		}
	}
	return -1
}

// Add inserts addr with an unset metric.
func (t *AttrTable) Add(addr packet.Addr) int {
	if t.index(addr) >= 0 {
		return AddExists
	}
	if len(t.attrs) >= t.capacity {
		return AddFull
	}
	t.attrs = append(t.attrs, Attr{Addr: addr})
	return AddCreated
}

func (t *AttrTable) Has(addr packet.Addr) bool { return t.index(addr) >= 0 }

func (t *AttrTable) Get(addr packet.Addr) (Attr, bool) {
	if i := t.index(addr); i >= 0 {
		return t.attrs[i], true
	}
	return Attr{}, false
}

// Set stores metric for a neighbor already in the table.
func (t *AttrTable) Set(addr packet.Addr, metric uint16, now time.Duration) bool {
	i := t.index(addr)
	if i < 0 {
		return false
	}
	t.attrs[i].Metric = metric
	t.attrs[i].LastSeen = now
	return true
}

func (t *AttrTable) Touch(addr packet.Addr, now time.Duration) {
	if i := t.index(addr); i >= 0 {
		t.attrs[i].LastSeen = now
	}
}

func (t *AttrTable) Remove(addr packet.Addr) bool {
	i := t.index(addr)
	if i < 0 {
		return false
	}
	last := len(t.attrs) - 1
	t.attrs[i] = t.attrs[last]
	t.attrs = t.attrs[:last]
	return true
}

func (t *AttrTable) Len() int { return len(t.attrs) }

func (t *AttrTable) All() []Attr {
	out := make([]Attr, len(t.attrs))
	copy(out, t.attrs)
	return out
}
