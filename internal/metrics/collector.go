package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	eb "dutycycle-mesh/internal/eventBus"

	"github.com/google/uuid"
)

type Counters struct {
	RunID uuid.UUID `json:"run_id"`

	TxOK        uint64            `json:"tx_ok"`
	TxNoAck     uint64            `json:"tx_noack"`
	TxCollision uint64            `json:"tx_collision"`
	TxOther     uint64            `json:"tx_other"`
	StrobeSum   uint64            `json:"strobe_sum"`
	TxByStatus  map[string]uint64 `json:"tx_by_status"`

	SendNow  uint64 `json:"phase_send_now"`
	Deferred uint64 `json:"phase_deferred"`
	Unknown  uint64 `json:"phase_unknown"`
	Dropped  uint64 `json:"phase_dropped"`

	DiscoveriesSent   uint64 `json:"discoveries_sent"`
	DiscoveriesFailed uint64 `json:"discoveries_failed"`

	LinkMetricUpdates uint64 `json:"link_metric_updates"`
	ParentChanges     uint64 `json:"parent_changes"`
	RankChanges       uint64 `json:"rank_changes"`
	CycleTimeUpdates  uint64 `json:"cycle_time_updates"`
	DataDelivered     uint64 `json:"data_delivered"`
}

// Collector folds bus events into run totals.
type Collector struct {
	mu   sync.Mutex
	prom *PromCollector
	Counters
}

// NewCollector returns an empty collector. prom may be nil.
func NewCollector(prom *PromCollector) *Collector {
	return &Collector{
		prom: prom,
		Counters: Counters{
			RunID:      uuid.New(),
			TxByStatus: make(map[string]uint64),
		},
	}
}

// Add counts one event.
func (c *Collector) Add(ev eb.Event) {
	if c == nil {
		return
	}
	c.prom.Observe(ev)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case eb.EventTxDone:
		c.TxByStatus[ev.Payload]++
		c.StrobeSum += uint64(ev.Value)
		switch ev.Payload {
		case "OK":
			c.TxOK++
		case "NOACK":
			c.TxNoAck++
		case "COLLISION":
			c.TxCollision++
		default:
			c.TxOther++
		}
	case eb.EventPhaseSendNow:
		c.SendNow++
	case eb.EventPhaseDeferred:
		c.Deferred++
	case eb.EventPhaseUnknown:
		c.Unknown++
	case eb.EventPhaseDropped:
		c.Dropped++
	case eb.EventDiscoverySent:
		c.DiscoveriesSent++
	case eb.EventDiscoveryDone:
		if ev.Payload != "OK" {
			c.DiscoveriesFailed++
		}
	case eb.EventLinkMetric:
		c.LinkMetricUpdates++
	case eb.EventParentChanged:
		c.ParentChanges++
	case eb.EventRankChanged:
		c.RankChanges++
	case eb.EventCycleTime:
		c.CycleTimeUpdates++
	case eb.EventDataDelivered:
		c.DataDelivered++
	}
}

// Consume counts events from ch until it is closed.
func (c *Collector) Consume(ch <-chan eb.Event) {
	for ev := range ch {
		c.Add(ev)
	}
}

// Snapshot returns a copy of the current totals.
func (c *Collector) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.Counters
	out.TxByStatus = make(map[string]uint64, len(c.TxByStatus))
	for k, v := range c.TxByStatus {
		out.TxByStatus[k] = v
	}
	return out
}

// AvgStrobes is the mean number of strobes per finished transmission.
func (c Counters) AvgStrobes() float64 {
	n := c.TxOK + c.TxNoAck + c.TxCollision + c.TxOther
	if n == 0 {
		return 0
	}
	return float64(c.StrobeSum) / float64(n)
}

func (c *Collector) Flush(file string) error {
	snap := c.Snapshot()
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("metrics flush: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("metrics flush: %w", err)
	}
	return nil
}
