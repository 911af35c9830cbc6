package neighbor

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

// Config holds the EWMA parameters. Metrics are stored in fixed point:
// one transmission is Divisor units.
type Config struct {
	Alpha     uint16
	Scale     uint16
	Limit     uint16 // worst ETX, also the NOACK penalty
	Divisor   uint16
	TableSize int
	Verbose   bool
}

func DefaultConfig() Config {
	return Config{
		Alpha:     90,
		Scale:     100,
		Limit:     15,
		Divisor:   16,
		TableSize: 16,
	}
}

func (c Config) Validate() error {
	if c.Scale == 0 || c.Alpha > c.Scale {
		return fmt.Errorf("neighbor: alpha %d must not exceed scale %d", c.Alpha, c.Scale)
	}
	if c.Divisor == 0 || c.Limit == 0 {
		return fmt.Errorf("neighbor: limit and divisor must be positive")
	}
	if uint32(c.Limit)*uint32(c.Divisor) > 0xffff {
		return fmt.Errorf("neighbor: ceiling %d*%d overflows a link metric", c.Limit, c.Divisor)
	}
	if c.TableSize <= 0 {
		return fmt.Errorf("neighbor: table size must be positive")
	}
	return nil
}

// Ceiling is the worst link metric in fixed point.
func (c Config) Ceiling() uint16 { return c.Limit * c.Divisor }

// Subscriber is told about every link metric change.
type Subscriber func(addr packet.Addr, known bool, metric uint16)

// Estimator turns transmission outcomes into a smoothed ETX per neighbor.
type Estimator struct {
	mu    sync.Mutex
	cfg   Config
	self  packet.Addr
	clk   clock.Clock
	table *AttrTable
	sub   Subscriber
	bus   *eventBus.EventBus
}

func NewEstimator(self packet.Addr, cfg Config, clk clock.Clock, bus *eventBus.EventBus) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{
		cfg:   cfg,
		self:  self,
		clk:   clk,
		table: NewAttrTable(cfg.TableSize),
		bus:   bus,
	}, nil
}

// Subscribe registers the single metric subscriber. It returns false if one
// is already registered.
func (e *Estimator) Subscribe(s Subscriber) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub != nil || s == nil {
		return false
	}
	e.sub = s
	return true
}

// PacketSent records the outcome of a unicast to dest. Only OK and NOACK
// count; collisions and transmit errors say nothing about the link.
func (e *Estimator) PacketSent(dest packet.Addr, status mac.Status, numTx int) {
	if dest == packet.Null || dest == packet.Broadcast {
		return
	}
	var sample uint16
	e.mu.Lock()
	switch status {
	case mac.TxOK:
		e.table.Add(dest)
		sample = clampTx(numTx, e.cfg.Limit)
	case mac.TxNoAck:
		sample = e.cfg.Limit
	default:
		e.mu.Unlock()
		return
	}
	metric, changed, ok := e.update(dest, sample)
	sub := e.sub
	e.mu.Unlock()

	if !ok || !changed {
		return
	}
	if e.cfg.Verbose {
		log.Printf("[etx] Node %s: metric to %s now %d (sample %d, %s)\n", e.self, dest, metric, sample, status)
	}
	e.publish(dest, metric)
	if sub != nil {
		sub(dest, true, metric)
	}
}

func clampTx(numTx int, limit uint16) uint16 {
	switch {
	case numTx < 1:
		return 1
	case numTx > int(limit):
		return limit
	}
	return uint16(numTx)
}

// update folds sample (in whole transmissions) into the stored metric.
// Neighbors missing from the table are left alone. Caller holds mu.
func (e *Estimator) update(dest packet.Addr, sample uint16) (metric uint16, changed, ok bool) {
	a, ok := e.table.Get(dest)
	if !ok {
		return 0, false, false
	}
	recorded := a.Metric
	first := recorded == 0
	if first {
		recorded = e.cfg.Ceiling()
	}
	metric = Smooth(recorded, sample*e.cfg.Divisor, e.cfg.Alpha, e.cfg.Scale)
	e.table.Set(dest, metric, e.now())
	return metric, first || metric != a.Metric, true
}

// Smooth is one EWMA step: (old*alpha + sample*(scale-alpha)) / scale.
func Smooth(old, sample, alpha, scale uint16) uint16 {
	return uint16((uint32(old)*uint32(alpha) + uint32(sample)*uint32(scale-alpha)) / uint32(scale))
}

// PacketReceived makes src a known neighbor without touching its metric.
func (e *Estimator) PacketReceived(src packet.Addr) {
	if src == packet.Null {
		return
	}
	e.mu.Lock()
	r := e.table.Add(src)
	e.table.Touch(src, e.now())
	e.mu.Unlock()
	if r == AddFull {
		log.Printf("[etx] Node %s: neighbor table full, not tracking %s\n", e.self, src)
	}
}

// GetMetric returns the smoothed metric for addr, or the ceiling when none
// has been recorded.
func (e *Estimator) GetMetric(addr packet.Addr) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.table.Get(addr); ok && a.Metric != 0 {
		return a.Metric
	}
	return e.cfg.Ceiling()
}

// LinkMetric returns the smoothed metric for addr and whether a sample has
// been recorded for it.
func (e *Estimator) LinkMetric(addr packet.Addr) (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.table.Get(addr); ok && a.Metric != 0 {
		return a.Metric, true
	}
	return 0, false
}

// OtherSourceMetricUpdate re-announces addr's metric after something other
// than a transmission (a phase change, say) may have made it stale.
func (e *Estimator) OtherSourceMetricUpdate(addr packet.Addr, known bool) {
	e.mu.Lock()
	a, ok := e.table.Get(addr)
	sub := e.sub
	e.mu.Unlock()
	if !ok || sub == nil {
		return
	}
	metric := a.Metric
	if metric == 0 {
		metric = e.cfg.Ceiling()
	}
	sub(addr, known, metric)
}

// Remove forgets addr.
func (e *Estimator) Remove(addr packet.Addr) {
	e.mu.Lock()
	ok := e.table.Remove(addr)
	sub := e.sub
	e.mu.Unlock()
	if ok && sub != nil {
		sub(addr, false, e.cfg.Ceiling())
	}
}

// Neighbors returns a copy of the attribute table.
func (e *Estimator) Neighbors() []Attr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.All()
}

func (e *Estimator) Config() Config { return e.cfg }

func (e *Estimator) now() time.Duration {
	if e.clk == nil {
		return 0
	}
	return e.clk.Elapsed()
}

func (e *Estimator) publish(addr packet.Addr, metric uint16) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventBus.Event{
		Type:    eventBus.EventLinkMetric,
		Node:    e.self,
		Other:   addr,
		Value:   int64(metric),
		SimTime: e.now(),
	})
}
