package rpl

import (
	"log"
	"sync"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/packet"
)

// LinkSource supplies the current link metric to a neighbor. ok is false
// while no transmission to addr has been measured.
type LinkSource interface {
	LinkMetric(addr packet.Addr) (metric uint16, ok bool)
}

// State is a snapshot of the node's routing state.
type State struct {
	Rank      Rank            `json:"rank"`
	Joined    bool            `json:"joined"`
	Grounded  bool            `json:"grounded"`
	Parent    packet.Addr     `json:"parent"`
	MC        MetricContainer `json:"mc"`
	CycleTime clock.Ticks     `json:"cycle_time"`
	Parents   int             `json:"parents"`
}

// Router keeps the parent set of one node and reruns parent selection
// whenever a DIO arrives or a link metric changes.
type Router struct {
	mu      sync.Mutex
	self    packet.Addr
	cfg     Config
	of      ObjectiveFunction
	links   LinkSource
	inst    *Instance
	dag     *DAG
	parents []*Parent
	root    bool

	bus *eventBus.EventBus
	clk clock.Clock
}

type Option func(*Router)

func WithEventBus(bus *eventBus.EventBus) Option {
	return func(r *Router) { r.bus = bus }
}

// WithClock stamps published events with simulation time.
func WithClock(clk clock.Clock) Option {
	return func(r *Router) { r.clk = clk }
}

func NewRouter(self packet.Addr, cfg Config, of ObjectiveFunction, links LinkSource, cycleTime clock.Ticks, opts ...Option) *Router {
	inst := &Instance{MinHopRankInc: cfg.MinHopRankInc, CycleTime: cycleTime}
	dag := &DAG{Rank: InfiniteRank, Instance: inst}
	inst.CurrentDAG = dag
	r := &Router{
		self:  self,
		cfg:   cfg,
		of:    of,
		links: links,
		inst:  inst,
		dag:   dag,
	}
	for _, o := range opts {
		o(r)
	}
	of.UpdateMetricContainer(inst)
	return r
}

// SetRoot makes this node the grounded root of the DAG.
func (r *Router) SetRoot(preference uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = true
	r.of.Reset(r.dag)
	r.dag.Grounded = true
	r.dag.Preference = preference
	r.dag.Joined = true
	r.dag.PreferredParent = nil
	r.setRank(RootRank(r.inst))
	r.of.UpdateMetricContainer(r.inst)
	log.Printf("[rpl] Node %s: acting as DAG root, rank %d\n", r.self, r.dag.Rank)
}

// SetCycleTime records this node's own radio cycle time.
func (r *Router) SetCycleTime(ct clock.Ticks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inst.CycleTime = ct
	r.of.UpdateMetricContainer(r.inst)
}

func (r *Router) find(addr packet.Addr) (int, *Parent) {
	for i, p := range r.parents {
		if p.Addr == addr {
			return i, p
		}
	}
	return -1, nil
}

func (r *Router) removeAt(i int) {
	p := r.parents[i]
	r.parents = append(r.parents[:i], r.parents[i+1:]...)
	if r.dag.PreferredParent == p {
		r.dag.PreferredParent = nil
	}
}

// HandleDIO folds a neighbor's advertisement into the parent set.
func (r *Router) HandleDIO(from packet.Addr, dio packet.DIOHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, p := r.find(from)
	if Rank(dio.Rank) == InfiniteRank {
		if p != nil {
			r.removeAt(i)
			r.selectLocked()
		}
		return
	}
	if p == nil {
		p = &Parent{Addr: from, DAG: r.dag, LinkMetric: r.cfg.InitialLinkMetric}
		if r.links != nil {
			if m, ok := r.links.LinkMetric(from); ok {
				p.LinkMetric = m
			}
		}
		r.parents = append(r.parents, p)
	}
	p.Rank = Rank(dio.Rank)
	p.MC = MetricContainer{Type: dio.MCType, Flags: dio.MCFlags, Value: dio.MCValue}
	p.CycleTime = clock.Ticks(dio.CycleTime)
	p.Grounded = dio.Grounded != 0
	p.Preference = dio.Preference
	r.selectLocked()
}

// LinkMetricChanged is the link estimator subscriber.
func (r *Router) LinkMetricChanged(addr packet.Addr, known bool, metric uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, p := r.find(addr)
	if p == nil {
		return
	}
	r.of.ParentStateChanged(p, known, metric)
	if !known {
		r.removeAt(i)
	} else {
		p.LinkMetric = metric
	}
	r.selectLocked()
}

// Select reruns preferred parent selection.
func (r *Router) Select() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectLocked()
}

func (r *Router) selectLocked() {
	if r.root {
		r.of.UpdateMetricContainer(r.inst)
		return
	}
	var best *Parent
	for _, p := range r.parents {
		// A parent whose rank increase saturates is as unreachable as one
		// advertising infinite rank.
		if p.Rank == InfiniteRank || r.of.CalculateRank(p, 0) == InfiniteRank {
			continue
		}
		// Only parents closer to the root than we are, unless detached.
		if r.dag.Joined && p.Rank >= r.dag.Rank && p != r.dag.PreferredParent {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		best = r.of.BestParent(best, p)
	}

	old := r.dag.PreferredParent
	if best == nil {
		r.dag.PreferredParent = nil
		r.dag.Joined = false
		r.dag.Grounded = false
		r.setRank(InfiniteRank)
	} else {
		r.dag.PreferredParent = best
		r.dag.Joined = true
		r.dag.Grounded = best.Grounded
		r.dag.Preference = best.Preference
		r.setRank(r.of.CalculateRank(best, 0))
	}
	r.of.UpdateMetricContainer(r.inst)

	if old != r.dag.PreferredParent {
		to := packet.Null
		if best != nil {
			to = best.Addr
		}
		log.Printf("[rpl] Node %s: preferred parent now %s, rank %d\n", r.self, to, r.dag.Rank)
		r.publish(eventBus.EventParentChanged, to, int64(r.dag.Rank))
	}
}

func (r *Router) setRank(rank Rank) {
	if r.dag.Rank == rank {
		return
	}
	r.dag.Rank = rank
	if r.cfg.Verbose {
		log.Printf("[rpl] Node %s: rank %d\n", r.self, rank)
	}
	r.publish(eventBus.EventRankChanged, packet.Null, int64(rank))
}

// DIO builds the advertisement this node would send now.
func (r *Router) DIO() packet.DIOHeader {
	r.mu.Lock()
	defer r.mu.Unlock()
	var grounded uint8
	if r.dag.Grounded {
		grounded = 1
	}
	return packet.DIOHeader{
		Rank:       uint16(r.dag.Rank),
		MCType:     r.inst.MC.Type,
		MCFlags:    r.inst.MC.Flags,
		MCValue:    r.inst.MC.Value,
		Grounded:   grounded,
		Preference: r.dag.Preference,
		CycleTime:  uint32(r.inst.CycleTime),
	}
}

func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := State{
		Rank:      r.dag.Rank,
		Joined:    r.dag.Joined,
		Grounded:  r.dag.Grounded,
		MC:        r.inst.MC,
		CycleTime: r.inst.CycleTime,
		Parents:   len(r.parents),
	}
	if r.dag.PreferredParent != nil {
		s.Parent = r.dag.PreferredParent.Addr
	}
	return s
}

// Parents returns copies of the current parent records.
func (r *Router) Parents() []Parent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Parent, len(r.parents))
	for i, p := range r.parents {
		out[i] = *p
	}
	return out
}

func (r *Router) publish(t eventBus.EventType, other packet.Addr, value int64) {
	if r.bus == nil {
		return
	}
	var simTime time.Duration
	if r.clk != nil {
		simTime = r.clk.Elapsed()
	}
	r.bus.Publish(eventBus.Event{
		Type:    t,
		Node:    r.self,
		Other:   other,
		Value:   value,
		SimTime: simTime,
	})
}
