package sim

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/commands"
	eb "dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/mesh"
	"dutycycle-mesh/internal/metrics"
	"dutycycle-mesh/internal/network"
	"dutycycle-mesh/internal/node"
	"dutycycle-mesh/internal/packet"
	"dutycycle-mesh/internal/rdc"
)

// Runner drives a scenario on a discrete-event clock. Nothing sleeps: the
// manual clock jumps from timer to timer.
type Runner struct {
	sc   *Scenario
	bus  *eb.EventBus
	net  *network.Network
	coll *metrics.Collector

	clk    *clock.Manual
	medium *rdc.Medium
	rng    *rand.Rand
	nodes  []*node.SimNode
	last   uint16

	mu      sync.Mutex
	pending []func()
}

func NewRunner(sc *Scenario, bus *eb.EventBus, net *network.Network, coll *metrics.Collector) *Runner {
	clk := clock.NewManual(clock.Ticks(sc.Clock.TicksPerSecond))
	return &Runner{
		sc:     sc,
		bus:    bus,
		net:    net,
		coll:   coll,
		clk:    clk,
		medium: rdc.NewMedium(sc.MediumConfig(), clk, sc.Seed),
		rng:    rand.New(rand.NewSource(sc.Seed)),
	}
}

func (r *Runner) Clock() *clock.Manual { return r.clk }

func (r *Runner) Nodes() []*node.SimNode { return r.nodes }

// Do queues f to run on the simulation goroutine between clock steps.
func (r *Runner) Do(f func()) {
	r.mu.Lock()
	r.pending = append(r.pending, f)
	r.mu.Unlock()
}

func (r *Runner) drain() {
	r.mu.Lock()
	fs := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, f := range fs {
		f()
	}
}

// positions lays out n nodes according to the placement policy.
func (r *Runner) positions() []mesh.Coordinates {
	n := r.sc.Nodes.Count
	out := make([]mesh.Coordinates, 0, n)
	switch r.sc.Nodes.Placement {
	case "line":
		for i := 0; i < n; i++ {
			out = append(out, mesh.CreateCoordinates(float64(i)*r.sc.Nodes.Spacing, 0))
		}
	case "uniform":
		for i := 0; i < n; i++ {
			out = append(out, mesh.CreateCoordinates(r.rng.Float64()*r.sc.Nodes.Area, r.rng.Float64()*r.sc.Nodes.Area))
		}
	default:
		cols := int(math.Ceil(math.Sqrt(float64(n))))
		for i := 0; i < n; i++ {
			out = append(out, mesh.CreateCoordinates(float64(i%cols)*r.sc.Nodes.Spacing, float64(i/cols)*r.sc.Nodes.Spacing))
		}
	}
	return out
}

// Build creates every node and joins it to the network. Node 0.1 is the
// DAG root.
func (r *Runner) Build() error {
	for i, pos := range r.positions() {
		ct := clock.Ticks(r.sc.Nodes.CycleTimes[i%len(r.sc.Nodes.CycleTimes)])
		if _, err := r.AddNode(pos, ct); err != nil {
			return fmt.Errorf("building scenario: %w", err)
		}
		if d := r.sc.Nodes.JoinDelay; d > 0 {
			r.clk.Advance(d)
		}
	}
	return nil
}

// AddNode creates a simulated node with the next free address and a random
// wake offset, and joins it to the network. The first node added is the root.
func (r *Runner) AddNode(pos mesh.Coordinates, cycleTime clock.Ticks) (*node.SimNode, error) {
	var offset clock.Ticks
	if cycleTime > 0 {
		offset = clock.Ticks(r.rng.Int63n(int64(cycleTime)))
	}
	r.last++
	n, err := node.NewNode(node.Config{
		Addr:        packet.AddrFromUint16(r.last),
		Position:    pos,
		CycleTime:   cycleTime,
		Offset:      offset,
		Root:        r.last == 1,
		Phase:       r.sc.PhaseConfig(),
		Link:        r.sc.EstimatorConfig(),
		Routing:     r.sc.RoutingConfig(),
		CSMA:        r.sc.CSMAConfig(),
		DIOInterval: r.sc.Routing.DIOInterval,
		Seed:        r.sc.Seed + int64(r.last),
	}, r.medium, r.clk, r.clk, r.bus)
	if err != nil {
		return nil, err
	}
	if err := r.net.Join(n); err != nil {
		r.medium.Detach(n.Addr())
		return nil, err
	}
	r.nodes = append(r.nodes, n)
	return n, nil
}

// RemoveNode takes a node off the network and off the medium.
func (r *Runner) RemoveNode(addr packet.Addr) bool {
	if !r.net.Leave(addr) {
		return false
	}
	r.medium.Detach(addr)
	for i, n := range r.nodes {
		if n.Addr() == addr {
			r.nodes = append(r.nodes[:i], r.nodes[i+1:]...)
			break
		}
	}
	return true
}

func (r *Runner) Network() *network.Network { return r.net }

// Run builds the network, plays the scenario to its end (or until ctx is
// cancelled) and returns the collected totals.
func (r *Runner) Run(ctx context.Context) (metrics.Counters, error) {
	sub := r.bus.SubscribeN(1 << 16)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		r.coll.Consume(sub)
	}()
	finish := func() {
		r.bus.Unsubscribe(sub)
		<-consumed
	}

	if err := r.Build(); err != nil {
		finish()
		return metrics.Counters{}, err
	}
	start := r.clk.Elapsed()
	log.Printf("[sim] %d nodes built, running for %s of simulated time\n", len(r.nodes), r.sc.Duration)

	if r.sc.Traffic.MsgPerNodePerMin > 0 {
		for _, n := range r.nodes {
			r.scheduleTraffic(n, r.sc.Traffic.StartupDelay)
		}
	}

	end := start + r.sc.Duration
	var err error
	for r.clk.Elapsed() < end {
		if err = ctx.Err(); err != nil {
			log.Printf("[sim] stopped early at %s: %v\n", r.clk.Elapsed()-start, err)
			break
		}
		r.drain()
		step := r.sc.StepSize
		if left := end - r.clk.Elapsed(); left < step {
			step = left
		}
		r.clk.Advance(step)
	}
	r.drain()

	log.Printf("Remaining active transmissions on close: %d", r.medium.ActiveTransmissions())
	for _, n := range append([]*node.SimNode(nil), r.nodes...) {
		r.RemoveNode(n.Addr())
	}
	finish()
	return r.coll.Snapshot(), err
}

// scheduleTraffic arms n's next application send with exponential
// inter-arrival times.
func (r *Runner) scheduleTraffic(n *node.SimNode, extra time.Duration) {
	mean := time.Duration(float64(time.Minute) / r.sc.Traffic.MsgPerNodePerMin)
	d := extra + time.Duration(r.rng.ExpFloat64()*float64(mean))
	r.clk.AfterFunc(d, func() {
		if _, ok := r.net.Node(n.Addr()); !ok {
			return
		}
		r.emitTraffic(n)
		r.scheduleTraffic(n, 0)
	})
}

func (r *Runner) emitTraffic(n *node.SimNode) {
	dest, ok := r.pickDestination(n)
	if !ok {
		return
	}
	payload := make([]byte, r.sc.Traffic.PayloadSize)
	r.rng.Read(payload)
	if err := n.SendData(dest, payload); err != nil {
		log.Printf("[sim] Node %s: %v\n", n.Addr(), err)
	}
}

func (r *Runner) pickDestination(n *node.SimNode) (packet.Addr, bool) {
	if r.sc.Traffic.Pattern == "parent" {
		if st := n.Router().State(); st.Joined && st.Parent != packet.Null {
			return st.Parent, true
		}
	}
	nbrs := r.medium.Neighbors(n.Addr())
	if len(nbrs) == 0 {
		return packet.Null, false
	}
	sort.Slice(nbrs, func(i, j int) bool { return nbrs[i].Uint16() < nbrs[j].Uint16() })
	return nbrs[r.rng.Intn(len(nbrs))], true
}

// Control adapts the runner to the node API. Calls must be made through Do.
func (r *Runner) Control() commands.Simulation { return control{r} }

type control struct{ *Runner }

func (c control) AddNode(pos mesh.Coordinates, cycleTime clock.Ticks) (mesh.INode, error) {
	n, err := c.Runner.AddNode(pos, cycleTime)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (c control) MoveNode(addr packet.Addr, pos mesh.Coordinates) bool { return c.net.Move(addr, pos) }

func (c control) Node(addr packet.Addr) (mesh.INode, bool) { return c.net.Node(addr) }

func (c control) Nodes() []mesh.INode { return c.net.Nodes() }
