package node

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/mac"
	"dutycycle-mesh/internal/mesh"
	"dutycycle-mesh/internal/neighbor"
	"dutycycle-mesh/internal/packet"
	"dutycycle-mesh/internal/phase"
	"dutycycle-mesh/internal/rdc"
	"dutycycle-mesh/internal/rpl"
)

// Config describes one simulated node.
type Config struct {
	Addr      packet.Addr
	Position  mesh.Coordinates
	CycleTime clock.Ticks
	// Offset is where in its cycle the radio wakes.
	Offset clock.Ticks
	Root   bool

	Phase   phase.Config
	Link    neighbor.Config
	Routing rpl.Config
	// CSMA retries collided and unacknowledged data. A zero Backoff slot
	// defaults to the node's cycle time.
	CSMA mac.CSMAConfig

	// DIOInterval is how often the node advertises its rank and cycle time.
	// Each advertisement goes out at a random point in the second half of
	// the interval. Zero disables advertising.
	DIOInterval time.Duration
	Seed        int64
}

// Stats counts the node's application traffic.
type Stats struct {
	DataSent      int `json:"data_sent"`
	DataAcked     int `json:"data_acked"`
	DataFailed    int `json:"data_failed"`
	DataReceived  int `json:"data_received"`
	DIOsSent      int `json:"dios_sent"`
	DIOsReceived  int `json:"dios_received"`
	SentNow       int `json:"sent_now"`
	SentDeferred  int `json:"sent_deferred"`
	SentUnknown   int `json:"sent_unknown"`
	DecodeFailure int `json:"decode_failure"`
}

// SimNode is a node whose radio lives on a simulated medium.
type SimNode struct {
	cfg Config
	clk clock.Clock
	bus *eventBus.EventBus

	radio     *rdc.Radio
	link      mac.Sender
	scheduler *phase.Scheduler
	estimator *neighbor.Estimator
	router    *rpl.Router
	of        rpl.ObjectiveFunction

	mu       sync.Mutex
	rng      *rand.Rand
	stats    Stats
	dioTimer clock.Timer
	running  bool
}

// NewNode attaches a radio for cfg.Addr to medium and wires the phase
// scheduler, link estimator and router on top of it.
func NewNode(cfg Config, medium *rdc.Medium, clk clock.Clock, waiter clock.Waiter, bus *eventBus.EventBus) (*SimNode, error) {
	cfg.Phase.CycleTime = cfg.CycleTime
	est, err := neighbor.NewEstimator(cfg.Addr, cfg.Link, clk, bus)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.Addr, err)
	}
	if err := cfg.Routing.Validate(); err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.Addr, err)
	}

	radio := medium.Attach(cfg.Addr, cfg.Position, cfg.CycleTime, cfg.Offset)
	var link mac.Sender = radio
	if cfg.CSMA.MaxRetransmissions > 0 {
		if cfg.CSMA.Backoff == 0 {
			cfg.CSMA.Backoff = cfg.CycleTime
		}
		link = mac.NewCSMA(radio, clk, cfg.CSMA, cfg.Seed)
	}
	sched, err := phase.NewScheduler(cfg.Addr, cfg.Phase, clk, link,
		phase.WithWaiter(waiter), phase.WithEstimator(est), phase.WithEventBus(bus))
	if err != nil {
		medium.Detach(cfg.Addr)
		return nil, fmt.Errorf("node %s: %w", cfg.Addr, err)
	}
	of, err := rpl.NewObjectiveFunction(cfg.Routing, sched)
	if err != nil {
		medium.Detach(cfg.Addr)
		return nil, fmt.Errorf("node %s: %w", cfg.Addr, err)
	}
	if ad, ok := of.(*rpl.AvgDelay); ok {
		ad.SetPhase(cfg.Offset)
	}
	router := rpl.NewRouter(cfg.Addr, cfg.Routing, of, est, cfg.CycleTime,
		rpl.WithEventBus(bus), rpl.WithClock(clk))
	if cfg.Root {
		router.SetRoot(0)
	}

	n := &SimNode{
		cfg:       cfg,
		clk:       clk,
		bus:       bus,
		radio:     radio,
		link:      link,
		scheduler: sched,
		estimator: est,
		router:    router,
		of:        of,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	est.Subscribe(router.LinkMetricChanged)
	radio.SetPhaseReporter(sched)
	radio.SetHandler(n.receive)
	log.Printf("[sim] Created node %s at (%.1f, %.1f), cycle %d ticks, %s objective\n",
		cfg.Addr, cfg.Position.X, cfg.Position.Y, cfg.CycleTime, cfg.Routing.ObjectiveFunction)
	return n, nil
}

var _ mesh.INode = (*SimNode)(nil)

func (n *SimNode) Addr() packet.Addr { return n.cfg.Addr }

func (n *SimNode) Kind() string { return "simulated" }

func (n *SimNode) GetPosition() mesh.Coordinates { return n.radio.Position() }

func (n *SimNode) SetPosition(pos mesh.Coordinates) { n.radio.SetPosition(pos) }

func (n *SimNode) CycleTime() clock.Ticks { return n.radio.CycleTime() }

// SetCycleTime changes the node's own duty cycle. Neighbors learn it from
// the next advertisement.
func (n *SimNode) SetCycleTime(ct clock.Ticks) {
	n.radio.SetCycleTime(ct)
	n.router.SetCycleTime(ct)
	if ad, ok := n.of.(*rpl.AvgDelay); ok {
		ad.SetPhase(n.radio.Offset())
	}
	log.Printf("[sim] Node %s: own cycle time now %d ticks\n", n.cfg.Addr, ct)
}

func (n *SimNode) ReportCycleTime(neighbor packet.Addr, ct clock.Ticks) {
	n.scheduler.SetCycleTime(neighbor, ct)
}

func (n *SimNode) Scheduler() *phase.Scheduler { return n.scheduler }

func (n *SimNode) Estimator() *neighbor.Estimator { return n.estimator }

func (n *SimNode) Router() *rpl.Router { return n.router }

func (n *SimNode) Radio() *rdc.Radio { return n.radio }

func (n *SimNode) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Start begins periodic advertising.
func (n *SimNode) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()
	if n.cfg.DIOInterval > 0 {
		n.armDIO()
	}
}

func (n *SimNode) Stop() {
	n.mu.Lock()
	n.running = false
	t := n.dioTimer
	n.dioTimer = nil
	n.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (n *SimNode) armDIO() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	half := n.cfg.DIOInterval / 2
	delay := half + time.Duration(n.rng.Int63n(int64(half)+1))
	n.dioTimer = n.clk.AfterFunc(delay, func() {
		n.Advertise()
		n.armDIO()
	})
}

// Advertise broadcasts the node's DIO: rank, metric container and own
// cycle time.
func (n *SimNode) Advertise() {
	pkt, err := packet.CreateDIOPacket(n.cfg.Addr, n.router.DIO())
	if err != nil {
		log.Printf("[sim] Node %s: %v\n", n.cfg.Addr, err)
		return
	}
	n.count(func(s *Stats) { s.DIOsSent++ })
	n.radio.Send(pkt, func(any, mac.Status, int) {}, nil)
}

// SendData sends payload to a one-hop neighbor, waiting for its wake-up
// when the phase is known.
func (n *SimNode) SendData(dest packet.Addr, payload []byte) error {
	pkt, err := packet.CreateDataPacket(n.cfg.Addr, dest, payload)
	if err != nil {
		return fmt.Errorf("node %s: %w", n.cfg.Addr, err)
	}
	n.count(func(s *Stats) { s.DataSent++ })
	guard := n.cfg.Routing.Guard
	switch n.scheduler.Wait(dest, guard, n.dataSent, pkt, pkt, nil) {
	case phase.Deferred:
		n.count(func(s *Stats) { s.SentDeferred++ })
	case phase.SendNow:
		n.count(func(s *Stats) { s.SentNow++ })
		n.link.Send(pkt, n.dataSent, pkt)
	default:
		n.count(func(s *Stats) { s.SentUnknown++ })
		n.link.Send(pkt, n.dataSent, pkt)
	}
	return nil
}

func (n *SimNode) dataSent(ptr any, status mac.Status, numTx int) {
	pkt, _ := ptr.(*packet.Buffer)
	if pkt == nil {
		return
	}
	n.estimator.PacketSent(pkt.Receiver, status, numTx)
	n.count(func(s *Stats) {
		if status == mac.TxOK {
			s.DataAcked++
		} else {
			s.DataFailed++
		}
	})
	n.bus.Publish(eventBus.Event{
		Type:    eventBus.EventTxDone,
		Node:    n.cfg.Addr,
		Other:   pkt.Receiver,
		Value:   int64(numTx),
		Payload: status.String(),
		SimTime: n.clk.Elapsed(),
	})
}

func (n *SimNode) receive(pkt *packet.Buffer) {
	n.estimator.PacketReceived(pkt.Sender)
	switch pkt.PacketType {
	case packet.PKT_DIO:
		dio, err := packet.DeserialiseDIOPacket(pkt)
		if err != nil {
			n.count(func(s *Stats) { s.DecodeFailure++ })
			log.Printf("[sim] Node %s: bad DIO from %s: %v\n", n.cfg.Addr, pkt.Sender, err)
			return
		}
		n.count(func(s *Stats) { s.DIOsReceived++ })
		n.scheduler.SetCycleTime(pkt.Sender, clock.Ticks(dio.CycleTime))
		n.router.HandleDIO(pkt.Sender, dio)
	case packet.PKT_DATA:
		if pkt.Receiver != n.cfg.Addr {
			return
		}
		n.count(func(s *Stats) { s.DataReceived++ })
		n.bus.Publish(eventBus.Event{
			Type:    eventBus.EventDataDelivered,
			Node:    n.cfg.Addr,
			Other:   pkt.Sender,
			Value:   int64(len(pkt.Payload)),
			SimTime: n.clk.Elapsed(),
		})
	default:
		log.Printf("[sim] Node %s: unknown packet type %d from %s\n", n.cfg.Addr, pkt.PacketType, pkt.Sender)
	}
}

func (n *SimNode) count(f func(*Stats)) {
	n.mu.Lock()
	f(&n.stats)
	n.mu.Unlock()
}

// PrintNodeDetails prints the details of a node in a nicely formatted way
func (n *SimNode) PrintNodeDetails() {
	pos := n.GetPosition()
	st := n.router.State()
	stats := n.Stats()
	fmt.Println("====================================")
	fmt.Println("Node Details:")
	fmt.Printf("  Addr:        %s\n", n.cfg.Addr)
	fmt.Printf("  Coordinates: (X: %.2f, Y: %.2f)\n", pos.X, pos.Y)
	fmt.Printf("  Cycle Time:  %d ticks\n", n.CycleTime())
	fmt.Printf("  Rank:        %d (joined %v, parent %s)\n", st.Rank, st.Joined, st.Parent)
	fmt.Printf("  Metric:      type %d value %d\n", st.MC.Type, st.MC.Value)
	fmt.Printf("  Traffic:     %d sent, %d acked, %d received\n", stats.DataSent, stats.DataAcked, stats.DataReceived)
	fmt.Println("  Phase Table:")
	for _, e := range n.scheduler.Entries() {
		fmt.Printf("    - %s phase %d cycle %d %s noacks %d\n", e.Neighbor, e.Phase, e.CycleTime, e.State, e.Noacks)
	}
	fmt.Println("  Link Metrics:")
	for _, a := range n.estimator.Neighbors() {
		fmt.Printf("    - %s etx %d\n", a.Addr, a.Metric)
	}
	fmt.Println("====================================")
}
