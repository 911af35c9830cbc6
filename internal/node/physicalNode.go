package node

import (
	"fmt"
	"log"
	"sync"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/mac"
	"dutycycle-mesh/internal/mesh"
	"dutycycle-mesh/internal/neighbor"
	"dutycycle-mesh/internal/packet"
	"dutycycle-mesh/internal/phase"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// Broker is the slice of the MQTT manager a physical node needs.
type Broker interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, retained bool, payload interface{}) error
}

const (
	OpSend  = "send"
	OpCycle = "cycle"

	ReportTx    = "tx"
	ReportCycle = "cycle"
	ReportRx    = "rx"
)

// DeviceCommand is published on a physical node's command topic.
type DeviceCommand struct {
	Op        string      `msgpack:"op"`
	PacketID  uint32      `msgpack:"packet_id,omitempty"`
	Dest      packet.Addr `msgpack:"dest"`
	Frames    [][]byte    `msgpack:"frames,omitempty"`
	CycleTime uint32      `msgpack:"cycle_time,omitempty"`
}

// DeviceReport is what the device publishes on its status topic.
type DeviceReport struct {
	Type     string      `msgpack:"type"`
	PacketID uint32      `msgpack:"packet_id,omitempty"`
	Neighbor packet.Addr `msgpack:"neighbor"`
	Status   int         `msgpack:"status,omitempty"`
	NumTx    int         `msgpack:"num_tx,omitempty"`
	// AckDelay is the number of ticks between the send command reaching the
	// device and the neighbor's ACK.
	AckDelay  uint32 `msgpack:"ack_delay,omitempty"`
	CycleTime uint32 `msgpack:"cycle_time,omitempty"`
}

type pendingTx struct {
	dest   packet.Addr
	sentAt clock.Ticks
	cb     mac.Callback
	ptr    any
}

// PhysicalNode drives a real radio over MQTT. The phase scheduler runs here;
// the device only executes send commands and reports their outcome.
type PhysicalNode struct {
	addr         packet.Addr
	commandTopic string
	statusTopic  string
	broker       Broker
	clk          clock.Clock
	bus          *eventBus.EventBus

	scheduler *phase.Scheduler
	estimator *neighbor.Estimator
	guard     clock.Ticks

	mu        sync.Mutex
	pos       mesh.Coordinates
	cycleTime clock.Ticks
	pending   map[uint32]pendingTx
	stopped   bool
	stats     Stats
}

// NewPhysicalNode creates a new physical node using parameters received via MQTT registration.
func NewPhysicalNode(addr packet.Addr, commandTopic, statusTopic string, pos mesh.Coordinates, cfg phase.Config, link neighbor.Config, guard clock.Ticks, broker Broker, clk clock.Clock, bus *eventBus.EventBus) (*PhysicalNode, error) {
	p := &PhysicalNode{
		addr:         addr,
		commandTopic: commandTopic,
		statusTopic:  statusTopic,
		broker:       broker,
		clk:          clk,
		bus:          bus,
		guard:        guard,
		pos:          pos,
		cycleTime:    cfg.CycleTime,
		pending:      make(map[uint32]pendingTx),
	}
	est, err := neighbor.NewEstimator(addr, link, clk, bus)
	if err != nil {
		return nil, fmt.Errorf("physical node %s: %w", addr, err)
	}
	sched, err := phase.NewScheduler(addr, cfg, clk, p,
		phase.WithWaiter(clock.SleepWaiter{Clock: clk, Slack: 2 * time.Millisecond}),
		phase.WithEstimator(est), phase.WithEventBus(bus))
	if err != nil {
		return nil, fmt.Errorf("physical node %s: %w", addr, err)
	}
	p.estimator = est
	p.scheduler = sched
	log.Printf("[sim] Created new physical node %s, x: %f, y: %f", addr, pos.X, pos.Y)
	return p, nil
}

var (
	_ mesh.INode = (*PhysicalNode)(nil)
	_ mac.Sender = (*PhysicalNode)(nil)
)

func (p *PhysicalNode) Addr() packet.Addr { return p.addr }

func (p *PhysicalNode) Kind() string { return "physical" }

func (p *PhysicalNode) GetPosition() mesh.Coordinates {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *PhysicalNode) SetPosition(pos mesh.Coordinates) {
	p.mu.Lock()
	p.pos = pos
	p.mu.Unlock()
}

func (p *PhysicalNode) CycleTime() clock.Ticks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycleTime
}

// SetCycleTime asks the device to change its duty cycle.
func (p *PhysicalNode) SetCycleTime(ct clock.Ticks) {
	p.mu.Lock()
	p.cycleTime = ct
	p.mu.Unlock()
	if err := p.command(DeviceCommand{Op: OpCycle, CycleTime: uint32(ct)}); err != nil {
		log.Printf("Physical Node %s: %v\n", p.addr, err)
	}
}

func (p *PhysicalNode) ReportCycleTime(neighbor packet.Addr, ct clock.Ticks) {
	p.scheduler.SetCycleTime(neighbor, ct)
}

func (p *PhysicalNode) Scheduler() *phase.Scheduler { return p.scheduler }

func (p *PhysicalNode) Estimator() *neighbor.Estimator { return p.estimator }

func (p *PhysicalNode) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Start subscribes to the device's status topic.
func (p *PhysicalNode) Start() {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	if err := p.broker.Subscribe(p.statusTopic, 0, p.handleStatus); err != nil {
		log.Printf("Physical Node %s: error subscribing to status topic: %v", p.addr, err)
	}
}

func (p *PhysicalNode) Stop() {
	if err := p.broker.Unsubscribe(p.statusTopic); err != nil {
		log.Printf("Physical Node %s: error unsubscribing: %v", p.addr, err)
	}
	p.mu.Lock()
	p.stopped = true
	pending := p.pending
	p.pending = make(map[uint32]pendingTx)
	p.mu.Unlock()
	for _, tx := range pending {
		tx.cb(tx.ptr, mac.TxErrFatal, 0)
	}
}

// Send implements mac.Sender by handing the frame to the device.
func (p *PhysicalNode) Send(pkt *packet.Buffer, cb mac.Callback, ptr any) {
	p.sendFrames(pkt.Receiver, pkt.PacketID, []*packet.Buffer{pkt}, cb, ptr)
}

func (p *PhysicalNode) SendList(list *packet.BufList, cb mac.Callback, ptr any) {
	if list.Len() == 0 {
		cb(ptr, mac.TxErr, 0)
		return
	}
	p.sendFrames(list.Receiver(), list.Bufs[0].PacketID, list.Bufs, cb, ptr)
}

func (p *PhysicalNode) sendFrames(dest packet.Addr, id uint32, bufs []*packet.Buffer, cb mac.Callback, ptr any) {
	frames := make([][]byte, 0, len(bufs))
	for _, b := range bufs {
		f, err := b.Encode()
		if err != nil {
			log.Printf("Physical Node %s: %v\n", p.addr, err)
			cb(ptr, mac.TxErrFatal, 0)
			return
		}
		frames = append(frames, f)
	}
	p.mu.Lock()
	// Deferred sends armed before Stop still land here.
	if p.stopped {
		p.mu.Unlock()
		cb(ptr, mac.TxErrFatal, 0)
		return
	}
	p.pending[id] = pendingTx{dest: dest, sentAt: p.clk.Now(), cb: cb, ptr: ptr}
	p.mu.Unlock()

	if err := p.command(DeviceCommand{Op: OpSend, PacketID: id, Dest: dest, Frames: frames}); err != nil {
		log.Printf("Physical Node %s: %v\n", p.addr, err)
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		cb(ptr, mac.TxErr, 0)
	}
}

func (p *PhysicalNode) command(cmd DeviceCommand) error {
	b, err := msgpack.Marshal(&cmd)
	if err != nil {
		return fmt.Errorf("encoding %s command: %w", cmd.Op, err)
	}
	if err := p.broker.Publish(p.commandTopic, 0, false, b); err != nil {
		return fmt.Errorf("publishing %s command: %w", cmd.Op, err)
	}
	return nil
}

// SendData queues payload for dest through the phase scheduler.
func (p *PhysicalNode) SendData(dest packet.Addr, payload []byte) error {
	pkt, err := packet.CreateDataPacket(p.addr, dest, payload)
	if err != nil {
		return fmt.Errorf("physical node %s: %w", p.addr, err)
	}
	p.count(func(s *Stats) { s.DataSent++ })
	switch p.scheduler.Wait(dest, p.guard, p.dataSent, pkt, pkt, nil) {
	case phase.Deferred:
		p.count(func(s *Stats) { s.SentDeferred++ })
	case phase.SendNow:
		p.count(func(s *Stats) { s.SentNow++ })
		p.Send(pkt, p.dataSent, pkt)
	default:
		p.count(func(s *Stats) { s.SentUnknown++ })
		p.Send(pkt, p.dataSent, pkt)
	}
	return nil
}

func (p *PhysicalNode) dataSent(ptr any, status mac.Status, numTx int) {
	pkt, _ := ptr.(*packet.Buffer)
	if pkt == nil {
		return
	}
	p.estimator.PacketSent(pkt.Receiver, status, numTx)
	p.count(func(s *Stats) {
		if status == mac.TxOK {
			s.DataAcked++
		} else {
			s.DataFailed++
		}
	})
	p.bus.Publish(eventBus.Event{
		Type:      eventBus.EventTxDone,
		Node:      p.addr,
		Other:     pkt.Receiver,
		Value:     int64(numTx),
		Payload:   status.String(),
		Timestamp: time.Now(),
	})
}

// handleStatus processes reports the device publishes on its status topic.
func (p *PhysicalNode) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	var r DeviceReport
	if err := msgpack.Unmarshal(msg.Payload(), &r); err != nil {
		p.count(func(s *Stats) { s.DecodeFailure++ })
		log.Printf("Physical Node %s: bad report on %s: %v\n", p.addr, msg.Topic(), err)
		return
	}
	switch r.Type {
	case ReportTx:
		p.mu.Lock()
		tx, ok := p.pending[r.PacketID]
		delete(p.pending, r.PacketID)
		p.mu.Unlock()
		if !ok {
			log.Printf("Physical Node %s: report for unknown packet %d\n", p.addr, r.PacketID)
			return
		}
		status := mac.Status(r.Status)
		if tx.dest != packet.Broadcast {
			p.scheduler.Update(tx.dest, tx.sentAt+clock.Ticks(r.AckDelay), status)
		}
		tx.cb(tx.ptr, status, r.NumTx)
	case ReportCycle:
		p.scheduler.SetCycleTime(r.Neighbor, clock.Ticks(r.CycleTime))
	case ReportRx:
		p.estimator.PacketReceived(r.Neighbor)
		p.count(func(s *Stats) { s.DataReceived++ })
	default:
		log.Printf("Physical Node %s: unknown report type %q\n", p.addr, r.Type)
	}
}

func (p *PhysicalNode) count(f func(*Stats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}

// PrintNodeDetails prints details specific to this physical node.
func (p *PhysicalNode) PrintNodeDetails() {
	pos := p.GetPosition()
	fmt.Println("====================================")
	fmt.Println("Physical Node Details:")
	fmt.Printf("  Addr:          %s\n", p.addr)
	fmt.Printf("  Coordinates:   (X: %.2f, Y: %.2f)\n", pos.X, pos.Y)
	fmt.Printf("  Command Topic: %s\n", p.commandTopic)
	fmt.Printf("  Status Topic:  %s\n", p.statusTopic)
	fmt.Printf("  Cycle Time:    %d ticks\n", p.CycleTime())
	p.mu.Lock()
	fmt.Printf("  In Flight:     %d\n", len(p.pending))
	p.mu.Unlock()
	fmt.Println("  Phase Table:")
	for _, e := range p.scheduler.Entries() {
		fmt.Printf("    - %s phase %d cycle %d %s\n", e.Neighbor, e.Phase, e.CycleTime, e.State)
	}
	fmt.Println("====================================")
}
