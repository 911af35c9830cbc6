package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/mesh"
	"dutycycle-mesh/internal/neighbor"
	"dutycycle-mesh/internal/packet"
	"dutycycle-mesh/internal/phase"
	"dutycycle-mesh/internal/rpl"
)

// Simulation is what the node API drives. Every call made on it happens
// inside a function passed to Do, so it never races the clock.
type Simulation interface {
	Do(f func())
	AddNode(pos mesh.Coordinates, cycleTime clock.Ticks) (mesh.INode, error)
	RemoveNode(addr packet.Addr) bool
	MoveNode(addr packet.Addr, pos mesh.Coordinates) bool
	Node(addr packet.Addr) (mesh.INode, bool)
	Nodes() []mesh.INode
}

var errNotFound = errors.New("node not found")

// run executes f on the simulation and waits for it, or for the client to
// go away.
func run(sim Simulation, r *http.Request, f func() error) error {
	done := make(chan error, 1)
	sim.Do(func() { done <- f() })
	select {
	case err := <-done:
		return err
	case <-r.Context().Done():
		return r.Context().Err()
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

// CreateNodePayload defines the expected JSON payload for node creation.
type CreateNodePayload struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	CycleTime uint32  `json:"cycle_time"`
}

// CreateNodeHandler creates a new node and adds it to the network.
func CreateNodeHandler(sim Simulation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload CreateNodePayload
		if err := decode(r, &payload); err != nil {
			writeError(w, err)
			return
		}
		var addr packet.Addr
		err := run(sim, r, func() error {
			n, err := sim.AddNode(mesh.CreateCoordinates(payload.X, payload.Y), clock.Ticks(payload.CycleTime))
			if err != nil {
				return err
			}
			addr = n.Addr()
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]packet.Addr{"node_id": addr})
	}
}

// RemoveNodePayload defines the expected JSON payload for removing a node.
type RemoveNodePayload struct {
	NodeID packet.Addr `json:"node_id"`
}

// RemoveNodeHandler removes a node from the network.
func RemoveNodeHandler(sim Simulation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload RemoveNodePayload
		if err := decode(r, &payload); err != nil {
			writeError(w, err)
			return
		}
		err := run(sim, r, func() error {
			if !sim.RemoveNode(payload.NodeID) {
				return fmt.Errorf("%s: %w", payload.NodeID, errNotFound)
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		w.Write([]byte("Node removed from the network"))
	}
}

type SendMessagePayload struct {
	SenderNodeID      packet.Addr `json:"node_id"`
	DestinationNodeID packet.Addr `json:"dest_node_id"`
	Message           string      `json:"message"`
}

// SendMessageHandler hands a payload to a node for its one-hop neighbor.
func SendMessageHandler(sim Simulation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload SendMessagePayload
		if err := decode(r, &payload); err != nil {
			writeError(w, err)
			return
		}
		err := run(sim, r, func() error {
			sender, ok := sim.Node(payload.SenderNodeID)
			if !ok {
				return fmt.Errorf("sender %s: %w", payload.SenderNodeID, errNotFound)
			}
			return sender.SendData(payload.DestinationNodeID, []byte(payload.Message))
		})
		if err != nil {
			writeError(w, err)
			return
		}
		w.Write([]byte("Sending Data ..."))
	}
}

type MoveNodePayload struct {
	NodeID packet.Addr `json:"node_id"`
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
}

// MoveNodeHandler repositions a node on the plane.
func MoveNodeHandler(sim Simulation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload MoveNodePayload
		if err := decode(r, &payload); err != nil {
			writeError(w, err)
			return
		}
		err := run(sim, r, func() error {
			if !sim.MoveNode(payload.NodeID, mesh.CreateCoordinates(payload.X, payload.Y)) {
				return fmt.Errorf("%s: %w", payload.NodeID, errNotFound)
			}
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		w.Write([]byte("Moving Node ..."))
	}
}

// CycleTimePayload reports a cycle time. Without a neighbor it changes the
// node's own duty cycle; with one it tells the node how often that neighbor
// wakes.
type CycleTimePayload struct {
	NodeID    packet.Addr  `json:"node_id"`
	Neighbor  *packet.Addr `json:"neighbor,omitempty"`
	CycleTime uint32       `json:"cycle_time"`
}

func CycleTimeHandler(sim Simulation, bus *eventBus.EventBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload CycleTimePayload
		if err := decode(r, &payload); err != nil {
			writeError(w, err)
			return
		}
		ct := clock.Ticks(payload.CycleTime)
		err := run(sim, r, func() error {
			n, ok := sim.Node(payload.NodeID)
			if !ok {
				return fmt.Errorf("%s: %w", payload.NodeID, errNotFound)
			}
			if payload.Neighbor != nil {
				n.ReportCycleTime(*payload.Neighbor, ct)
				return nil
			}
			n.SetCycleTime(ct)
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		ev := eventBus.Event{Type: eventBus.EventCycleTime, Node: payload.NodeID, Value: int64(ct)}
		if payload.Neighbor != nil {
			ev.Other = *payload.Neighbor
		}
		bus.Publish(ev)
		w.Write([]byte("Cycle time updated"))
	}
}

// NodeView is the JSON dump of one node's scheduler, estimator and routing
// state.
type NodeView struct {
	NodeID    packet.Addr      `json:"node_id"`
	Kind      string           `json:"kind"`
	Position  mesh.Coordinates `json:"position"`
	CycleTime clock.Ticks      `json:"cycle_time"`
	Phases    []phase.Entry    `json:"phases"`
	Parked    int              `json:"parked"`
	Links     []neighbor.Attr  `json:"links"`
	Routing   *rpl.State       `json:"routing,omitempty"`
}

type schedulerOwner interface {
	Scheduler() *phase.Scheduler
	Estimator() *neighbor.Estimator
}

type routerOwner interface {
	Router() *rpl.Router
}

func viewOf(n mesh.INode) NodeView {
	v := NodeView{
		NodeID:    n.Addr(),
		Kind:      n.Kind(),
		Position:  n.GetPosition(),
		CycleTime: n.CycleTime(),
	}
	if so, ok := n.(schedulerOwner); ok {
		v.Phases = so.Scheduler().Entries()
		v.Parked = so.Scheduler().Parked()
		v.Links = so.Estimator().Neighbors()
	}
	if ro, ok := n.(routerOwner); ok {
		st := ro.Router().State()
		v.Routing = &st
	}
	return v
}

// PhaseTableHandler dumps one node (?node_id=a.b) or every node.
func PhaseTableHandler(sim Simulation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("node_id"))
		views := []NodeView{}
		err := run(sim, r, func() error {
			if id == "" {
				for _, n := range sim.Nodes() {
					views = append(views, viewOf(n))
				}
				return nil
			}
			var addr packet.Addr
			if err := addr.UnmarshalText([]byte(id)); err != nil {
				return err
			}
			n, ok := sim.Node(addr)
			if !ok {
				return fmt.Errorf("%s: %w", addr, errNotFound)
			}
			views = append(views, viewOf(n))
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, views)
	}
}
