package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/mesh"
	"dutycycle-mesh/internal/neighbor"
	"dutycycle-mesh/internal/node"
	"dutycycle-mesh/internal/packet"
	"dutycycle-mesh/internal/phase"

	"github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// Registrar turns registration messages from physical nodes into network members.
type Registrar struct {
	Net    mesh.INetwork
	Broker node.Broker
	Clock  clock.Clock
	Bus    *eventBus.EventBus
	Phase  phase.Config
	Link   neighbor.Config
	Guard  clock.Ticks
}

// ProcessMqttNodeMessage handles messages coming from the "simulation/register" topic.
func (reg *Registrar) ProcessMqttNodeMessage() func(mqtt.Client, mqtt.Message) {
	return func(client mqtt.Client, msg mqtt.Message) {
		var payload MqttNodePayload
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			log.Printf("[mqtt] error parsing registration payload: %v\n", err)
			return
		}
		if err := reg.handle(payload); err != nil {
			log.Printf("[mqtt] %s %s: %v\n", payload.Event, payload.NodeID, err)
		}
	}
}

func (reg *Registrar) handle(payload MqttNodePayload) error {
	var addr packet.Addr
	if err := addr.UnmarshalText([]byte(payload.NodeID)); err != nil {
		return err
	}

	switch payload.Event {
	case "register":
		cfg := reg.Phase
		if payload.CycleTime != 0 {
			cfg.CycleTime = clock.Ticks(payload.CycleTime)
		}
		n, err := node.NewPhysicalNode(addr, payload.CommandTopic, payload.StatusTopic,
			mesh.CreateCoordinates(payload.X, payload.Y), cfg, reg.Link, reg.Guard, reg.Broker, reg.Clock, reg.Bus)
		if err != nil {
			return err
		}
		if err := reg.Net.Join(n); err != nil {
			return err
		}
		log.Printf("[mqtt] Node %s registered successfully\n", addr)
	case "remove":
		if !reg.Net.Leave(addr) {
			return fmt.Errorf("node %s is not registered", addr)
		}
		log.Printf("[mqtt] Node %s removed successfully\n", addr)
	default:
		return fmt.Errorf("unknown event type %q", payload.Event)
	}
	return nil
}

// Publisher is anything that can put a payload on a topic.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) error
}

// ForwardEvents publishes every bus event, msgpack-encoded, on
// prefix/<event type> until ctx is done or the bus is closed.
func ForwardEvents(ctx context.Context, bus *eventBus.EventBus, pub Publisher, prefix string) error {
	ch := bus.SubscribeN(1 << 14)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			b, err := msgpack.Marshal(&ev)
			if err != nil {
				return fmt.Errorf("encoding %s event: %w", ev.Type, err)
			}
			if err := pub.Publish(prefix+"/"+string(ev.Type), 0, false, b); err != nil {
				log.Printf("[mqtt] %v\n", err)
			}
		}
	}
}
