package eventBus

import (
	"log"
	"sync"
	"time"

	"dutycycle-mesh/internal/packet"

	"github.com/google/uuid"
)

type EventType string

const (
	EventPhaseSendNow    EventType = "PHASE_SEND_NOW"
	EventPhaseDeferred   EventType = "PHASE_DEFERRED"
	EventPhaseUnknown    EventType = "PHASE_UNKNOWN"
	EventPhaseDropped    EventType = "PHASE_DROPPED"
	EventDiscoverySent   EventType = "DISCOVERY_SENT"
	EventDiscoveryDone   EventType = "DISCOVERY_DONE"
	EventTxDone          EventType = "TX_DONE"
	EventLinkMetric      EventType = "LINK_METRIC"
	EventParentChanged   EventType = "PARENT_CHANGED"
	EventRankChanged     EventType = "RANK_CHANGED"
	EventCycleTime       EventType = "CYCLE_TIME"
	EventCommandReceived EventType = "COMMAND_RECEIVED"
	EventNodeJoined      EventType = "NODE_JOINED"
	EventNodeLeft        EventType = "NODE_LEFT"
	EventNodeMoved       EventType = "NODE_MOVED"
	EventDataDelivered   EventType = "DATA_DELIVERED"
)

// Event holds details that the front end and the metrics collector need.
type Event struct {
	ID        uuid.UUID     `json:"id" msgpack:"id"`
	Type      EventType     `json:"type" msgpack:"type"`
	Node      packet.Addr   `json:"node" msgpack:"node"`
	Other     packet.Addr   `json:"other,omitempty" msgpack:"other"`
	Value     int64         `json:"value" msgpack:"value"`
	Payload   string        `json:"payload,omitempty" msgpack:"payload,omitempty"`
	SimTime   time.Duration `json:"sim_time" msgpack:"sim_time"`
	Timestamp time.Time     `json:"timestamp" msgpack:"timestamp"`
}

// EventBus manages a set of subscribers and publishes events to them.
type EventBus struct {
	subscribers []chan Event
	mu          sync.RWMutex
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make([]chan Event, 0),
	}
}

// Publish sends an event to all subscribers. A nil bus drops the event.
func (eb *EventBus) Publish(e Event) {
	if eb == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, sub := range eb.subscribers {
		// Use a non-blocking send in case a subscriber is busy.
		select {
		case sub <- e:
		default:
			log.Println("Dropping event: subscriber channel is full")
		}
	}
}

// Subscribe returns a new channel that will receive published events.
func (eb *EventBus) Subscribe() chan Event {
	return eb.SubscribeN(100)
}

// SubscribeN is Subscribe with an explicit channel buffer.
func (eb *EventBus) SubscribeN(buffer int) chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan Event, buffer)
	eb.subscribers = append(eb.subscribers, ch)
	return ch
}

// Unsubscribe removes ch and closes it.
func (eb *EventBus) Unsubscribe(ch chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, sub := range eb.subscribers {
		if sub == ch {
			eb.subscribers = append(eb.subscribers[:i], eb.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close closes every subscriber channel.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, sub := range eb.subscribers {
		close(sub)
	}
	eb.subscribers = nil
}
