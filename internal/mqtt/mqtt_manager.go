package mqtt

import (
	"context"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTManager manages the MQTT connection and message routing.
type MQTTManager struct {
	client  mqtt.Client
	MsgChan chan mqtt.Message
}

// New creates and connects a new MQTTManager.
func New(broker, clientID string) (*MQTTManager, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	manager := &MQTTManager{
		MsgChan: make(chan mqtt.Message, 100),
	}
	// Messages on topics without a handler land on the channel.
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		select {
		case manager.MsgChan <- msg:
		default:
			log.Printf("[mqtt] dropping message on %s: channel full\n", msg.Topic())
		}
	})

	manager.client = mqtt.NewClient(opts)
	if token := manager.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Printf("[mqtt] connected to %s as %s\n", broker, clientID)
	return manager, nil
}

// Subscribe subscribes to a specific topic with the desired QoS.
func (m *MQTTManager) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error {
	token := m.client.Subscribe(topic, qos, callback)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (m *MQTTManager) Unsubscribe(topic string) error {
	token := m.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish publishes a message to the given topic.
func (m *MQTTManager) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	token := m.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Run logs messages that arrived without a topic handler until ctx is done.
func (m *MQTTManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.MsgChan:
			if !ok {
				return
			}
			log.Printf("[mqtt] unhandled message on %s (%d bytes)\n", msg.Topic(), len(msg.Payload()))
		}
	}
}

// Disconnect performs a clean disconnect from the MQTT broker.
func (m *MQTTManager) Disconnect() {
	m.client.Disconnect(250)
}
