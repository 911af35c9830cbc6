package mqtt

// MqttNodePayload represents the JSON payload for registering or removing a node.
type MqttNodePayload struct {
	NodeID       string  `json:"node_id"` // link address, "a.b"
	CommandTopic string  `json:"command_topic"`
	StatusTopic  string  `json:"status_topic"`
	Event        string  `json:"event"`
	X            float64 `json:"x,omitempty"` // optional coordinate
	Y            float64 `json:"y,omitempty"` // optional coordinate
	CycleTime    uint32  `json:"cycle_time,omitempty"`
}
