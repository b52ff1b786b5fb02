package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MessageType represents the type of message
type MessageType string

const (
	// Client to Server
	MsgTypeIdentify  MessageType = "identify"
	MsgTypeEvent     MessageType = "event"
	MsgTypeKeepalive MessageType = "keepalive"

	// Server to Client
	MsgTypeAck MessageType = "ack"
)

// BaseMessage is the common structure for all messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage is sent by the vehicle on connection
type IdentifyMessage struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id"`
	TripID   int64       `json:"trip_id,omitempty"`
}

// EventData is one detected road anomaly as observed by the device
type EventData struct {
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	AnomalyTypeID int     `json:"anomaly_type_id"`
	Severity      string  `json:"severity,omitempty"`
	ObservedAt    string  `json:"observed_at"` // RFC3339
}

// EventMessage is sent by the vehicle when the classifier closes an impact
// episode. Delivery is at-least-once: the device resubmits on transport
// failure and the server's merge radius absorbs duplicates.
type EventMessage struct {
	Type MessageType `json:"type"`
	Data EventData   `json:"data"`
}

// KeepaliveMessage is sent by the vehicle every 30-60 seconds
type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// AckMessage is sent by the server in response to messages
type AckMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

// AckStatus constants
const (
	AckStatusIdentified = "identified"
	AckStatusAccepted   = "accepted"
	AckStatusAlive      = "alive"
	AckStatusError      = "error"
)

// ParseMessage parses a JSON line into the appropriate message type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid identify message: %w", err)
		}
		if err := validateIdentify(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeEvent:
		var msg EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid event message: %w", err)
		}
		if err := validateEvent(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeKeepalive:
		var msg KeepaliveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid keepalive message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

// validateIdentify validates an identify message
func validateIdentify(msg *IdentifyMessage) error {
	if msg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	return nil
}

// validateEvent validates an event message
func validateEvent(msg *EventMessage) error {
	if math.IsNaN(msg.Data.Latitude) || math.IsNaN(msg.Data.Longitude) {
		return fmt.Errorf("latitude and longitude are required")
	}
	if msg.Data.AnomalyTypeID <= 0 {
		return fmt.Errorf("anomaly_type_id is required")
	}
	if msg.Data.ObservedAt == "" {
		return fmt.Errorf("observed_at is required")
	}
	if _, err := time.Parse(time.RFC3339, msg.Data.ObservedAt); err != nil {
		return fmt.Errorf("invalid observed_at format (must be RFC3339): %w", err)
	}
	return nil
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// NewAckMessage creates a new acknowledgment message
func NewAckMessage(status string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
	}
}
