package protocol

import (
	"encoding/json"
	"time"

	"github.com/rkona/roadsense-server/internal/consensus"
)

// ObservedEventMessage is the internal envelope for the raw-events topic.
// ObserverID is the identity the ledger attributes history entries to.
type ObservedEventMessage struct {
	ConnectionID string          `json:"connection_id"`
	DeviceID     string          `json:"device_id"`
	ObserverID   string          `json:"observer_id"`
	ReceivedAt   time.Time       `json:"received_at"`
	Event        consensus.Event `json:"event"`
}

// EncodeObservedEvent encodes an ObservedEventMessage to JSON
func EncodeObservedEvent(msg *ObservedEventMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeObservedEvent decodes JSON to ObservedEventMessage
func DecodeObservedEvent(data []byte) (*ObservedEventMessage, error) {
	var msg ObservedEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ConfirmationNotice is published when a record is promoted to confirmed.
type ConfirmationNotice struct {
	RecordID      int64     `json:"record_id"`
	AnomalyTypeID int       `json:"anomaly_type_id"`
	StreetID      int64     `json:"street_id"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Confidence    int       `json:"confidence"`
	Validations   int       `json:"validations"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

// EncodeConfirmationNotice encodes a ConfirmationNotice to JSON
func EncodeConfirmationNotice(notice *ConfirmationNotice) ([]byte, error) {
	return json.Marshal(notice)
}

// DecodeConfirmationNotice decodes JSON to ConfirmationNotice
func DecodeConfirmationNotice(data []byte) (*ConfirmationNotice, error) {
	var notice ConfirmationNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		return nil, err
	}
	return &notice, nil
}
