package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rkona/roadsense-server/internal/consensus"
	"github.com/rkona/roadsense-server/internal/protocol"
)

// ConfirmationPublisher publishes a notice to the confirmations topic when
// the ledger promotes a record. Implements consensus.ConfirmationNotifier.
type ConfirmationPublisher struct {
	producer *Producer
}

// NewConfirmationPublisher creates a publisher over an existing producer.
func NewConfirmationPublisher(producer *Producer) *ConfirmationPublisher {
	return &ConfirmationPublisher{producer: producer}
}

// AnomalyConfirmed publishes the promotion notice, keyed by record id.
func (p *ConfirmationPublisher) AnomalyConfirmed(ctx context.Context, rec consensus.Record, validations int) error {
	notice := &protocol.ConfirmationNotice{
		RecordID:      rec.ID,
		AnomalyTypeID: rec.AnomalyTypeID,
		StreetID:      rec.StreetID,
		Latitude:      rec.Latitude,
		Longitude:     rec.Longitude,
		Confidence:    rec.Confidence,
		Validations:   validations,
		ConfirmedAt:   time.Now().UTC(),
	}

	data, err := protocol.EncodeConfirmationNotice(notice)
	if err != nil {
		return fmt.Errorf("failed to encode confirmation notice: %w", err)
	}

	key := fmt.Sprintf("record-%d", rec.ID)
	return p.producer.Publish(ctx, key, data)
}
