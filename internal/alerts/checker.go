package alerts

import (
	"context"
	"fmt"

	"github.com/rkona/roadsense-server/internal/consensus"
)

// MinConfidence gates which records are worth interrupting a driver for:
// confirmed records only, with at least this much corroboration.
const MinConfidence = 50

// Config holds the caller-tier radii. Both are deployment configuration,
// not core constants.
type Config struct {
	StandardRadiusM float64
	ElevatedRadiusM float64
}

// DefaultConfig returns the production radii.
func DefaultConfig() Config {
	return Config{
		StandardRadiusM: 200,
		ElevatedRadiusM: 500,
	}
}

// Store is the read surface the checker needs. Implemented by
// *database.DB and by consensus.MemStore.
type Store interface {
	ConfirmedNear(ctx context.Context, lat, lng, radiusM float64, minConfidence int) ([]consensus.NearbyRecord, error)
	TypeName(ctx context.Context, typeID int) (string, error)
}

// Alert is one driver-facing proximity warning.
type Alert struct {
	RecordID   int64   `json:"record_id"`
	Message    string  `json:"message"`
	DistanceM  float64 `json:"distance_m"`
	Confidence int     `json:"confidence"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// CheckResult is the response of one proximity check.
type CheckResult struct {
	Alerts       []Alert `json:"alerts"`
	RadiusM      float64 `json:"radius_m"`
	ElevatedTier bool    `json:"elevated_tier"`
}

// Checker renders proximity alerts from confirmed, well-corroborated
// anomaly records around the caller's position.
type Checker struct {
	cfg   Config
	store Store
}

// NewChecker creates a checker.
func NewChecker(cfg Config, store Store) *Checker {
	return &Checker{cfg: cfg, store: store}
}

// Check returns the alerts within the caller's tier radius, nearest first.
func (c *Checker) Check(ctx context.Context, lat, lng float64, elevated bool) (*CheckResult, error) {
	radius := c.cfg.StandardRadiusM
	if elevated {
		radius = c.cfg.ElevatedRadiusM
	}

	records, err := c.store.ConfirmedNear(ctx, lat, lng, radius, MinConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmed anomalies: %w", err)
	}

	result := &CheckResult{
		Alerts:       make([]Alert, 0, len(records)),
		RadiusM:      radius,
		ElevatedTier: elevated,
	}

	for _, rec := range records {
		name, err := c.store.TypeName(ctx, rec.AnomalyTypeID)
		if err != nil {
			name = "road anomaly"
		}

		result.Alerts = append(result.Alerts, Alert{
			RecordID:   rec.ID,
			Message:    renderMessage(name, rec.DistanceM, rec.Confidence),
			DistanceM:  rec.DistanceM,
			Confidence: rec.Confidence,
			Latitude:   rec.Latitude,
			Longitude:  rec.Longitude,
		})
	}

	return result, nil
}

// renderMessage builds the short human-readable warning.
func renderMessage(typeName string, distanceM float64, confidence int) string {
	return fmt.Sprintf("Caution: %s %.0fm ahead (confidence %d%%)", typeName, distanceM, confidence)
}
