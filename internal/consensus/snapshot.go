package consensus

import "time"

// StreetQualitySnapshot is one append-only point of a street's quality
// time series. The most recent snapshot per street is its current quality;
// the series is a materialization rebuildable from the ledger.
type StreetQualitySnapshot struct {
	ID           int64     `json:"id"`
	StreetID     int64     `json:"street_id"`
	QualityIndex int       `json:"quality_index"`
	ComputedAt   time.Time `json:"computed_at"`
}
