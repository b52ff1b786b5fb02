package consensus

import (
	"time"
)

// State is the lifecycle state of an anomaly record. Transitions are
// one-directional: reported→confirmed→resolved or reported→resolved.
type State string

const (
	StateReported  State = "reported"
	StateConfirmed State = "confirmed"
	StateResolved  State = "resolved"
)

// Action is the kind of a history entry.
type Action string

const (
	ActionCreation   Action = "creation"
	ActionValidation Action = "validation"
	ActionResolution Action = "resolution"
)

// OriginKind records how an anomaly was first reported.
type OriginKind string

const (
	OriginSensor OriginKind = "sensor"
	OriginManual OriginKind = "manual"
)

// Consensus tuning. The merge radius is intentionally small: it absorbs
// consumer GPS jitter (3-8m) without collapsing distinct potholes on the
// same street into one record.
const (
	MergeRadiusM     = 10.0
	ReinforceDelta   = 5
	MaxConfidence    = 100
	ConfirmThreshold = 3

	InitialConfidenceSevere   = 60
	InitialConfidenceModerate = 45
	InitialConfidenceMild     = 30
)

// UnknownStreetID is the sentinel street attached when nearest-street
// lookup fails or finds nothing. A report is never dropped for missing
// street geometry.
const UnknownStreetID int64 = 0

// Event is one device-observed anomaly, transient until ingested.
type Event struct {
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	AnomalyTypeID int        `json:"anomaly_type_id"`
	Severity      string     `json:"severity,omitempty"` // mild, moderate, severe or empty
	TripID        int64      `json:"trip_id,omitempty"`  // 0 = no trip
	Origin        OriginKind `json:"origin,omitempty"`   // defaults to sensor
	ObservedAt    time.Time  `json:"observed_at"`
}

// Record is the server-owned, authoritative representation of one physical
// anomaly. Confidence is monotonically non-decreasing while the record is
// open.
type Record struct {
	ID            int64      `json:"id"`
	AnomalyTypeID int        `json:"anomaly_type_id"`
	StreetID      int64      `json:"street_id"`
	Origin        OriginKind `json:"origin"`
	Confidence    int        `json:"confidence"`
	State         State      `json:"state"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HistoryEntry is an immutable append-only fact about a record. Validation
// counts are always derived by counting these entries, never trusted from a
// separate counter.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	AnomalyID  int64     `json:"anomaly_id"`
	Action     Action    `json:"action"`
	ObserverID string    `json:"observer_id"`
	At         time.Time `json:"at"`
}

// NearbyRecord pairs a record with its distance from a query point.
type NearbyRecord struct {
	Record
	DistanceM float64 `json:"distance_m"`
}

// Street is one entry of the street catalog, positioned by its centroid.
type Street struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// InitialConfidence maps a first report's severity to its starting
// confidence: more severe first reports are treated as inherently more
// credible pending corroboration.
func InitialConfidence(severity string) int {
	switch severity {
	case "severe":
		return InitialConfidenceSevere
	case "moderate":
		return InitialConfidenceModerate
	default:
		return InitialConfidenceMild
	}
}

// ValidSeverity reports whether s is an accepted severity label. Empty is
// allowed and treated as mild.
func ValidSeverity(s string) bool {
	switch s {
	case "", "mild", "moderate", "severe":
		return true
	}
	return false
}
