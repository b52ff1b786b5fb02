package consensus

import "context"

// Store is the persistence surface the ledger engine writes through. The
// Postgres implementation lives in internal/database; MemStore backs tests.
//
// Mutating operations on a single record must be individually atomic
// (ReinforceRecord is a compare-and-increment, PromoteIfReported a
// conditional update). WithProximityLock provides the coarser
// check-then-act scope around the find/merge/create sequence.
type Store interface {
	// AnomalyTypeExists reports whether the type id is known.
	AnomalyTypeExists(ctx context.Context, typeID int) (bool, error)

	// FindNearestOpen returns the nearest non-resolved record of the given
	// type within radiusM meters, ties broken by lowest id, or nil when no
	// record matches.
	FindNearestOpen(ctx context.Context, typeID int, lat, lng, radiusM float64) (*Record, error)

	// NearestStreetID returns the street whose centroid is closest to the
	// point. It returns UnknownStreetID when the catalog is empty.
	NearestStreetID(ctx context.Context, lat, lng float64) (int64, error)

	// InsertRecord persists a new record and fills in ID and CreatedAt.
	InsertRecord(ctx context.Context, rec *Record) error

	// GetRecord loads a record by id; ErrNotFound if absent.
	GetRecord(ctx context.Context, id int64) (*Record, error)

	// ReinforceRecord atomically raises confidence by delta, capped at max,
	// and returns the new confidence. ErrNotFound if absent.
	ReinforceRecord(ctx context.Context, id int64, delta, max int) (int, error)

	// ResolveRecord moves the record to resolved from any state.
	// ErrNotFound if absent.
	ResolveRecord(ctx context.Context, id int64) error

	// PromoteIfReported transitions reported→confirmed and reports whether
	// the transition happened. Confirmed and resolved records are left
	// untouched.
	PromoteIfReported(ctx context.Context, id int64) (bool, error)

	// AppendHistory appends an immutable history entry.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	// CountValidations counts validation entries for a record.
	CountValidations(ctx context.Context, anomalyID int64) (int, error)

	// HasValidation reports whether the observer already validated the
	// record.
	HasValidation(ctx context.Context, anomalyID int64, observerID string) (bool, error)

	// IncrementTripAnomalies bumps a trip's anomaly counter. Unknown trips
	// are a no-op.
	IncrementTripAnomalies(ctx context.Context, tripID int64) error

	// WithProximityLock runs fn while holding a mutual-exclusion scope for
	// the given key. Unrelated keys proceed in parallel.
	WithProximityLock(ctx context.Context, key string, fn func() error) error
}

// ConfirmationNotifier is told when a record is promoted to confirmed.
// The Kafka publisher in internal/queue implements it; it is optional.
type ConfirmationNotifier interface {
	AnomalyConfirmed(ctx context.Context, rec Record, validations int) error
}
