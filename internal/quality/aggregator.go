package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/rkona/roadsense-server/internal/consensus"
)

// PenaltyPerAnomaly is how many quality points one open anomaly costs a
// street.
const PenaltyPerAnomaly = 10

// Store is the persistence surface the aggregator needs. Implemented by
// *database.DB and by consensus.MemStore.
type Store interface {
	CountActiveOnStreet(ctx context.Context, streetID int64) (int, error)
	InsertSnapshot(ctx context.Context, snap *consensus.StreetQualitySnapshot) error
	LatestSnapshot(ctx context.Context, streetID int64) (*consensus.StreetQualitySnapshot, error)
	WorstStreets(ctx context.Context, limit int) ([]consensus.StreetQualitySnapshot, error)
	StreetIDsWithActivitySince(ctx context.Context, since time.Time) ([]int64, error)
}

// Cache holds the most recent snapshot per street for cheap reads. The
// Redis implementation lives in internal/cache; nil disables caching.
type Cache interface {
	PutLatest(ctx context.Context, snap *consensus.StreetQualitySnapshot) error
	GetLatest(ctx context.Context, streetID int64) (*consensus.StreetQualitySnapshot, error)
}

// Aggregator maintains the 0-100 per-street quality index. Every recompute
// appends a new snapshot; history is never mutated, so quality trends stay
// queryable and the series can always be rebuilt from the ledger.
type Aggregator struct {
	store Store
	cache Cache // may be nil
}

// NewAggregator creates an aggregator. cache may be nil.
func NewAggregator(store Store, cache Cache) *Aggregator {
	return &Aggregator{store: store, cache: cache}
}

// Index maps an active anomaly count to the quality index.
func Index(activeCount int) int {
	idx := 100 - PenaltyPerAnomaly*activeCount
	if idx < 0 {
		idx = 0
	}
	if idx > 100 {
		idx = 100
	}
	return idx
}

// Recompute derives a fresh snapshot for one street and appends it.
// Returns the snapshot and the active anomaly count it was derived from.
func (a *Aggregator) Recompute(ctx context.Context, streetID int64) (*consensus.StreetQualitySnapshot, int, error) {
	active, err := a.store.CountActiveOnStreet(ctx, streetID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count active anomalies: %w", err)
	}

	snap := &consensus.StreetQualitySnapshot{
		StreetID:     streetID,
		QualityIndex: Index(active),
		ComputedAt:   time.Now().UTC(),
	}
	if err := a.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, 0, fmt.Errorf("failed to append snapshot: %w", err)
	}

	if a.cache != nil {
		if err := a.cache.PutLatest(ctx, snap); err != nil {
			fmt.Printf("Failed to cache snapshot for street %d: %v\n", streetID, err)
		}
	}

	return snap, active, nil
}

// Latest returns the most recent snapshot for a street, or nil when the
// street has never been computed. The cache is consulted first; the store
// remains the source of truth.
func (a *Aggregator) Latest(ctx context.Context, streetID int64) (*consensus.StreetQualitySnapshot, error) {
	if a.cache != nil {
		if snap, err := a.cache.GetLatest(ctx, streetID); err == nil && snap != nil {
			return snap, nil
		}
	}

	snap, err := a.store.LatestSnapshot(ctx, streetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	if snap != nil && a.cache != nil {
		if err := a.cache.PutLatest(ctx, snap); err != nil {
			fmt.Printf("Failed to backfill snapshot cache for street %d: %v\n", streetID, err)
		}
	}
	return snap, nil
}

// Worst ranks streets by their most recent snapshot, worst first, ties
// broken by street id.
func (a *Aggregator) Worst(ctx context.Context, limit int) ([]consensus.StreetQualitySnapshot, error) {
	return a.store.WorstStreets(ctx, limit)
}

// RecomputeActiveSince refreshes every street with ledger activity since
// the given time. Used by the periodic sweep service; returns how many
// streets were recomputed.
func (a *Aggregator) RecomputeActiveSince(ctx context.Context, since time.Time) (int, error) {
	streetIDs, err := a.store.StreetIDsWithActivitySince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list active streets: %w", err)
	}

	done := 0
	for _, id := range streetIDs {
		if _, _, err := a.Recompute(ctx, id); err != nil {
			fmt.Printf("Failed to recompute street %d: %v\n", id, err)
			continue
		}
		done++
	}
	return done, nil
}
