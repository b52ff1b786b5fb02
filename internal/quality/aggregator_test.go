package quality

import (
	"context"
	"testing"

	"github.com/rkona/roadsense-server/internal/consensus"
)

func TestIndex_Formula(t *testing.T) {
	cases := []struct {
		active int
		want   int
	}{
		{0, 100},
		{1, 90},
		{5, 50},
		{10, 0},
		{12, 0}, // clamped
	}
	for _, c := range cases {
		if got := Index(c.active); got != c.want {
			t.Errorf("Index(%d) = %d, want %d", c.active, got, c.want)
		}
	}
}

func seededStore(t *testing.T) (*consensus.MemStore, *consensus.Engine) {
	t.Helper()
	store := consensus.NewMemStore(
		map[int]string{1: "pothole"},
		[]consensus.Street{
			{ID: 1, Name: "Via Appia", Latitude: 41.90, Longitude: 12.50},
			{ID: 2, Name: "Via Aurelia", Latitude: 41.95, Longitude: 12.45},
		},
	)
	return store, consensus.NewEngine(store, nil)
}

func TestRecompute_CountsOnlyOpenRecords(t *testing.T) {
	store, eng := seededStore(t)
	agg := NewAggregator(store, nil)
	ctx := context.Background()

	// Three distinct potholes on street 1.
	a, _ := eng.Submit(ctx, "obs", consensus.Event{Latitude: 41.900, Longitude: 12.500, AnomalyTypeID: 1})
	eng.Submit(ctx, "obs", consensus.Event{Latitude: 41.901, Longitude: 12.500, AnomalyTypeID: 1})
	eng.Submit(ctx, "obs", consensus.Event{Latitude: 41.902, Longitude: 12.500, AnomalyTypeID: 1})

	snap, active, err := agg.Recompute(ctx, 1)
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if active != 3 || snap.QualityIndex != 70 {
		t.Errorf("recompute = (active %d, index %d), want (3, 70)", active, snap.QualityIndex)
	}

	// Resolving one anomaly improves the street on the next recompute.
	eng.Resolve(ctx, "ops", a.Record.ID)
	snap, active, err = agg.Recompute(ctx, 1)
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if active != 2 || snap.QualityIndex != 80 {
		t.Errorf("after resolve = (active %d, index %d), want (2, 80)", active, snap.QualityIndex)
	}
}

func TestRecompute_AppendsSnapshots(t *testing.T) {
	store, _ := seededStore(t)
	agg := NewAggregator(store, nil)
	ctx := context.Background()

	first, _, _ := agg.Recompute(ctx, 1)
	second, _, _ := agg.Recompute(ctx, 1)

	if first.ID == second.ID {
		t.Error("recompute must append a new snapshot, not mutate the previous one")
	}

	latest, err := agg.Latest(ctx, 1)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest snapshot id = %d, want %d", latest.ID, second.ID)
	}
}

func TestLatest_NilWhenNeverComputed(t *testing.T) {
	store, _ := seededStore(t)
	agg := NewAggregator(store, nil)

	snap, err := agg.Latest(context.Background(), 2)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if snap != nil {
		t.Errorf("expected nil snapshot for never-computed street, got %+v", snap)
	}
}

func TestWorst_RankingAndTies(t *testing.T) {
	store, eng := seededStore(t)
	agg := NewAggregator(store, nil)
	ctx := context.Background()

	// Street 1 gets two potholes, street 2 gets one.
	eng.Submit(ctx, "obs", consensus.Event{Latitude: 41.900, Longitude: 12.500, AnomalyTypeID: 1})
	eng.Submit(ctx, "obs", consensus.Event{Latitude: 41.901, Longitude: 12.500, AnomalyTypeID: 1})
	eng.Submit(ctx, "obs", consensus.Event{Latitude: 41.950, Longitude: 12.450, AnomalyTypeID: 1})

	agg.Recompute(ctx, 1)
	agg.Recompute(ctx, 2)

	worst, err := agg.Worst(ctx, 20)
	if err != nil {
		t.Fatalf("worst failed: %v", err)
	}
	if len(worst) != 2 {
		t.Fatalf("expected 2 ranked streets, got %d", len(worst))
	}
	if worst[0].StreetID != 1 || worst[1].StreetID != 2 {
		t.Errorf("ranking = [%d, %d], want [1, 2]", worst[0].StreetID, worst[1].StreetID)
	}

	// Only the most recent snapshot per street counts: fix street 1.
	rec1, _ := store.OpenRecordsNear(ctx, 41.9005, 12.500, 200)
	for _, r := range rec1 {
		eng.Resolve(ctx, "ops", r.ID)
	}
	agg.Recompute(ctx, 1)

	worst, _ = agg.Worst(ctx, 20)
	if worst[0].StreetID != 2 {
		t.Errorf("after repair, worst street = %d, want 2", worst[0].StreetID)
	}
}

type memCache struct {
	m map[int64]*consensus.StreetQualitySnapshot
}

func (c *memCache) PutLatest(ctx context.Context, snap *consensus.StreetQualitySnapshot) error {
	c.m[snap.StreetID] = snap
	return nil
}

func (c *memCache) GetLatest(ctx context.Context, streetID int64) (*consensus.StreetQualitySnapshot, error) {
	return c.m[streetID], nil
}

func TestLatest_ServedFromCache(t *testing.T) {
	store, _ := seededStore(t)
	cache := &memCache{m: make(map[int64]*consensus.StreetQualitySnapshot)}
	agg := NewAggregator(store, cache)
	ctx := context.Background()

	snap, _, _ := agg.Recompute(ctx, 1)

	if cache.m[1] == nil || cache.m[1].ID != snap.ID {
		t.Fatal("recompute did not write through to the cache")
	}

	got, err := agg.Latest(ctx, 1)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if got.ID != snap.ID {
		t.Errorf("latest id = %d, want %d", got.ID, snap.ID)
	}
}
