package alerts

import (
	"context"
	"strings"
	"testing"

	"github.com/rkona/roadsense-server/internal/consensus"
)

// buildFixtures creates one confirmed high-confidence pothole ~110m north
// of the query point, one confirmed pothole ~330m north, and one merely
// reported pothole right at the query point.
func buildFixtures(t *testing.T) *consensus.MemStore {
	t.Helper()
	store := consensus.NewMemStore(map[int]string{1: "pothole"}, nil)
	eng := consensus.NewEngine(store, nil)
	ctx := context.Background()

	confirm := func(lat, lng float64) {
		res, err := eng.Submit(ctx, "obs-0", consensus.Event{
			Latitude: lat, Longitude: lng, AnomalyTypeID: 1, Severity: "severe",
		})
		if err != nil {
			t.Fatalf("fixture submit failed: %v", err)
		}
		for _, obs := range []string{"obs-1", "obs-2", "obs-3"} {
			if _, err := eng.Validate(ctx, obs, res.Record.ID); err != nil {
				t.Fatalf("fixture validate failed: %v", err)
			}
		}
	}

	confirm(41.9010, 12.5000) // ~110m from (41.9, 12.5)
	confirm(41.9030, 12.5000) // ~330m

	// Reported but never corroborated: must not alert.
	if _, err := eng.Submit(ctx, "obs-0", consensus.Event{
		Latitude: 41.9000, Longitude: 12.5000, AnomalyTypeID: 1, Severity: "severe",
	}); err != nil {
		t.Fatalf("fixture submit failed: %v", err)
	}

	return store
}

func TestCheck_StandardTier(t *testing.T) {
	store := buildFixtures(t)
	checker := NewChecker(DefaultConfig(), store)

	res, err := checker.Check(context.Background(), 41.9, 12.5, false)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}

	if res.RadiusM != 200 || res.ElevatedTier {
		t.Errorf("tier fields = (%.0f, %v), want (200, false)", res.RadiusM, res.ElevatedTier)
	}
	if len(res.Alerts) != 1 {
		t.Fatalf("expected 1 alert inside 200m, got %d", len(res.Alerts))
	}

	alert := res.Alerts[0]
	if alert.DistanceM > 200 {
		t.Errorf("alert outside radius: %.0fm", alert.DistanceM)
	}
	if !strings.Contains(alert.Message, "pothole") {
		t.Errorf("message does not name the anomaly type: %q", alert.Message)
	}
}

func TestCheck_ElevatedTierWidensRadius(t *testing.T) {
	store := buildFixtures(t)
	checker := NewChecker(DefaultConfig(), store)

	res, err := checker.Check(context.Background(), 41.9, 12.5, true)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}

	if res.RadiusM != 500 || !res.ElevatedTier {
		t.Errorf("tier fields = (%.0f, %v), want (500, true)", res.RadiusM, res.ElevatedTier)
	}
	if len(res.Alerts) != 2 {
		t.Fatalf("expected 2 alerts inside 500m, got %d", len(res.Alerts))
	}
	// Nearest first.
	if res.Alerts[0].DistanceM > res.Alerts[1].DistanceM {
		t.Error("alerts not sorted nearest-first")
	}
}

func TestCheck_UnconfirmedNeverAlerts(t *testing.T) {
	store := consensus.NewMemStore(map[int]string{1: "pothole"}, nil)
	eng := consensus.NewEngine(store, nil)
	ctx := context.Background()

	// High-confidence but only reported.
	res, _ := eng.Submit(ctx, "obs-0", consensus.Event{
		Latitude: 41.9, Longitude: 12.5, AnomalyTypeID: 1, Severity: "severe",
	})
	eng.Validate(ctx, "obs-1", res.Record.ID)
	eng.Validate(ctx, "obs-2", res.Record.ID)

	checker := NewChecker(DefaultConfig(), store)
	out, err := checker.Check(ctx, 41.9, 12.5, false)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if len(out.Alerts) != 0 {
		t.Errorf("reported-only record produced %d alerts", len(out.Alerts))
	}
}
