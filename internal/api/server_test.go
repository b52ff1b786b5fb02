package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rkona/roadsense-server/internal/alerts"
	"github.com/rkona/roadsense-server/internal/consensus"
	"github.com/rkona/roadsense-server/internal/quality"
)

const (
	typePothole = 1

	baseLat = 45.4642
	baseLng = 9.1900
)

// offsetLat shifts a latitude north by roughly the given meters.
func offsetLat(lat, meters float64) float64 {
	return lat + meters/111320.0
}

func newTestServer() (*Server, *consensus.MemStore) {
	store := consensus.NewMemStore(
		map[int]string{typePothole: "pothole"},
		[]consensus.Street{
			{ID: 1, Name: "via Roma", Latitude: baseLat, Longitude: baseLng},
			{ID: 2, Name: "corso Milano", Latitude: baseLat + 0.1, Longitude: baseLng},
		},
	)
	engine := consensus.NewEngine(store, nil)
	agg := quality.NewAggregator(store, nil)
	checker := alerts.NewChecker(alerts.DefaultConfig(), store)
	return NewServer(engine, store, agg, checker), store
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func submitEvent(t *testing.T, srv *Server, observer string, lat, lng float64, severity string) consensus.SubmitResult {
	t.Helper()

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/anomalies", anomalyPayload{
		Latitude:      lat,
		Longitude:     lng,
		AnomalyTypeID: typePothole,
		Severity:      severity,
	}, map[string]string{"X-Observer-ID": observer})

	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("submit returned %d: %s", rec.Code, rec.Body.String())
	}

	var result consensus.SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode submit result: %v", err)
	}
	return result
}

func TestCreateAnomaly_NewThenMerge(t *testing.T) {
	srv, store := newTestServer()

	first := submitEvent(t, srv, "device-1", baseLat, baseLng, "severe")
	if !first.WasNew {
		t.Fatal("first submission should create a record")
	}
	if first.Record.Confidence != 60 {
		t.Errorf("Expected confidence 60, got %d", first.Record.Confidence)
	}

	// 5 m north: inside the merge radius.
	second := submitEvent(t, srv, "device-2", offsetLat(baseLat, 5), baseLng, "severe")
	if second.WasNew {
		t.Fatal("second submission should merge")
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("Merged into record %d, want %d", second.Record.ID, first.Record.ID)
	}
	if second.Record.Confidence != 65 {
		t.Errorf("Expected confidence 65, got %d", second.Record.Confidence)
	}

	if got := len(store.History(first.Record.ID)); got != 2 {
		t.Errorf("Expected 2 history entries, got %d", got)
	}
}

func TestCreateAnomaly_InvalidType(t *testing.T) {
	srv, _ := newTestServer()

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/anomalies", anomalyPayload{
		Latitude:      baseLat,
		Longitude:     baseLng,
		AnomalyTypeID: 99,
	}, map[string]string{"X-Observer-ID": "device-1"})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestBulkAnomalies_PartialFailure(t *testing.T) {
	srv, _ := newTestServer()

	events := make([]anomalyPayload, 0, 10)
	for i := 0; i < 8; i++ {
		events = append(events, anomalyPayload{
			Latitude:      offsetLat(baseLat, float64(i)*50),
			Longitude:     baseLng,
			AnomalyTypeID: typePothole,
		})
	}
	// Two malformed: unknown type and broken timestamp.
	events = append(events,
		anomalyPayload{Latitude: baseLat, Longitude: baseLng, AnomalyTypeID: 99},
		anomalyPayload{Latitude: baseLat, Longitude: baseLng, AnomalyTypeID: typePothole, ObservedAt: "not-a-time"},
	)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/anomalies/bulk", bulkRequest{Events: events, TripID: 7},
		map[string]string{"X-Observer-ID": "device-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk returned %d: %s", rec.Code, rec.Body.String())
	}

	var result consensus.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode batch result: %v", err)
	}

	if result.Errors != 2 {
		t.Errorf("Expected 2 errors, got %d", result.Errors)
	}
	if result.TotalProcessed != 10 {
		t.Errorf("Expected 10 processed, got %d", result.TotalProcessed)
	}
	if result.Created+result.Merged != 8 {
		t.Errorf("Expected 8 successes, got created=%d merged=%d", result.Created, result.Merged)
	}
}

func TestValidate_ConfirmsAtThreshold(t *testing.T) {
	srv, _ := newTestServer()

	created := submitEvent(t, srv, "device-1", baseLat, baseLng, "mild")
	path := fmt.Sprintf("/api/v1/anomalies/%d/validate", created.Record.ID)

	var last consensus.ValidationResult
	for i := 1; i <= 3; i++ {
		rec := doJSON(t, srv, http.MethodPost, path, nil,
			map[string]string{"X-Observer-ID": fmt.Sprintf("observer-%d", i)})
		if rec.Code != http.StatusOK {
			t.Fatalf("validate %d returned %d: %s", i, rec.Code, rec.Body.String())
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &last); err != nil {
			t.Fatalf("decode validation result: %v", err)
		}
	}

	if last.ValidationCount != 3 {
		t.Errorf("Expected 3 validations, got %d", last.ValidationCount)
	}
	if last.State != consensus.StateConfirmed {
		t.Errorf("Expected confirmed, got %s", last.State)
	}
}

func TestValidate_DoubleValidationRejected(t *testing.T) {
	srv, _ := newTestServer()

	created := submitEvent(t, srv, "device-1", baseLat, baseLng, "mild")
	path := fmt.Sprintf("/api/v1/anomalies/%d/validate", created.Record.ID)
	headers := map[string]string{"X-Observer-ID": "observer-1"}

	if rec := doJSON(t, srv, http.MethodPost, path, nil, headers); rec.Code != http.StatusOK {
		t.Fatalf("first validate returned %d", rec.Code)
	}
	if rec := doJSON(t, srv, http.MethodPost, path, nil, headers); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 on repeat validation, got %d", rec.Code)
	}
}

func TestValidate_NotFound(t *testing.T) {
	srv, _ := newTestServer()

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/anomalies/999/validate", nil,
		map[string]string{"X-Observer-ID": "observer-1"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestResolve_RefreshesStreetQuality(t *testing.T) {
	srv, _ := newTestServer()

	created := submitEvent(t, srv, "device-1", baseLat, baseLng, "severe")

	rec := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/anomalies/%d/resolve", created.Record.ID), nil,
		map[string]string{"X-Observer-ID": "ops-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve returned %d: %s", rec.Code, rec.Body.String())
	}

	// Resolve recomputed the street; with no open anomalies left the
	// quality snapshot is back at 100.
	qrec := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/streets/%d/quality", created.Record.StreetID), nil, nil)
	if qrec.Code != http.StatusOK {
		t.Fatalf("quality returned %d", qrec.Code)
	}

	var body struct {
		Snapshot *consensus.StreetQualitySnapshot `json:"snapshot"`
	}
	if err := json.Unmarshal(qrec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode quality: %v", err)
	}
	if body.Snapshot == nil {
		t.Fatal("Expected a snapshot after resolve")
	}
	if body.Snapshot.QualityIndex != 100 {
		t.Errorf("Expected quality 100, got %d", body.Snapshot.QualityIndex)
	}
}

func TestResolve_NotFound(t *testing.T) {
	srv, _ := newTestServer()

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/anomalies/999/resolve", nil,
		map[string]string{"X-Observer-ID": "ops-1"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestViewport(t *testing.T) {
	srv, _ := newTestServer()

	submitEvent(t, srv, "device-1", baseLat, baseLng, "severe")
	submitEvent(t, srv, "device-2", offsetLat(baseLat, 50), baseLng, "mild")

	path := fmt.Sprintf("/api/v1/anomalies/viewport?latMin=%f&latMax=%f&lngMin=%f&lngMax=%f",
		baseLat-0.01, baseLat+0.01, baseLng-0.01, baseLng+0.01)
	rec := doJSON(t, srv, http.MethodGet, path, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("viewport returned %d", rec.Code)
	}

	var body struct {
		Records []consensus.Record `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode viewport: %v", err)
	}
	if len(body.Records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(body.Records))
	}
	// Ordered by confidence desc: severe (60) before mild (30).
	if body.Records[0].Confidence < body.Records[1].Confidence {
		t.Error("Expected confidence-descending order")
	}
}

func TestViewport_MissingParams(t *testing.T) {
	srv, _ := newTestServer()

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/anomalies/viewport?latMin=1", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestNearby_DefaultRadius(t *testing.T) {
	srv, _ := newTestServer()

	submitEvent(t, srv, "device-1", offsetLat(baseLat, 100), baseLng, "mild")
	submitEvent(t, srv, "device-2", offsetLat(baseLat, 300), baseLng, "mild")

	rec := doJSON(t, srv, http.MethodGet,
		fmt.Sprintf("/api/v1/anomalies/nearby?lat=%f&lng=%f", baseLat, baseLng), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby returned %d", rec.Code)
	}

	var body struct {
		Records []consensus.NearbyRecord `json:"records"`
		RadiusM float64                  `json:"radius_m"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode nearby: %v", err)
	}
	if body.RadiusM != DefaultNearbyRadiusM {
		t.Errorf("Expected default radius %v, got %v", DefaultNearbyRadiusM, body.RadiusM)
	}
	// Only the 100 m record is inside the default radius.
	if len(body.Records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(body.Records))
	}
}

func TestAlertsCheck_TierRadius(t *testing.T) {
	srv, _ := newTestServer()

	// Confirm a record 300 m out via 3 distinct validations.
	created := submitEvent(t, srv, "device-1", offsetLat(baseLat, 300), baseLng, "severe")
	path := fmt.Sprintf("/api/v1/anomalies/%d/validate", created.Record.ID)
	for i := 1; i <= 3; i++ {
		doJSON(t, srv, http.MethodPost, path, nil,
			map[string]string{"X-Observer-ID": fmt.Sprintf("observer-%d", i)})
	}

	checkPath := fmt.Sprintf("/api/v1/alerts/check?lat=%f&lng=%f", baseLat, baseLng)

	// Standard tier: 200 m radius, record is out of reach.
	rec := doJSON(t, srv, http.MethodGet, checkPath, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("alerts check returned %d", rec.Code)
	}
	var standard struct {
		Alerts  []interface{} `json:"alerts"`
		RadiusM float64       `json:"radius_m"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &standard); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(standard.Alerts) != 0 {
		t.Errorf("Expected no alerts at standard tier, got %d", len(standard.Alerts))
	}

	// Elevated tier widens to 500 m.
	rec = doJSON(t, srv, http.MethodGet, checkPath, nil,
		map[string]string{"X-Observer-Tier": "elevated"})
	var elevated struct {
		Alerts       []interface{} `json:"alerts"`
		RadiusM      float64       `json:"radius_m"`
		ElevatedTier bool          `json:"elevated_tier"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &elevated); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if !elevated.ElevatedTier {
		t.Error("Expected elevated tier flag")
	}
	if len(elevated.Alerts) != 1 {
		t.Errorf("Expected 1 alert at elevated tier, got %d", len(elevated.Alerts))
	}
}

func TestStreetQuality_NoSnapshot(t *testing.T) {
	srv, _ := newTestServer()

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/streets/1/quality", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("quality returned %d", rec.Code)
	}

	var body struct {
		Snapshot *consensus.StreetQualitySnapshot `json:"snapshot"`
		Message  string                           `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode quality: %v", err)
	}
	if body.Snapshot != nil {
		t.Error("Expected null snapshot")
	}
	if body.Message == "" {
		t.Error("Expected an explanatory message")
	}
}

func TestRecalculate(t *testing.T) {
	srv, _ := newTestServer()

	submitEvent(t, srv, "device-1", baseLat, baseLng, "severe")
	submitEvent(t, srv, "device-2", offsetLat(baseLat, 50), baseLng, "mild")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/streets/1/recalculate", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recalculate returned %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Snapshot           *consensus.StreetQualitySnapshot `json:"snapshot"`
		ActiveAnomalyCount int                              `json:"active_anomaly_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode recalculate: %v", err)
	}
	if body.ActiveAnomalyCount != 2 {
		t.Errorf("Expected 2 active anomalies, got %d", body.ActiveAnomalyCount)
	}
	if body.Snapshot == nil || body.Snapshot.QualityIndex != 80 {
		t.Errorf("Expected quality 80, got %+v", body.Snapshot)
	}
}

func TestWorstStreets(t *testing.T) {
	srv, _ := newTestServer()

	// Street 1 gets two anomalies, street 2 none.
	submitEvent(t, srv, "device-1", baseLat, baseLng, "severe")
	submitEvent(t, srv, "device-2", offsetLat(baseLat, 50), baseLng, "mild")
	doJSON(t, srv, http.MethodPost, "/api/v1/streets/1/recalculate", nil, nil)
	doJSON(t, srv, http.MethodPost, "/api/v1/streets/2/recalculate", nil, nil)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/streets/worst?limit=10", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("worst returned %d", rec.Code)
	}

	var body struct {
		Streets []consensus.StreetQualitySnapshot `json:"streets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode worst: %v", err)
	}
	if len(body.Streets) != 2 {
		t.Fatalf("Expected 2 streets, got %d", len(body.Streets))
	}
	if body.Streets[0].StreetID != 1 || body.Streets[0].QualityIndex != 80 {
		t.Errorf("Expected street 1 at quality 80 first, got %+v", body.Streets[0])
	}
	if body.Streets[1].StreetID != 2 || body.Streets[1].QualityIndex != 100 {
		t.Errorf("Expected street 2 at quality 100 second, got %+v", body.Streets[1])
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer()

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
