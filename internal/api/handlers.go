package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rkona/roadsense-server/internal/consensus"
)

type anomalyPayload struct {
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	AnomalyTypeID int     `json:"anomaly_type_id"`
	Severity      string  `json:"severity,omitempty"`
	TripID        int64   `json:"trip_id,omitempty"`
	Origin        string  `json:"origin,omitempty"`      // sensor (default) or manual
	ObservedAt    string  `json:"observed_at,omitempty"` // RFC3339, defaults to now
}

func (p *anomalyPayload) toEvent() (consensus.Event, error) {
	observedAt := time.Now().UTC()
	if p.ObservedAt != "" {
		t, err := time.Parse(time.RFC3339, p.ObservedAt)
		if err != nil {
			return consensus.Event{}, consensus.NewValidationError("invalid observed_at: %v", err)
		}
		observedAt = t
	}

	return consensus.Event{
		Latitude:      p.Latitude,
		Longitude:     p.Longitude,
		AnomalyTypeID: p.AnomalyTypeID,
		Severity:      p.Severity,
		TripID:        p.TripID,
		Origin:        consensus.OriginKind(p.Origin),
		ObservedAt:    observedAt,
	}, nil
}

func (s *Server) handleCreateAnomaly(w http.ResponseWriter, r *http.Request) {
	var payload anomalyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, consensus.NewValidationError("invalid request body: %v", err))
		return
	}

	ev, err := payload.toEvent()
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.engine.Submit(r.Context(), observerID(r), ev)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.WasNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

type bulkRequest struct {
	Events []anomalyPayload `json:"events"`
	TripID int64            `json:"trip_id,omitempty"`
}

func (s *Server) handleBulkAnomalies(w http.ResponseWriter, r *http.Request) {
	var payload bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, consensus.NewValidationError("invalid request body: %v", err))
		return
	}
	if len(payload.Events) == 0 {
		writeError(w, consensus.NewValidationError("events list is empty"))
		return
	}

	events := make([]consensus.Event, 0, len(payload.Events))
	malformed := 0
	for _, p := range payload.Events {
		ev, err := p.toEvent()
		if err != nil {
			// Per-item failure is tallied, never fatal to the batch.
			malformed++
			continue
		}
		events = append(events, ev)
	}

	result := s.engine.SubmitBatch(r.Context(), observerID(r), events, payload.TripID)
	result.Errors += malformed
	result.TotalProcessed += malformed
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.engine.Validate(r.Context(), observerID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.engine.Resolve(r.Context(), observerID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}

	// Resolution changes the street's active count; refresh its quality
	// snapshot so reads see the improvement without waiting for the sweep.
	if _, _, err := s.quality.Recompute(r.Context(), rec.StreetID); err != nil {
		fmt.Printf("Failed to recompute street %d after resolve: %v\n", rec.StreetID, err)
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	latMin, err1 := queryFloat(r, "latMin")
	latMax, err2 := queryFloat(r, "latMax")
	lngMin, err3 := queryFloat(r, "lngMin")
	lngMax, err4 := queryFloat(r, "lngMax")
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		writeError(w, consensus.NewValidationError("latMin, latMax, lngMin and lngMax are required"))
		return
	}

	records, err := s.queries.RecordsInViewport(r.Context(), latMin, latMax, lngMin, lngMax, ViewportLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []consensus.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err1 := queryFloat(r, "lat")
	lng, err2 := queryFloat(r, "lng")
	if err1 != nil || err2 != nil {
		writeError(w, consensus.NewValidationError("lat and lng are required"))
		return
	}

	radius := DefaultNearbyRadiusM
	if v := r.URL.Query().Get("radius"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			writeError(w, consensus.NewValidationError("invalid radius %q", v))
			return
		}
		radius = parsed
	}

	records, err := s.queries.OpenRecordsNear(r.Context(), lat, lng, radius)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []consensus.NearbyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "radius_m": radius})
}

func (s *Server) handleAlertsCheck(w http.ResponseWriter, r *http.Request) {
	lat, err1 := queryFloat(r, "lat")
	lng, err2 := queryFloat(r, "lng")
	if err1 != nil || err2 != nil {
		writeError(w, consensus.NewValidationError("lat and lng are required"))
		return
	}

	result, err := s.alerts.Check(r.Context(), lat, lng, elevatedTier(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStreetQuality(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	snap, err := s.quality.Latest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"snapshot": nil,
			"message":  fmt.Sprintf("no quality snapshot for street %d yet", id),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshot": snap})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	snap, active, err := s.quality.Recompute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot":             snap,
		"active_anomaly_count": active,
	})
}

func (s *Server) handleWorstStreets(w http.ResponseWriter, r *http.Request) {
	limit := DefaultWorstLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, consensus.NewValidationError("invalid limit %q", v))
			return
		}
		limit = parsed
	}

	snaps, err := s.quality.Worst(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if snaps == nil {
		snaps = []consensus.StreetQualitySnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"streets": snaps})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, consensus.NewValidationError("invalid id")
	}
	return id, nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	return strconv.ParseFloat(v, 64)
}
