package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rkona/roadsense-server/internal/alerts"
	"github.com/rkona/roadsense-server/internal/consensus"
	"github.com/rkona/roadsense-server/internal/quality"
)

// ViewportLimit caps viewport query responses.
const ViewportLimit = 200

// DefaultNearbyRadiusM is used when the nearby query omits a radius.
const DefaultNearbyRadiusM = 200.0

// DefaultWorstLimit is used when the worst-streets query omits a limit.
const DefaultWorstLimit = 20

// QueryStore is the read surface the API needs beyond the engine.
// Implemented by *database.DB and by consensus.MemStore.
type QueryStore interface {
	RecordsInViewport(ctx context.Context, latMin, latMax, lngMin, lngMax float64, limit int) ([]consensus.Record, error)
	OpenRecordsNear(ctx context.Context, lat, lng, radiusM float64) ([]consensus.NearbyRecord, error)
}

// Server is the REST surface over the consensus engine, quality aggregator
// and alert checker. Caller identity arrives in the X-Observer-ID header,
// caller tier in X-Observer-Tier; both are installed upstream by the auth
// collaborator.
type Server struct {
	engine  *consensus.Engine
	queries QueryStore
	quality *quality.Aggregator
	alerts  *alerts.Checker
	router  *mux.Router
}

// NewServer wires the handlers onto a router.
func NewServer(engine *consensus.Engine, queries QueryStore, agg *quality.Aggregator, checker *alerts.Checker) *Server {
	s := &Server{
		engine:  engine,
		queries: queries,
		quality: agg,
		alerts:  checker,
		router:  mux.NewRouter(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/anomalies", s.handleCreateAnomaly).Methods(http.MethodPost)
	api.HandleFunc("/anomalies/bulk", s.handleBulkAnomalies).Methods(http.MethodPost)
	api.HandleFunc("/anomalies/viewport", s.handleViewport).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/{id:[0-9]+}/validate", s.handleValidate).Methods(http.MethodPost)
	api.HandleFunc("/anomalies/{id:[0-9]+}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/alerts/check", s.handleAlertsCheck).Methods(http.MethodGet)
	api.HandleFunc("/streets/{id:[0-9]+}/quality", s.handleStreetQuality).Methods(http.MethodGet)
	api.HandleFunc("/streets/{id:[0-9]+}/recalculate", s.handleRecalculate).Methods(http.MethodPost)
	api.HandleFunc("/streets/worst", s.handleWorstStreets).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// observerID extracts caller identity from the auth headers.
func observerID(r *http.Request) string {
	return r.Header.Get("X-Observer-ID")
}

// elevatedTier reports whether the caller is on the elevated alert tier.
func elevatedTier(r *http.Request) bool {
	return r.Header.Get("X-Observer-Tier") == "elevated"
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		fmt.Printf("Failed to encode response: %v\n", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the ledger error taxonomy onto HTTP statuses: caller
// errors 400, unknown ids 404, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	var verr *consensus.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Reason})
	case errors.Is(err, consensus.ErrAlreadyValidated):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, consensus.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		fmt.Printf("Request failed: %v\n", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
