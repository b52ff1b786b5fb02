package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/rkona/roadsense-server/internal/geo"
)

// Engine applies incoming anomaly events to the ledger: spatial dedup,
// create-or-reinforce, auto-confirmation and resolution. One engine is
// shared by the API service and the ingest worker; all its methods are safe
// for concurrent use, with writes to the same anomaly serialized through
// the store's proximity lock.
type Engine struct {
	store    Store
	notifier ConfirmationNotifier // may be nil
}

// NewEngine creates an engine over the given store. notifier may be nil.
func NewEngine(store Store, notifier ConfirmationNotifier) *Engine {
	return &Engine{store: store, notifier: notifier}
}

// SubmitResult is the outcome of a single event submission.
type SubmitResult struct {
	Record Record `json:"record"`
	WasNew bool   `json:"was_new"`
}

// BatchResult aggregates a bulk submission. Per-item failures are tallied,
// never escalated: an offline batch must not be discarded because one
// record is malformed.
type BatchResult struct {
	Created        int   `json:"created"`
	Merged         int   `json:"merged"`
	Errors         int   `json:"errors"`
	TotalProcessed int   `json:"total_processed"`
	ElapsedMs      int64 `json:"elapsed_ms"`
}

// ValidationResult is the outcome of an explicit record validation.
type ValidationResult struct {
	Confidence      int   `json:"confidence"`
	ValidationCount int   `json:"validation_count"`
	State           State `json:"state"`
}

// Submit routes one event through dedup and the ledger. Retried duplicates
// from the device either reinforce the record created by the first attempt
// or fall inside the merge radius; they never silently duplicate.
func (e *Engine) Submit(ctx context.Context, observerID string, ev Event) (*SubmitResult, error) {
	if err := e.validate(ctx, ev); err != nil {
		return nil, err
	}

	var result *SubmitResult
	key := geo.CellKey(ev.AnomalyTypeID, ev.Latitude, ev.Longitude)
	err := e.store.WithProximityLock(ctx, key, func() error {
		match, err := e.store.FindNearestOpen(ctx, ev.AnomalyTypeID, ev.Latitude, ev.Longitude, MergeRadiusM)
		if err != nil {
			return &StoreError{Op: "find nearest", Err: err}
		}

		if match != nil {
			rec, err := e.reinforce(ctx, match.ID, observerID)
			if err != nil {
				return err
			}
			result = &SubmitResult{Record: *rec, WasNew: false}
			return nil
		}

		rec, err := e.create(ctx, observerID, ev)
		if err != nil {
			return err
		}
		result = &SubmitResult{Record: *rec, WasNew: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ev.TripID != 0 {
		// Counter upkeep must not fail the submission.
		if err := e.store.IncrementTripAnomalies(ctx, ev.TripID); err != nil {
			fmt.Printf("Failed to increment trip %d anomaly count: %v\n", ev.TripID, err)
		}
	}

	return result, nil
}

// SubmitBatch processes an offline-replayed batch. Events without a trip
// inherit the batch tripID. Each event is its own atomic unit; there is no
// all-or-nothing transaction across the batch.
func (e *Engine) SubmitBatch(ctx context.Context, observerID string, events []Event, tripID int64) BatchResult {
	start := time.Now()
	var result BatchResult

	for _, ev := range events {
		if ev.TripID == 0 {
			ev.TripID = tripID
		}

		sub, err := e.Submit(ctx, observerID, ev)
		if err != nil {
			fmt.Printf("Bulk ingest: event skipped: %v\n", err)
			result.Errors++
		} else if sub.WasNew {
			result.Created++
		} else {
			result.Merged++
		}
		result.TotalProcessed++
	}

	result.ElapsedMs = time.Since(start).Milliseconds()
	return result
}

// Validate records an explicit corroboration by one observer. At most one
// validation per (observer, record) is accepted.
func (e *Engine) Validate(ctx context.Context, observerID string, recordID int64) (*ValidationResult, error) {
	if observerID == "" {
		return nil, NewValidationError("observer identity is required")
	}

	var result *ValidationResult
	key := fmt.Sprintf("record:%d", recordID)
	err := e.store.WithProximityLock(ctx, key, func() error {
		if _, err := e.store.GetRecord(ctx, recordID); err != nil {
			return err
		}

		seen, err := e.store.HasValidation(ctx, recordID, observerID)
		if err != nil {
			return &StoreError{Op: "check validation", Err: err}
		}
		if seen {
			return ErrAlreadyValidated
		}

		rec, err := e.reinforce(ctx, recordID, observerID)
		if err != nil {
			return err
		}

		count, err := e.store.CountValidations(ctx, recordID)
		if err != nil {
			return &StoreError{Op: "count validations", Err: err}
		}

		result = &ValidationResult{
			Confidence:      rec.Confidence,
			ValidationCount: count,
			State:           rec.State,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve closes a record from any state. Resolved records stay in the
// ledger for audit but leave dedup matching and quality aggregation.
func (e *Engine) Resolve(ctx context.Context, observerID string, recordID int64) (*Record, error) {
	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if err := e.store.ResolveRecord(ctx, recordID); err != nil {
		return nil, err
	}

	entry := &HistoryEntry{
		AnomalyID:  recordID,
		Action:     ActionResolution,
		ObserverID: observerID,
		At:         time.Now().UTC(),
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return nil, &StoreError{Op: "append resolution", Err: err}
	}

	rec.State = StateResolved
	return rec, nil
}

// validate checks event shape before touching the ledger.
func (e *Engine) validate(ctx context.Context, ev Event) error {
	if !geo.ValidCoordinate(ev.Latitude, ev.Longitude) {
		return NewValidationError("invalid coordinates (%v, %v)", ev.Latitude, ev.Longitude)
	}
	if !ValidSeverity(ev.Severity) {
		return NewValidationError("unknown severity %q", ev.Severity)
	}
	if ev.Origin != "" && ev.Origin != OriginSensor && ev.Origin != OriginManual {
		return NewValidationError("unknown origin %q", ev.Origin)
	}

	known, err := e.store.AnomalyTypeExists(ctx, ev.AnomalyTypeID)
	if err != nil {
		return &StoreError{Op: "lookup anomaly type", Err: err}
	}
	if !known {
		return NewValidationError("unknown anomaly type %d", ev.AnomalyTypeID)
	}
	return nil
}

// create inserts a new record with its creation history entry.
func (e *Engine) create(ctx context.Context, observerID string, ev Event) (*Record, error) {
	streetID, err := e.store.NearestStreetID(ctx, ev.Latitude, ev.Longitude)
	if err != nil {
		// Missing street geometry never drops a road condition report.
		fmt.Printf("Nearest-street lookup failed, using unknown street: %v\n", err)
		streetID = UnknownStreetID
	}

	origin := ev.Origin
	if origin == "" {
		origin = OriginSensor
	}

	rec := &Record{
		AnomalyTypeID: ev.AnomalyTypeID,
		StreetID:      streetID,
		Origin:        origin,
		Confidence:    InitialConfidence(ev.Severity),
		State:         StateReported,
		Latitude:      ev.Latitude,
		Longitude:     ev.Longitude,
	}
	if err := e.store.InsertRecord(ctx, rec); err != nil {
		return nil, &StoreError{Op: "insert record", Err: err}
	}

	entry := &HistoryEntry{
		AnomalyID:  rec.ID,
		Action:     ActionCreation,
		ObserverID: observerID,
		At:         time.Now().UTC(),
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return nil, &StoreError{Op: "append creation", Err: err}
	}

	return rec, nil
}

// reinforce bumps confidence, appends the validation entry and applies the
// auto-confirmation rule (≥3 derived validations while still reported).
func (e *Engine) reinforce(ctx context.Context, recordID int64, observerID string) (*Record, error) {
	if _, err := e.store.ReinforceRecord(ctx, recordID, ReinforceDelta, MaxConfidence); err != nil {
		return nil, err
	}

	entry := &HistoryEntry{
		AnomalyID:  recordID,
		Action:     ActionValidation,
		ObserverID: observerID,
		At:         time.Now().UTC(),
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return nil, &StoreError{Op: "append validation", Err: err}
	}

	count, err := e.store.CountValidations(ctx, recordID)
	if err != nil {
		return nil, &StoreError{Op: "count validations", Err: err}
	}

	if count >= ConfirmThreshold {
		promoted, err := e.store.PromoteIfReported(ctx, recordID)
		if err != nil {
			return nil, &StoreError{Op: "promote record", Err: err}
		}
		if promoted && e.notifier != nil {
			rec, err := e.store.GetRecord(ctx, recordID)
			if err == nil {
				if nerr := e.notifier.AnomalyConfirmed(ctx, *rec, count); nerr != nil {
					fmt.Printf("Failed to publish confirmation for record %d: %v\n", recordID, nerr)
				}
			}
		}
	}

	return e.store.GetRecord(ctx, recordID)
}
