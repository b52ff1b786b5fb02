package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rkona/roadsense-server/internal/consensus"
	"github.com/rkona/roadsense-server/internal/geo"
)

const recordColumns = `id, anomaly_type_id, street_id, origin, confidence, state, latitude, longitude, created_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (*consensus.Record, error) {
	var rec consensus.Record
	err := row.Scan(
		&rec.ID,
		&rec.AnomalyTypeID,
		&rec.StreetID,
		&rec.Origin,
		&rec.Confidence,
		&rec.State,
		&rec.Latitude,
		&rec.Longitude,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AnomalyTypeExists reports whether the anomaly type id is known.
func (db *DB) AnomalyTypeExists(ctx context.Context, typeID int) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM anomaly_types WHERE id = $1)`, typeID,
	).Scan(&exists)
	return exists, err
}

// TypeName returns the display name of an anomaly type.
func (db *DB) TypeName(ctx context.Context, typeID int) (string, error) {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM anomaly_types WHERE id = $1`, typeID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", consensus.ErrNotFound
	}
	return name, err
}

// FindNearestOpen returns the nearest non-resolved record of the type
// within radiusM, ties broken by lowest id. Candidates are pre-filtered by
// bounding box in SQL; the exact great-circle check runs in Go.
func (db *DB) FindNearestOpen(ctx context.Context, typeID int, lat, lng, radiusM float64) (*consensus.Record, error) {
	latMin, latMax, lngMin, lngMax := geo.BoundingBox(lat, lng, radiusM)

	query := `
		SELECT ` + recordColumns + `
		FROM anomaly_records
		WHERE anomaly_type_id = $1
		  AND state <> 'resolved'
		  AND latitude BETWEEN $2 AND $3
		  AND longitude BETWEEN $4 AND $5
		ORDER BY id
	`

	rows, err := db.QueryContext(ctx, query, typeID, latMin, latMax, lngMin, lngMax)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var best *consensus.Record
	var bestDist float64
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		d := geo.DistanceM(lat, lng, rec.Latitude, rec.Longitude)
		if d > radiusM {
			continue
		}
		// Rows arrive id-ascending, so strict < keeps the lowest id on ties.
		if best == nil || d < bestDist {
			best = rec
			bestDist = d
		}
	}
	return best, rows.Err()
}

// NearestStreetID returns the street whose centroid is closest to the
// point, or the unknown-street sentinel when the catalog is empty.
func (db *DB) NearestStreetID(ctx context.Context, lat, lng float64) (int64, error) {
	// Squared equirectangular degrees are monotonic with distance at
	// street-catalog scale, which is all a nearest-neighbor needs.
	query := `
		SELECT id
		FROM streets
		WHERE id <> $3
		ORDER BY power(latitude - $1, 2) + power((longitude - $2) * cos(radians($1)), 2)
		LIMIT 1
	`

	var id int64
	err := db.QueryRowContext(ctx, query, lat, lng, consensus.UnknownStreetID).Scan(&id)
	if err == sql.ErrNoRows {
		return consensus.UnknownStreetID, nil
	}
	if err != nil {
		return consensus.UnknownStreetID, err
	}
	return id, nil
}

// InsertRecord persists a new anomaly record and fills ID and CreatedAt.
func (db *DB) InsertRecord(ctx context.Context, rec *consensus.Record) error {
	query := `
		INSERT INTO anomaly_records (
			anomaly_type_id, street_id, origin, confidence, state, latitude, longitude
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	return db.QueryRowContext(
		ctx,
		query,
		rec.AnomalyTypeID,
		rec.StreetID,
		rec.Origin,
		rec.Confidence,
		rec.State,
		rec.Latitude,
		rec.Longitude,
	).Scan(&rec.ID, &rec.CreatedAt)
}

// GetRecord loads one record by id.
func (db *DB) GetRecord(ctx context.Context, id int64) (*consensus.Record, error) {
	rec, err := scanRecord(db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM anomaly_records WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, consensus.ErrNotFound
	}
	return rec, err
}

// ReinforceRecord atomically raises confidence by delta, capped at max.
func (db *DB) ReinforceRecord(ctx context.Context, id int64, delta, max int) (int, error) {
	var confidence int
	err := db.QueryRowContext(ctx,
		`UPDATE anomaly_records SET confidence = LEAST(confidence + $2, $3) WHERE id = $1 RETURNING confidence`,
		id, delta, max,
	).Scan(&confidence)
	if err == sql.ErrNoRows {
		return 0, consensus.ErrNotFound
	}
	return confidence, err
}

// ResolveRecord moves a record to resolved regardless of current state.
func (db *DB) ResolveRecord(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE anomaly_records SET state = 'resolved' WHERE id = $1`, id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return consensus.ErrNotFound
	}
	return nil
}

// PromoteIfReported transitions reported→confirmed; the WHERE clause makes
// the promotion a one-way compare-and-set.
func (db *DB) PromoteIfReported(ctx context.Context, id int64) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE anomaly_records SET state = 'confirmed' WHERE id = $1 AND state = 'reported'`, id,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// AppendHistory appends one immutable history entry.
func (db *DB) AppendHistory(ctx context.Context, entry *consensus.HistoryEntry) error {
	query := `
		INSERT INTO anomaly_history (anomaly_id, action, observer_id, at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	return db.QueryRowContext(ctx, query,
		entry.AnomalyID, entry.Action, entry.ObserverID, entry.At,
	).Scan(&entry.ID)
}

// CountValidations derives the validation count from the history; there is
// no stored counter to drift.
func (db *DB) CountValidations(ctx context.Context, anomalyID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomaly_history WHERE anomaly_id = $1 AND action = 'validation'`,
		anomalyID,
	).Scan(&count)
	return count, err
}

// HasValidation reports whether the observer already validated the record.
func (db *DB) HasValidation(ctx context.Context, anomalyID int64, observerID string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM anomaly_history
			WHERE anomaly_id = $1 AND action = 'validation' AND observer_id = $2
		)`,
		anomalyID, observerID,
	).Scan(&exists)
	return exists, err
}

// IncrementTripAnomalies bumps a trip's anomaly counter; unknown trips are
// a no-op.
func (db *DB) IncrementTripAnomalies(ctx context.Context, tripID int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE trips SET anomaly_count = anomaly_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		tripID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment trip counter: %w", err)
	}
	return nil
}
