package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/rkona/roadsense-server/internal/consensus"
)

// CountActiveOnStreet counts non-resolved records attached to a street.
func (db *DB) CountActiveOnStreet(ctx context.Context, streetID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomaly_records WHERE street_id = $1 AND state <> 'resolved'`,
		streetID,
	).Scan(&count)
	return count, err
}

// InsertSnapshot appends one street-quality snapshot.
func (db *DB) InsertSnapshot(ctx context.Context, snap *consensus.StreetQualitySnapshot) error {
	query := `
		INSERT INTO street_quality_snapshots (street_id, quality_index, computed_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	return db.QueryRowContext(ctx, query,
		snap.StreetID, snap.QualityIndex, snap.ComputedAt,
	).Scan(&snap.ID)
}

// LatestSnapshot returns the most recent snapshot for a street, or nil
// when none exists.
func (db *DB) LatestSnapshot(ctx context.Context, streetID int64) (*consensus.StreetQualitySnapshot, error) {
	query := `
		SELECT id, street_id, quality_index, computed_at
		FROM street_quality_snapshots
		WHERE street_id = $1
		ORDER BY id DESC
		LIMIT 1
	`

	var snap consensus.StreetQualitySnapshot
	err := db.QueryRowContext(ctx, query, streetID).Scan(
		&snap.ID, &snap.StreetID, &snap.QualityIndex, &snap.ComputedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// WorstStreets ranks streets by their most recent snapshot, worst first,
// ties broken by street id.
func (db *DB) WorstStreets(ctx context.Context, limit int) ([]consensus.StreetQualitySnapshot, error) {
	query := `
		SELECT id, street_id, quality_index, computed_at
		FROM (
			SELECT DISTINCT ON (street_id) id, street_id, quality_index, computed_at
			FROM street_quality_snapshots
			ORDER BY street_id, id DESC
		) latest
		ORDER BY quality_index, street_id
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []consensus.StreetQualitySnapshot
	for rows.Next() {
		var snap consensus.StreetQualitySnapshot
		if err := rows.Scan(&snap.ID, &snap.StreetID, &snap.QualityIndex, &snap.ComputedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// StreetIDsWithActivitySince lists streets whose ledger saw history entries
// at or after the given time; the periodic sweep recomputes exactly these.
func (db *DB) StreetIDsWithActivitySince(ctx context.Context, since time.Time) ([]int64, error) {
	query := `
		SELECT DISTINCT r.street_id
		FROM anomaly_records r
		JOIN anomaly_history h ON h.anomaly_id = r.id
		WHERE h.at >= $1
		ORDER BY r.street_id
	`

	rows, err := db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
