package database

import (
	"context"
	"sort"

	"github.com/rkona/roadsense-server/internal/consensus"
	"github.com/rkona/roadsense-server/internal/geo"
)

// RecordsInViewport returns non-resolved records inside the box, highest
// confidence first.
func (db *DB) RecordsInViewport(ctx context.Context, latMin, latMax, lngMin, lngMax float64, limit int) ([]consensus.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM anomaly_records
		WHERE state <> 'resolved'
		  AND latitude BETWEEN $1 AND $2
		  AND longitude BETWEEN $3 AND $4
		ORDER BY confidence DESC, id
		LIMIT $5
	`

	rows, err := db.QueryContext(ctx, query, latMin, latMax, lngMin, lngMax, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []consensus.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// OpenRecordsNear returns non-resolved records within radiusM, nearest
// first.
func (db *DB) OpenRecordsNear(ctx context.Context, lat, lng, radiusM float64) ([]consensus.NearbyRecord, error) {
	return db.near(ctx, lat, lng, radiusM, `state <> 'resolved'`, 0)
}

// ConfirmedNear returns confirmed records with at least minConfidence
// within radiusM, nearest first.
func (db *DB) ConfirmedNear(ctx context.Context, lat, lng, radiusM float64, minConfidence int) ([]consensus.NearbyRecord, error) {
	return db.near(ctx, lat, lng, radiusM, `state = 'confirmed' AND confidence >= $5`, minConfidence)
}

func (db *DB) near(ctx context.Context, lat, lng, radiusM float64, stateClause string, minConfidence int) ([]consensus.NearbyRecord, error) {
	latMin, latMax, lngMin, lngMax := geo.BoundingBox(lat, lng, radiusM)

	query := `
		SELECT ` + recordColumns + `
		FROM anomaly_records
		WHERE latitude BETWEEN $1 AND $2
		  AND longitude BETWEEN $3 AND $4
		  AND ` + stateClause + `
		ORDER BY id
	`

	args := []interface{}{latMin, latMax, lngMin, lngMax}
	if minConfidence > 0 {
		args = append(args, minConfidence)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []consensus.NearbyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		d := geo.DistanceM(lat, lng, rec.Latitude, rec.Longitude)
		if d > radiusM {
			continue
		}
		out = append(out, consensus.NearbyRecord{Record: *rec, DistanceM: d})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
