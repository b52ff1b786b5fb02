package geo

import (
	"fmt"
	"math"
)

// EarthRadiusM is the mean earth radius in meters.
const EarthRadiusM = 6371000.0

// cellSizeDeg is the side of the grid cells used for write-serialization
// keys. ~111 m at the equator, an order of magnitude above the dedup radius.
const cellSizeDeg = 0.001

// DistanceM returns the great-circle distance in meters between two
// latitude/longitude pairs using the haversine formula.
func DistanceM(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// BoundingBox returns a lat/lng box that encloses the circle of the given
// radius around a point. Used to pre-filter candidates before the exact
// haversine check.
func BoundingBox(lat, lng, radiusM float64) (latMin, latMax, lngMin, lngMax float64) {
	dLat := radiusM / EarthRadiusM * 180 / math.Pi
	// Longitude degrees shrink with latitude; guard the poles.
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 1e-6 {
		cosLat = 1e-6
	}
	dLng := dLat / cosLat
	return lat - dLat, lat + dLat, lng - dLng, lng + dLng
}

// CellKey maps an anomaly type and coordinate onto the grid cell used to
// scope write serialization: events for the same physical anomaly hash to
// the same key.
func CellKey(anomalyTypeID int, lat, lng float64) string {
	return fmt.Sprintf("%d:%d:%d",
		anomalyTypeID,
		int64(math.Floor(lat/cellSizeDeg)),
		int64(math.Floor(lng/cellSizeDeg)))
}

// ValidCoordinate reports whether lat/lng form a finite, in-range
// geographic coordinate.
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
