package consensus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rkona/roadsense-server/internal/geo"
)

// MemStore is an in-memory Store plus the read-side query surface, used by
// package tests across the repo in place of Postgres/Redis. It honors the
// same semantics: derived validation counts, append-only history and
// snapshots, keyed mutual exclusion.
type MemStore struct {
	mu sync.Mutex

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	types     map[int]string
	streets   []Street
	trips     map[int64]int
	records   map[int64]*Record
	history   []HistoryEntry
	snapshots []StreetQualitySnapshot

	nextRecordID   int64
	nextHistoryID  int64
	nextSnapshotID int64
}

// NewMemStore seeds the store with an anomaly-type catalog and a street
// catalog.
func NewMemStore(types map[int]string, streets []Street) *MemStore {
	return &MemStore{
		locks:   make(map[string]*sync.Mutex),
		types:   types,
		streets: streets,
		trips:   make(map[int64]int),
		records: make(map[int64]*Record),
	}
}

func (m *MemStore) AnomalyTypeExists(ctx context.Context, typeID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.types[typeID]
	return ok, nil
}

func (m *MemStore) TypeName(ctx context.Context, typeID int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.types[typeID]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (m *MemStore) FindNearestOpen(ctx context.Context, typeID int, lat, lng, radiusM float64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Record
	var bestDist float64
	for _, rec := range m.records {
		if rec.AnomalyTypeID != typeID || rec.State == StateResolved {
			continue
		}
		d := geo.DistanceM(lat, lng, rec.Latitude, rec.Longitude)
		if d > radiusM {
			continue
		}
		if best == nil || d < bestDist || (d == bestDist && rec.ID < best.ID) {
			c := *rec
			best = &c
			bestDist = d
		}
	}
	return best, nil
}

func (m *MemStore) NearestStreetID(ctx context.Context, lat, lng float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bestID := UnknownStreetID
	bestDist := -1.0
	for _, st := range m.streets {
		d := geo.DistanceM(lat, lng, st.Latitude, st.Longitude)
		if bestDist < 0 || d < bestDist {
			bestDist = d
			bestID = st.ID
		}
	}
	return bestID, nil
}

func (m *MemStore) InsertRecord(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRecordID++
	rec.ID = m.nextRecordID
	rec.CreatedAt = time.Now().UTC()
	c := *rec
	m.records[rec.ID] = &c
	return nil
}

func (m *MemStore) GetRecord(ctx context.Context, id int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (m *MemStore) ReinforceRecord(ctx context.Context, id int64, delta, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return 0, ErrNotFound
	}
	rec.Confidence += delta
	if rec.Confidence > max {
		rec.Confidence = max
	}
	return rec.Confidence, nil
}

func (m *MemStore) ResolveRecord(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.State = StateResolved
	return nil
}

func (m *MemStore) PromoteIfReported(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.State != StateReported {
		return false, nil
	}
	rec.State = StateConfirmed
	return true, nil
}

func (m *MemStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextHistoryID++
	entry.ID = m.nextHistoryID
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	m.history = append(m.history, *entry)
	return nil
}

func (m *MemStore) CountValidations(ctx context.Context, anomalyID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, h := range m.history {
		if h.AnomalyID == anomalyID && h.Action == ActionValidation {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) HasValidation(ctx context.Context, anomalyID int64, observerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.history {
		if h.AnomalyID == anomalyID && h.Action == ActionValidation && h.ObserverID == observerID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) IncrementTripAnomalies(ctx context.Context, tripID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[tripID]++
	return nil
}

func (m *MemStore) WithProximityLock(ctx context.Context, key string, fn func() error) error {
	m.lockMu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.lockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// History returns a copy of the entries for a record, oldest first.
func (m *MemStore) History(anomalyID int64) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []HistoryEntry
	for _, h := range m.history {
		if h.AnomalyID == anomalyID {
			out = append(out, h)
		}
	}
	return out
}

// TripAnomalyCount returns a trip's counter.
func (m *MemStore) TripAnomalyCount(tripID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trips[tripID]
}

// --- read-side queries ---

func (m *MemStore) RecordsInViewport(ctx context.Context, latMin, latMax, lngMin, lngMax float64, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if rec.State == StateResolved {
			continue
		}
		if rec.Latitude < latMin || rec.Latitude > latMax || rec.Longitude < lngMin || rec.Longitude > lngMax {
			continue
		}
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) OpenRecordsNear(ctx context.Context, lat, lng, radiusM float64) ([]NearbyRecord, error) {
	return m.near(lat, lng, radiusM, func(rec *Record) bool {
		return rec.State != StateResolved
	})
}

func (m *MemStore) ConfirmedNear(ctx context.Context, lat, lng, radiusM float64, minConfidence int) ([]NearbyRecord, error) {
	return m.near(lat, lng, radiusM, func(rec *Record) bool {
		return rec.State == StateConfirmed && rec.Confidence >= minConfidence
	})
}

func (m *MemStore) near(lat, lng, radiusM float64, keep func(*Record) bool) ([]NearbyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []NearbyRecord
	for _, rec := range m.records {
		if !keep(rec) {
			continue
		}
		d := geo.DistanceM(lat, lng, rec.Latitude, rec.Longitude)
		if d > radiusM {
			continue
		}
		out = append(out, NearbyRecord{Record: *rec, DistanceM: d})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- street quality ---

func (m *MemStore) CountActiveOnStreet(ctx context.Context, streetID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range m.records {
		if rec.StreetID == streetID && rec.State != StateResolved {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) InsertSnapshot(ctx context.Context, snap *StreetQualitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSnapshotID++
	snap.ID = m.nextSnapshotID
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = time.Now().UTC()
	}
	m.snapshots = append(m.snapshots, *snap)
	return nil
}

func (m *MemStore) LatestSnapshot(ctx context.Context, streetID int64) (*StreetQualitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *StreetQualitySnapshot
	for i := range m.snapshots {
		s := &m.snapshots[i]
		if s.StreetID != streetID {
			continue
		}
		if latest == nil || s.ID > latest.ID {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

func (m *MemStore) WorstStreets(ctx context.Context, limit int) ([]StreetQualitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Most recent snapshot per street, then ascending quality.
	latest := make(map[int64]StreetQualitySnapshot)
	for _, s := range m.snapshots {
		if cur, ok := latest[s.StreetID]; !ok || s.ID > cur.ID {
			latest[s.StreetID] = s
		}
	}

	out := make([]StreetQualitySnapshot, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QualityIndex != out[j].QualityIndex {
			return out[i].QualityIndex < out[j].QualityIndex
		}
		return out[i].StreetID < out[j].StreetID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) StreetIDsWithActivitySince(ctx context.Context, since time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]bool)
	for _, h := range m.history {
		if h.At.Before(since) {
			continue
		}
		if rec, ok := m.records[h.AnomalyID]; ok {
			seen[rec.StreetID] = true
		}
	}

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
