package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rkona/roadsense-server/internal/consensus"
)

// SnapshotCache keeps the most recent street-quality snapshot per street
// in Redis so quality reads skip the ledger on the hot path. It is a cache
// only: the snapshot table stays the source of truth and every entry
// expires on its own.
type SnapshotCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSnapshotCache creates a cache over an existing Redis client.
func NewSnapshotCache(redisClient *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotCache{redis: redisClient, ttl: ttl}
}

func snapshotKey(streetID int64) string {
	return fmt.Sprintf("street_quality:%d", streetID)
}

// PutLatest stores the snapshot as the street's current quality.
func (c *SnapshotCache) PutLatest(ctx context.Context, snap *consensus.StreetQualitySnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := c.redis.Set(ctx, snapshotKey(snap.StreetID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in Redis: %w", err)
	}
	return nil
}

// GetLatest returns the cached snapshot, or nil on a miss.
func (c *SnapshotCache) GetLatest(ctx context.Context, streetID int64) (*consensus.StreetQualitySnapshot, error) {
	data, err := c.redis.Get(ctx, snapshotKey(streetID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from Redis: %w", err)
	}

	var snap consensus.StreetQualitySnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Invalidate drops a street's cached snapshot.
func (c *SnapshotCache) Invalidate(ctx context.Context, streetID int64) error {
	return c.redis.Del(ctx, snapshotKey(streetID)).Err()
}
