package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pollen_ledger/internal/models"
)

// releaseScript deletes the key only while it still holds the caller's
// processing lease; a processed marker or another caller's lease is kept.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const leasePrefix = string(models.MarkerProcessing) + ":"

// RedisMarkerStore keeps idempotency markers in Redis using SET NX PX as the
// conditional-put primitive.
type RedisMarkerStore struct {
	client *redis.Client
}

// NewRedisMarkerStore creates a marker store on client
func NewRedisMarkerStore(client *redis.Client) *RedisMarkerStore {
	return &RedisMarkerStore{client: client}
}

// TryAcquire claims key for ttl. It returns the lease token and true when
// this caller owns the key, or false if any marker already exists.
func (s *RedisMarkerStore) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	lease := leasePrefix + uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, lease, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire marker %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return lease, true, nil
}

// MarkProcessed replaces the lease with the processed marker
func (s *RedisMarkerStore) MarkProcessed(ctx context.Context, key string, marker models.Marker, ttl time.Duration) error {
	marker.State = models.MarkerProcessed
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark %s processed: %w", key, err)
	}
	return nil
}

// Release drops the caller's lease so a redelivery can acquire the key
func (s *RedisMarkerStore) Release(ctx context.Context, key, lease string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}, lease).Err(); err != nil {
		return fmt.Errorf("failed to release marker %s: %w", key, err)
	}
	return nil
}

// State reports the state of the marker under key
func (s *RedisMarkerStore) State(ctx context.Context, key string) (models.MarkerState, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMarkerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read marker %s: %w", key, err)
	}
	if strings.HasPrefix(val, leasePrefix) {
		return models.MarkerProcessing, nil
	}
	return models.MarkerProcessed, nil
}
