package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/training-ops-engine/internal/models"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
)

const snapshotKeyPrefix = "training-ops:bulk-operation:snapshot:"

// SnapshotCacheRepository keeps bulk operation snapshots in Redis keyed by
// operation id. A nil client behaves as an always-empty cache.
type SnapshotCacheRepository struct {
	client *redis.Client
}

// NewSnapshotCacheRepository constructs the repository.
func NewSnapshotCacheRepository(client *redis.Client) *SnapshotCacheRepository {
	return &SnapshotCacheRepository{client: client}
}

// Load returns the cached snapshot or appErrors.ErrCacheMiss.
func (r *SnapshotCacheRepository) Load(ctx context.Context, id string) (*models.BulkOperation, error) {
	if r.client == nil {
		return nil, appErrors.ErrCacheMiss
	}
	raw, err := r.client.Get(ctx, snapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, appErrors.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	var op models.BulkOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &op, nil
}

// Store writes the snapshot with a TTL.
func (r *SnapshotCacheRepository) Store(ctx context.Context, op *models.BulkOperation, ttl time.Duration) error {
	if r.client == nil || op == nil {
		return nil
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", op.ID, err)
	}
	if err := r.client.Set(ctx, snapshotKey(op.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot %s: %w", op.ID, err)
	}
	return nil
}

// Evict drops the snapshots of the given operations.
func (r *SnapshotCacheRepository) Evict(ctx context.Context, ids ...string) error {
	if r.client == nil || len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = snapshotKey(id)
	}
	if err := r.client.Unlink(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("evict snapshots %v: %w", ids, err)
	}
	return nil
}

func snapshotKey(id string) string {
	return snapshotKeyPrefix + id
}
