package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/models"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
)

// SnapshotRepository persists cached bulk operation snapshots.
type SnapshotRepository interface {
	Load(ctx context.Context, id string) (*models.BulkOperation, error)
	Store(ctx context.Context, op *models.BulkOperation, ttl time.Duration) error
	Evict(ctx context.Context, ids ...string) error
}

// SnapshotCache serves finished bulk operations without touching the store.
// Only terminal snapshots are ever written, so a cached answer cannot lag
// behind live progress. Backend failures degrade to a miss.
type SnapshotCache struct {
	repo    SnapshotRepository
	metrics *MetricsService
	ttl     time.Duration
	logger  *zap.Logger
	enabled bool
}

// NewSnapshotCache constructs a snapshot cache.
func NewSnapshotCache(repo SnapshotRepository, metrics *MetricsService, ttl time.Duration, logger *zap.Logger, enabled bool) *SnapshotCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotCache{repo: repo, metrics: metrics, ttl: ttl, logger: logger, enabled: enabled}
}

// Enabled indicates whether caching is active.
func (c *SnapshotCache) Enabled() bool {
	return c != nil && c.enabled && c.repo != nil
}

// Lookup returns a cached terminal snapshot.
func (c *SnapshotCache) Lookup(ctx context.Context, id string) (*models.BulkOperation, bool) {
	if !c.Enabled() {
		return nil, false
	}
	start := time.Now()
	op, err := c.repo.Load(ctx, id)
	switch {
	case errors.Is(err, appErrors.ErrCacheMiss):
		c.metrics.RecordSnapshotLookup("miss", time.Since(start))
		return nil, false
	case err != nil:
		c.metrics.RecordSnapshotLookup("error", time.Since(start))
		c.logger.Warn("snapshot lookup failed", zap.String("operation_id", id), zap.Error(err))
		return nil, false
	case !op.Status.Terminal():
		c.metrics.RecordSnapshotLookup("miss", time.Since(start))
		return nil, false
	}
	c.metrics.RecordSnapshotLookup("hit", time.Since(start))
	return op, true
}

// Remember caches op when it is terminal and ignores it otherwise.
func (c *SnapshotCache) Remember(ctx context.Context, op *models.BulkOperation) {
	if !c.Enabled() || op == nil || !op.Status.Terminal() {
		return
	}
	start := time.Now()
	err := c.repo.Store(ctx, op, c.ttl)
	c.metrics.ObserveSnapshotStore(time.Since(start))
	if err != nil {
		c.logger.Warn("snapshot store failed", zap.String("operation_id", op.ID), zap.Error(err))
	}
}

// Forget evicts the snapshot of one operation.
func (c *SnapshotCache) Forget(ctx context.Context, id string) {
	if !c.Enabled() {
		return
	}
	if err := c.repo.Evict(ctx, id); err != nil {
		c.logger.Warn("snapshot evict failed", zap.String("operation_id", id), zap.Error(err))
	}
}
