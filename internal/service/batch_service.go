package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/noah-isme/training-ops-engine/internal/dto"
	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/pkg/clock"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
	"github.com/noah-isme/training-ops-engine/pkg/jobs"
)

type bulkOperationStore interface {
	Create(ctx context.Context, op *models.BulkOperation) error
	GetByID(ctx context.Context, id string) (*models.BulkOperation, error)
	List(ctx context.Context, filter models.BulkOperationFilter) ([]models.BulkOperation, error)
	Mutate(ctx context.Context, id string, fn func(op *models.BulkOperation) error) (*models.BulkOperation, error)
}

type batchDispatcher interface {
	Enqueue(job jobs.Job) error
}

// ItemExecutor performs one work item against the external system. A nil
// error means success; otherwise the error text is recorded as the reason.
// Implementations must be idempotent because crashed batches are resumed.
type ItemExecutor interface {
	Execute(ctx context.Context, item models.WorkItem) error
}

// ItemExecutorFunc allows using plain functions.
type ItemExecutorFunc func(ctx context.Context, item models.WorkItem) error

// Execute implements ItemExecutor.
func (f ItemExecutorFunc) Execute(ctx context.Context, item models.WorkItem) error {
	return f(ctx, item)
}

// ItemCompensator undoes a previously successful item during rollback.
type ItemCompensator interface {
	Compensate(ctx context.Context, item models.WorkItem) error
}

// ItemCompensatorFunc allows using plain functions.
type ItemCompensatorFunc func(ctx context.Context, item models.WorkItem) error

// Compensate implements ItemCompensator.
func (f ItemCompensatorFunc) Compensate(ctx context.Context, item models.WorkItem) error {
	return f(ctx, item)
}

// BatchServiceConfig tunes dispatch.
type BatchServiceConfig struct {
	Workers         int
	ItemTimeout     time.Duration
	ItemsPerSecond  float64
	Burst           int
	StoreRetries    int
	StoreRetryDelay time.Duration
}

var (
	errItemAbandoned       = errors.New("item abandoned")
	errNoChange            = errors.New("no change")
	errRollbackUnavailable = errors.New("rollback unavailable")
)

// BatchService runs bulk operations: it persists the batch, dispatches its
// work items with bounded concurrency and keeps the persisted counters
// authoritative after every item.
type BatchService struct {
	store        bulkOperationStore
	queue        batchDispatcher
	validator    *validator.Validate
	executors    map[models.BulkOperationType]ItemExecutor
	compensators map[models.BulkOperationType]ItemCompensator
	breakers     map[models.BulkOperationType]*gobreaker.CircuitBreaker
	breakerTrip  uint32
	breakerWait  time.Duration
	cache        *SnapshotCache
	writeGens    [writeGenStripes]atomic.Uint64
	notifier     Notifier
	metrics      *MetricsService
	clock        clock.Clock
	logger       *zap.Logger
	cfg          BatchServiceConfig

	runMu   sync.Mutex
	running map[string]context.CancelFunc

	subMu       sync.Mutex
	subscribers map[string]map[int]chan models.BulkOperation
	lastSeen    map[string]int
	nextSubID   int
}

// BatchServiceOption configures the service.
type BatchServiceOption func(*BatchService)

// WithItemExecutors registers executors keyed by operation type.
func WithItemExecutors(executors map[models.BulkOperationType]ItemExecutor) BatchServiceOption {
	return func(s *BatchService) {
		for k, v := range executors {
			if v != nil {
				s.executors[k] = v
			}
		}
	}
}

// WithItemCompensators registers rollback compensators keyed by operation type.
func WithItemCompensators(compensators map[models.BulkOperationType]ItemCompensator) BatchServiceOption {
	return func(s *BatchService) {
		for k, v := range compensators {
			if v != nil {
				s.compensators[k] = v
			}
		}
	}
}

// WithBatchQueue sets the queue Submit and Recover enqueue onto.
func WithBatchQueue(queue batchDispatcher) BatchServiceOption {
	return func(s *BatchService) {
		s.queue = queue
	}
}

// WithBatchCache enables the terminal status cache.
func WithBatchCache(cache *SnapshotCache) BatchServiceOption {
	return func(s *BatchService) {
		s.cache = cache
	}
}

// WithBatchNotifier sets the event sink.
func WithBatchNotifier(notifier Notifier) BatchServiceOption {
	return func(s *BatchService) {
		s.notifier = notifier
	}
}

// WithBatchMetrics sets the metrics collector.
func WithBatchMetrics(metrics *MetricsService) BatchServiceOption {
	return func(s *BatchService) {
		s.metrics = metrics
	}
}

// WithBatchClock overrides the clock.
func WithBatchClock(c clock.Clock) BatchServiceOption {
	return func(s *BatchService) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCircuitBreaker guards each executor with a breaker that opens after
// consecutiveFailures and half-opens after openTimeout.
func WithCircuitBreaker(consecutiveFailures uint32, openTimeout time.Duration) BatchServiceOption {
	return func(s *BatchService) {
		s.breakerTrip = consecutiveFailures
		s.breakerWait = openTimeout
	}
}

// NewBatchService constructs the service with defaults.
func NewBatchService(store bulkOperationStore, validate *validator.Validate, logger *zap.Logger, cfg BatchServiceConfig, opts ...BatchServiceOption) *BatchService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 30 * time.Second
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	if cfg.StoreRetryDelay <= 0 {
		cfg.StoreRetryDelay = 200 * time.Millisecond
	}
	if cfg.ItemsPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = cfg.Workers
	}
	svc := &BatchService{
		store:        store,
		validator:    validate,
		executors:    make(map[models.BulkOperationType]ItemExecutor),
		compensators: make(map[models.BulkOperationType]ItemCompensator),
		breakers:     make(map[models.BulkOperationType]*gobreaker.CircuitBreaker),
		clock:        clock.Real(),
		logger:       logger,
		cfg:          cfg,
		running:      make(map[string]context.CancelFunc),
		subscribers:  make(map[string]map[int]chan models.BulkOperation),
		lastSeen:     make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	if svc.breakerTrip > 0 {
		for opType := range svc.executors {
			svc.breakers[opType] = svc.newBreaker(opType)
		}
	}
	return svc
}

func (s *BatchService) newBreaker(opType models.BulkOperationType) *gobreaker.CircuitBreaker {
	trip := s.breakerTrip
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "executor:" + string(opType),
		Timeout: s.breakerWait,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: healthyUpstream,
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("executor circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// healthyUpstream keeps errors that carry a Temporary method returning false
// from counting against the breaker. Such errors mean the upstream answered
// and rejected the item.
func healthyUpstream(err error) bool {
	if err == nil {
		return true
	}
	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && !temp.Temporary()
}

// Submit validates and persists a new batch and hands it to the queue. An
// empty item list completes immediately.
func (s *BatchService) Submit(ctx context.Context, req dto.SubmitBulkOperationRequest, actorID string) (*models.BulkOperation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk operation request")
	}
	if err := req.OperationData.Validate(); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	opType := req.OperationData.Type
	if _, ok := s.executors[opType]; !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("no executor registered for operation type %s", opType))
	}
	if req.EnableRollback && s.compensators[opType] == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("rollback is not supported for operation type %s", opType))
	}

	now := s.clock.Now()
	op := models.NewBulkOperation(strings.TrimSpace(req.OperationName), req.OperationData, actorID, req.EnableRollback, req.RollbackSnapshot, now)
	if err := s.retry(ctx, func() error { return s.store.Create(ctx, op) }); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, "failed to persist bulk operation")
	}
	s.logger.Info("bulk operation submitted",
		zap.String("operation_id", op.ID),
		zap.String("type", string(op.OperationType)),
		zap.Int("total_items", op.TotalItems))

	if op.Status.Terminal() {
		s.afterWrite(ctx, models.BulkStatusPending, op)
		return op, nil
	}
	s.enqueue(op)
	return op, nil
}

// Run dispatches every item of the batch that has no recorded outcome yet.
// Calling it again after a crash resumes from the persisted record.
func (s *BatchService) Run(ctx context.Context, id string) error {
	op, err := s.store.GetByID(ctx, id)
	if err != nil {
		return s.storeError(err, "failed to load bulk operation")
	}
	if op.Status.Terminal() {
		return nil
	}
	executor := s.executors[op.OperationType]
	if executor == nil {
		reason := fmt.Sprintf("no executor registered for operation type %s", op.OperationType)
		_, err := s.mutate(ctx, id, func(current *models.BulkOperation) error {
			if current.Status.Terminal() {
				return errNoChange
			}
			current.Fail(reason, s.clock.Now())
			return nil
		})
		if err != nil && !errors.Is(err, errNoChange) {
			return s.storeError(err, "failed to mark bulk operation failed")
		}
		return nil
	}

	dispatchCtx, stop := context.WithCancel(ctx)
	defer stop()
	if !s.track(id, stop) {
		return nil
	}
	defer s.untrack(id)

	op, err = s.mutate(ctx, id, func(current *models.BulkOperation) error {
		return current.Start(s.clock.Now())
	})
	if err != nil {
		if errors.Is(err, models.ErrOperationTerminal) {
			return nil
		}
		return s.storeError(err, "failed to start bulk operation")
	}
	if op.CancelRequested {
		stop()
	}

	s.metrics.BatchDispatchStarted()
	defer s.metrics.BatchDispatchStopped()

	if err := s.dispatch(ctx, dispatchCtx, op, executor); err != nil {
		return err
	}
	return s.finish(ctx, id)
}

func (s *BatchService) dispatch(ctx, dispatchCtx context.Context, op *models.BulkOperation, executor ItemExecutor) error {
	attempted := op.AttemptedSeqs()
	var limiter *rate.Limiter
	if s.cfg.ItemsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.ItemsPerSecond), s.cfg.Burst)
	}

	g, itemCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, item := range op.OperationData.WorkItems() {
		if _, done := attempted[item.Seq]; done {
			continue
		}
		if dispatchCtx.Err() != nil || itemCtx.Err() != nil {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(dispatchCtx); err != nil {
				break
			}
		}
		item := item
		g.Go(func() error {
			if dispatchCtx.Err() != nil {
				return nil
			}
			return s.processItem(itemCtx, op, executor, item)
		})
	}
	return g.Wait()
}

func (s *BatchService) processItem(ctx context.Context, op *models.BulkOperation, executor ItemExecutor, item models.WorkItem) error {
	start := time.Now()
	execErr := s.withTimeout(ctx, func(itemCtx context.Context) error {
		return s.invoke(itemCtx, op.OperationType, executor, item)
	})
	if errors.Is(execErr, errItemAbandoned) {
		return nil
	}
	s.metrics.ObserveBatchItem(string(op.OperationType), execErr == nil, time.Since(start))

	result := models.ItemResult{Seq: item.Seq, Key: item.Key}
	if execErr != nil {
		result.Err = execErr.Error()
		if result.Err == "" {
			result.Err = "executor reported failure"
		}
		s.logger.Warn("bulk operation item failed",
			zap.String("operation_id", op.ID),
			zap.String("item", item.Key),
			zap.Error(execErr))
	}

	_, err := s.mutate(ctx, op.ID, func(current *models.BulkOperation) error {
		_, err := current.RecordResult(result, s.clock.Now())
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrOperationTerminal) {
			return nil
		}
		s.logger.Error("failed to record item outcome",
			zap.String("operation_id", op.ID),
			zap.String("item", item.Key),
			zap.Error(err))
		return s.storeError(err, "failed to record item outcome")
	}
	return nil
}

func (s *BatchService) invoke(ctx context.Context, opType models.BulkOperationType, executor ItemExecutor, item models.WorkItem) error {
	breaker := s.breakers[opType]
	if breaker == nil {
		return executor.Execute(ctx, item)
	}
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, executor.Execute(ctx, item)
	})
	return err
}

// withTimeout runs fn under the per-item timeout. A stuck fn is abandoned once
// the timeout fires. Cancellation of ctx itself yields errItemAbandoned so the
// item stays unattempted.
func (s *BatchService) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("executor panic: %v", r)
			}
		}()
		done <- fn(itemCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return errItemAbandoned
		}
		return err
	case <-itemCtx.Done():
		if ctx.Err() != nil {
			return errItemAbandoned
		}
		return fmt.Errorf("timed out after %s", s.cfg.ItemTimeout)
	}
}

// finish settles a batch whose dispatch stopped early because of a cancel.
func (s *BatchService) finish(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(current *models.BulkOperation) error {
		if current.Status.Terminal() || !current.CancelRequested {
			return errNoChange
		}
		return current.SkipRemaining(current.TotalItems-current.Attempted(), s.clock.Now())
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return s.storeError(err, "failed to finalise bulk operation")
	}
	return ctx.Err()
}

// Status returns the current snapshot. Only terminal snapshots are served from
// the cache so observed progress never moves backwards. A snapshot read while
// a write to the same batch landed is returned but not cached.
func (s *BatchService) Status(ctx context.Context, id string) (*models.BulkOperation, error) {
	if cached, ok := s.cache.Lookup(ctx, id); ok {
		return cached, nil
	}
	gen := s.writeGeneration(id)
	seen := gen.Load()
	op, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError(err, "failed to load bulk operation")
	}
	if gen.Load() == seen {
		s.cache.Remember(ctx, op)
		if gen.Load() != seen {
			s.cache.Forget(ctx, id)
		}
	}
	return op, nil
}

const (
	writeGenStripes = 64
	recoverPageSize = 200
)

// writeGeneration returns the counter bumped by every write to id. Ids share
// stripes, so a write to one batch may spuriously skip caching another.
func (s *BatchService) writeGeneration(id string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.writeGens[h.Sum32()%writeGenStripes]
}

// Subscribe streams persisted snapshots of one batch. The channel is closed
// after the terminal snapshot or when cancel is called. Slow readers lose
// intermediate snapshots, never the latest one.
func (s *BatchService) Subscribe(id string) (<-chan models.BulkOperation, func()) {
	ch := make(chan models.BulkOperation, 16)

	s.subMu.Lock()
	s.nextSubID++
	subID := s.nextSubID
	if s.subscribers[id] == nil {
		s.subscribers[id] = make(map[int]chan models.BulkOperation)
	}
	s.subscribers[id][subID] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			subs := s.subscribers[id]
			if c, ok := subs[subID]; ok {
				close(c)
				delete(subs, subID)
			}
			if len(subs) == 0 {
				delete(s.subscribers, id)
				delete(s.lastSeen, id)
			}
		})
	}
	return ch, cancel
}

// Cancel stops dispatching new items. Items already in flight finish; the
// rest are dropped from total_items so the batch still completes.
func (s *BatchService) Cancel(ctx context.Context, id string) (*models.BulkOperation, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	stop, running := s.running[id]
	op, err := s.mutate(ctx, id, func(current *models.BulkOperation) error {
		if current.Status.Terminal() {
			return models.ErrOperationTerminal
		}
		now := s.clock.Now()
		current.CancelRequested = true
		current.UpdatedAt = now
		if running {
			return nil
		}
		return current.SkipRemaining(current.TotalItems-current.Attempted(), now)
	})
	if err != nil {
		if errors.Is(err, models.ErrOperationTerminal) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "bulk operation already finished")
		}
		return nil, s.storeError(err, "failed to cancel bulk operation")
	}
	if running {
		stop()
	}
	s.logger.Info("bulk operation cancel requested", zap.String("operation_id", id), zap.Bool("dispatching", running))
	return op, nil
}

// Rollback compensates every successful item in reverse completion order.
// Compensation failures are recorded on the rollback data; the batch status
// is left untouched.
func (s *BatchService) Rollback(ctx context.Context, id, actorID string) (*models.BulkOperation, error) {
	op, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError(err, "failed to load bulk operation")
	}
	if !op.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "bulk operation is still running")
	}
	if !op.CanRollback {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "rollback is not available for this bulk operation")
	}
	compensator := s.compensators[op.OperationType]
	if compensator == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("no compensator registered for operation type %s", op.OperationType))
	}

	claimed, err := s.mutate(ctx, id, func(current *models.BulkOperation) error {
		if !current.Status.Terminal() || !current.CanRollback {
			return errRollbackUnavailable
		}
		current.ConsumeRollback(nil, s.clock.Now())
		return nil
	})
	if err != nil {
		if errors.Is(err, errRollbackUnavailable) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "rollback is not available for this bulk operation")
		}
		return nil, s.storeError(err, "failed to claim rollback")
	}

	bySeq := make(map[int]models.WorkItem, claimed.TotalItems)
	for _, item := range claimed.OperationData.WorkItems() {
		bySeq[item.Seq] = item
	}
	failures := make([]models.ItemError, 0)
	compensated := 0
	for i := len(claimed.SucceededItems) - 1; i >= 0; i-- {
		item, ok := bySeq[claimed.SucceededItems[i]]
		if !ok {
			continue
		}
		err := s.withTimeout(ctx, func(itemCtx context.Context) error {
			return compensator.Compensate(itemCtx, item)
		})
		if err != nil {
			reason := err.Error()
			if errors.Is(err, errItemAbandoned) {
				reason = "rollback interrupted"
			}
			failures = append(failures, models.ItemError{Seq: item.Seq, Item: item.Key, Reason: reason, At: s.clock.Now()})
			s.logger.Warn("bulk operation compensation failed",
				zap.String("operation_id", id),
				zap.String("item", item.Key),
				zap.Error(err))
			continue
		}
		compensated++
	}

	result, err := s.mutate(ctx, id, func(current *models.BulkOperation) error {
		current.ConsumeRollback(failures, s.clock.Now())
		return nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to record rollback outcome")
	}
	emitEvent(ctx, s.notifier, s.logger, models.Event{
		Type:       models.EventBulkOperationRolledBack,
		ResourceID: id,
		ActorID:    actorID,
		Attributes: map[string]string{
			"compensated_items": strconv.Itoa(compensated),
			"failed_items":      strconv.Itoa(len(failures)),
		},
		OccurredAt: s.clock.Now(),
	})
	return result, nil
}

// List returns batches matching the query.
func (s *BatchService) List(ctx context.Context, query dto.BulkOperationQuery) ([]models.BulkOperation, error) {
	ops, err := s.store.List(ctx, models.BulkOperationFilter{
		Status:    query.Status,
		Type:      query.Type,
		CreatedBy: query.CreatedBy,
		Limit:     query.Limit,
		Offset:    query.Offset,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list bulk operations")
	}
	return ops, nil
}

// Recover re-enqueues unfinished batches after a restart and returns how many
// were queued.
func (s *BatchService) Recover(ctx context.Context) int {
	if s.queue == nil {
		return 0
	}
	// Collect every page before enqueueing so workers cannot shift offsets.
	var pending []models.BulkOperation
	seen := make(map[string]struct{})
	for offset := 0; ; offset += recoverPageSize {
		page, err := s.store.List(ctx, models.BulkOperationFilter{
			Status: []models.BulkOperationStatus{models.BulkStatusPending, models.BulkStatusInProgress},
			Limit:  recoverPageSize,
			Offset: offset,
		})
		if err != nil {
			s.logger.Warn("failed to recover bulk operations", zap.Int("offset", offset), zap.Error(err))
			break
		}
		for i := range page {
			if _, dup := seen[page[i].ID]; dup {
				continue
			}
			seen[page[i].ID] = struct{}{}
			pending = append(pending, page[i])
		}
		if len(page) < recoverPageSize {
			break
		}
	}
	queued := 0
	for i := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: pending[i].ID, Type: string(pending[i].OperationType)}); err != nil {
			s.logger.Warn("failed to requeue bulk operation", zap.String("operation_id", pending[i].ID), zap.Error(err))
			continue
		}
		queued++
	}
	return queued
}

func (s *BatchService) enqueue(op *models.BulkOperation) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(jobs.Job{ID: op.ID, Type: string(op.OperationType)}); err != nil {
		s.logger.Warn("failed to enqueue bulk operation", zap.String("operation_id", op.ID), zap.Error(err))
	}
}

// mutate runs fn inside the store's locked read-modify-write, retrying store
// failures with backoff. Errors from fn and missing rows are not retried.
func (s *BatchService) mutate(ctx context.Context, id string, fn func(op *models.BulkOperation) error) (*models.BulkOperation, error) {
	var (
		result   *models.BulkOperation
		previous models.BulkOperationStatus
	)
	err := s.retry(ctx, func() error {
		var fnErr error
		op, err := s.store.Mutate(ctx, id, func(current *models.BulkOperation) error {
			previous = current.Status
			fnErr = fn(current)
			return fnErr
		})
		if err != nil {
			if fnErr != nil || errors.Is(err, sql.ErrNoRows) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, previous, result)
	return result, nil
}

func (s *BatchService) retry(ctx context.Context, operation func() error) error {
	return retryStore(ctx, StoreRetryPolicy{Retries: s.cfg.StoreRetries, Delay: s.cfg.StoreRetryDelay}, operation)
}

func (s *BatchService) afterWrite(ctx context.Context, previous models.BulkOperationStatus, op *models.BulkOperation) {
	s.writeGeneration(op.ID).Add(1)
	s.cache.Forget(ctx, op.ID)
	s.publish(*op)
	if previous.Terminal() || !op.Status.Terminal() {
		return
	}
	s.metrics.RecordBatchOutcome(string(op.Status))
	eventType := models.EventBulkOperationCompleted
	if op.Status == models.BulkStatusFailed {
		eventType = models.EventBulkOperationFailed
	}
	s.logger.Info("bulk operation finished",
		zap.String("operation_id", op.ID),
		zap.String("status", string(op.Status)),
		zap.Int("processed_items", op.ProcessedItems),
		zap.Int("failed_items", op.FailedItems))
	emitEvent(ctx, s.notifier, s.logger, models.Event{
		Type:       eventType,
		ResourceID: op.ID,
		ActorID:    op.CreatedBy,
		Attributes: map[string]string{
			"operation_type":  string(op.OperationType),
			"total_items":     strconv.Itoa(op.TotalItems),
			"processed_items": strconv.Itoa(op.ProcessedItems),
			"failed_items":    strconv.Itoa(op.FailedItems),
		},
		OccurredAt: s.clock.Now(),
	})
}

func (s *BatchService) publish(op models.BulkOperation) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	subs := s.subscribers[op.ID]
	if len(subs) == 0 {
		return
	}
	if op.Attempted() < s.lastSeen[op.ID] {
		return
	}
	s.lastSeen[op.ID] = op.Attempted()
	for _, ch := range subs {
		offer(ch, op)
	}
	if op.Status.Terminal() {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(s.subscribers, op.ID)
		delete(s.lastSeen, op.ID)
	}
}

// offer delivers without blocking, evicting the oldest buffered snapshot when full.
func offer(ch chan models.BulkOperation, op models.BulkOperation) {
	select {
	case ch <- op:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- op:
	default:
	}
}

func (s *BatchService) track(id string, stop context.CancelFunc) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, exists := s.running[id]; exists {
		return false
	}
	s.running[id] = stop
	return true
}

func (s *BatchService) untrack(id string) {
	s.runMu.Lock()
	delete(s.running, id)
	s.runMu.Unlock()
}

func (s *BatchService) storeError(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "bulk operation not found")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, message)
}

// BatchWorker bridges queue jobs to BatchService.Run.
type BatchWorker struct {
	batches *BatchService
	logger  *zap.Logger
}

// NewBatchWorker constructs a worker.
func NewBatchWorker(batches *BatchService, logger *zap.Logger) *BatchWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchWorker{batches: batches, logger: logger}
}

// Handle processes a queue job. Returning an error makes the queue retry,
// which resumes the batch from its persisted state.
func (w *BatchWorker) Handle(ctx context.Context, job jobs.Job) error {
	err := w.batches.Run(ctx, job.ID)
	if err == nil {
		return nil
	}
	if appErrors.Is(err, appErrors.ErrNotFound) {
		w.logger.Warn("bulk operation vanished before dispatch", zap.String("operation_id", job.ID))
		return nil
	}
	return err
}
