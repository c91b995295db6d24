package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Job names one unit of background work. Attempt counts failed runs so far.
type Job struct {
	ID       string
	Type     string
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// QueueConfig configures the worker pool. Retries back off exponentially from
// RetryDelay up to MaxRetryDelay.
type QueueConfig struct {
	Workers       int
	BufferSize    int
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Logger        *zap.Logger
}

// Queue dispatches jobs to a fixed pool of goroutines. A job id is held from
// Enqueue until its last attempt finishes; enqueueing an id that is still held
// is a no-op, so recovery sweeps cannot run the same batch twice.
type Queue struct {
	name    string
	handler Handler
	cfg     QueueConfig
	jobs    chan Job
	wg      sync.WaitGroup

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	inFlight map[string]struct{}
}

// NewQueue builds a queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 30 * cfg.RetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Queue{
		name:     name,
		handler:  handler,
		cfg:      cfg,
		jobs:     make(chan Job, cfg.BufferSize),
		inFlight: make(map[string]struct{}),
	}
}

// Start launches the workers. Later calls are ignored.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 1; i <= q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.work(i)
	}
	q.started = true
	q.cfg.Logger.Info("queue started", zap.String("queue", q.name), zap.Int("workers", q.cfg.Workers))
}

// Stop cancels workers and waits for them to exit. Jobs still buffered are
// dropped; their owners recover them from the durable store on next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.cfg.Logger.Info("queue stopped", zap.String("queue", q.name))
}

// Enqueue schedules job unless a job with the same id is already held.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue %s not started", q.name)
	}
	if _, held := q.inFlight[job.ID]; held {
		q.mu.Unlock()
		q.cfg.Logger.Debug("job already queued", zap.String("queue", q.name), zap.String("job_id", job.ID))
		return nil
	}
	q.inFlight[job.ID] = struct{}{}
	ctx := q.ctx
	q.mu.Unlock()

	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}
	if err := q.push(ctx, job); err != nil {
		q.release(job.ID)
		return err
	}
	return nil
}

// InFlight reports how many job ids are queued, running or waiting to retry.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// RetryDelay returns the wait before the given retry attempt (1-based).
func (q *Queue) RetryDelay(attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.cfg.RetryDelay
	policy.MaxInterval = q.cfg.MaxRetryDelay
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

func (q *Queue) push(ctx context.Context, job Job) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("queue %s stopped: %w", q.name, ctx.Err())
	case q.jobs <- job:
		return nil
	}
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
}

func (q *Queue) work(workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			err := q.handler(q.ctx, job)
			q.cfg.Logger.Debug("job handled",
				zap.String("queue", q.name),
				zap.String("job_id", job.ID),
				zap.Int("worker", workerID),
				zap.Bool("ok", err == nil),
			)
			if err == nil {
				q.release(job.ID)
				continue
			}
			q.retry(job, err)
		}
	}
}

func (q *Queue) retry(job Job, cause error) {
	job.Attempt++
	fields := []zap.Field{
		zap.String("queue", q.name),
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempt),
		zap.Error(cause),
	}
	if job.Attempt > q.cfg.MaxRetries {
		q.release(job.ID)
		q.cfg.Logger.Error("job exceeded retries", fields...)
		return
	}
	delay := q.RetryDelay(job.Attempt)
	q.cfg.Logger.Warn("job failed, retrying", append(fields, zap.Duration("delay", delay))...)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-q.ctx.Done():
			q.release(job.ID)
		case <-timer.C:
			if err := q.push(q.ctx, job); err != nil {
				q.release(job.ID)
				q.cfg.Logger.Error("failed to requeue job", zap.String("queue", q.name), zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}()
}
