package service

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/internal/repository"
	"github.com/noah-isme/training-ops-engine/pkg/clock"
	appErrors "github.com/noah-isme/training-ops-engine/pkg/errors"
)

type waitlistStore interface {
	Join(ctx context.Context, offeringID, studentID string, now time.Time) (*models.WaitlistEntry, error)
	Promote(ctx context.Context, offeringID, studentID string, now time.Time) (*models.WaitlistEntry, error)
	PromoteHead(ctx context.Context, offeringID string, now time.Time) (*models.WaitlistEntry, error)
	Leave(ctx context.Context, offeringID, studentID string) (*models.WaitlistEntry, error)
	List(ctx context.Context, offeringID string) ([]models.WaitlistEntry, error)
}

// WaitlistService keeps per-offering waitlists dense. Mutations on one
// offering are serialised in process; the store adds an advisory lock so
// other processes observe the same order.
type WaitlistService struct {
	store      waitlistStore
	locks      *keyedMutex
	storeRetry StoreRetryPolicy
	notifier   Notifier
	metrics    *MetricsService
	clock      clock.Clock
	logger     *zap.Logger
}

// WaitlistServiceOption configures the service.
type WaitlistServiceOption func(*WaitlistService)

// WithWaitlistStoreRetry sets how often transient store failures are retried.
func WithWaitlistStoreRetry(policy StoreRetryPolicy) WaitlistServiceOption {
	return func(s *WaitlistService) {
		s.storeRetry = policy
	}
}

// WithWaitlistNotifier sets the event sink.
func WithWaitlistNotifier(notifier Notifier) WaitlistServiceOption {
	return func(s *WaitlistService) {
		s.notifier = notifier
	}
}

// WithWaitlistMetrics sets the metrics collector.
func WithWaitlistMetrics(metrics *MetricsService) WaitlistServiceOption {
	return func(s *WaitlistService) {
		s.metrics = metrics
	}
}

// WithWaitlistClock overrides the clock.
func WithWaitlistClock(c clock.Clock) WaitlistServiceOption {
	return func(s *WaitlistService) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewWaitlistService constructs the service.
func NewWaitlistService(store waitlistStore, logger *zap.Logger, opts ...WaitlistServiceOption) *WaitlistService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &WaitlistService{
		store:      store,
		locks:      newKeyedMutex(),
		storeRetry: DefaultStoreRetryPolicy,
		clock:      clock.Real(),
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Join appends the student at position count+1.
func (s *WaitlistService) Join(ctx context.Context, offeringID, studentID string) (*models.WaitlistEntry, error) {
	offeringID, studentID, err := waitlistKeys(offeringID, studentID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(offeringID)
	defer unlock()

	var entry *models.WaitlistEntry
	err = retryStore(ctx, s.storeRetry, func() error {
		var joinErr error
		entry, joinErr = s.store.Join(ctx, offeringID, studentID, s.clock.Now())
		return joinErr
	}, repository.ErrDuplicate)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "student already holds a waitlist entry for this offering")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, "failed to join waitlist")
	}
	s.metrics.RecordWaitlistChange("join")
	s.logger.Info("waitlist joined",
		zap.String("offering_id", offeringID),
		zap.String("student_id", studentID),
		zap.Int("position", entry.Position))
	return entry, nil
}

// Promote removes a waitlisted student from the queue and closes the gap.
// Unknown or already promoted entries yield InvalidState.
func (s *WaitlistService) Promote(ctx context.Context, offeringID, studentID string) (*models.WaitlistEntry, error) {
	offeringID, studentID, err := waitlistKeys(offeringID, studentID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(offeringID)
	defer unlock()

	var entry *models.WaitlistEntry
	err = retryStore(ctx, s.storeRetry, func() error {
		var promoteErr error
		entry, promoteErr = s.store.Promote(ctx, offeringID, studentID, s.clock.Now())
		return promoteErr
	}, sql.ErrNoRows, repository.ErrNotWaitlisted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, repository.ErrNotWaitlisted) {
			s.logger.Info("promotion ignored, student not waitlisted",
				zap.String("offering_id", offeringID),
				zap.String("student_id", studentID))
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "student is not waitlisted for this offering")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, "failed to promote student")
	}
	s.promoted(ctx, entry)
	return entry, nil
}

// PromoteNext promotes the student at position 1.
func (s *WaitlistService) PromoteNext(ctx context.Context, offeringID string) (*models.WaitlistEntry, error) {
	offeringID = strings.TrimSpace(offeringID)
	if offeringID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "offering id is required")
	}
	unlock := s.locks.Lock(offeringID)
	defer unlock()

	var entry *models.WaitlistEntry
	err := retryStore(ctx, s.storeRetry, func() error {
		var promoteErr error
		entry, promoteErr = s.store.PromoteHead(ctx, offeringID, s.clock.Now())
		return promoteErr
	}, sql.ErrNoRows, repository.ErrNotWaitlisted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, repository.ErrNotWaitlisted) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "waitlist is empty")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, "failed to promote student")
	}
	s.promoted(ctx, entry)
	return entry, nil
}

// Leave withdraws a waitlisted student.
func (s *WaitlistService) Leave(ctx context.Context, offeringID, studentID string) (*models.WaitlistEntry, error) {
	offeringID, studentID, err := waitlistKeys(offeringID, studentID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(offeringID)
	defer unlock()

	var entry *models.WaitlistEntry
	err = retryStore(ctx, s.storeRetry, func() error {
		var leaveErr error
		entry, leaveErr = s.store.Leave(ctx, offeringID, studentID)
		return leaveErr
	}, sql.ErrNoRows, repository.ErrNotWaitlisted)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "waitlist entry not found")
		case errors.Is(err, repository.ErrNotWaitlisted):
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "student was already promoted")
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInfrastructure.Code, appErrors.ErrInfrastructure.Status, "failed to leave waitlist")
		}
	}
	s.metrics.RecordWaitlistChange("leave")
	return entry, nil
}

// List returns waitlisted entries ordered by position.
func (s *WaitlistService) List(ctx context.Context, offeringID string) ([]models.WaitlistEntry, error) {
	offeringID = strings.TrimSpace(offeringID)
	if offeringID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "offering id is required")
	}
	entries, err := s.store.List(ctx, offeringID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list waitlist")
	}
	return entries, nil
}

func (s *WaitlistService) promoted(ctx context.Context, entry *models.WaitlistEntry) {
	s.metrics.RecordWaitlistChange("promote")
	s.logger.Info("waitlist entry promoted",
		zap.String("offering_id", entry.OfferingID),
		zap.String("student_id", entry.StudentID))
	emitEvent(ctx, s.notifier, s.logger, models.Event{
		Type:       models.EventWaitlistPromoted,
		ResourceID: entry.OfferingID,
		Attributes: map[string]string{
			"student_id": entry.StudentID,
			"joined_at":  strconv.FormatInt(entry.JoinedAt.Unix(), 10),
		},
		OccurredAt: s.clock.Now(),
	})
}

func waitlistKeys(offeringID, studentID string) (string, string, error) {
	offeringID = strings.TrimSpace(offeringID)
	studentID = strings.TrimSpace(studentID)
	if offeringID == "" || studentID == "" {
		return "", "", appErrors.Clone(appErrors.ErrValidation, "offering id and student id are required")
	}
	return offeringID, studentID, nil
}

// keyedMutex hands out one mutex per key and drops it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
