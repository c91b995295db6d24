package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/models"
)

type escalationSource interface {
	CheckEscalations(ctx context.Context) ([]string, error)
	Escalate(ctx context.Context, id string) (*models.WorkflowInstance, error)
}

// EscalationSweeper periodically flags overdue workflows. It is the caller of
// CheckEscalations; the workflow service itself owns no timer.
type EscalationSweeper struct {
	workflows escalationSource
	interval  time.Duration
	logger    *zap.Logger
}

// NewEscalationSweeper constructs a sweeper.
func NewEscalationSweeper(workflows escalationSource, interval time.Duration, logger *zap.Logger) *EscalationSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EscalationSweeper{workflows: workflows, interval: interval, logger: logger}
}

// Start boots the sweep loop; it stops when ctx is done. A non-positive
// interval disables it.
func (s *EscalationSweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one pass and returns how many instances were flagged.
func (s *EscalationSweeper) Sweep(ctx context.Context) int {
	ids, err := s.workflows.CheckEscalations(ctx)
	if err != nil {
		s.logger.Warn("escalation check failed", zap.Error(err))
		return 0
	}
	flagged := 0
	for _, id := range ids {
		if _, err := s.workflows.Escalate(ctx, id); err != nil {
			s.logger.Warn("escalation failed", zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		flagged++
	}
	return flagged
}
