// Package reenqueue implements spec.md §4.6: putting a task back on the
// job queue, either immediately (it has ready-to-run steps right now)
// or delayed to the earliest moment any of its failed steps becomes
// retry-eligible. Grounded on the teacher's queue.MessageQueue publish
// shape (internal/queue/queue.go), generalized with a delay parameter
// the teacher's queue never needed.
package reenqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/readiness"
)

// Queue is the narrow publishing contract a Reenqueuer depends on.
// Implemented by queue.RabbitMQDriver.
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
	EnqueueAfter(ctx context.Context, taskID string, delay time.Duration) error
}

type Reenqueuer struct {
	queue     Queue
	readiness readiness.Functions
	logger    *zap.Logger
}

func NewReenqueuer(q Queue, r readiness.Functions, logger *zap.Logger) *Reenqueuer {
	return &Reenqueuer{queue: q, readiness: r, logger: logger.With(zap.String("component", "reenqueuer"))}
}

// Reenqueue re-queues taskID immediately. Used by the coordinator after
// a batch pass leaves steps still working, and when an invocation uses
// up its pass budget.
func (r *Reenqueuer) Reenqueue(ctx context.Context, taskID string) error {
	if err := r.queue.Enqueue(ctx, taskID); err != nil {
		return fmt.Errorf("reenqueue: %w", err)
	}
	r.logger.Debug("task reenqueued immediately", zap.String("task_id", taskID))
	return nil
}

// ReenqueueDelayed computes the earliest next_retry_at across a task's
// steps and schedules reenqueue for that moment. If no step carries a
// next_retry_at (nothing retryable is pending), it falls back to an
// immediate reenqueue, since there's nothing to wait on.
func (r *Reenqueuer) ReenqueueDelayed(ctx context.Context, taskID string) error {
	steps, err := r.readiness.StepReadiness(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reenqueue: loading step readiness: %w", err)
	}

	var earliest *time.Time
	for _, s := range steps {
		if s.NextRetryAt == nil {
			continue
		}
		if earliest == nil || s.NextRetryAt.Before(*earliest) {
			earliest = s.NextRetryAt
		}
	}

	if earliest == nil {
		return r.Reenqueue(ctx, taskID)
	}

	delay := time.Until(*earliest)
	if delay < 0 {
		delay = 0
	}

	if err := r.queue.EnqueueAfter(ctx, taskID, delay); err != nil {
		return fmt.Errorf("reenqueue: delayed enqueue: %w", err)
	}
	r.logger.Debug("task reenqueued with delay",
		zap.String("task_id", taskID),
		zap.Duration("delay", delay),
	)
	return nil
}
