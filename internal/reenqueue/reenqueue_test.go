package reenqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/readiness"
)

type fakeQueue struct {
	enqueued      []string
	enqueuedAfter map[string]time.Duration
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{enqueuedAfter: map[string]time.Duration{}}
}

func (f *fakeQueue) Enqueue(ctx context.Context, taskID string) error {
	f.enqueued = append(f.enqueued, taskID)
	return nil
}

func (f *fakeQueue) EnqueueAfter(ctx context.Context, taskID string, delay time.Duration) error {
	f.enqueuedAfter[taskID] = delay
	return nil
}

type fakeReadinessFunctions struct {
	steps []readiness.StepReadiness
}

func (f *fakeReadinessFunctions) StepReadiness(ctx context.Context, taskID string) ([]readiness.StepReadiness, error) {
	return f.steps, nil
}

func (f *fakeReadinessFunctions) TaskExecutionContext(ctx context.Context, taskID string) (readiness.TaskExecutionContext, error) {
	return readiness.TaskExecutionContext{}, nil
}

func (f *fakeReadinessFunctions) SystemHealth(ctx context.Context) (readiness.SystemHealth, error) {
	return readiness.SystemHealth{}, nil
}

func (f *fakeReadinessFunctions) DependencyLevels(ctx context.Context, taskID string) (map[string]int, error) {
	return nil, nil
}

func TestReenqueueIsImmediate(t *testing.T) {
	q := newFakeQueue()
	r := NewReenqueuer(q, &fakeReadinessFunctions{}, zap.NewNop())

	require.NoError(t, r.Reenqueue(context.Background(), "t1"))
	assert.Equal(t, []string{"t1"}, q.enqueued)
}

func TestReenqueueDelayedFallsBackToImmediateWhenNothingRetryable(t *testing.T) {
	q := newFakeQueue()
	fns := &fakeReadinessFunctions{steps: []readiness.StepReadiness{
		{WorkflowStepID: "a", NextRetryAt: nil},
	}}
	r := NewReenqueuer(q, fns, zap.NewNop())

	require.NoError(t, r.ReenqueueDelayed(context.Background(), "t1"))
	assert.Len(t, q.enqueued, 1, "expected an immediate fallback enqueue")
	assert.Empty(t, q.enqueuedAfter)
}

func TestReenqueueDelayedSchedulesForEarliestNextRetryAt(t *testing.T) {
	q := newFakeQueue()
	now := time.Now()
	later := now.Add(60 * time.Second)
	sooner := now.Add(10 * time.Second)

	fns := &fakeReadinessFunctions{steps: []readiness.StepReadiness{
		{WorkflowStepID: "a", NextRetryAt: &later},
		{WorkflowStepID: "b", NextRetryAt: &sooner},
	}}
	r := NewReenqueuer(q, fns, zap.NewNop())

	require.NoError(t, r.ReenqueueDelayed(context.Background(), "t1"))
	delay, ok := q.enqueuedAfter["t1"]
	require.True(t, ok, "expected a delayed enqueue for t1")
	assert.LessOrEqual(t, delay, 11*time.Second, "should schedule close to the earliest next_retry_at (~10s), not the later one")
}

func TestReenqueueDelayedNeverNegative(t *testing.T) {
	q := newFakeQueue()
	past := time.Now().Add(-1 * time.Hour)
	fns := &fakeReadinessFunctions{steps: []readiness.StepReadiness{
		{WorkflowStepID: "a", NextRetryAt: &past},
	}}
	r := NewReenqueuer(q, fns, zap.NewNop())

	require.NoError(t, r.ReenqueueDelayed(context.Background(), "t1"))
	delay, ok := q.enqueuedAfter["t1"]
	require.True(t, ok)
	assert.GreaterOrEqual(t, delay, time.Duration(0))
}
