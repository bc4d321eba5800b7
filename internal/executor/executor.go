// Package executor implements the Step Executor of spec.md §4.4: a
// bounded-concurrency batch runner over a set of ready steps, sized
// dynamically from system health, with a total batch deadline rather
// than a per-step one. Generalized from the teacher's
// Executor.ExecuteStep/executeStepWithRetry (internal/engine/executor.go),
// replacing its channel-based result reporting with direct, synchronous
// commits through statemachine.StepStateMachine so a batch's outcome is
// durable the moment ExecuteBatch returns.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/n8n-work/taskcore/internal/backoff"
	"github.com/n8n-work/taskcore/internal/coreerrors"
	"github.com/n8n-work/taskcore/internal/models"
	"github.com/n8n-work/taskcore/internal/observability"
	"github.com/n8n-work/taskcore/internal/readiness"
	"github.com/n8n-work/taskcore/internal/resilience"
	"github.com/n8n-work/taskcore/internal/statemachine"
)

// StepHandler runs one step and returns its result payload. Handler
// failures are classified via coreerrors.StepFailure to decide whether
// the step retries.
type StepHandler interface {
	Execute(ctx context.Context, task models.Task, step models.WorkflowStep) (models.JSONMap, error)
}

// HandlerRegistry resolves the StepHandler for a step's named_step.
type HandlerRegistry interface {
	HandlerFor(namedStep string) (StepHandler, bool)
}

// Cancellable is an optional extension a StepHandler may implement to
// learn about a step abandoned by a batch timeout, instead of simply
// being left running. The executor calls Cancel on a best-effort basis
// from the GC hook; a handler without this method is just abandoned, as
// spec.md's baseline behavior describes.
type Cancellable interface {
	Cancel(ctx context.Context, stepID string) error
}

// StepRecorder persists the per-attempt bookkeeping (attempts,
// in_process, next_retry_at, results) that sits alongside but outside
// the StepStateMachine's status column. Implemented by repo.Repository.
type StepRecorder interface {
	BeginStepAttempt(ctx context.Context, stepID string) error
	CompleteStepAttempt(ctx context.Context, stepID string, results models.JSONMap) error
	FailStepAttempt(ctx context.Context, stepID string, nextRetryAt *time.Time, errMsg string) error
	ClearInProcess(ctx context.Context, stepID string) error
}

// Config governs concurrency sizing and batch timeout math.
type Config struct {
	MinConcurrency           int
	MaxConcurrency           int
	ConcurrencyCacheDuration time.Duration
	BatchTimeoutBase         time.Duration
	BatchTimeoutPerStep      time.Duration
	MaxBatchTimeout          time.Duration
	FutureCleanupWait        time.Duration
	GCHookEnabled            bool
	GCTriggerBatchSize       int
	GCTriggerDuration        time.Duration
	StepBreaker              resilience.CircuitBreakerConfig
}

// workerState is the closed set of per-step states within one batch
// (spec.md §4.4).
type workerState string

const (
	workerUnscheduled workerState = "unscheduled"
	workerPending     workerState = "pending"
	workerExecuting   workerState = "executing"
	workerFulfilled   workerState = "fulfilled"
	workerRejected    workerState = "rejected"
	workerCancelled   workerState = "cancelled"
)

type worker struct {
	mu      sync.Mutex
	step    models.WorkflowStep
	state   workerState
	results models.JSONMap
	err     error
}

func (w *worker) setState(s workerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

func (w *worker) getState() workerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// shouldCancel reports whether an in-flight worker must be abandoned
// because the batch deadline has already passed.
func shouldCancel(w *worker, batchCtx context.Context) bool {
	return w.getState() == workerExecuting && batchCtx.Err() != nil
}

// shouldWait reports whether a worker's outcome is still pending.
func shouldWait(w *worker) bool {
	s := w.getState()
	return s == workerPending || s == workerExecuting
}

// canIgnore reports whether a worker has reached a terminal state for
// this batch and needs no further handling.
func canIgnore(w *worker) bool {
	switch w.getState() {
	case workerFulfilled, workerRejected, workerCancelled:
		return true
	default:
		return false
	}
}

// StepExecutor runs batches of ready steps.
type StepExecutor struct {
	handlers  HandlerRegistry
	stepSM    *statemachine.StepStateMachine
	recorder  StepRecorder
	readiness readiness.Functions
	breakers  *resilience.CircuitBreakerManager
	backoff   backoff.Policy
	metrics   *observability.Metrics
	logger    *zap.Logger
	cfg       Config

	concurrencyMu   sync.Mutex
	cachedConcurrency int
	concurrencyAt     time.Time
}

func New(
	handlers HandlerRegistry,
	stepSM *statemachine.StepStateMachine,
	recorder StepRecorder,
	rd readiness.Functions,
	breakers *resilience.CircuitBreakerManager,
	backoffPolicy backoff.Policy,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg Config,
) *StepExecutor {
	return &StepExecutor{
		handlers:  handlers,
		stepSM:    stepSM,
		recorder:  recorder,
		readiness: rd,
		breakers:  breakers,
		backoff:   backoffPolicy,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "step_executor")),
		cfg:       cfg,
	}
}

// ExecuteBatch runs every step in steps under a shared semaphore and a
// single batch deadline, committing each step's outcome before
// returning. It returns coreerrors.ErrBatchTimeout if the deadline was
// reached with steps still in flight; no outcome is committed for those
// steps. Their in_process flag is cleared by the GC hook at the end of
// this call only when the hook is enabled and the batch met its size or
// duration trigger; otherwise the database still shows them executing.
func (e *StepExecutor) ExecuteBatch(ctx context.Context, task models.Task, steps []models.WorkflowStep) error {
	if len(steps) == 0 {
		return nil
	}

	start := time.Now()
	concurrency := e.concurrencyFor(ctx)
	sem := semaphore.NewWeighted(int64(concurrency))
	e.metrics.SetConcurrencyLevel(concurrency)

	timeout := e.cfg.BatchTimeoutBase + time.Duration(len(steps))*e.cfg.BatchTimeoutPerStep
	if e.cfg.MaxBatchTimeout > 0 && timeout > e.cfg.MaxBatchTimeout {
		timeout = e.cfg.MaxBatchTimeout
	}
	batchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workers := make([]*worker, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		w := &worker{step: step, state: workerPending}
		workers[i] = w
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			if err := sem.Acquire(batchCtx, 1); err != nil {
				w.setState(workerCancelled)
				return
			}
			defer sem.Release(1)
			w.setState(workerExecuting)
			e.runStep(batchCtx, task, w)
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-batchCtx.Done():
		select {
		case <-done:
		case <-time.After(e.cfg.FutureCleanupWait):
			e.logger.Warn("batch cleanup wait exceeded, abandoning still-executing workers",
				zap.Duration("future_cleanup_wait", e.cfg.FutureCleanupWait))
		}
	}

	timedOut := batchCtx.Err() == context.DeadlineExceeded
	for _, w := range workers {
		if shouldCancel(w, batchCtx) {
			w.setState(workerCancelled)
		}
		e.commit(ctx, w)
	}

	duration := time.Since(start)
	if e.cfg.GCHookEnabled && (len(steps) >= e.cfg.GCTriggerBatchSize || duration >= e.cfg.GCTriggerDuration) {
		e.runGCHook(ctx, workers)
	}

	outcome := "ok"
	if timedOut {
		outcome = "timeout"
	}
	e.metrics.ObserveBatch(outcome, duration.Seconds(), len(steps))

	if timedOut {
		return coreerrors.ErrBatchTimeout
	}
	return nil
}

func (e *StepExecutor) runStep(ctx context.Context, task models.Task, w *worker) {
	if err := e.stepSM.Transition(ctx, w.step.WorkflowStepID, models.StepInProgress, nil); err != nil {
		w.err = fmt.Errorf("transitioning step to in_progress: %w", err)
		w.setState(workerRejected)
		return
	}

	if err := e.recorder.BeginStepAttempt(ctx, w.step.WorkflowStepID); err != nil {
		w.err = fmt.Errorf("recording step attempt: %w", err)
		w.setState(workerRejected)
		return
	}

	handler, ok := e.handlers.HandlerFor(w.step.NamedStep)
	if !ok {
		w.err = &coreerrors.StepFailure{StepID: w.step.WorkflowStepID, Retryable: false, Cause: fmt.Errorf("no handler registered for %q", w.step.NamedStep)}
		w.setState(workerRejected)
		return
	}

	breaker := e.breakers.GetOrCreate(w.step.NamedStep, e.cfg.StepBreaker)

	start := time.Now()
	result, err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return handler.Execute(ctx, task, w.step)
	})
	duration := time.Since(start).Seconds()

	if ctx.Err() != nil {
		w.setState(workerCancelled)
		return
	}

	if err != nil {
		w.err = err
		w.setState(workerRejected)
		e.metrics.RecordStepExecution(w.step.NamedStep, "rejected", duration)
		return
	}

	if jm, ok := result.(models.JSONMap); ok {
		w.results = jm
	} else {
		w.results = models.JSONMap{}
	}
	w.setState(workerFulfilled)
	e.metrics.RecordStepExecution(w.step.NamedStep, "fulfilled", duration)
}

func (e *StepExecutor) commit(ctx context.Context, w *worker) {
	switch w.getState() {
	case workerFulfilled:
		if err := e.recorder.CompleteStepAttempt(ctx, w.step.WorkflowStepID, w.results); err != nil {
			e.logger.Error("failed to record step completion", zap.Error(err), zap.String("step_id", w.step.WorkflowStepID))
			return
		}
		if err := e.stepSM.Transition(ctx, w.step.WorkflowStepID, models.StepComplete, models.JSONMap{"results": w.results}); err != nil {
			e.logger.Error("failed to transition step to complete", zap.Error(err), zap.String("step_id", w.step.WorkflowStepID))
		}

	case workerRejected:
		e.commitRejected(ctx, w)

	case workerCancelled:
		// Left in_process for the GC hook to clear; no state machine
		// transition happens here, since the step never reached a
		// terminal outcome this pass.
	}
}

func (e *StepExecutor) commitRejected(ctx context.Context, w *worker) {
	var failure *coreerrors.StepFailure
	retryable := w.step.Retryable
	if errors.As(w.err, &failure) {
		retryable = failure.Retryable
	}

	attempts := w.step.Attempts + 1
	errMsg := w.err.Error()

	if retryable && attempts < w.step.RetryLimit {
		nextRetryAt := e.backoff.NextRetryAt(attempts)
		if err := e.recorder.FailStepAttempt(ctx, w.step.WorkflowStepID, &nextRetryAt, errMsg); err != nil {
			e.logger.Error("failed to record step failure", zap.Error(err), zap.String("step_id", w.step.WorkflowStepID))
			return
		}
		e.metrics.RecordRetryScheduled(w.step.NamedStep)
	} else {
		if err := e.recorder.FailStepAttempt(ctx, w.step.WorkflowStepID, nil, errMsg); err != nil {
			e.logger.Error("failed to record step failure", zap.Error(err), zap.String("step_id", w.step.WorkflowStepID))
			return
		}
		e.metrics.RecordPermanentFailure(w.step.NamedStep)
	}

	if err := e.stepSM.Transition(ctx, w.step.WorkflowStepID, models.StepError, models.JSONMap{"error": errMsg}); err != nil {
		e.logger.Error("failed to transition step to error", zap.Error(err), zap.String("step_id", w.step.WorkflowStepID))
	}
}

// runGCHook clears the in_process marker on any step abandoned this
// pass (batch timeout), so the next coordinator pass sees it as
// retry-eligible again instead of permanently stuck in_process.
func (e *StepExecutor) runGCHook(ctx context.Context, workers []*worker) {
	for _, w := range workers {
		if w.getState() != workerCancelled {
			continue
		}

		if handler, ok := e.handlers.HandlerFor(w.step.NamedStep); ok {
			if cancellable, ok := handler.(Cancellable); ok {
				if err := cancellable.Cancel(ctx, w.step.WorkflowStepID); err != nil {
					e.logger.Warn("handler cancel failed", zap.Error(err), zap.String("step_id", w.step.WorkflowStepID))
				}
			}
		}

		if err := e.recorder.ClearInProcess(ctx, w.step.WorkflowStepID); err != nil {
			e.logger.Warn("gc hook failed to clear in_process", zap.Error(err), zap.String("step_id", w.step.WorkflowStepID))
			continue
		}
		e.logger.Debug("gc hook reclaimed abandoned step", zap.String("step_id", w.step.WorkflowStepID))
	}
}

// concurrencyFor returns the current concurrency limit, recomputing it
// from SystemHealth at most once per ConcurrencyCacheDuration (spec.md
// §4.4: "recomputed <= once per concurrency_cache_duration").
func (e *StepExecutor) concurrencyFor(ctx context.Context) int {
	e.concurrencyMu.Lock()
	defer e.concurrencyMu.Unlock()

	if e.cachedConcurrency > 0 && time.Since(e.concurrencyAt) < e.cfg.ConcurrencyCacheDuration {
		return e.cachedConcurrency
	}

	n := e.cfg.MinConcurrency
	health, err := e.readiness.SystemHealth(ctx)
	if err != nil {
		e.logger.Warn("failed to load system health, using min concurrency", zap.Error(err))
	} else {
		n = sizeConcurrency(health, e.cfg.MinConcurrency, e.cfg.MaxConcurrency)
	}

	e.cachedConcurrency = n
	e.concurrencyAt = time.Now()
	return n
}

// sizeConcurrency scales linearly with available DB connection
// headroom between MinConcurrency and MaxConcurrency, backing off
// toward MinConcurrency as the pool saturates.
func sizeConcurrency(health readiness.SystemHealth, min, max int) int {
	if max <= min {
		return min
	}
	if health.MaxConnections <= 0 {
		return min
	}
	ratio := float64(health.AvailableConnections()) / float64(health.MaxConnections)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	n := min + int(ratio*float64(max-min))
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}
