package executor

import (
	"context"
	"testing"
	"time"

	"github.com/n8n-work/taskcore/internal/readiness"
)

func TestSizeConcurrencyClampsToMinWhenMaxNotGreater(t *testing.T) {
	health := readiness.SystemHealth{ActiveConnections: 0, MaxConnections: 10}
	if got := sizeConcurrency(health, 5, 5); got != 5 {
		t.Errorf("sizeConcurrency with max<=min = %d, want 5", got)
	}
	if got := sizeConcurrency(health, 5, 3); got != 5 {
		t.Errorf("sizeConcurrency with max<min = %d, want 5", got)
	}
}

func TestSizeConcurrencyClampsToMinWhenNoConnectionInfo(t *testing.T) {
	health := readiness.SystemHealth{MaxConnections: 0}
	if got := sizeConcurrency(health, 3, 12); got != 3 {
		t.Errorf("sizeConcurrency with MaxConnections=0 = %d, want 3 (min)", got)
	}
}

func TestSizeConcurrencyScalesWithAvailableHeadroom(t *testing.T) {
	// Full headroom: should land at max.
	full := readiness.SystemHealth{ActiveConnections: 0, MaxConnections: 10}
	if got := sizeConcurrency(full, 2, 10); got != 10 {
		t.Errorf("sizeConcurrency at full headroom = %d, want 10", got)
	}

	// No headroom: should land at min.
	saturated := readiness.SystemHealth{ActiveConnections: 10, MaxConnections: 10}
	if got := sizeConcurrency(saturated, 2, 10); got != 2 {
		t.Errorf("sizeConcurrency at zero headroom = %d, want 2", got)
	}

	// Half headroom: should land between min and max.
	half := readiness.SystemHealth{ActiveConnections: 5, MaxConnections: 10}
	got := sizeConcurrency(half, 2, 10)
	if got < 2 || got > 10 {
		t.Errorf("sizeConcurrency at half headroom = %d, want within [2,10]", got)
	}
}

func TestWorkerPredicates(t *testing.T) {
	batchCtx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond) // ensure the deadline has passed

	executing := &worker{state: workerExecuting}
	if !shouldCancel(executing, batchCtx) {
		t.Error("expected shouldCancel true for an executing worker past the deadline")
	}
	if !shouldWait(executing) {
		t.Error("expected shouldWait true for an executing worker")
	}
	if canIgnore(executing) {
		t.Error("expected canIgnore false for an executing worker")
	}

	pending := &worker{state: workerPending}
	if shouldCancel(pending, batchCtx) {
		t.Error("expected shouldCancel false for a pending worker (not yet executing)")
	}

	for _, s := range []workerState{workerFulfilled, workerRejected, workerCancelled} {
		w := &worker{state: s}
		if !canIgnore(w) {
			t.Errorf("expected canIgnore true for state %q", s)
		}
		if shouldWait(w) {
			t.Errorf("expected shouldWait false for state %q", s)
		}
	}
}

func TestWorkerSetStateGetState(t *testing.T) {
	w := &worker{state: workerUnscheduled}
	w.setState(workerExecuting)
	if got := w.getState(); got != workerExecuting {
		t.Errorf("getState() = %q, want %q", got, workerExecuting)
	}
}
