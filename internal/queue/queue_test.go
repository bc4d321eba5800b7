package queue

import (
	"encoding/json"
	"testing"
	"time"
)

// RabbitMQDriver's Enqueue/EnqueueAfter/Subscribe require a live broker
// connection via *amqp.Channel, which isn't behind a seam this package
// exposes for faking; exercising them is left to integration testing
// against a real RabbitMQ instance. What's unit-testable here is the
// pure topology defaults and the wire envelope shape.

func TestDefaultDriverOptionsNamesTheSpecifiedTopology(t *testing.T) {
	opts := DefaultDriverOptions()
	if opts.TaskExchange == "" || opts.TaskQueue == "" || opts.DelayExchange == "" || opts.DelayQueue == "" {
		t.Errorf("expected all topology names populated, got %+v", opts)
	}
	if opts.TaskExchange == opts.DelayExchange {
		t.Error("expected distinct task and delay exchanges")
	}
	if opts.TaskQueue == opts.DelayQueue {
		t.Error("expected distinct task and delay queues")
	}
}

func TestTaskEnvelopeRoundTripsThroughJSON(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	env := TaskEnvelope{TaskID: "t1", EnqueuedAt: now}

	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got TaskEnvelope
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TaskID != "t1" || !got.EnqueuedAt.Equal(now) {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
}
