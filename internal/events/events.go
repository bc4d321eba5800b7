// Package events implements the one-way event publisher of spec.md §4.7:
// two generic entry points (EmitBeforeTransition, EmitTransitionEvent)
// fanned out to a set of independent adapters, none of whose failures
// are allowed to affect the state machine that triggered them. There is
// no per-event publish_<entity>_<event> method and no correlation id on
// the Event payload; ZapAdapter only uses publish_<entity>_<event> as
// its log message. Grounded on the teacher's fan-out-to-sinks shape
// (internal/observability + internal/queue), generalized into a small
// Adapter interface so new sinks can be added without touching the
// publisher or the state machines.
package events

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/models"
	"github.com/n8n-work/taskcore/internal/observability"
	"github.com/n8n-work/taskcore/internal/queue"
)

// Adapter is a single event sink. Publisher calls every registered
// adapter for every event and logs, but never propagates, a failing
// adapter's error (spec.md §4.7: "adapter failures swallowed").
type Adapter interface {
	Name() string
	Handle(ctx context.Context, evt Event) error
}

// Event is the internal payload passed to every adapter.
type Event struct {
	Entity    string
	ID        string
	Name      string // e.g. "completed", "failed", "before_transition"
	From      string
	To        string
	Metadata  models.JSONMap
	OccurredAt time.Time
}

// Publisher implements statemachine.EventEmitter by fanning out to a
// set of Adapters.
type Publisher struct {
	adapters []Adapter
	logger   *zap.Logger
}

func NewPublisher(logger *zap.Logger, adapters ...Adapter) *Publisher {
	return &Publisher{adapters: adapters, logger: logger.With(zap.String("component", "event_publisher"))}
}

// EmitBeforeTransition fires a synthetic "before_transition" event ahead
// of the guard/commit so adapters (e.g. metrics) can observe attempts,
// not just successes.
func (p *Publisher) EmitBeforeTransition(ctx context.Context, entity, id string, from, to string) {
	p.dispatch(ctx, Event{
		Entity: entity, ID: id, Name: "before_transition",
		From: from, To: to, OccurredAt: time.Now().UTC(),
	})
}

// EmitTransitionEvent fires the named lifecycle event after a successful
// commit.
func (p *Publisher) EmitTransitionEvent(ctx context.Context, eventName, entity, id string, metadata models.JSONMap) {
	p.dispatch(ctx, Event{
		Entity: entity, ID: id, Name: eventName,
		Metadata: metadata, OccurredAt: time.Now().UTC(),
	})
}

func (p *Publisher) dispatch(ctx context.Context, evt Event) {
	for _, a := range p.adapters {
		if err := a.Handle(ctx, evt); err != nil {
			p.logger.Warn("event adapter failed",
				zap.String("adapter", a.Name()),
				zap.String("entity", evt.Entity),
				zap.String("event", evt.Name),
				zap.Error(err),
			)
		}
	}
}

// ZapAdapter logs every event at debug level. Always safe; never errors.
type ZapAdapter struct {
	logger *zap.Logger
}

func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{logger: logger.With(zap.String("component", "event_log"))}
}

func (a *ZapAdapter) Name() string { return "zap" }

func (a *ZapAdapter) Handle(ctx context.Context, evt Event) error {
	a.logger.Debug("publish_"+evt.Entity+"_"+evt.Name,
		zap.String("entity", evt.Entity),
		zap.String("id", evt.ID),
		zap.String("from", evt.From),
		zap.String("to", evt.To),
	)
	return nil
}

// PrometheusAdapter records transition counters.
type PrometheusAdapter struct {
	metrics *observability.Metrics
}

func NewPrometheusAdapter(metrics *observability.Metrics) *PrometheusAdapter {
	return &PrometheusAdapter{metrics: metrics}
}

func (a *PrometheusAdapter) Name() string { return "prometheus" }

func (a *PrometheusAdapter) Handle(ctx context.Context, evt Event) error {
	if evt.Name == "before_transition" {
		return nil
	}
	switch evt.Entity {
	case "task":
		a.metrics.RecordTaskTransition(evt.Name, evt.To)
	case "step":
		a.metrics.RecordStepTransition(evt.Name, evt.To)
	}
	return nil
}

// QueueAdapter republishes every event onto a fanout exchange so
// external consumers (outside CORE's scope) can subscribe without the
// state machines knowing about them.
type QueueAdapter struct {
	publisher interface {
		Publish(ctx context.Context, exchange, routingKey string, message interface{}) error
	}
	exchange string
}

func NewQueueAdapter(driver *queue.RabbitMQDriver, exchange string) *QueueAdapter {
	return &QueueAdapter{publisher: driver, exchange: exchange}
}

func (a *QueueAdapter) Name() string { return "queue" }

func (a *QueueAdapter) Handle(ctx context.Context, evt Event) error {
	routingKey := evt.Entity + "." + evt.Name
	return a.publisher.Publish(ctx, a.exchange, routingKey, evt)
}

// OTelAdapter annotates the active span (if any) with a span event per
// lifecycle transition, letting a trace show state history alongside
// step handler spans.
type OTelAdapter struct{}

func NewOTelAdapter() *OTelAdapter { return &OTelAdapter{} }

func (a *OTelAdapter) Name() string { return "otel" }

func (a *OTelAdapter) Handle(ctx context.Context, evt Event) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(evt.Entity+"."+evt.Name, trace.WithAttributes(
		attribute.String("entity.id", evt.ID),
		attribute.String("from", evt.From),
		attribute.String("to", evt.To),
	))
	return nil
}
