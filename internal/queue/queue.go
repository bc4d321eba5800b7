// Package queue adapts the teacher's RabbitMQQueue (internal/queue/queue.go)
// into the job queue driver contract of spec.md §4.6: Enqueue for
// immediate reprocessing, EnqueueAfter for delayed reprocessing. The
// low-level Publish/Subscribe/Close shape is unchanged; Enqueue and
// EnqueueAfter are new, domain-specific entry points built on top of it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// MessageHandler is a function that handles incoming messages.
type MessageHandler func(message []byte) error

// TaskEnvelope is the body published to the task queue: the task id a
// worker should reload and drive through the coordinator.
type TaskEnvelope struct {
	TaskID    string    `json:"task_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RabbitMQDriver implements the job queue driver contract over RabbitMQ,
// using a delayed-exchange pattern for EnqueueAfter: a message published
// to the delay exchange with a per-message TTL expires into the real
// task queue via a dead-letter binding, so no poller or timer goroutine
// is needed to realize the delay.
type RabbitMQDriver struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger

	taskExchange  string
	taskQueue     string
	delayExchange string
	delayQueue    string
}

// DriverOptions names the exchange/queue topology the driver declares.
type DriverOptions struct {
	TaskExchange  string
	TaskQueue     string
	DelayExchange string
	DelayQueue    string
}

func DefaultDriverOptions() DriverOptions {
	return DriverOptions{
		TaskExchange:  "taskcore.tasks",
		TaskQueue:     "taskcore.tasks.ready",
		DelayExchange: "taskcore.tasks.delay",
		DelayQueue:    "taskcore.tasks.delay.wait",
	}
}

// NewRabbitMQDriver dials RabbitMQ and declares the ready/delay topology.
func NewRabbitMQDriver(url string, opts DriverOptions, logger *zap.Logger) (*RabbitMQDriver, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	d := &RabbitMQDriver{
		conn:          conn,
		channel:       channel,
		logger:        logger.With(zap.String("component", "queue")),
		taskExchange:  opts.TaskExchange,
		taskQueue:     opts.TaskQueue,
		delayExchange: opts.DelayExchange,
		delayQueue:    opts.DelayQueue,
	}
	if err := d.declareTopology(); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *RabbitMQDriver) declareTopology() error {
	if err := d.channel.ExchangeDeclare(d.taskExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare task exchange: %w", err)
	}
	if err := d.channel.ExchangeDeclare(d.delayExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare delay exchange: %w", err)
	}

	if _, err := d.channel.QueueDeclare(d.taskQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare task queue: %w", err)
	}
	if err := d.channel.QueueBind(d.taskQueue, d.taskQueue, d.taskExchange, false, nil); err != nil {
		return fmt.Errorf("queue: bind task queue: %w", err)
	}

	// Messages on the delay queue dead-letter back into the task
	// exchange once their per-message TTL expires.
	delayArgs := amqp.Table{
		"x-dead-letter-exchange":    d.taskExchange,
		"x-dead-letter-routing-key": d.taskQueue,
	}
	if _, err := d.channel.QueueDeclare(d.delayQueue, true, false, false, false, delayArgs); err != nil {
		return fmt.Errorf("queue: declare delay queue: %w", err)
	}
	if err := d.channel.QueueBind(d.delayQueue, d.delayQueue, d.delayExchange, false, nil); err != nil {
		return fmt.Errorf("queue: bind delay queue: %w", err)
	}
	return nil
}

// Enqueue publishes taskID to the ready queue for immediate processing.
func (d *RabbitMQDriver) Enqueue(ctx context.Context, taskID string) error {
	return d.publish(ctx, d.taskExchange, d.taskQueue, taskID, 0)
}

// EnqueueAfter publishes taskID to the delay queue with a per-message
// TTL of delay; it reappears on the ready queue once the TTL expires.
func (d *RabbitMQDriver) EnqueueAfter(ctx context.Context, taskID string, delay time.Duration) error {
	if delay <= 0 {
		return d.Enqueue(ctx, taskID)
	}
	return d.publish(ctx, d.delayExchange, d.delayQueue, taskID, delay)
}

func (d *RabbitMQDriver) publish(ctx context.Context, exchange, routingKey, taskID string, ttl time.Duration) error {
	body, err := json.Marshal(TaskEnvelope{TaskID: taskID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Persistent,
	}
	if ttl > 0 {
		pub.Expiration = fmt.Sprintf("%d", ttl.Milliseconds())
	}

	if err := d.channel.Publish(exchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}

	d.logger.Debug("task enqueued",
		zap.String("task_id", taskID),
		zap.String("exchange", exchange),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// Publish is the low-level send used by the event publisher adapter.
func (d *RabbitMQDriver) Publish(ctx context.Context, exchange, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	err = d.channel.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("queue: publish message: %w", err)
	}

	d.logger.Debug("message published",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
	)
	return nil
}

// Subscribe listens for messages on a queue, acking on success and
// nacking with requeue on handler failure.
func (d *RabbitMQDriver) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	msgs, err := d.channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := handler(msg.Body); err != nil {
					d.logger.Error("failed to handle message", zap.Error(err), zap.String("queue", queue))
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	d.logger.Info("started consuming messages", zap.String("queue", queue))
	return nil
}

// Close closes the channel and connection.
func (d *RabbitMQDriver) Close() error {
	if err := d.channel.Close(); err != nil {
		return fmt.Errorf("queue: close channel: %w", err)
	}
	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("queue: close connection: %w", err)
	}
	return nil
}
