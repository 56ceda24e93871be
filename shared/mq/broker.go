// Package mq is the RabbitMQ client shared by every testforge service.
// All traffic goes through one topic exchange; services bind queues to
// routing key patterns.
package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/forge-ai/testforge/shared/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const (
	Exchange     = "testforge.events"
	ExchangeType = "topic"

	dialAttempts = 10
)

// Publisher is the part of Broker producers depend on.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Broker owns one AMQP connection and channel.
type Broker struct {
	url  string
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New connects to RabbitMQ, retrying while the server comes up, and
// declares the exchange.
func New(amqpURL string) (*Broker, error) {
	b := &Broker{url: amqpURL}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect() error {
	var err error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		b.conn, err = amqp.Dial(b.url)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("RabbitMQ connection failed, retrying")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		return fmt.Errorf("rabbitmq connect after %d attempts: %w", dialAttempts, err)
	}

	b.ch, err = b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	return b.ch.ExchangeDeclare(
		Exchange,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// Publish sends body to the exchange under routingKey.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	return b.ch.PublishWithContext(ctx,
		Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Subscribe binds a durable queue to pattern ("testgen.*", "log.#") and
// starts a manual-ack consumer. prefetch bounds unacked deliveries.
func (b *Broker) Subscribe(queueName, pattern string, prefetch int) (<-chan amqp.Delivery, error) {
	q, err := b.ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	if err := b.ch.QueueBind(q.Name, pattern, Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s to %s: %w", queueName, pattern, err)
	}

	if prefetch < 1 {
		prefetch = 1
	}
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return b.ch.Consume(
		q.Name,
		"",    // consumer tag, auto-generated
		false, // auto-ack off, handlers ack
		false, false, false, nil,
	)
}

// Close shuts down channel and connection.
func (b *Broker) Close() {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

// PublishEvent wraps payload in an envelope and publishes it.
func PublishEvent(ctx context.Context, p Publisher, routingKey string, payload any) error {
	b, err := events.Wrap(routingKey, payload)
	if err != nil {
		return fmt.Errorf("wrap %s: %w", routingKey, err)
	}
	return p.Publish(ctx, routingKey, b)
}

// EmitLog publishes a log.event for the UI relay. Failures are only logged.
func EmitLog(ctx context.Context, p Publisher, jobID, level, step, message string, data map[string]any) {
	err := PublishEvent(ctx, p, events.LogEvent, events.LogEventPayload{
		JobID:   jobID,
		Level:   level,
		Step:    step,
		Message: message,
		Data:    data,
	})
	if err != nil {
		log.Warn().Err(err).Str("job", jobID).Str("step", step).Msg("log event not published")
	}
}
