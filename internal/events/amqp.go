package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
)

// publishChannel is the part of *amqp.Channel the publisher needs
type publishChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher forwards engine events to a direct exchange
type AMQPPublisher struct {
	conn       *amqp.Connection
	channel    publishChannel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange
func NewAMQPPublisher(amqpURL, exchange, routingKey string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := newAMQPPublisherWithChannel(ch, exchange, routingKey, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisherWithChannel(ch publishChannel, exchange, routingKey string, logger *zap.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.Named("amqp"),
	}
}

// Publish sends one event as a persistent JSON message
func (p *AMQPPublisher) Publish(event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	timestamp := event.At
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	return p.channel.Publish(
		p.exchange,
		p.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Type:         string(event.Type),
			Body:         body,
			Timestamp:    timestamp,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Run forwards events until ctx is done or the channel is closed.
// Broker failures are logged and do not stop forwarding.
func (p *AMQPPublisher) Run(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(event); err != nil {
				p.logger.Warn("Failed to publish event",
					zap.String("type", string(event.Type)),
					zap.String("kind", event.Kind),
					zap.Error(err))
			}
		}
	}
}

// Close releases the channel and the connection
func (p *AMQPPublisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if connErr := p.conn.Close(); err == nil {
			err = connErr
		}
	}
	return err
}
