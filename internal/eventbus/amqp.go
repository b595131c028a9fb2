package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the part of *amqp.Channel the forwarder uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPForwarder mirrors bus events to a RabbitMQ topic exchange, routing key = channel.
type AMQPForwarder struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	declared bool
	log      logger.Logger
}

func NewAMQPForwarder(url, exchange string, log logger.Logger) (*AMQPForwarder, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, errors.NewExternalServiceError("amqp", err, true)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.NewExternalServiceError("amqp", err, true)
	}

	f := NewAMQPForwarderWithChannel(ch, exchange, log)
	f.conn = conn
	return f, nil
}

func NewAMQPForwarderWithChannel(ch amqpChannel, exchange string, log logger.Logger) *AMQPForwarder {
	return &AMQPForwarder{channel: ch, exchange: exchange, log: log.Named("amqp_forwarder")}
}

// Handle is a bus Handler.
func (f *AMQPForwarder) Handle(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureChannel(); err != nil {
		return err
	}

	err = f.channel.PublishWithContext(ctx, f.exchange, e.Channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
	if err != nil {
		f.log.Warn("publish failed; channel will be reopened", map[string]interface{}{
			"channel": e.Channel,
			"eventId": e.ID,
			"error":   err.Error(),
		})
		f.declared = false
		return errors.NewExternalServiceError("amqp", err, true)
	}
	return nil
}

// ensureChannel declares the exchange, reopening the channel after a failure when a connection is held.
func (f *AMQPForwarder) ensureChannel() error {
	if f.declared {
		return nil
	}
	err := f.channel.ExchangeDeclare(f.exchange, "topic", true, false, false, false, nil)
	if err != nil && f.conn != nil && !f.conn.IsClosed() {
		ch, chErr := f.conn.Channel()
		if chErr != nil {
			return errors.NewExternalServiceError("amqp", chErr, true)
		}
		f.channel = ch
		err = f.channel.ExchangeDeclare(f.exchange, "topic", true, false, false, false, nil)
	}
	if err != nil {
		return errors.NewExternalServiceError("amqp", err, true)
	}
	f.declared = true
	return nil
}

func (f *AMQPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channel != nil {
		f.channel.Close()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
