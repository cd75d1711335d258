package services

import (
	"context"
	"fmt"
	"time"

	"coldchain/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// reconnectDelay is how long to wait between reconnection attempts after
// the broker connection drops.
const reconnectDelay = 5 * time.Second

// PayloadHandler processes one raw bus message. A returned error means the
// payload was bad; it is logged upstream and the message is still acked —
// a malformed payload never comes back.
type PayloadHandler func(payload []byte) error

// RabbitMQService consumes gateway payloads from the bus. Gateways publish
// MQTT; the broker's MQTT plugin routes into amq.topic, which the service
// queue is bound to alongside its own exchange.
type RabbitMQService struct {
	config    *config.Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *zap.Logger
	reconnect chan bool
	isClosing bool
}

// NewRabbitMQService creates the consumer and establishes the initial
// connection.
func NewRabbitMQService(cfg *config.Config, logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		config:    cfg,
		logger:    logger,
		reconnect: make(chan bool),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

// connect establishes the connection and declares exchange and queue.
func (r *RabbitMQService) connect() error {
	var err error

	r.logger.Info("Connecting to RabbitMQ", zap.String("queue", r.config.RabbitMQQueue))

	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		r.conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(reconnectDelay)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.channel, err = r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err = r.channel.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err = r.channel.ExchangeDeclare(
		r.config.RabbitMQExchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := r.channel.QueueDeclare(
		r.config.RabbitMQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = r.channel.QueueBind(queue.Name, r.config.RabbitMQQueue, r.config.RabbitMQExchange, false, nil)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	// Bind to amq.topic so gateway MQTT publishes land in our queue.
	err = r.channel.QueueBind(queue.Name, r.config.RabbitMQQueue, "amq.topic", false, nil)
	if err != nil {
		return fmt.Errorf("failed to bind queue to MQTT exchange: %w", err)
	}

	r.logger.Info("Connected to RabbitMQ",
		zap.String("queue", queue.Name),
		zap.String("exchange", r.config.RabbitMQExchange))

	go r.handleReconnect()

	return nil
}

// handleReconnect re-establishes the connection whenever it drops.
func (r *RabbitMQService) handleReconnect() {
	closeErr := <-r.conn.NotifyClose(make(chan *amqp.Error))
	if r.isClosing {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for {
		r.logger.Info("Attempting to reconnect to RabbitMQ")
		if err := r.connect(); err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			r.reconnect <- true
			return
		} else {
			r.logger.Error("Failed to reconnect", zap.Error(err))
		}
		time.Sleep(reconnectDelay)
	}
}

// Consume delivers raw payloads to the handler until the context ends.
// Every delivery is acked: the pipeline either accepted the reading or
// decided to drop it, and redelivery would change neither.
func (r *RabbitMQService) Consume(ctx context.Context, handler PayloadHandler) error {
	for {
		msgs, err := r.channel.Consume(
			r.config.RabbitMQQueue,
			"coldchain-processor", // consumer tag
			false,                 // auto-ack
			false,                 // exclusive
			false,                 // no-local
			false,                 // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %w", err)
		}

		r.logger.Info("Started consuming gateway payloads",
			zap.String("queue", r.config.RabbitMQQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping bus consumer")
				return nil

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Delivery channel closed")
					time.Sleep(1 * time.Second)
					break consumeLoop
				}

				_ = handler(msg.Body)
				msg.Ack(false)
			}
		}
	}
}

// Close gracefully closes the connection.
func (r *RabbitMQService) Close() error {
	r.isClosing = true

	r.logger.Info("Closing RabbitMQ connection")

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}
	return nil
}
