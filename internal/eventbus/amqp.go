// ABOUTME: RabbitMQ relay carrying broadcasts between switchboard instances
// ABOUTME: Publishes JSON envelopes to a fanout exchange and feeds remote ones back to the bus

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ErrRelayClosed is returned by Run when the broker closes the consumer.
var ErrRelayClosed = errors.New("relay consumer closed")

// AMQPRelay implements Relay over a RabbitMQ fanout exchange. Each instance
// consumes through its own exclusive, auto-deleted queue.
type AMQPRelay struct {
	conn     *amqp091.Connection
	mu       sync.Mutex // guards pub
	pub      *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

// DialAMQPRelay connects to the broker and declares the exchange.
func DialAMQPRelay(url, exchange string, logger *slog.Logger) (*AMQPRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing relay broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening relay channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring relay exchange: %w", err)
	}
	return &AMQPRelay{
		conn:     conn,
		pub:      ch,
		exchange: exchange,
		logger:   logger.With("component", "relay"),
	}, nil
}

// Publish sends an envelope to every instance.
func (r *AMQPRelay) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pub.PublishWithContext(ctx, r.exchange, "", false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Transient,
		MessageId:    env.Event.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Run consumes remote envelopes and hands them to sink until ctx is done.
func (r *AMQPRelay) Run(ctx context.Context, sink func(Envelope) error) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declaring relay queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", r.exchange, false, nil); err != nil {
		return fmt.Errorf("binding relay queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming relay queue: %w", err)
	}
	r.logger.Info("relay consumer started", "exchange", r.exchange, "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return ErrRelayClosed
			}
			env, err := decodeEnvelope(msg.Body)
			if err != nil {
				r.logger.Warn("dropping malformed relay envelope", "message_id", msg.MessageId, "error", err)
				continue
			}
			if err := sink(env); err != nil {
				r.logger.Warn("relay delivery failed", "event_id", env.Event.ID, "error", err)
			}
		}
	}
}

// Close closes the broker connection.
func (r *AMQPRelay) Close() error {
	return r.conn.Close()
}

func decodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, err
	}
	if env.Origin == "" || env.Event.ID == "" {
		return Envelope{}, errors.New("envelope missing origin or event id")
	}
	return env, nil
}
