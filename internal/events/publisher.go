package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeName = "library.events"
	exchangeType = "topic"

	// Event types
	EventTypeReservationCreated  = "reservation.created"
	EventTypeReservationReturned = "reservation.returned"
	EventTypeReservationReminder = "reservation.reminder"

	// Retry configuration
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	confirmTimeout = 5 * time.Second
)

// wireChannel is the slice of amqp.Channel the publisher uses
type wireChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher handles event publishing to RabbitMQ. One confirms listener is
// registered for the lifetime of the channel and publishes are serialized,
// so each in-flight publish reads its own confirmation, matched by delivery
// tag.
type Publisher struct {
	conn     *amqp.Connection
	channel  wireChannel
	confirms chan amqp.Confirmation
	mu       sync.Mutex
	seq      uint64 // delivery tag of the last publish accepted by the channel
	log      *zap.Logger
}

// Event represents a domain event
type Event struct {
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	EventVersion string                 `json:"event_version"`
	Timestamp    string                 `json:"timestamp"`
	Payload      map[string]interface{} `json:"payload"`
}

// NewPublisher creates a new event publisher
func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := newPublisher(conn, channel, log)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	log.Info("Connected to RabbitMQ", zap.String("exchange", exchangeName))
	return p, nil
}

func newPublisher(conn *amqp.Connection, channel wireChannel, log *zap.Logger) (*Publisher, error) {
	if err := channel.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Enable publisher confirms for reliability
	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  channel,
		confirms: channel.NotifyPublish(make(chan amqp.Confirmation, 16)),
		log:      log,
	}, nil
}

// PublishReservationCreated publishes a reservation created event
func (p *Publisher) PublishReservationCreated(ctx context.Context, reservationID, userID, bookID uint, library string, isExternal bool, reservedUntil time.Time) error {
	event := newEvent(EventTypeReservationCreated, map[string]interface{}{
		"reservation_id": reservationID,
		"user_id":        userID,
		"book_id":        bookID,
		"library":        library,
		"is_external":    isExternal,
		"reserved_until": reservedUntil.UTC().Format(time.RFC3339),
	})
	return p.publishWithRetry(ctx, EventTypeReservationCreated, event)
}

// PublishReservationReturned publishes a reservation returned event
func (p *Publisher) PublishReservationReturned(ctx context.Context, reservationID, userID, bookID uint) error {
	event := newEvent(EventTypeReservationReturned, map[string]interface{}{
		"reservation_id": reservationID,
		"user_id":        userID,
		"book_id":        bookID,
	})
	return p.publishWithRetry(ctx, EventTypeReservationReturned, event)
}

// PublishReservationReminder publishes an expiry reminder for delivery by an
// external notification consumer
func (p *Publisher) PublishReservationReminder(ctx context.Context, reservationID, userID uint, username string, reservedUntil time.Time) error {
	event := newEvent(EventTypeReservationReminder, map[string]interface{}{
		"reservation_id": reservationID,
		"user_id":        userID,
		"username":       username,
		"reserved_until": reservedUntil.UTC().Format(time.RFC3339),
	})
	return p.publishWithRetry(ctx, EventTypeReservationReminder, event)
}

func newEvent(eventType string, payload map[string]interface{}) Event {
	return Event{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: "1.0.0",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Payload:      payload,
	}
}

// publishWithRetry publishes an event with exponential backoff retry. The
// lock keeps one publish in flight at a time so the shared confirms stream
// stays unambiguous.
func (p *Publisher) publishWithRetry(ctx context.Context, routingKey string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error("Failed to marshal event", zap.Error(err))
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}

		err := p.channel.PublishWithContext(
			ctx,
			exchangeName,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				MessageId:    event.EventID,
				Body:         body,
				Headers: amqp.Table{
					"event_type":    event.EventType,
					"event_version": event.EventVersion,
				},
			},
		)

		if err != nil {
			lastErr = err
			p.log.Warn("Failed to publish event, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		// Delivery tags count publishes accepted by the channel, starting
		// at 1
		p.seq++

		acked, err := p.awaitConfirm(ctx, p.seq)
		if err != nil {
			return err
		}
		if acked {
			p.log.Info("Event published",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.EventType),
			)
			return nil
		}

		lastErr = fmt.Errorf("event not acknowledged")
		p.log.Warn("Event publish not confirmed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	p.log.Error("Failed to publish event after retries",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Int("attempts", maxRetries),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed to publish event after %d attempts: %w", maxRetries, lastErr)
}

// awaitConfirm waits for the confirmation carrying the given delivery tag.
// Confirms left over from publishes that timed out earlier are skipped. A
// timeout reads as not acknowledged.
func (p *Publisher) awaitConfirm(ctx context.Context, tag uint64) (bool, error) {
	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm := <-p.confirms:
			if confirm.DeliveryTag < tag {
				continue
			}
			return confirm.Ack, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		}
	}
}

// IsHealthy checks if the publisher connection is healthy
func (p *Publisher) IsHealthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Close closes the publisher connection
func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.log.Error("Failed to close channel", zap.Error(err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.Error("Failed to close connection", zap.Error(err))
			return err
		}
	}
	p.log.Info("Publisher closed")
	return nil
}
