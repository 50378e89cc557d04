package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeName = "cardmint.events"
	exchangeType = "topic"

	// Event types. The in-store stock display and the storefront cache
	// invalidator subscribe to reservation.* to refresh availability.
	EventTypeReservationCreated   = "reservation.created"
	EventTypeReservationReleased  = "reservation.released"
	EventTypeReservationExpired   = "reservation.expired"
	EventTypeReservationConfirmed = "reservation.confirmed"

	// Retry configuration
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Publisher handles event publishing to RabbitMQ
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
}

// Event represents a domain event
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	EventVersion  string                 `json:"event_version"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
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

	if err := channel.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Enable publisher confirms for reliability
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	log.Info("Connected to RabbitMQ", zap.String("exchange", exchangeName))

	return &Publisher{
		conn:    conn,
		channel: channel,
		log:     log,
	}, nil
}

// PublishReservationCreated announces freshly placed holds for a session.
func (p *Publisher) PublishReservationCreated(ctx context.Context, sessionID string, productIDs []string, expiresAt int64) error {
	event := newEvent(ctx, EventTypeReservationCreated, map[string]interface{}{
		"session_id":  sessionID,
		"product_ids": productIDs,
		"expires_at":  expiresAt,
	})
	return p.publishWithRetry(ctx, EventTypeReservationCreated, event)
}

// PublishReservationReleased announces holds returned to the pool, whether
// released per product or cleared with the whole session.
func (p *Publisher) PublishReservationReleased(ctx context.Context, sessionID string, productIDs []string) error {
	event := newEvent(ctx, EventTypeReservationReleased, map[string]interface{}{
		"session_id":  sessionID,
		"product_ids": productIDs,
	})
	return p.publishWithRetry(ctx, EventTypeReservationReleased, event)
}

// PublishReservationExpired announces how many lapsed holds a sweep reclaimed.
func (p *Publisher) PublishReservationExpired(ctx context.Context, reclaimed int64) error {
	event := newEvent(ctx, EventTypeReservationExpired, map[string]interface{}{
		"reclaimed": reclaimed,
	})
	return p.publishWithRetry(ctx, EventTypeReservationExpired, event)
}

// PublishReservationConfirmed announces holds finalized into sales.
func (p *Publisher) PublishReservationConfirmed(ctx context.Context, sessionID string, productIDs []string) error {
	event := newEvent(ctx, EventTypeReservationConfirmed, map[string]interface{}{
		"session_id":  sessionID,
		"product_ids": productIDs,
	})
	return p.publishWithRetry(ctx, EventTypeReservationConfirmed, event)
}

func newEvent(ctx context.Context, eventType string, payload map[string]interface{}) Event {
	event := Event{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: "1.0.0",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Payload:      payload,
	}

	// Extract correlation ID from context if available
	if corrID := ctx.Value("correlation_id"); corrID != nil {
		event.CorrelationID = corrID.(string)
	}

	return event
}

// publishWithRetry publishes an event with exponential backoff retry
func (p *Publisher) publishWithRetry(ctx context.Context, routingKey string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error("Failed to marshal event", zap.Error(err))
		return fmt.Errorf("failed to marshal event: %w", err)
	}

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

		// Publish with confirmation
		confirms := p.channel.NotifyPublish(make(chan amqp.Confirmation, 1))

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

		// Wait for confirmation
		select {
		case confirm := <-confirms:
			if confirm.Ack {
				p.log.Debug("Event published",
					zap.String("event_id", event.EventID),
					zap.String("event_type", event.EventType),
				)
				return nil
			}
			lastErr = fmt.Errorf("event not acknowledged")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			lastErr = fmt.Errorf("confirmation timeout")
		}

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
