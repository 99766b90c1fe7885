// Package service holds adapters that forward auth events to other
// systems.  Publishing errors are logged and returned; they never
// interrupt the sign-in flow that produced the event.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/gateway"
	q "github.com/iliyamo/saas-auth/internal/queue"
)

const publishTimeout = 5 * time.Second

// EventPublisher publishes auth events to a durable RabbitMQ queue.  The
// connection is opened lazily and re-opened once after a failed publish.
type EventPublisher struct {
	url   string
	queue string
	log   *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewEventPublisher(url, queue string, log *zap.Logger) *EventPublisher {
	if queue == "" {
		queue = q.AuthEventsQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EventPublisher{url: url, queue: queue, log: log.Named("auth-publisher")}
}

// ToAuthEvent converts a gateway event to its wire form.
func ToAuthEvent(ev gateway.Event) q.AuthEvent {
	return q.AuthEvent{
		Type:       string(ev.Type),
		SessionID:  ev.SessionID,
		UserID:     ev.Identity.ID,
		Email:      ev.Identity.Email,
		OccurredAt: ev.At.UTC().Format(time.RFC3339),
	}
}

// Handle is a gateway bus subscriber.
func (p *EventPublisher) Handle(ev gateway.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, ToAuthEvent(ev)); err != nil {
		p.log.Warn("auth event not published",
			zap.String("event", string(ev.Type)), zap.String("session_id", ev.SessionID), zap.Error(err))
	}
}

// Publish sends event as a persistent JSON message.
func (p *EventPublisher) Publish(ctx context.Context, event q.AuthEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Type:         event.Type,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		if err = p.ensureChannel(); err != nil {
			continue
		}
		err = p.ch.PublishWithContext(ctx,
			"",      // default exchange
			p.queue, // routing key = queue name
			false,   // mandatory
			false,   // immediate
			pub,
		)
		if err == nil {
			return nil
		}
		p.resetLocked()
	}
	return err
}

func (p *EventPublisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.resetLocked()
	if p.url == "" {
		return errors.New("rabbitmq url is empty")
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *EventPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Close releases the broker connection.
func (p *EventPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}
