package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/retry"
)

// ConsumerOptions configures StartAuthEventConsumer.
type ConsumerOptions struct {
	URL     string
	Queue   string // defaults to AuthEventsQueue
	LogPath string // defaults to logs/auth.log
	Logger  *zap.Logger
}

func (o *ConsumerOptions) defaults() {
	if o.Queue == "" {
		o.Queue = AuthEventsQueue
	}
	if o.LogPath == "" {
		o.LogPath = filepath.Join("logs", "auth.log")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// reconnectPolicy paces broker dials. A session that ends after a good
// connect waits resumeDelay and starts the schedule over.
var (
	reconnectPolicy = retry.Forever(time.Second, 30*time.Second)
	resumeDelay     = 2 * time.Second
)

// StartAuthEventConsumer connects to RabbitMQ, declares the auth events
// queue (durable) and appends one line per message to the audit log.  It
// reconnects with exponential backoff until ctx is cancelled, which is the
// only way it returns.
func StartAuthEventConsumer(ctx context.Context, opts ConsumerOptions) error {
	opts.defaults()
	log := opts.Logger.Named("auth-consumer")

	_, err := retry.Do(ctx, reconnectPolicy, func(int) (struct{}, error) {
		conn, err := amqp.Dial(opts.URL)
		if err != nil {
			return struct{}{}, fmt.Errorf("dial broker: %w", err)
		}
		err = consumeLoop(ctx, conn, opts, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return struct{}{}, retry.Permanent(ctx.Err())
		}
		log.Warn("consume loop ended, reconnecting", zap.Error(err))
		return struct{}{}, retry.After(resumeDelay)
	}, func(attempt int, err error, next time.Duration) {
		log.Warn("reconnecting to broker", zap.Int("attempt", attempt), zap.Error(err), zap.Duration("retry_in", next))
	})
	return err
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, opts ConsumerOptions, log *zap.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn("set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := handleMessage(d.Body, opts.LogPath); err != nil {
				log.Error("handle message failed", zap.Error(err))
				_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func handleMessage(body []byte, path string) error {
	var ev AuthEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" {
		return errors.New("event has no type")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(formatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// formatLine renders one audit line.  Email is quoted because it is
// user-controlled.
func formatLine(ev AuthEvent) string {
	return fmt.Sprintf("[%s] %s | session_id=%s | user_id=%s | email=%q\n",
		ev.OccurredAt, ev.Type, ev.SessionID, ev.UserID, ev.Email)
}
