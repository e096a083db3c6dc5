package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/hamed0406/listingwatch/internal/domain"
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes notifications to a direct exchange; Destination is the
// routing key. Downstream consumers own the actual delivery.
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

type amqpEnvelope struct {
	Target  domain.Target `json:"target"`
	Message Message       `json:"message"`
	SentAt  time.Time     `json:"sent_at"`
}

func DialAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &AMQP{conn: conn, ch: ch, exchange: exchange}, nil
}

func (a *AMQP) Send(ctx context.Context, target domain.Target, msg Message) error {
	if target.Destination == "" {
		return &RejectedError{Reason: "amqp target has no routing key"}
	}
	body, err := json.Marshal(amqpEnvelope{Target: target, Message: msg, SentAt: time.Now().UTC()})
	if err != nil {
		return &RejectedError{Reason: err.Error()}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.PublishWithContext(ctx, a.exchange, target.Destination, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && !amqpErr.Recover && !errors.Is(err, amqp.ErrClosed) {
		return &RejectedError{Reason: amqpErr.Reason}
	}
	return &TransientError{Err: err}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if a.ch != nil {
		err = multierr.Append(err, a.ch.Close())
	}
	if a.conn != nil {
		err = multierr.Append(err, a.conn.Close())
	}
	return err
}
