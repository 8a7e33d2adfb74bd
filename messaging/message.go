package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one delivery as seen by consumer logic. It is only valid for
// the duration of a single consume cycle.
type Message struct {
	Queue         string
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Type          string
	ContentType   string
	Headers       amqp.Table
	DeliveryTag   uint64
	Redelivered   bool
	Timestamp     time.Time
	Body          []byte

	settlement *Settlement
	deferred   atomic.Bool
}

func newMessage(queue string, d amqp.Delivery, settlement *Settlement) *Message {
	return &Message{
		Queue:         queue,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Type:          d.Type,
		ContentType:   d.ContentType,
		Headers:       d.Headers,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
		settlement:    settlement,
	}
}

// Decode unmarshals the JSON body into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("failed to decode message %s: %w", m.MessageID, err)
	}
	return nil
}

// Defer hands settlement of the delivery over to the caller. After Defer the
// dispatcher no longer acks or nacks the delivery, whatever Consume returns.
func (m *Message) Defer() *Settlement {
	m.deferred.Store(true)
	return m.settlement
}

func (m *Message) isDeferred() bool {
	return m.deferred.Load()
}

// Settlement resolves a single delivery. Only the first Ack or Nack takes
// effect; later calls return ErrAlreadySettled.
type Settlement struct {
	queue    string
	delivery amqp.Delivery
	started  time.Time
	report   func(MessageStatus)
	settled  atomic.Bool
}

func newSettlement(queue string, d amqp.Delivery, report func(MessageStatus)) *Settlement {
	return &Settlement{
		queue:    queue,
		delivery: d,
		started:  time.Now(),
		report:   report,
	}
}

// Ack acknowledges the delivery.
func (s *Settlement) Ack() error {
	if !s.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	err := s.delivery.Ack(false)
	s.publish(StatusProcessed, nil, false)
	return err
}

// Nack rejects the delivery. cause is reported with the status.
func (s *Settlement) Nack(cause error, requeue bool) error {
	if !s.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	err := s.delivery.Nack(false, requeue)
	s.publish(StatusError, cause, requeue)
	return err
}

// Settled reports whether Ack or Nack has been called.
func (s *Settlement) Settled() bool {
	return s.settled.Load()
}

// Queue returns the queue the delivery came from.
func (s *Settlement) Queue() string {
	return s.queue
}

// DeliveryTag returns the broker delivery tag.
func (s *Settlement) DeliveryTag() uint64 {
	return s.delivery.DeliveryTag
}

func (s *Settlement) publish(status Status, cause error, requeue bool) {
	if s.report == nil {
		return
	}
	s.report(MessageStatus{
		Queue:       s.queue,
		MessageID:   s.delivery.MessageId,
		DeliveryTag: s.delivery.DeliveryTag,
		Status:      status,
		Err:         cause,
		Requeue:     requeue,
		Duration:    time.Since(s.started),
	})
}

type messageKey struct{}

func contextWithMessage(ctx context.Context, msg *Message) context.Context {
	return context.WithValue(ctx, messageKey{}, msg)
}

// MessageFromContext returns the message being processed, if any.
func MessageFromContext(ctx context.Context) (*Message, bool) {
	msg, ok := ctx.Value(messageKey{}).(*Message)
	return msg, ok
}
