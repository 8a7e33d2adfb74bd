package messaging

import (
	"context"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-host/internal/rabbitmq/rabbitmqtest"
)

// countingConsumer counts deliveries and drains
type countingConsumer struct {
	mu       sync.Mutex
	consumed int
	drains   int
}

func (c *countingConsumer) Consume(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumed++
	return nil
}

func (c *countingConsumer) Drain(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drains++
	return nil
}

func (c *countingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed
}

// statusRecorder collects reported statuses
type statusRecorder struct {
	mu       sync.Mutex
	statuses []MessageStatus
}

func (r *statusRecorder) Report(s MessageStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) all() []MessageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MessageStatus(nil), r.statuses...)
}

// newAckChannel returns a fake channel to act as the acknowledger of
// hand-built deliveries.
func newAckChannel(t *testing.T) *rabbitmqtest.Channel {
	t.Helper()
	ch, err := rabbitmqtest.NewConnection().Channel()
	require.NoError(t, err)
	return ch.(*rabbitmqtest.Channel)
}

func delivery(ack amqp.Acknowledger, queue string, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		ConsumerTag:  queue,
		DeliveryTag:  tag,
		MessageId:    "msg-" + body,
		Body:         []byte(body),
	}
}
