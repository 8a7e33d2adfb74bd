package rabbitmq_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-host/internal/rabbitmq"
	"github.com/glimte/mmate-host/internal/rabbitmq/rabbitmqtest"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

func newTestPublisher(t *testing.T, options ...rabbitmq.PublisherOption) (*rabbitmq.Publisher, *rabbitmqtest.Connection) {
	t.Helper()
	conn := rabbitmqtest.NewConnection()
	pool, err := rabbitmq.NewChannelPool(conn)
	require.NoError(t, err)
	return rabbitmq.NewPublisher(pool, options...), conn
}

func TestPublisherPublish(t *testing.T) {
	publisher, conn := newTestPublisher(t)

	err := publisher.Publish(context.Background(), "events", "orders.placed", amqp.Publishing{Body: []byte("hi")})
	require.NoError(t, err)

	require.Len(t, conn.Channels(), 1)
	published := conn.Channels()[0].Published()
	require.Len(t, published, 1)
	assert.Equal(t, "events", published[0].Exchange)
	assert.Equal(t, "orders.placed", published[0].RoutingKey)
	assert.Equal(t, []byte("hi"), published[0].Msg.Body)
}

func TestPublisherPublishError(t *testing.T) {
	publisher, conn := newTestPublisher(t)

	// open the pooled channel, then make it fail
	require.NoError(t, publisher.Publish(context.Background(), "", "warmup", amqp.Publishing{}))
	boom := errors.New("flow control")
	conn.Channels()[0].PublishErr = boom

	err := publisher.Publish(context.Background(), "events", "orders.placed", amqp.Publishing{})
	var pubErr *rabbitmq.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "events", pubErr.Exchange)
	assert.ErrorIs(t, err, boom)
}

func TestPublisherPublishModel(t *testing.T) {
	t.Run("uses the model route", func(t *testing.T) {
		publisher, conn := newTestPublisher(t,
			rabbitmq.WithDefaultRoute(rabbitmq.Route{Exchange: "default"}),
			rabbitmq.WithRoute("OrderPlaced", rabbitmq.Route{Exchange: "orders", RoutingKey: "placed"}))

		err := publisher.PublishModel(context.Background(), "OrderPlaced", orderPlaced{OrderID: "o-1", Amount: 42})
		require.NoError(t, err)

		published := conn.Channels()[0].Published()
		require.Len(t, published, 1)
		msg := published[0]
		assert.Equal(t, "orders", msg.Exchange)
		assert.Equal(t, "placed", msg.RoutingKey)
		assert.Equal(t, "application/json", msg.Msg.ContentType)
		assert.Equal(t, amqp.Persistent, msg.Msg.DeliveryMode)
		assert.Equal(t, "OrderPlaced", msg.Msg.Type)
		assert.NotEmpty(t, msg.Msg.MessageId)

		var decoded orderPlaced
		require.NoError(t, json.Unmarshal(msg.Msg.Body, &decoded))
		assert.Equal(t, orderPlaced{OrderID: "o-1", Amount: 42}, decoded)
	})

	t.Run("falls back to the default route", func(t *testing.T) {
		publisher, conn := newTestPublisher(t,
			rabbitmq.WithDefaultRoute(rabbitmq.Route{Exchange: "default", RoutingKey: "all"}))

		require.NoError(t, publisher.PublishModel(context.Background(), "Unrouted", map[string]string{"k": "v"}))

		published := conn.Channels()[0].Published()
		require.Len(t, published, 1)
		assert.Equal(t, "default", published[0].Exchange)
		assert.Equal(t, "all", published[0].RoutingKey)
	})

	t.Run("fails without any route", func(t *testing.T) {
		publisher, conn := newTestPublisher(t)

		err := publisher.PublishModel(context.Background(), "Unrouted", struct{}{})
		assert.ErrorIs(t, err, rabbitmq.ErrNoRoute)
		assert.False(t, rabbitmq.IsRetryable(err))
		assert.Empty(t, conn.Channels())
	})

	t.Run("reports encoding errors", func(t *testing.T) {
		publisher, _ := newTestPublisher(t, rabbitmq.WithDefaultRoute(rabbitmq.Route{}))

		err := publisher.PublishModel(context.Background(), "Broken", make(chan int))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to marshal")
	})
}
