package mmate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-host/config"
	"github.com/glimte/mmate-host/internal/metrics"
	"github.com/glimte/mmate-host/internal/rabbitmq"
	"github.com/glimte/mmate-host/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-host/messaging"
)

func testConfig() *config.Config {
	return &config.Config{
		RabbitMQ: config.RabbitMQConfig{
			Host:               "localhost",
			Port:               5672,
			VHost:              "/",
			RetryPeriodSeconds: 1,
			Strategy:           "lazy",
		},
		Pool: config.PoolConfig{MaxUses: 10},
		Publish: config.PublishConfig{
			Default: config.Target{Exchange: "events"},
		},
		Consumers: map[string]config.ConsumerConfig{
			"orders":  {Queue: "orders"},
			"archive": {Optional: true},
		},
	}
}

func newTestClient(t *testing.T, options ...ClientOption) (*Client, *rabbitmqtest.Dialer) {
	t.Helper()
	dialer := &rabbitmqtest.Dialer{}
	options = append(options, WithDialer(dialer.Dial))

	client, err := NewClient(testConfig(), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, dialer
}

func countingBuilder(counter *atomic.Int32) func(messaging.QueueOptions) (messaging.Consumer, error) {
	return func(messaging.QueueOptions) (messaging.Consumer, error) {
		return messaging.ConsumerFunc(func(ctx context.Context, msg *messaging.Message) error {
			counter.Add(1)
			return nil
		}), nil
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(nil)
	assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

	cfg := testConfig()
	cfg.RabbitMQ.Strategy = "eager"
	_, err = NewClient(cfg)
	assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

	client, dialer := newTestClient(t)
	assert.Equal(t, 0, dialer.Dials())
	assert.Equal(t, messaging.HostStopped, client.Host().State())
}

func TestClientConsumesConfiguredQueues(t *testing.T) {
	client, dialer := newTestClient(t)

	var consumed atomic.Int32
	require.NoError(t, client.RegisterConfigured(countingBuilder(&consumed)))
	assert.Equal(t, []string{"orders"}, client.Registry().Queues())

	require.NoError(t, client.Start(context.Background()))
	assert.Equal(t, messaging.HostRunning, client.Host().State())
	assert.Equal(t, []string{"orders"}, client.Host().Subscriptions())

	ch := dialer.Last().Channels()[0]
	tag, err := ch.Deliver("orders", amqp.Publishing{Body: []byte(`{}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(ch.Acks()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{tag}, ch.Acks())
	assert.Equal(t, int32(1), consumed.Load())

	require.NoError(t, client.Stop(context.Background()))
	assert.Equal(t, messaging.HostStopped, client.Host().State())
	assert.Equal(t, []string{"orders"}, ch.Cancelled())
}

func TestClientPublish(t *testing.T) {
	client, dialer := newTestClient(t)

	require.NoError(t, client.Publisher().PublishModel(context.Background(), "OrderPlaced", map[string]string{"id": "1"}))

	channels := dialer.Last().Channels()
	require.Len(t, channels, 1)
	published := channels[0].Published()
	require.Len(t, published, 1)
	assert.Equal(t, "events", published[0].Exchange)
	assert.Equal(t, "OrderPlaced", published[0].Msg.Type)
}

func TestClientAffinityPublisher(t *testing.T) {
	client, dialer := newTestClient(t, WithAffinityPublisher())

	for i := 0; i < 2; i++ {
		require.NoError(t, client.Publisher().PublishModel(context.Background(), "OrderPlaced", map[string]int{"n": i}))
	}

	channels := dialer.Last().Channels()
	require.Len(t, channels, 1)
	assert.Len(t, channels[0].Published(), 2)
	assert.False(t, channels[0].IsClosed())
	assert.Equal(t, 0, client.pool.Stats().Free)

	require.NoError(t, client.Close())
	assert.True(t, channels[0].IsClosed())
}

func TestClientAffinityPublisherFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Publish.Affinity = true
	dialer := &rabbitmqtest.Dialer{}
	client, err := NewClient(cfg, WithDialer(dialer.Dial))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Publisher().PublishModel(context.Background(), "OrderPlaced", struct{}{}))
	assert.Equal(t, 0, client.pool.Stats().Free)
	assert.NotNil(t, client.affinity)
}

func TestClientEmulator(t *testing.T) {
	client, dialer := newTestClient(t)

	var consumed atomic.Int32
	require.NoError(t, client.RegisterConfigured(countingBuilder(&consumed)))

	result, err := client.Emulator().Queue(context.Background(), map[string]string{"id": "1"}, "orders")
	require.NoError(t, err)
	assert.True(t, result.Acked)
	assert.Equal(t, int32(1), consumed.Load())
	assert.Equal(t, 0, dialer.Dials())
}

func TestClientHandler(t *testing.T) {
	m := metrics.NewWithRegistry("test", prometheus.NewRegistry())
	client, _ := newTestClient(t, WithMetrics(m))
	handler := client.Handler()

	get := func(path string) int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/livez"))

	require.NoError(t, client.Start(context.Background()))
	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}

func TestClientClose(t *testing.T) {
	client, dialer := newTestClient(t)
	require.NoError(t, client.Start(context.Background()))

	require.NoError(t, client.Close())
	assert.Equal(t, messaging.HostStopped, client.Host().State())
	assert.True(t, dialer.Last().IsClosed())
	assert.True(t, client.pool.Stats().Closed)
}
