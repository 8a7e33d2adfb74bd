// Package metrics provides Prometheus metrics for connections, channel pools
// and consumers. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector contains the Prometheus metrics recorded by the client layer.
type Collector struct {
	registry *prometheus.Registry

	ConnectionStatus    prometheus.Gauge
	ConnectAttempts     *prometheus.CounterVec
	ChannelsCreated     prometheus.Counter
	ChannelsDiscarded   *prometheus.CounterVec
	MessagesProcessed   *prometheus.CounterVec
	ProcessDuration     *prometheus.HistogramVec
	BatchFlushes        *prometheus.CounterVec
	BatchSize           *prometheus.HistogramVec
	ActiveSubscriptions prometheus.Gauge
	MessagesPublished   *prometheus.CounterVec
}

// New creates a collector with its own registry that also exports Go runtime
// and process metrics.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(namespace, reg)
}

// NewWithRegistry creates a collector registered with reg.
func NewWithRegistry(namespace string, reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry: reg,
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connect_attempts_total",
				Help:      "Total number of broker connection attempts",
			},
			[]string{"result"},
		),
		ChannelsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "channels_created_total",
				Help:      "Total number of channels opened by the pool",
			},
		),
		ChannelsDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "channels_discarded_total",
				Help:      "Total number of pooled channels discarded",
			},
			[]string{"reason"},
		),
		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of resolved deliveries by outcome",
			},
			[]string{"queue", "status"},
		),
		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "process_duration_seconds",
				Help:      "Time from delivery to resolution",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		BatchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "batch_flushes_total",
				Help:      "Total number of batch flushes by trigger and result",
			},
			[]string{"queue", "trigger", "result"},
		),
		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "batch_size",
				Help:      "Number of messages per flushed batch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"queue"},
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "active_subscriptions",
				Help:      "Number of queues currently being consumed",
			},
		),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_published_total",
				Help:      "Total number of published messages by result",
			},
			[]string{"exchange", "result"},
		),
	}

	reg.MustRegister(
		c.ConnectionStatus,
		c.ConnectAttempts,
		c.ChannelsCreated,
		c.ChannelsDiscarded,
		c.MessagesProcessed,
		c.ProcessDuration,
		c.BatchFlushes,
		c.BatchSize,
		c.ActiveSubscriptions,
		c.MessagesPublished,
	)

	return c
}

// Handler returns an HTTP handler exposing the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (c *Collector) SetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.ConnectionStatus.Set(1)
	} else {
		c.ConnectionStatus.Set(0)
	}
}

func (c *Collector) ConnectAttempt(err error) {
	if c == nil {
		return
	}
	c.ConnectAttempts.WithLabelValues(result(err)).Inc()
}

func (c *Collector) ChannelCreated() {
	if c == nil {
		return
	}
	c.ChannelsCreated.Inc()
}

func (c *Collector) ChannelDiscarded(reason string) {
	if c == nil {
		return
	}
	c.ChannelsDiscarded.WithLabelValues(reason).Inc()
}

func (c *Collector) MessageResolved(queue, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.MessagesProcessed.WithLabelValues(queue, status).Inc()
	c.ProcessDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func (c *Collector) BatchFlushed(queue, trigger string, size int, err error) {
	if c == nil {
		return
	}
	c.BatchFlushes.WithLabelValues(queue, trigger, result(err)).Inc()
	c.BatchSize.WithLabelValues(queue).Observe(float64(size))
}

func (c *Collector) SetActiveSubscriptions(n int) {
	if c == nil {
		return
	}
	c.ActiveSubscriptions.Set(float64(n))
}

func (c *Collector) Published(exchange string, err error) {
	if c == nil {
		return
	}
	c.MessagesPublished.WithLabelValues(exchange, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
