// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-host/config"
	"github.com/glimte/mmate-host/health"
	"github.com/glimte/mmate-host/internal/metrics"
	"github.com/glimte/mmate-host/internal/rabbitmq"
	"github.com/glimte/mmate-host/messaging"
)

// Client wires a connection manager, channel pool, consumer host and
// publisher from one configuration.
type Client struct {
	config      *config.Config
	logger      *slog.Logger
	metrics     *metrics.Collector
	connections *rabbitmq.ConnectionManager
	pool        *rabbitmq.ChannelPool
	registry    *messaging.Registry
	host        *messaging.Host
	publisher   *rabbitmq.Publisher
	affinity    *rabbitmq.AffinityChannels
	health      *health.Registry
}

// clientConfig holds client configuration
type clientConfig struct {
	logger   *slog.Logger
	metrics  *metrics.Collector
	dialer   rabbitmq.Dialer
	reporter messaging.StatusReporter
	affinity bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics records metrics for all components in m.
func WithMetrics(m *metrics.Collector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithDialer replaces the AMQP dialer.
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dial
	}
}

// WithAffinityPublisher makes the publisher keep one dedicated channel
// instead of checking channels out of the pool.
func WithAffinityPublisher() ClientOption {
	return func(cfg *clientConfig) {
		cfg.affinity = true
	}
}

// WithStatusReporter receives the outcome of every delivery.
func WithStatusReporter(reporter messaging.StatusReporter) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reporter = reporter
	}
}

// NewClient creates a client from cfg. Nothing is dialled until Start, or
// until the first publish with the lazy strategy.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", rabbitmq.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(opts)
	}

	strategy, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(opts.logger),
		rabbitmq.WithStrategy(strategy),
		rabbitmq.WithReconnectDelay(cfg.RetryPeriod()),
		rabbitmq.WithConnectionName(cfg.RabbitMQ.ConnectionName),
		rabbitmq.WithConnectionMetrics(opts.metrics),
	}
	if opts.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(opts.dialer))
	}
	connections := rabbitmq.NewConnectionManager(cfg.URL(), connOpts...)

	pool, err := rabbitmq.NewChannelPool(connections,
		rabbitmq.WithMaxUses(cfg.Pool.MaxUses),
		rabbitmq.WithPoolLogger(opts.logger),
		rabbitmq.WithPoolMetrics(opts.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	registry := messaging.NewRegistry(messaging.WithRegistryLogger(opts.logger))

	hostOpts := []messaging.HostOption{
		messaging.WithHostLogger(opts.logger),
		messaging.WithHostMetrics(opts.metrics),
		messaging.WithPrefetchCount(cfg.Host.Prefetch),
		messaging.WithSubscribeRetryDelay(cfg.RetryPeriod()),
	}
	if opts.reporter != nil {
		hostOpts = append(hostOpts, messaging.WithStatusReporter(opts.reporter))
	}
	host := messaging.NewHost(pool, registry, hostOpts...)

	publisherOpts := append([]rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(opts.logger),
		rabbitmq.WithPublisherMetrics(opts.metrics),
	}, cfg.PublisherOptions()...)
	var (
		source   rabbitmq.ChannelSource = pool
		affinity *rabbitmq.AffinityChannels
	)
	if opts.affinity || cfg.Publish.Affinity {
		affinity = rabbitmq.NewAffinityChannels(connections, opts.logger)
		source = affinity.For("publisher", 0)
	}
	publisher := rabbitmq.NewPublisher(source, publisherOpts...)

	checks := health.NewRegistry()
	checks.Register(health.NewConnectionChecker(connections))
	checks.Register(health.NewChannelPoolChecker(pool))
	checks.Register(health.NewHostChecker(host))

	return &Client{
		config:      cfg,
		logger:      opts.logger,
		metrics:     opts.metrics,
		connections: connections,
		pool:        pool,
		registry:    registry,
		host:        host,
		publisher:   publisher,
		affinity:    affinity,
		health:      checks,
	}, nil
}

// RegisterConfigured registers a consumer for every queue listed in the
// configuration, building each with build. Optional consumers without a
// queue are skipped.
func (c *Client) RegisterConfigured(build func(messaging.QueueOptions) (messaging.Consumer, error)) error {
	for _, opts := range c.config.QueueOptions() {
		reg, ok, err := messaging.FromOptions(opts, build)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := c.host.AddConsumer(reg); err != nil {
			return err
		}
	}
	return nil
}

// Start connects to the broker and starts consuming.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connections.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return c.host.Start(ctx)
}

// Stop stops consuming. The connection stays open for publishing.
func (c *Client) Stop(ctx context.Context) error {
	return c.host.Stop(ctx)
}

// Close stops the host if needed and closes every resource.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	switch c.host.State() {
	case messaging.HostStarting, messaging.HostRunning:
		if err := c.host.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.affinity != nil {
		if err := c.affinity.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.connections.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Publisher returns the message publisher
func (c *Client) Publisher() *rabbitmq.Publisher {
	return c.publisher
}

// Host returns the consumer host
func (c *Client) Host() *messaging.Host {
	return c.host
}

// Registry returns the consumer registry
func (c *Client) Registry() *messaging.Registry {
	return c.registry
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Emulator returns an emulator dispatching to the client's registry.
func (c *Client) Emulator() *messaging.Emulator {
	return messaging.NewEmulator(c.registry, messaging.WithEmulatorLogger(c.logger))
}

// Handler serves /healthz, /readyz, /livez and, when metrics are enabled,
// /metrics.
func (c *Client) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(c.health, 5*time.Second))
	mux.Handle("/readyz", health.NewHandler(c.health, 2*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	if c.metrics != nil {
		mux.Handle("/metrics", c.metrics.Handler())
	}
	return mux
}
