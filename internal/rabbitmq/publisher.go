package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-host/internal/metrics"
)

// ChannelSource runs a function with a channel and takes care of its lifetime.
// *ChannelPool and AffinityChannels.For implement it.
type ChannelSource interface {
	Use(ctx context.Context, fn func(Channel) error) error
}

// Route is a publish target.
type Route struct {
	Exchange   string
	RoutingKey string
}

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	channels       ChannelSource
	defaultRoute   *Route
	routes         map[string]Route
	publishTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Collector
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout sets the publish timeout applied when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithDefaultRoute sets the target for models without a configured route
func WithDefaultRoute(route Route) PublisherOption {
	return func(p *Publisher) {
		p.defaultRoute = &route
	}
}

// WithRoute sets the publish target for one model identifier. Model
// identifiers are matched case-insensitively.
func WithRoute(model string, route Route) PublisherOption {
	return func(p *Publisher) {
		p.routes[strings.ToLower(model)] = route
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(m *metrics.Collector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher creates a new publisher
func NewPublisher(channels ChannelSource, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channels:       channels,
		routes:         make(map[string]Route),
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message to exchange with routingKey.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	err := p.channels.Use(ctx, func(ch Channel) error {
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	})
	p.metrics.Published(exchange, err)
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// PublishModel JSON-encodes v and publishes it to the route configured for
// model, falling back to the default route.
func (p *Publisher) PublishModel(ctx context.Context, model string, v any) error {
	route, err := p.Route(model)
	if err != nil {
		return err
	}

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", model, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         model,
		Body:         body,
	}

	if err := p.Publish(ctx, route.Exchange, route.RoutingKey, msg); err != nil {
		return err
	}

	p.logger.Debug("published message",
		"model", model,
		"messageId", msg.MessageId,
		"exchange", route.Exchange,
		"routingKey", route.RoutingKey)
	return nil
}

// Route resolves the publish target for model.
func (p *Publisher) Route(model string) (Route, error) {
	if route, ok := p.routes[strings.ToLower(model)]; ok {
		return route, nil
	}
	if p.defaultRoute != nil {
		return *p.defaultRoute, nil
	}
	return Route{}, fmt.Errorf("%w for model %q", ErrNoRoute, model)
}
