package messaging

import (
	"context"
	"fmt"
	"time"
)

// ConsumerProvider resolves the consumer logic for one delivery.
type ConsumerProvider interface {
	Resolve(ctx context.Context) (Consumer, error)
}

// Instance returns a provider that always resolves to c.
func Instance(c Consumer) ConsumerProvider {
	return &instanceProvider{consumer: c}
}

type instanceProvider struct {
	consumer Consumer
}

func (p *instanceProvider) Resolve(ctx context.Context) (Consumer, error) {
	return p.consumer, nil
}

func (p *instanceProvider) Drain(ctx context.Context) error {
	if d, ok := p.consumer.(Drainer); ok {
		return d.Drain(ctx)
	}
	return nil
}

func (p *instanceProvider) Discard() {
	if d, ok := p.consumer.(Discarder); ok {
		d.Discard()
	}
}

// Factory returns a provider that builds a new consumer for every delivery.
// Consumers that keep state between deliveries, such as BatchConsumer, must
// not be registered through a factory.
func Factory(newConsumer func(ctx context.Context) (Consumer, error)) ConsumerProvider {
	return factoryProvider(newConsumer)
}

type factoryProvider func(ctx context.Context) (Consumer, error)

func (p factoryProvider) Resolve(ctx context.Context) (Consumer, error) {
	c, err := p(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: factory returned nil consumer", ErrInvalidRegistration)
	}
	return c, nil
}

// QueueOptions carries consumer settings that come from configuration.
type QueueOptions struct {
	Queue          string
	BatchSize      int
	BatchTimeout   time.Duration
	RequeueOnError bool
	// Optional skips the registration when Queue is empty instead of failing.
	Optional bool
}

// OptionsProvider holds a consumer built from QueueOptions at registration time.
type OptionsProvider struct {
	options  QueueOptions
	consumer Consumer
}

// Options returns the options the consumer was built from.
func (p *OptionsProvider) Options() QueueOptions {
	return p.options
}

// Resolve implements ConsumerProvider
func (p *OptionsProvider) Resolve(ctx context.Context) (Consumer, error) {
	return p.consumer, nil
}

// Drain implements Drainer
func (p *OptionsProvider) Drain(ctx context.Context) error {
	if d, ok := p.consumer.(Drainer); ok {
		return d.Drain(ctx)
	}
	return nil
}

// Discard implements Discarder
func (p *OptionsProvider) Discard() {
	if d, ok := p.consumer.(Discarder); ok {
		d.Discard()
	}
}

// FromOptions builds a registration whose queue name and flags come from
// opts. It returns ok=false without error when the queue is not configured
// and opts.Optional is set.
func FromOptions(opts QueueOptions, build func(QueueOptions) (Consumer, error)) (reg Registration, ok bool, err error) {
	if opts.Queue == "" {
		if opts.Optional {
			return Registration{}, false, nil
		}
		return Registration{}, false, fmt.Errorf("%w: queue name is not configured", ErrInvalidRegistration)
	}
	if build == nil {
		return Registration{}, false, fmt.Errorf("%w: build function cannot be nil", ErrInvalidRegistration)
	}

	consumer, err := build(opts)
	if err != nil {
		return Registration{}, false, fmt.Errorf("failed to build consumer for queue %s: %w", opts.Queue, err)
	}
	if consumer == nil {
		return Registration{}, false, fmt.Errorf("%w: nil consumer for queue %s", ErrInvalidRegistration, opts.Queue)
	}

	return Registration{
		Queue:          opts.Queue,
		Provider:       &OptionsProvider{options: opts, consumer: consumer},
		BatchSize:      opts.BatchSize,
		RequeueOnError: opts.RequeueOnError,
	}, true, nil
}
