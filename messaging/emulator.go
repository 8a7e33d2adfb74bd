package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ProcessingResult is the settlement of one emulated delivery.
type ProcessingResult struct {
	Acked     bool
	Rejected  bool
	Requeue   bool
	Exception error
}

// PendingResult tracks an emulated delivery until it is settled.
type PendingResult struct {
	done   chan struct{}
	result ProcessingResult
}

// Done is closed once the delivery has been settled.
func (p *PendingResult) Done() <-chan struct{} {
	return p.done
}

// Result returns the result if the delivery has been settled.
func (p *PendingResult) Result() (ProcessingResult, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return ProcessingResult{}, false
	}
}

// Wait blocks until the delivery is settled or ctx is done.
func (p *PendingResult) Wait(ctx context.Context) (ProcessingResult, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return ProcessingResult{}, ctx.Err()
	}
}

// Emulator feeds synthetic deliveries through the same dispatch path as
// Host, without a broker. Deliveries are dispatched on the calling goroutine.
type Emulator struct {
	registry   *Registry
	dispatcher *dispatcher
	nextTag    atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*PendingResult
}

// EmulatorOption configures the Emulator
type EmulatorOption func(*emulatorConfig)

type emulatorConfig struct {
	logger   *slog.Logger
	reporter StatusReporter
}

// WithEmulatorLogger sets the logger
func WithEmulatorLogger(logger *slog.Logger) EmulatorOption {
	return func(c *emulatorConfig) {
		c.logger = logger
	}
}

// WithEmulatorStatusReporter also reports statuses to reporter
func WithEmulatorStatusReporter(reporter StatusReporter) EmulatorOption {
	return func(c *emulatorConfig) {
		c.reporter = reporter
	}
}

// NewEmulator creates an emulator over the registrations in registry.
func NewEmulator(registry *Registry, options ...EmulatorOption) *Emulator {
	config := emulatorConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(&config)
	}

	e := &Emulator{
		registry: registry,
		pending:  make(map[uint64]*PendingResult),
	}
	reporter := MultiStatusReporter(StatusReporterFunc(e.settle), config.reporter)
	e.dispatcher = newDispatcher(registry, reporter, config.logger)
	return e
}

// Queue delivers msg to the consumer of queue and waits for its settlement.
// Consumers that defer settlement, such as BatchConsumer, may settle later;
// the call then blocks until they do or ctx is done.
func (e *Emulator) Queue(ctx context.Context, msg any, queue string) (ProcessingResult, error) {
	pending, err := e.Send(ctx, msg, queue)
	if err != nil {
		return ProcessingResult{}, err
	}
	return pending.Wait(ctx)
}

// Send delivers msg to the consumer of queue and returns without waiting
// for deferred settlement. msg may be an amqp.Publishing, a []byte body or
// any value that is encoded as JSON.
func (e *Emulator) Send(ctx context.Context, msg any, queue string) (*PendingResult, error) {
	if _, ok := e.registry.Lookup(queue); !ok {
		return nil, fmt.Errorf("%w: %s", ErrConsumerNotFound, queue)
	}

	publishing, err := toPublishing(msg)
	if err != nil {
		return nil, err
	}

	tag := e.nextTag.Add(1)
	pending := &PendingResult{done: make(chan struct{})}
	e.mu.Lock()
	e.pending[tag] = pending
	e.mu.Unlock()

	e.dispatcher.dispatch(ctx, amqp.Delivery{
		Acknowledger:  emulatedAcknowledger{},
		Headers:       publishing.Headers,
		ContentType:   publishing.ContentType,
		CorrelationId: publishing.CorrelationId,
		ReplyTo:       publishing.ReplyTo,
		MessageId:     publishing.MessageId,
		Timestamp:     publishing.Timestamp,
		Type:          publishing.Type,
		ConsumerTag:   queue,
		DeliveryTag:   tag,
		RoutingKey:    queue,
		Body:          publishing.Body,
	})

	return pending, nil
}

// Drain drains every registered consumer that holds unsettled deliveries.
func (e *Emulator) Drain(ctx context.Context) error {
	for _, reg := range e.registry.Consumers() {
		if d, ok := reg.Provider.(Drainer); ok {
			if err := d.Drain(ctx); err != nil {
				return fmt.Errorf("failed to drain %s: %w", reg.Queue, err)
			}
		}
	}
	return nil
}

func (e *Emulator) settle(status MessageStatus) {
	e.mu.Lock()
	pending, ok := e.pending[status.DeliveryTag]
	delete(e.pending, status.DeliveryTag)
	e.mu.Unlock()
	if !ok {
		return
	}

	switch status.Status {
	case StatusProcessed:
		pending.result.Acked = true
	case StatusError:
		pending.result.Rejected = true
		pending.result.Requeue = status.Requeue
		pending.result.Exception = status.Err
	}
	close(pending.done)
}

func toPublishing(msg any) (amqp.Publishing, error) {
	var publishing amqp.Publishing
	switch m := msg.(type) {
	case amqp.Publishing:
		publishing = m
	case []byte:
		publishing.Body = m
	default:
		body, err := json.Marshal(msg)
		if err != nil {
			return amqp.Publishing{}, fmt.Errorf("failed to marshal message: %w", err)
		}
		publishing.ContentType = "application/json"
		publishing.Body = body
	}

	if publishing.MessageId == "" {
		publishing.MessageId = uuid.NewString()
	}
	if publishing.Timestamp.IsZero() {
		publishing.Timestamp = time.Now().UTC()
	}
	return publishing, nil
}

// emulatedAcknowledger accepts every settlement; outcomes are captured
// through the status reporter.
type emulatedAcknowledger struct{}

func (emulatedAcknowledger) Ack(tag uint64, multiple bool) error                { return nil }
func (emulatedAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error { return nil }
func (emulatedAcknowledger) Reject(tag uint64, requeue bool) error              { return nil }
