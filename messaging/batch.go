package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-host/internal/metrics"
)

const (
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 5 * time.Second
	DefaultTickInterval = time.Second
)

// Flush triggers reported to metrics and logs.
const (
	flushSize    = "size"
	flushTimeout = "timeout"
	flushDrain   = "drain"
)

type batchConfig struct {
	size           int
	timeout        time.Duration
	tick           time.Duration
	requeueOnError bool
	logger         *slog.Logger
	metrics        *metrics.Collector
}

// BatchOption configures a BatchConsumer
type BatchOption func(*batchConfig)

// WithBatchSize sets the number of messages that triggers a flush
func WithBatchSize(n int) BatchOption {
	return func(c *batchConfig) {
		c.size = n
	}
}

// WithBatchTimeout sets how long the batch may stay idle before a partial flush
func WithBatchTimeout(timeout time.Duration) BatchOption {
	return func(c *batchConfig) {
		c.timeout = timeout
	}
}

// WithTickInterval sets how often the idle timeout is checked
func WithTickInterval(interval time.Duration) BatchOption {
	return func(c *batchConfig) {
		c.tick = interval
	}
}

// WithRequeueOnError requeues the messages of a failed batch
func WithRequeueOnError(requeue bool) BatchOption {
	return func(c *batchConfig) {
		c.requeueOnError = requeue
	}
}

// WithBatchLogger sets the logger
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(c *batchConfig) {
		c.logger = logger
	}
}

// WithBatchMetrics sets the metrics collector
func WithBatchMetrics(m *metrics.Collector) BatchOption {
	return func(c *batchConfig) {
		c.metrics = m
	}
}

// BatchConsumer accumulates decoded messages and hands them to a
// BatchHandler once BatchSize messages are pending, or once no message has
// arrived for BatchTimeout. Every message of a flushed batch is acked or
// nacked individually.
type BatchConsumer[T any] struct {
	handler BatchHandler[T]
	config  batchConfig

	mu          sync.Mutex
	flushed     *sync.Cond
	pending     []*batchEntry[T]
	lastArrival time.Time
	flushing    bool
	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

type batchEntry[T any] struct {
	value      T
	settlement *Settlement
}

// NewBatchConsumer creates a batch consumer for handler.
func NewBatchConsumer[T any](handler BatchHandler[T], options ...BatchOption) (*BatchConsumer[T], error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: batch handler cannot be nil", ErrInvalidRegistration)
	}

	config := batchConfig{
		size:    DefaultBatchSize,
		timeout: DefaultBatchTimeout,
		tick:    DefaultTickInterval,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(&config)
	}

	switch {
	case config.size < 1:
		return nil, fmt.Errorf("%w: batch size must be at least 1", ErrInvalidRegistration)
	case config.timeout <= 0:
		return nil, fmt.Errorf("%w: batch timeout must be positive", ErrInvalidRegistration)
	case config.tick <= 0:
		return nil, fmt.Errorf("%w: tick interval must be positive", ErrInvalidRegistration)
	}

	b := &BatchConsumer[T]{
		handler: handler,
		config:  config,
	}
	b.flushed = sync.NewCond(&b.mu)
	return b, nil
}

// NewBatchRegistration creates a batch consumer and its registration for queue.
func NewBatchRegistration[T any](queue string, handler BatchHandler[T], options ...BatchOption) (Registration, *BatchConsumer[T], error) {
	consumer, err := NewBatchConsumer(handler, options...)
	if err != nil {
		return Registration{}, nil, err
	}
	return Registration{
		Queue:          queue,
		Provider:       Instance(consumer),
		BatchSize:      consumer.config.size,
		RequeueOnError: consumer.config.requeueOnError,
	}, consumer, nil
}

// Consume implements Consumer. It takes over settlement of msg and flushes
// inline when the batch is full.
func (b *BatchConsumer[T]) Consume(ctx context.Context, msg *Message) error {
	var value T
	if err := msg.Decode(&value); err != nil {
		return err
	}
	entry := &batchEntry[T]{value: value, settlement: msg.Defer()}

	b.mu.Lock()
	b.pending = append(b.pending, entry)
	b.lastArrival = time.Now()
	b.startMonitorLocked()
	full := len(b.pending) >= b.config.size
	b.mu.Unlock()

	if full {
		// the error has already been turned into nacks
		_ = b.flush(ctx, flushSize, nil)
	}
	return nil
}

// Pending returns the number of messages waiting for a flush.
func (b *BatchConsumer[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Drain stops the idle monitor and flushes whatever is pending. The monitor
// starts again with the next message.
func (b *BatchConsumer[T]) Drain(ctx context.Context) error {
	b.mu.Lock()
	stop, done := b.stopMonitor, b.monitorDone
	b.stopMonitor, b.monitorDone = nil, nil
	b.mu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return b.flush(ctx, flushDrain, nil)
}

// Discard drops pending messages without handing them to the handler or
// settling them. It waits for a running flush to finish first.
func (b *BatchConsumer[T]) Discard() {
	b.mu.Lock()
	for b.flushing {
		b.flushed.Wait()
	}
	dropped := len(b.pending)
	b.pending = nil
	b.mu.Unlock()

	if dropped > 0 {
		b.config.logger.Warn("discarded pending batch messages", "count", dropped)
	}
}

func (b *BatchConsumer[T]) startMonitorLocked() {
	if b.monitorDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.stopMonitor, b.monitorDone = cancel, done
	go b.monitor(ctx, done)
}

func (b *BatchConsumer[T]) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.config.tick)
	defer ticker.Stop()

	// flushes started here finish even if the monitor is being stopped
	flushCtx := context.WithoutCancel(ctx)
	idle := func() bool {
		return time.Since(b.lastArrival) > b.config.timeout
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.flush(flushCtx, flushTimeout, idle)
		}
	}
}

// flush hands the pending messages to the handler and settles them. Flushes
// never overlap; ready is evaluated under the lock once it is this flush's
// turn, and a nil ready always flushes. Messages that arrive while the
// handler runs stay pending for the next flush.
func (b *BatchConsumer[T]) flush(ctx context.Context, trigger string, ready func() bool) error {
	b.mu.Lock()
	for b.flushing {
		b.flushed.Wait()
	}
	if len(b.pending) == 0 || (ready != nil && !ready()) {
		b.mu.Unlock()
		return nil
	}
	batch := append([]*batchEntry[T](nil), b.pending...)
	b.flushing = true
	b.mu.Unlock()

	values := make([]T, len(batch))
	for i, entry := range batch {
		values[i] = entry.value
	}
	queue := batch[0].settlement.Queue()

	err := b.invoke(ctx, values)
	b.settle(batch, err)
	b.config.metrics.BatchFlushed(queue, trigger, len(batch), err)

	if err != nil {
		b.config.logger.Error("batch processing failed",
			"queue", queue,
			"trigger", trigger,
			"size", len(batch),
			"requeue", b.config.requeueOnError,
			"error", err)
	} else {
		b.config.logger.Debug("batch processed",
			"queue", queue,
			"trigger", trigger,
			"size", len(batch))
	}

	b.mu.Lock()
	b.pending = without(b.pending, batch)
	b.flushing = false
	b.flushed.Broadcast()
	b.mu.Unlock()

	return err
}

func (b *BatchConsumer[T]) invoke(ctx context.Context, values []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in batch handler: %v", r)
		}
	}()
	return b.handler.ConsumeBatch(ctx, values)
}

func (b *BatchConsumer[T]) settle(batch []*batchEntry[T], err error) {
	for _, entry := range batch {
		var settleErr error
		if err == nil {
			settleErr = entry.settlement.Ack()
		} else {
			settleErr = entry.settlement.Nack(err, b.config.requeueOnError)
		}
		if settleErr != nil {
			b.config.logger.Warn("failed to settle batched message",
				"queue", entry.settlement.Queue(),
				"deliveryTag", entry.settlement.DeliveryTag(),
				"error", settleErr)
		}
	}
}

// without returns pending minus the entries of flushed, compared by identity.
func without[T any](pending, flushed []*batchEntry[T]) []*batchEntry[T] {
	done := make(map[*batchEntry[T]]struct{}, len(flushed))
	for _, entry := range flushed {
		done[entry] = struct{}{}
	}

	remaining := make([]*batchEntry[T], 0, len(pending))
	for _, entry := range pending {
		if _, ok := done[entry]; !ok {
			remaining = append(remaining, entry)
		}
	}
	return remaining
}
