package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-host/internal/metrics"
	"github.com/glimte/mmate-host/internal/rabbitmq"
	"github.com/glimte/mmate-host/internal/reliability"
)

// HostState is the lifecycle state of a Host.
type HostState int

const (
	HostStopped HostState = iota
	HostStarting
	HostRunning
	HostStopping
	HostFaulted
)

func (s HostState) String() string {
	switch s {
	case HostStopped:
		return "stopped"
	case HostStarting:
		return "starting"
	case HostRunning:
		return "running"
	case HostStopping:
		return "stopping"
	case HostFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ChannelProvider checks out pooled channels. *rabbitmq.ChannelPool implements it.
type ChannelProvider interface {
	Provide(ctx context.Context) (*rabbitmq.PooledChannel, error)
}

// Host consumes every registered queue on one pooled channel and hands each
// delivery to its consumer logic. The queue name doubles as consumer tag.
type Host struct {
	pool       ChannelProvider
	registry   *Registry
	dispatcher *dispatcher
	logger     *slog.Logger
	metrics    *metrics.Collector
	reporter   StatusReporter
	prefetch   int
	retryDelay time.Duration

	mu            sync.Mutex
	state         HostState
	channel       *rabbitmq.PooledChannel
	subscriptions map[string]*subscription
	applied       uint64
	runCtx        context.Context
	cancelRun     context.CancelFunc
	loops         sync.WaitGroup
}

type subscription struct {
	queue      string
	deliveries <-chan amqp.Delivery
	done       chan struct{}
	// reg outlives the registry entry so that deliveries buffered before a
	// cancel still reach their consumer
	reg atomic.Pointer[Registration]
}

// HostOption configures the Host
type HostOption func(*Host)

// WithHostLogger sets the logger
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithHostMetrics sets the metrics collector
func WithHostMetrics(m *metrics.Collector) HostOption {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithStatusReporter sets where message statuses are reported. The default
// logs them.
func WithStatusReporter(reporter StatusReporter) HostOption {
	return func(h *Host) {
		h.reporter = reporter
	}
}

// WithPrefetchCount sets the QoS prefetch count of the consume channel
func WithPrefetchCount(n int) HostOption {
	return func(h *Host) {
		h.prefetch = n
	}
}

// WithSubscribeRetryDelay sets the delay between subscribe attempts
func WithSubscribeRetryDelay(delay time.Duration) HostOption {
	return func(h *Host) {
		h.retryDelay = delay
	}
}

// NewHost creates a consumer host for the registrations in registry.
func NewHost(pool ChannelProvider, registry *Registry, options ...HostOption) *Host {
	h := &Host{
		pool:       pool,
		registry:   registry,
		logger:     slog.Default(),
		retryDelay: 5 * time.Second,
		state:      HostStopped,
	}

	for _, opt := range options {
		opt(h)
	}

	if h.reporter == nil {
		h.reporter = NewLogStatusReporter(h.logger)
	}
	reporter := h.reporter
	if h.metrics != nil {
		reporter = MultiStatusReporter(h.reporter, NewMetricsStatusReporter(h.metrics))
	}
	h.dispatcher = newDispatcher(registry, reporter, h.logger)

	return h
}

// State returns the current lifecycle state.
func (h *Host) State() HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Subscriptions returns the queues currently being consumed, sorted.
func (h *Host) Subscriptions() []string {
	h.mu.Lock()
	queues := make([]string, 0, len(h.subscriptions))
	for queue := range h.subscriptions {
		queues = append(queues, queue)
	}
	h.mu.Unlock()

	sort.Strings(queues)
	return queues
}

// Start subscribes every registered queue. Broker failures are retried with
// the subscribe retry delay until ctx is done. A failed start leaves the
// host Faulted; the error is returned for information.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != HostStopped && h.state != HostFaulted {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidHostState, state)
	}
	h.state = HostStarting
	h.runCtx, h.cancelRun = context.WithCancel(context.Background())
	runCtx := h.runCtx
	h.mu.Unlock()

	// Stop aborts a start that is still retrying
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(runCtx, cancel)
	defer stopAfter()

	if err := h.subscribeWithRetry(ctx, runCtx); err != nil {
		h.fault("start", err, HostStarting)
		return err
	}

	h.mu.Lock()
	if h.state == HostStarting {
		h.state = HostRunning
	}
	h.mu.Unlock()

	if failed := h.reconcile(); len(failed) > 0 {
		h.logger.Warn("some consumers could not be subscribed", "failed", len(failed))
	}

	h.logger.Info("consumer host started", "queues", h.Subscriptions())
	return nil
}

// Stop cancels every subscription, waits for in-flight deliveries, drains
// consumers holding unsettled deliveries and returns the consume channel.
// Cancel failures are logged. If ctx ends first the host becomes Faulted.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case HostStopped:
		h.mu.Unlock()
		return nil
	case HostStarting, HostRunning:
	default:
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidHostState, state)
	}
	h.state = HostStopping
	cancelRun := h.cancelRun
	ch := h.channel
	subs := h.subscriptions
	h.channel, h.subscriptions = nil, nil

	cancelFailed := false
	if ch != nil {
		for queue := range subs {
			if err := ch.Cancel(queue, false); err != nil {
				cancelFailed = true
				h.logger.Warn("failed to cancel subscription", "queue", queue, "error", err)
			}
		}
	}
	h.mu.Unlock()

	cancelRun()
	if ch != nil && cancelFailed {
		// closing the channel ends the subscriptions that could not be cancelled
		_ = ch.Close()
	}

	done := make(chan struct{})
	go func() {
		h.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		err := fmt.Errorf("timed out waiting for consumers: %w", ctx.Err())
		h.fault("stop", err, HostStopping)
		return err
	}

	for queue, reg := range h.registry.Consumers() {
		h.drain(ctx, queue, reg)
	}
	if ch != nil {
		ch.Release()
	}

	h.mu.Lock()
	h.state = HostStopped
	h.mu.Unlock()
	h.metrics.SetActiveSubscriptions(0)

	h.logger.Info("consumer host stopped")
	return nil
}

// AddConsumer registers reg and, while the host runs, starts consuming its
// queue right away. Closing the returned token removes the consumer again.
func (h *Host) AddConsumer(reg Registration) (*ConsumerToken, error) {
	if err := h.registry.Register(reg); err != nil {
		return nil, err
	}

	failed := h.reconcile()
	if err, ok := failed[reg.Queue]; ok {
		h.registry.Unregister(reg.Queue)
		return nil, err
	}

	return &ConsumerToken{host: h, queue: reg.Queue}, nil
}

// RemoveConsumer forgets the registration of queue, cancels its
// subscription, waits until every delivery received before the cancel is
// settled and drains the consumer.
func (h *Host) RemoveConsumer(ctx context.Context, queue string) error {
	h.mu.Lock()
	sub := h.subscriptions[queue]
	h.mu.Unlock()

	reg, ok := h.registry.Unregister(queue)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, queue)
	}

	h.reconcile()
	if sub != nil {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.drain(ctx, queue, reg)
	h.logger.Info("removed consumer", "queue", queue)
	return nil
}

// ConsumerToken removes a consumer added with AddConsumer.
type ConsumerToken struct {
	host  *Host
	queue string
	once  sync.Once
	err   error
}

// Queue returns the queue the token belongs to.
func (t *ConsumerToken) Queue() string {
	return t.queue
}

// Close removes the consumer. Only the first call has an effect.
func (t *ConsumerToken) Close() error {
	t.once.Do(func() {
		t.err = t.host.RemoveConsumer(context.Background(), t.queue)
	})
	return t.err
}

func (h *Host) subscribeWithRetry(ctx, runCtx context.Context) error {
	retryable := func(err error) bool {
		return !errors.Is(err, ErrHostStopped) && rabbitmq.IsRetryable(err)
	}
	policy := reliability.Forever(h.retryDelay, retryable)

	return reliability.RetryNotify(ctx, policy, func() error {
		return h.subscribe(ctx, runCtx)
	}, func(attempt int, err error, delay time.Duration) {
		h.logger.Warn("failed to subscribe, retrying",
			"attempt", attempt,
			"error", err,
			"nextRetryIn", delay)
	})
}

// subscribe makes one attempt to check out a channel and consume every
// registered queue on it.
func (h *Host) subscribe(ctx, runCtx context.Context) error {
	ch, err := h.pool.Provide(ctx)
	if err != nil {
		return err
	}

	regs, version := h.registry.snapshot()
	if prefetch := h.prefetchFor(regs); prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			h.discard(ch)
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	subs := make(map[string]*subscription, len(regs))
	for queue, reg := range regs {
		sub, err := consume(ch, queue, reg)
		if err != nil {
			h.discard(ch)
			return err
		}
		subs[queue] = sub
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != HostStarting && h.state != HostRunning {
		h.discard(ch)
		return ErrHostStopped
	}

	h.channel = ch
	h.subscriptions = subs
	h.applied = version
	for _, sub := range subs {
		h.startLoop(sub)
	}
	h.loops.Add(1)
	go h.watch(runCtx, ch, closed)

	h.metrics.SetActiveSubscriptions(len(subs))
	return nil
}

// reconcile brings the subscriptions on the current channel in line with
// the registry and returns the queues that failed to subscribe. Snapshots
// older than the last applied one are ignored.
func (h *Host) reconcile() map[string]error {
	regs, version := h.registry.snapshot()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channel == nil || version < h.applied {
		return nil
	}
	h.applied = version

	for queue, sub := range h.subscriptions {
		if reg, ok := regs[queue]; ok {
			sub.reg.Store(&reg)
			continue
		}
		if err := h.channel.Cancel(queue, false); err != nil {
			h.logger.Warn("failed to cancel subscription", "queue", queue, "error", err)
		}
		delete(h.subscriptions, queue)
	}

	failed := make(map[string]error)
	for queue, reg := range regs {
		if _, ok := h.subscriptions[queue]; ok {
			continue
		}
		sub, err := consume(h.channel, queue, reg)
		if err != nil {
			h.logger.Error("failed to start consuming", "queue", queue, "error", err)
			failed[queue] = err
			continue
		}
		h.subscriptions[queue] = sub
		h.startLoop(sub)
	}

	h.metrics.SetActiveSubscriptions(len(h.subscriptions))
	return failed
}

func consume(ch rabbitmq.Channel, queue string, reg Registration) (*subscription, error) {
	deliveries, err := ch.Consume(queue, queue, false, false, false, false, nil)
	if err != nil {
		return nil, &rabbitmq.ConsumerError{
			Queue:       queue,
			ConsumerTag: queue,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	sub := &subscription{
		queue:      queue,
		deliveries: deliveries,
		done:       make(chan struct{}),
	}
	sub.reg.Store(&reg)
	return sub, nil
}

// startLoop must be called with h.mu held.
func (h *Host) startLoop(sub *subscription) {
	h.loops.Add(1)
	go func() {
		defer h.loops.Done()
		defer close(sub.done)

		// in-flight deliveries are not interrupted by Stop
		ctx := context.Background()
		for delivery := range sub.deliveries {
			h.dispatcher.deliver(ctx, *sub.reg.Load(), delivery)
		}
	}()
}

// watch waits for the consume channel to close. While the host runs, a
// closed channel is replaced and every queue resubscribed.
func (h *Host) watch(runCtx context.Context, ch *rabbitmq.PooledChannel, closed <-chan *amqp.Error) {
	defer h.loops.Done()

	var reason *amqp.Error
	select {
	case <-runCtx.Done():
		return
	case reason = <-closed:
	}

	if reason != nil {
		h.logger.Error("consume channel closed by broker",
			"code", reason.Code,
			"reason", reason.Reason)
	} else {
		h.logger.Warn("consume channel closed")
	}

	h.mu.Lock()
	if h.state != HostRunning || h.channel != ch {
		h.mu.Unlock()
		return
	}
	subs := h.subscriptions
	h.channel, h.subscriptions = nil, nil
	h.mu.Unlock()

	ch.Release()
	for _, sub := range subs {
		<-sub.done
	}
	h.metrics.SetActiveSubscriptions(0)

	// unsettled deliveries died with the channel and will be redelivered
	for queue, reg := range h.registry.Consumers() {
		if d, ok := reg.Provider.(Discarder); ok {
			h.logger.Debug("discarding deliveries of lost channel", "queue", queue)
			d.Discard()
		}
	}

	h.logger.Info("resubscribing consumers", "queues", len(subs))
	if err := h.subscribeWithRetry(runCtx, runCtx); err != nil {
		if runCtx.Err() == nil {
			h.fault("resubscribe", err, HostRunning)
		}
		return
	}
	if failed := h.reconcile(); len(failed) > 0 {
		h.logger.Warn("some consumers could not be resubscribed", "failed", len(failed))
	}
	h.logger.Info("consumers resubscribed", "queues", h.Subscriptions())
}

func (h *Host) prefetchFor(regs map[string]Registration) int {
	if h.prefetch <= 0 {
		return 0
	}
	prefetch := h.prefetch
	for _, reg := range regs {
		if reg.BatchSize > prefetch {
			prefetch = reg.BatchSize
		}
	}
	return prefetch
}

func (h *Host) drain(ctx context.Context, queue string, reg Registration) {
	d, ok := reg.Provider.(Drainer)
	if !ok {
		return
	}
	if err := d.Drain(ctx); err != nil {
		h.logger.Warn("failed to drain consumer", "queue", queue, "error", err)
	}
}

// discard returns a channel that did not make it into service. Its
// consumers are not cancelled, so it is closed rather than reused.
func (h *Host) discard(ch *rabbitmq.PooledChannel) {
	if !ch.IsClosed() {
		_ = ch.Close()
	}
	ch.Release()
}

// fault moves the host to Faulted if it is still in state from. Otherwise
// another transition has already taken over and the error is only logged.
func (h *Host) fault(op string, err error, from HostState) {
	h.mu.Lock()
	if h.state != from {
		h.mu.Unlock()
		h.logger.Debug("ignoring failure after state change", "op", op, "error", err)
		return
	}
	h.state = HostFaulted
	cancelRun := h.cancelRun
	ch := h.channel
	h.channel, h.subscriptions = nil, nil
	h.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if ch != nil {
		h.discard(ch)
	}
	h.metrics.SetActiveSubscriptions(0)

	h.logger.Error("consumer host faulted", "op", op, "error", err)
}
