package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-host/internal/metrics"
	"github.com/glimte/mmate-host/internal/reliability"
)

// Strategy selects how the ConnectionManager establishes its connection.
type Strategy int

const (
	// StrategyLazy connects on the first Provide call and transparently
	// replaces a closed connection on later calls.
	StrategyLazy Strategy = iota
	// StrategyBackground connects from a dedicated loop started by Connect.
	// Provide fails with ErrNotConnected until that loop succeeds.
	StrategyBackground
)

func (s Strategy) String() string {
	switch s {
	case StrategyLazy:
		return "lazy"
	case StrategyBackground:
		return "background"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionProvider hands out the current broker connection.
type ConnectionProvider interface {
	Provide(ctx context.Context) (Connection, error)
}

// ConnectionManager owns a single logical broker connection.
type ConnectionManager struct {
	url            string
	strategy       Strategy
	dial           Dialer
	config         amqp.Config
	reconnectDelay time.Duration
	logger         *slog.Logger
	metrics        *metrics.Collector

	mu      sync.Mutex
	conn    Connection
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between background connect attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithStrategy selects lazy or background connection establishment
func WithStrategy(strategy Strategy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.strategy = strategy
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectionName sets the client-provided connection name shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		if cm.config.Properties == nil {
			cm.config.Properties = amqp.NewConnectionProperties()
		}
		cm.config.Properties.SetClientConnectionName(name)
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.Heartbeat = interval
	}
}

// WithConnectionMetrics sets the metrics collector
func WithConnectionMetrics(m *metrics.Collector) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		strategy:       StrategyLazy,
		dial:           DialAMQP,
		config:         amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"},
		reconnectDelay: 5 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Strategy returns the configured connection strategy.
func (cm *ConnectionManager) Strategy() Strategy {
	return cm.strategy
}

// Connect establishes the connection. With the lazy strategy it dials
// synchronously and returns the dial error. With the background strategy it
// starts the connect loop and returns immediately.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if cm.strategy == StrategyLazy {
		_, err := cm.Provide(ctx)
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrManagerClosed
	}
	if cm.started {
		return nil
	}
	cm.started = true

	cm.wg.Add(1)
	go cm.run()

	return nil
}

// Provide returns the current open connection. The lazy strategy dials when
// there is none or the held one is closed; the background strategy returns
// ErrNotConnected instead.
func (cm *ConnectionManager) Provide(ctx context.Context) (Connection, error) {
	if cm.strategy == StrategyBackground {
		cm.mu.Lock()
		defer cm.mu.Unlock()

		if cm.closed {
			return nil, ErrManagerClosed
		}
		if cm.conn == nil || cm.conn.IsClosed() {
			return nil, ErrNotConnected
		}
		return cm.conn, nil
	}

	conn, replaced, err := cm.provideLazy(ctx)
	if err != nil {
		return nil, err
	}
	if replaced {
		cm.notifyConnected()
	}
	return conn, nil
}

func (cm *ConnectionManager) provideLazy(ctx context.Context) (Connection, bool, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, false, ErrManagerClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	replacing := cm.conn != nil
	conn, err := cm.dialOnce()
	if err != nil {
		return nil, false, err
	}
	cm.conn = conn

	if replacing {
		cm.logger.Info("replaced closed connection", "url", SanitizeURL(cm.url))
	}
	return conn, true, nil
}

// IsConnected reports whether an open connection is currently held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection and stops the background loop. Closing is
// caller-initiated and never triggers a reconnect.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	cm.wg.Wait()
	cm.metrics.SetConnected(false)

	return err
}

func (cm *ConnectionManager) dialOnce() (Connection, error) {
	conn, err := cm.dial(cm.url, cm.config)
	cm.metrics.ConnectAttempt(err)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.metrics.SetConnected(true)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return conn, nil
}

// run is the background connect loop. It retries forever with a fixed delay,
// then waits for the connection to close. A close carrying a broker error
// starts another round; a graceful close ends the loop.
func (cm *ConnectionManager) run() {
	defer cm.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := reliability.Forever(cm.reconnectDelay, IsRetryable)

	for {
		var conn Connection
		err := reliability.RetryNotify(ctx, policy, func() error {
			c, err := cm.dialOnce()
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, func(attempt int, err error, delay time.Duration) {
			cm.logger.Error("connection attempt failed",
				"error", err,
				"attempt", attempt,
				"nextRetryIn", delay)
			cm.notifyReconnecting(attempt)
		})
		if err != nil {
			if ctx.Err() == nil {
				cm.logger.Error("giving up on connection", "error", err)
			}
			return
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.conn = conn
		cm.mu.Unlock()

		cm.notifyConnected()

		select {
		case <-cm.done:
			return
		case amqpErr, ok := <-notifyClose:
			cm.mu.Lock()
			if cm.conn == conn {
				cm.conn = nil
			}
			cm.mu.Unlock()
			cm.metrics.SetConnected(false)

			if !ok || amqpErr == nil {
				cm.logger.Info("connection closed by client")
				cm.notifyDisconnected(nil)
				return
			}

			cm.logger.Error("connection lost", "error", amqpErr)
			cm.notifyDisconnected(errors.Join(ErrConnectionLost, amqpErr))
		}
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

// notifyConnected runs listeners synchronously so that dependents have
// dropped state bound to the previous connection before anyone can obtain
// the new one through them.
func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}
