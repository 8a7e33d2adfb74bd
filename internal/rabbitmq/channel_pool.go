package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-host/internal/metrics"
)

// DefaultMaxUses is the number of releases after which a pooled channel is
// closed instead of being returned to the free queue.
const DefaultMaxUses = 100

// ChannelPool hands out channels bound to the current connection. All pool
// bookkeeping happens under a single mutex that is never held while talking
// to the connection provider.
type ChannelPool struct {
	connections ConnectionProvider
	maxUses     int
	logger      *slog.Logger
	metrics     *metrics.Collector

	mu         sync.Mutex
	free       []*PooledChannel
	used       map[*PooledChannel]struct{}
	generation uint64
	closed     bool
}

// PooledChannel wraps a channel with pool metadata
type PooledChannel struct {
	Channel
	pool       *ChannelPool
	id         string
	uses       int
	generation uint64
}

// ID returns the pool-assigned channel identifier.
func (pc *PooledChannel) ID() string {
	return pc.id
}

// Release returns the channel to its pool.
func (pc *PooledChannel) Release() {
	pc.pool.Release(pc)
}

// PoolStats is a snapshot of pool bookkeeping.
type PoolStats struct {
	Free       int
	InUse      int
	Generation uint64
	Closed     bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxUses sets how many times a channel is reused before it is closed
func WithMaxUses(n int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxUses = n
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// WithPoolMetrics sets the metrics collector
func WithPoolMetrics(m *metrics.Collector) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.metrics = m
	}
}

// NewChannelPool creates a new channel pool. When the provider accepts state
// listeners (as *ConnectionManager does) the pool registers itself so that a
// new connection invalidates every pooled channel.
func NewChannelPool(connections ConnectionProvider, options ...ChannelPoolOption) (*ChannelPool, error) {
	if connections == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		connections: connections,
		maxUses:     DefaultMaxUses,
		logger:      slog.Default(),
		used:        make(map[*PooledChannel]struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxUses < 1 {
		return nil, fmt.Errorf("%w: max uses must be at least 1", ErrInvalidConfiguration)
	}

	if l, ok := connections.(interface {
		AddStateListener(ConnectionStateListener)
	}); ok {
		l.AddStateListener(pool)
	}

	return pool, nil
}

// Provide checks out a channel. The caller owns it until Release.
func (cp *ChannelPool) Provide(ctx context.Context) (*PooledChannel, error) {
	for {
		ch, ok, err := cp.takeFree()
		if err != nil {
			return nil, err
		}
		if ok {
			return ch, nil
		}

		ch, err = cp.create(ctx)
		if err != nil {
			return nil, err
		}

		accepted, err := cp.markUsed(ch)
		if err != nil {
			return nil, err
		}
		if accepted {
			return ch, nil
		}
		// the connection was replaced while the channel was being opened
	}
}

func (cp *ChannelPool) takeFree() (*PooledChannel, bool, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil, false, ErrChannelPoolClosed
	}

	for len(cp.free) > 0 {
		ch := cp.free[0]
		cp.free[0] = nil
		cp.free = cp.free[1:]

		if ch.Channel.IsClosed() {
			cp.metrics.ChannelDiscarded("closed")
			continue
		}

		cp.used[ch] = struct{}{}
		return ch, true, nil
	}

	return nil, false, nil
}

func (cp *ChannelPool) markUsed(ch *PooledChannel) (bool, error) {
	cp.mu.Lock()
	closed := cp.closed
	stale := ch.generation != cp.generation
	if !closed && !stale {
		cp.used[ch] = struct{}{}
	}
	cp.mu.Unlock()

	if closed || stale {
		_ = ch.Channel.Close()
		cp.metrics.ChannelDiscarded("stale")
	}
	if closed {
		return false, ErrChannelPoolClosed
	}
	return !stale, nil
}

func (cp *ChannelPool) create(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	conn, err := cp.connections.Provide(ctx)
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cp.mu.Lock()
	generation := cp.generation
	cp.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	cp.metrics.ChannelCreated()

	return &PooledChannel{
		Channel:    ch,
		pool:       cp,
		id:         uuid.NewString(),
		generation: generation,
	}, nil
}

// Release returns a checked-out channel. Channels that reached the use limit,
// were closed, or were handed out before the last reconnect are not reused.
func (cp *ChannelPool) Release(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if _, ok := cp.used[ch]; !ok {
		cp.mu.Unlock()
		cp.metrics.ChannelDiscarded("stale")
		// a channel opened while the connection was being replaced may
		// still be live on the current connection
		if !ch.Channel.IsClosed() {
			if err := ch.Channel.Close(); err != nil {
				cp.logger.Debug("failed to close stale channel", "channelId", ch.id, "error", err)
			}
		}
		return
	}
	delete(cp.used, ch)
	ch.uses++

	reason := ""
	switch {
	case cp.closed:
		reason = "pool_closed"
	case ch.Channel.IsClosed():
		reason = "closed"
	case ch.uses >= cp.maxUses:
		reason = "max_uses"
	default:
		cp.free = append(cp.free, ch)
	}
	cp.mu.Unlock()

	if reason == "" {
		return
	}

	cp.metrics.ChannelDiscarded(reason)
	if reason != "closed" {
		if err := ch.Channel.Close(); err != nil {
			cp.logger.Debug("failed to close channel", "channelId", ch.id, "error", err)
		}
	}
}

// Use runs fn with a checked-out channel and releases it on every exit path.
func (cp *ChannelPool) Use(ctx context.Context, fn func(Channel) error) (err error) {
	ch, err := cp.Provide(ctx)
	if err != nil {
		return err
	}
	defer cp.Release(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()

	return fn(ch.Channel)
}

// Stats returns a snapshot of the pool state.
func (cp *ChannelPool) Stats() PoolStats {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return PoolStats{
		Free:       len(cp.free),
		InUse:      len(cp.used),
		Generation: cp.generation,
		Closed:     cp.closed,
	}
}

// Close closes all free channels. Channels still checked out are closed when
// they are released.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	free := cp.free
	cp.free = nil
	cp.mu.Unlock()

	for _, ch := range free {
		if !ch.Channel.IsClosed() {
			_ = ch.Channel.Close()
		}
	}

	return nil
}

// OnConnected drops every channel bound to the previous connection. Free
// channels are not closed individually; they die with that connection.
// Checked-out channels are closed on release if still open.
func (cp *ChannelPool) OnConnected() {
	cp.mu.Lock()
	cp.generation++
	dropped := len(cp.free) + len(cp.used)
	cp.free = nil
	cp.used = make(map[*PooledChannel]struct{})
	generation := cp.generation
	cp.mu.Unlock()

	cp.logger.Debug("channel pool invalidated",
		"generation", generation,
		"dropped", dropped)
}

// OnDisconnected implements ConnectionStateListener
func (cp *ChannelPool) OnDisconnected(err error) {}

// OnReconnecting implements ConnectionStateListener
func (cp *ChannelPool) OnReconnecting(attempt int) {}
