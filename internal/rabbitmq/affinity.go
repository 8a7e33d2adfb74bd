package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AffinityChannels keeps one long-lived channel per owner key and prefetch
// count, recreating it transparently when it has been closed. It is the
// non-pooled alternative to ChannelPool for callers that want a stable
// channel of their own, for example a dedicated publisher.
type AffinityChannels struct {
	connections ConnectionProvider
	logger      *slog.Logger

	mu       sync.Mutex
	channels map[affinityKey]Channel
}

type affinityKey struct {
	owner    string
	prefetch int
}

// NewAffinityChannels creates an affinity channel provider.
func NewAffinityChannels(connections ConnectionProvider, logger *slog.Logger) *AffinityChannels {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AffinityChannels{
		connections: connections,
		logger:      logger,
		channels:    make(map[affinityKey]Channel),
	}
	if l, ok := connections.(interface {
		AddStateListener(ConnectionStateListener)
	}); ok {
		l.AddStateListener(a)
	}
	return a
}

// Channel returns the channel owned by owner with the given prefetch count.
func (a *AffinityChannels) Channel(ctx context.Context, owner string, prefetch int) (Channel, error) {
	key := affinityKey{owner: owner, prefetch: prefetch}

	a.mu.Lock()
	ch, ok := a.channels[key]
	a.mu.Unlock()
	if ok && !ch.IsClosed() {
		return ch, nil
	}

	created, err := a.open(ctx, prefetch)
	if err != nil {
		return nil, &ChannelError{
			Op:        "open affinity channel",
			ChannelID: owner,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	a.mu.Lock()
	if existing, ok := a.channels[key]; ok && existing != ch && !existing.IsClosed() {
		a.mu.Unlock()
		_ = created.Close()
		return existing, nil
	}
	a.channels[key] = created
	a.mu.Unlock()

	if ok {
		a.logger.Debug("recreated closed channel", "owner", owner, "prefetch", prefetch)
	}
	return created, nil
}

func (a *AffinityChannels) open(ctx context.Context, prefetch int) (Channel, error) {
	conn, err := a.connections.Provide(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelCreationFailed, err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}
	return ch, nil
}

// For returns a ChannelSource bound to one owner key.
func (a *AffinityChannels) For(owner string, prefetch int) ChannelSource {
	return &affinitySource{channels: a, owner: owner, prefetch: prefetch}
}

// Close closes every owned channel.
func (a *AffinityChannels) Close() error {
	a.mu.Lock()
	channels := a.channels
	a.channels = make(map[affinityKey]Channel)
	a.mu.Unlock()

	for _, ch := range channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}
	return nil
}

// OnConnected forgets channels of the previous connection.
func (a *AffinityChannels) OnConnected() {
	a.mu.Lock()
	a.channels = make(map[affinityKey]Channel)
	a.mu.Unlock()
}

// OnDisconnected implements ConnectionStateListener
func (a *AffinityChannels) OnDisconnected(err error) {}

// OnReconnecting implements ConnectionStateListener
func (a *AffinityChannels) OnReconnecting(attempt int) {}

type affinitySource struct {
	channels *AffinityChannels
	owner    string
	prefetch int
}

func (s *affinitySource) Use(ctx context.Context, fn func(Channel) error) error {
	ch, err := s.channels.Channel(ctx, s.owner, s.prefetch)
	if err != nil {
		return err
	}
	return fn(ch)
}
