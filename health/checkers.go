package health

import (
	"context"
	"time"

	"github.com/glimte/mmate-host/internal/rabbitmq"
	"github.com/glimte/mmate-host/messaging"
)

// ConnectionProbe reports whether a broker connection is established.
// *rabbitmq.ConnectionManager implements it.
type ConnectionProbe interface {
	IsConnected() bool
	Strategy() rabbitmq.Strategy
}

// ConnectionChecker is healthy while a broker connection is established.
type ConnectionChecker struct {
	probe ConnectionProbe
}

// NewConnectionChecker creates a checker for probe.
func NewConnectionChecker(probe ConnectionProbe) *ConnectionChecker {
	return &ConnectionChecker{probe: probe}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"strategy": c.probe.Strategy().String(),
		},
	}

	if c.probe.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}

	result.Duration = time.Since(start)
	return result
}

// PoolStatter exposes channel pool statistics. *rabbitmq.ChannelPool
// implements it.
type PoolStatter interface {
	Stats() rabbitmq.PoolStats
}

// ChannelPoolChecker reports channel pool statistics. A closed pool is
// unhealthy.
type ChannelPoolChecker struct {
	pool PoolStatter
}

// NewChannelPoolChecker creates a checker for pool.
func NewChannelPoolChecker(pool PoolStatter) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.pool.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Details: map[string]any{
			"free":       stats.Free,
			"in_use":     stats.InUse,
			"generation": stats.Generation,
		},
	}
	if stats.Closed {
		result.Status = StatusUnhealthy
		result.Message = "channel pool is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// HostStater exposes the consumer host state. *messaging.Host implements it.
type HostStater interface {
	State() messaging.HostState
	Subscriptions() []string
}

// HostChecker maps the host state to a health status: running is healthy,
// faulted is unhealthy and anything else is degraded.
type HostChecker struct {
	host HostStater
}

// NewHostChecker creates a checker for host.
func NewHostChecker(host HostStater) *HostChecker {
	return &HostChecker{host: host}
}

func (c *HostChecker) Name() string {
	return "consumer_host"
}

func (c *HostChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.host.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Message:   state.String(),
		Details: map[string]any{
			"subscriptions": c.host.Subscriptions(),
		},
	}

	switch state {
	case messaging.HostRunning:
		result.Status = StatusHealthy
	case messaging.HostFaulted:
		result.Status = StatusUnhealthy
	default:
		result.Status = StatusDegraded
	}

	result.Duration = time.Since(start)
	return result
}
