package health_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-host/health"
	"github.com/glimte/mmate-host/internal/rabbitmq"
	"github.com/glimte/mmate-host/messaging"
)

type fakeConnection struct {
	connected bool
}

func (f fakeConnection) IsConnected() bool           { return f.connected }
func (f fakeConnection) Strategy() rabbitmq.Strategy { return rabbitmq.StrategyLazy }

type fakePool struct {
	stats rabbitmq.PoolStats
}

func (f fakePool) Stats() rabbitmq.PoolStats { return f.stats }

type fakeHost struct {
	state messaging.HostState
}

func (f fakeHost) State() messaging.HostState { return f.state }
func (f fakeHost) Subscriptions() []string    { return []string{"orders"} }

func fixed(name string, status health.Status) health.Checker {
	return health.NewCheckerFunc(name, func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestConnectionChecker(t *testing.T) {
	up := health.NewConnectionChecker(fakeConnection{connected: true}).Check(context.Background())
	assert.Equal(t, health.StatusHealthy, up.Status)
	assert.Equal(t, "lazy", up.Details["strategy"])

	down := health.NewConnectionChecker(fakeConnection{}).Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, down.Status)
}

func TestChannelPoolChecker(t *testing.T) {
	open := health.NewChannelPoolChecker(fakePool{stats: rabbitmq.PoolStats{Free: 2, InUse: 1, Generation: 3}}).
		Check(context.Background())
	assert.Equal(t, health.StatusHealthy, open.Status)
	assert.Equal(t, 2, open.Details["free"])
	assert.Equal(t, 1, open.Details["in_use"])

	closed := health.NewChannelPoolChecker(fakePool{stats: rabbitmq.PoolStats{Closed: true}}).
		Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, closed.Status)
}

func TestHostChecker(t *testing.T) {
	tests := []struct {
		state messaging.HostState
		want  health.Status
	}{
		{messaging.HostRunning, health.StatusHealthy},
		{messaging.HostFaulted, health.StatusUnhealthy},
		{messaging.HostStarting, health.StatusDegraded},
		{messaging.HostStopped, health.StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			result := health.NewHostChecker(fakeHost{state: tt.state}).Check(context.Background())
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, []string{"orders"}, result.Details["subscriptions"])
		})
	}
}

func TestRegistryCheck(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		registry := health.NewRegistry()
		registry.Register(fixed("a", health.StatusHealthy))
		registry.Register(fixed("b", health.StatusDegraded))

		result := registry.Check(context.Background())
		assert.Equal(t, health.StatusDegraded, result.Status)
		assert.Len(t, result.Checks, 2)

		registry.Register(fixed("c", health.StatusUnhealthy))
		assert.Equal(t, health.StatusUnhealthy, registry.Check(context.Background()).Status)

		registry.Unregister("c")
		assert.Equal(t, health.StatusDegraded, registry.Check(context.Background()).Status)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		registry := health.NewRegistry()
		registry.Register(fixed("fast", health.StatusHealthy))
		registry.Register(health.NewCheckerFunc("slow", func(ctx context.Context) health.CheckResult {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return health.CheckResult{Name: "slow", Status: health.StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		result := registry.Check(ctx)
		assert.Equal(t, health.StatusUnhealthy, result.Status)
		assert.Equal(t, health.StatusUnhealthy, result.Checks["slow"].Status)
	})
}

func TestHandler(t *testing.T) {
	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(fakeConnection{connected: true}))
	handler := health.NewHandler(registry, time.Second)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body health.OverallHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	assert.Contains(t, body.Checks, "rabbitmq")

	registry.Register(health.NewHostChecker(fakeHost{state: messaging.HostFaulted}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	health.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
