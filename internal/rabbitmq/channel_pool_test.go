package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-host/internal/rabbitmq"
	"github.com/glimte/mmate-host/internal/rabbitmq/rabbitmqtest"
)

func fakeChannel(t *testing.T, pc *rabbitmq.PooledChannel) *rabbitmqtest.Channel {
	t.Helper()
	ch, ok := pc.Channel.(*rabbitmqtest.Channel)
	require.True(t, ok, "pooled channel should wrap a fake channel")
	return ch
}

func TestNewChannelPool(t *testing.T) {
	t.Run("rejects a nil provider", func(t *testing.T) {
		_, err := rabbitmq.NewChannelPool(nil)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("rejects max uses below one", func(t *testing.T) {
		_, err := rabbitmq.NewChannelPool(rabbitmqtest.NewConnection(), rabbitmq.WithMaxUses(0))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})
}

func TestChannelPoolReuse(t *testing.T) {
	t.Run("released channels are handed out again", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		first, err := pool.Provide(context.Background())
		require.NoError(t, err)
		first.Release()

		second, err := pool.Provide(context.Background())
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Len(t, conn.Channels(), 1)
	})

	t.Run("channels are closed after max uses", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithMaxUses(2))
		require.NoError(t, err)

		first, err := pool.Provide(context.Background())
		require.NoError(t, err)
		first.Release()

		again, err := pool.Provide(context.Background())
		require.NoError(t, err)
		require.Same(t, first, again)
		again.Release()

		assert.True(t, fakeChannel(t, first).IsClosed())
		assert.Equal(t, 0, pool.Stats().Free)

		third, err := pool.Provide(context.Background())
		require.NoError(t, err)
		assert.NotSame(t, first, third)
		assert.Len(t, conn.Channels(), 2)
	})

	t.Run("max uses of one never reuses", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithMaxUses(1))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			ch, err := pool.Provide(context.Background())
			require.NoError(t, err)
			ch.Release()
		}

		assert.Len(t, conn.Channels(), 3)
		for _, ch := range conn.Channels() {
			assert.True(t, ch.IsClosed())
		}
	})

	t.Run("closed channels are skipped", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		first, err := pool.Provide(context.Background())
		require.NoError(t, err)
		first.Release()
		fakeChannel(t, first).Fail(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "bad ack"})

		second, err := pool.Provide(context.Background())
		require.NoError(t, err)
		assert.NotSame(t, first, second)
	})

	t.Run("channels closed while checked out are discarded on release", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		ch, err := pool.Provide(context.Background())
		require.NoError(t, err)
		fakeChannel(t, ch).Fail(nil)
		ch.Release()

		stats := pool.Stats()
		assert.Equal(t, 0, stats.Free)
		assert.Equal(t, 0, stats.InUse)
	})
}

func TestChannelPoolReconnect(t *testing.T) {
	t.Run("a new connection invalidates pooled channels", func(t *testing.T) {
		dialer := &rabbitmqtest.Dialer{}
		cm := rabbitmq.NewConnectionManager("amqp://localhost:5672/",
			rabbitmq.WithDialer(dialer.Dial))
		pool, err := rabbitmq.NewChannelPool(cm)
		require.NoError(t, err)

		first, err := pool.Provide(context.Background())
		require.NoError(t, err)
		first.Release()
		generation := pool.Stats().Generation

		dialer.Last().Fail(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker shutdown"})

		second, err := pool.Provide(context.Background())
		require.NoError(t, err)

		assert.NotSame(t, first, second)
		assert.Equal(t, 2, dialer.Dials())
		assert.Greater(t, pool.Stats().Generation, generation)
		assert.Len(t, dialer.Last().Channels(), 1)
	})

	t.Run("channels released after invalidation are dropped and closed", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		ch, err := pool.Provide(context.Background())
		require.NoError(t, err)

		pool.OnConnected()
		ch.Release()

		// the channel is still open on conn, so releasing it must not leak it
		assert.True(t, fakeChannel(t, ch).IsClosed())
		stats := pool.Stats()
		assert.Equal(t, 0, stats.Free)
		assert.Equal(t, 0, stats.InUse)

		next, err := pool.Provide(context.Background())
		require.NoError(t, err)
		assert.NotSame(t, ch, next)
	})

	t.Run("provider errors are wrapped", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		require.NoError(t, conn.Close())
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		_, err = pool.Provide(context.Background())
		var chErr *rabbitmq.ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
	})

	t.Run("channel open errors are wrapped", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		conn.OpenErr = errors.New("channel max reached")
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		_, err = pool.Provide(context.Background())
		assert.ErrorIs(t, err, rabbitmq.ErrChannelCreationFailed)
	})
}

func TestChannelPoolUse(t *testing.T) {
	t.Run("releases the channel when fn fails", func(t *testing.T) {
		pool, err := rabbitmq.NewChannelPool(rabbitmqtest.NewConnection())
		require.NoError(t, err)

		boom := errors.New("boom")
		err = pool.Use(context.Background(), func(rabbitmq.Channel) error {
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, rabbitmq.PoolStats{Free: 1}, pool.Stats())
	})

	t.Run("recovers from panics and releases the channel", func(t *testing.T) {
		pool, err := rabbitmq.NewChannelPool(rabbitmqtest.NewConnection())
		require.NoError(t, err)

		err = pool.Use(context.Background(), func(rabbitmq.Channel) error {
			panic("broken handler")
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken handler")
		assert.Equal(t, 0, pool.Stats().InUse)
		assert.Equal(t, 1, pool.Stats().Free)
	})

	t.Run("concurrent callers get distinct channels", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection()
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		const workers = 8
		start := make(chan struct{})
		held := make(chan rabbitmq.Channel, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = pool.Use(context.Background(), func(ch rabbitmq.Channel) error {
					held <- ch
					<-start
					return nil
				})
			}()
		}

		seen := make(map[rabbitmq.Channel]bool)
		for i := 0; i < workers; i++ {
			seen[<-held] = true
		}
		close(start)
		wg.Wait()

		assert.Len(t, seen, workers)
		assert.Equal(t, workers, pool.Stats().Free)
	})
}

func TestChannelPoolClose(t *testing.T) {
	conn := rabbitmqtest.NewConnection()
	pool, err := rabbitmq.NewChannelPool(conn)
	require.NoError(t, err)

	idle, err := pool.Provide(context.Background())
	require.NoError(t, err)
	busy, err := pool.Provide(context.Background())
	require.NoError(t, err)
	idle.Release()

	require.NoError(t, pool.Close())
	assert.True(t, fakeChannel(t, idle).IsClosed())
	assert.False(t, fakeChannel(t, busy).IsClosed())

	busy.Release()
	assert.True(t, fakeChannel(t, busy).IsClosed())

	_, err = pool.Provide(context.Background())
	assert.ErrorIs(t, err, rabbitmq.ErrChannelPoolClosed)
	assert.True(t, pool.Stats().Closed)
	assert.NoError(t, pool.Close())
}
