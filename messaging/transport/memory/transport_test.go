package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersaga/logging"
	"ordersaga/messaging"
)

func newTestTransport(t *testing.T, opts Options) *MemoryTransport {
	t.Helper()
	opts.Logger = logging.NewNoopLogger()
	tpt := NewMemoryTransport(opts)
	require.NoError(t, tpt.Start(context.Background()))
	t.Cleanup(func() { _ = tpt.Close() })
	return tpt
}

func TestMemoryTransport_PublishFlow(t *testing.T) {
	tpt := newTestTransport(t, Options{QueueSize: 16, WorkerCount: 2})

	var exact, wildcard int32
	require.NoError(t, tpt.Subscribe("saga.product.command", messaging.NewHandler("exact", func(ctx context.Context, m messaging.IMessage) error {
		atomic.AddInt32(&exact, 1)
		return nil
	})))
	require.NoError(t, tpt.Subscribe("*", messaging.NewHandler("all", func(ctx context.Context, m messaging.IMessage) error {
		atomic.AddInt32(&wildcard, 1)
		return nil
	})))

	msg, _ := messaging.NewMessage("saga.product.command", "1", nil)
	require.NoError(t, tpt.Publish(context.Background(), msg))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&exact) == 1 && atomic.LoadInt32(&wildcard) == 1
	}, time.Second, 5*time.Millisecond)

	stats := tpt.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.HandlerCount)
}

func TestMemoryTransport_RedeliversUntilSuccess(t *testing.T) {
	tpt := newTestTransport(t, Options{WorkerCount: 1, RedeliveryDelay: time.Millisecond})

	var calls int32
	require.NoError(t, tpt.Subscribe("saga.user.reply", messaging.NewHandler("flaky", func(ctx context.Context, m messaging.IMessage) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})))

	msg, _ := messaging.NewMessage("saga.user.reply", "1", nil)
	require.NoError(t, tpt.Publish(context.Background(), msg))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestMemoryTransport_DropsAfterMaxDeliveries(t *testing.T) {
	tpt := newTestTransport(t, Options{WorkerCount: 1, MaxDeliveries: 2, RedeliveryDelay: time.Millisecond})

	var calls int32
	require.NoError(t, tpt.Subscribe("t", messaging.NewHandler("broken", func(ctx context.Context, m messaging.IMessage) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always")
	})))

	msg, _ := messaging.NewMessage("t", "1", nil)
	require.NoError(t, tpt.Publish(context.Background(), msg))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMemoryTransport_NotRunning(t *testing.T) {
	tpt := NewMemoryTransport(Options{Logger: logging.NewNoopLogger()})
	msg, _ := messaging.NewMessage("t", "1", nil)
	assert.Error(t, tpt.Publish(context.Background(), msg))

	require.NoError(t, tpt.Start(context.Background()))
	assert.Error(t, tpt.Start(context.Background()))
	require.NoError(t, tpt.Close())
	assert.Error(t, tpt.Publish(context.Background(), msg))
	assert.NoError(t, tpt.Close())
}

func TestMemoryTransport_QueueFull(t *testing.T) {
	tpt := NewMemoryTransport(Options{QueueSize: 1, WorkerCount: 1, Logger: logging.NewNoopLogger()})
	// 不启动 worker，直接标记运行以观察队列满
	tpt.running = true
	msg, _ := messaging.NewMessage("t", "1", nil)
	require.NoError(t, tpt.Publish(context.Background(), msg))
	assert.EqualError(t, tpt.Publish(context.Background(), msg), "message queue is full")
}
