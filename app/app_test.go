package app

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersaga/config"
	"ordersaga/logging"
	"ordersaga/saga"
)

func testConfig(domain string) *config.Config {
	return &config.Config{
		ServiceName:       "ordersaga-test",
		LogLevel:          "error",
		Broker:            config.BrokerMemory,
		DBDriver:          "sqlite",
		DBDSN:             ":memory:",
		DBMaxOpenConns:    1,
		HTTPAddr:          "127.0.0.1:0",
		DatacenterID:      1,
		WorkerID:          1,
		SweepSchedule:     "@every 1h",
		RedispatchAfter:   time.Minute,
		SagaTimeout:       5 * time.Minute,
		ParticipantDomain: domain,
		CompensateRetries: 2,
	}
}

func TestNewLoggerSetsGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testConfig(""), &buf)
	t.Cleanup(func() { logging.SetLogger(logging.NewNoopLogger()) })

	logger.Error(context.Background(), "boom")
	assert.Contains(t, buf.String(), `"service":"ordersaga-test"`)
	assert.Same(t, logger, logging.GetLogger())
}

func TestNewTransportRejectsUnknownBroker(t *testing.T) {
	cfg := testConfig("")
	cfg.Broker = "kafka"
	_, err := NewTransport(cfg, logging.NewNoopLogger())
	assert.Error(t, err)
}

func TestNewTransportRedisNeedsNoConnectionUpFront(t *testing.T) {
	cfg := testConfig("")
	cfg.Broker = config.BrokerRedis
	cfg.RedisAddr = "127.0.0.1:1"
	transport, err := NewTransport(cfg, logging.NewNoopLogger())
	require.NoError(t, err)
	assert.False(t, transport.Stats().Running)
}

func TestOrchestratorServerEmbeddedFlow(t *testing.T) {
	srv := NewOrchestratorServer(testConfig(""), logging.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Setup(ctx))

	_, err := srv.DB().Exec(ctx, `INSERT INTO product_variants (id, stock) VALUES (10, 5)`)
	require.NoError(t, err)
	_, err = srv.DB().Exec(ctx, `INSERT INTO users (id, point) VALUES (1, 1000)`)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.bus.Stats().Running }, 2*time.Second, 5*time.Millisecond)
	inst, err := srv.Manager().StartSaga(ctx, saga.StartCommand{
		OrderID: 1, OrderNo: "ORD-APP", UserID: 1, UseToPoint: 100,
		Items: []saga.Item{{ProductVariantID: 10, Quantity: 1}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := srv.Manager().GetByOrderNo(ctx, "ORD-APP")
		return err == nil && got.Status == saga.StatusFinished
	}, 5*time.Second, 10*time.Millisecond)

	var point int64
	require.NoError(t, srv.DB().QueryRow(ctx, `SELECT point FROM users WHERE id = 1`).Scan(&point))
	assert.Equal(t, int64(900), point)
	assert.Equal(t, inst.ID, mustLoad(t, srv, "ORD-APP").ID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func mustLoad(t *testing.T, srv *OrchestratorServer, orderNo string) *saga.Instance {
	t.Helper()
	inst, err := srv.Manager().GetByOrderNo(context.Background(), orderNo)
	require.NoError(t, err)
	return inst
}

func TestParticipantServerSetup(t *testing.T) {
	for _, domain := range []string{"product", "coupon", "user"} {
		t.Run(domain, func(t *testing.T) {
			srv := NewParticipantServer(testConfig(domain), logging.NewNoopLogger())
			require.NoError(t, srv.Setup(context.Background()))
			t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

			var n int
			require.NoError(t, srv.db.QueryRow(context.Background(),
				`SELECT COUNT(1) FROM processed_saga_events`).Scan(&n))
			assert.Zero(t, n)
			assert.Equal(t, []string{fmt.Sprintf("saga.%s.command", domain)}, srv.bus.Stats().Topics)
		})
	}
}

func TestParticipantServerUnknownDomain(t *testing.T) {
	srv := NewParticipantServer(testConfig("shipping"), logging.NewNoopLogger())
	assert.Error(t, srv.Setup(context.Background()))
}
