package saga

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "ordersaga/data/db"
	"ordersaga/data/db/basic"
)

func newSQLiteStore(t *testing.T) *SQLInstanceStore {
	t.Helper()
	ctx := context.Background()
	database, err := basic.New(ctx, core.DBConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.ExecScript(ctx, InstanceSchema))
	return NewSQLInstanceStore(database)
}

// 两种实现跑同一组用例
func storeImplementations(t *testing.T) map[string]func() InstanceStore {
	return map[string]func() InstanceStore{
		"memory": func() InstanceStore { return NewMemoryInstanceStore() },
		"sqlite": func() InstanceStore { return newSQLiteStore(t) },
		"cached": func() InstanceStore { return NewCachedInstanceStore(newSQLiteStore(t), 16, time.Hour) },
	}
}

func storedInstance(t *testing.T, id int64, orderNo string, startedAt time.Time) *Instance {
	t.Helper()
	p := mustPayload(t, true, 50)
	inst, err := NewInstance(id, id*10, orderNo, p, StepProduct, startedAt.Truncate(time.Millisecond))
	require.NoError(t, err)
	return inst
}

func TestInstanceStoreCreateAndLoad(t *testing.T) {
	for name, factory := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			inst := storedInstance(t, 1, "ORD-1", time.Now())
			require.NoError(t, store.Create(ctx, inst))

			loaded, err := store.Load(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, inst.OrderNo, loaded.OrderNo)
			assert.Equal(t, inst.Payload, loaded.Payload)
			assert.Equal(t, StatusStarted, loaded.Status)
			assert.Equal(t, StepProduct, loaded.Step)
			assert.True(t, inst.StartedAt.Equal(loaded.StartedAt))
			assert.Nil(t, loaded.FinishedAt)

			byNo, err := store.LoadByOrderNo(ctx, "ORD-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), byNo.ID)

			_, err = store.Load(ctx, 2)
			assert.ErrorIs(t, err, ErrSagaNotFound)
			_, err = store.LoadByOrderNo(ctx, "ORD-2")
			assert.ErrorIs(t, err, ErrSagaNotFound)
		})
	}
}

func TestInstanceStoreRejectsDuplicates(t *testing.T) {
	for name, factory := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			require.NoError(t, store.Create(ctx, storedInstance(t, 1, "ORD-1", time.Now())))

			assert.ErrorIs(t, store.Create(ctx, storedInstance(t, 1, "ORD-X", time.Now())), ErrSagaAlreadyExists)
			assert.ErrorIs(t, store.Create(ctx, storedInstance(t, 2, "ORD-1", time.Now())), ErrSagaAlreadyExists)
		})
	}
}

func TestInstanceStoreUpdate(t *testing.T) {
	for name, factory := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			inst := storedInstance(t, 1, "ORD-1", time.Now())
			require.NoError(t, store.Create(ctx, inst))

			require.NoError(t, inst.ProceedTo(StepCoupon))
			require.NoError(t, inst.StartCompensation(StepProduct, "INVALID_COUPON"))
			require.NoError(t, inst.Fail("TIMEOUT"))
			require.NoError(t, store.Update(ctx, inst))

			loaded, err := store.Load(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, loaded.Status)
			assert.Equal(t, StepProduct, loaded.Step)
			assert.Equal(t, "INVALID_COUPON", loaded.FailureReason)
			require.NotNil(t, loaded.FinishedAt)

			ghost := storedInstance(t, 9, "ORD-9", time.Now())
			assert.ErrorIs(t, store.Update(ctx, ghost), ErrSagaNotFound)
		})
	}
}

func TestInstanceStoreFindStale(t *testing.T) {
	for name, factory := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			base := time.Now().Add(-time.Hour)
			for i := int64(1); i <= 4; i++ {
				require.NoError(t, store.Create(ctx, storedInstance(t, i, fmt.Sprintf("ORD-%d", i), base.Add(time.Duration(i)*time.Minute))))
			}
			// 第 2 个进入补偿，不应出现在 STARTED 扫描结果中
			inst, err := store.Load(ctx, 2)
			require.NoError(t, err)
			require.NoError(t, inst.StartCompensation(StepProduct, "TIMEOUT"))
			require.NoError(t, store.Update(ctx, inst))

			stale, err := store.FindStale(ctx, StatusStarted, base.Add(3*time.Minute+time.Second), 10)
			require.NoError(t, err)
			require.Len(t, stale, 2)
			assert.Equal(t, int64(1), stale[0].ID)
			assert.Equal(t, int64(3), stale[1].ID)

			limited, err := store.FindStale(ctx, StatusStarted, time.Now(), 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, int64(1), limited[0].ID)

			compensating, err := store.FindStale(ctx, StatusCompensating, time.Now(), 0)
			require.NoError(t, err)
			require.Len(t, compensating, 1)
			assert.Equal(t, int64(2), compensating[0].ID)
		})
	}
}

func TestInstanceStoreFindIdle(t *testing.T) {
	for name, factory := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			base := time.Now().Add(-time.Hour)
			for i := int64(1); i <= 3; i++ {
				require.NoError(t, store.Create(ctx, storedInstance(t, i, fmt.Sprintf("ORD-%d", i), base.Add(time.Duration(i)*time.Minute))))
			}
			// 最早启动的实例刚有进展
			inst, err := store.Load(ctx, 1)
			require.NoError(t, err)
			inst.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.Update(ctx, inst))

			idle, err := store.FindIdle(ctx, StatusStarted, base.Add(30*time.Minute), 1)
			require.NoError(t, err)
			require.Len(t, idle, 1)
			assert.Equal(t, int64(2), idle[0].ID)

			all, err := store.FindIdle(ctx, StatusStarted, base.Add(30*time.Minute), 0)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, int64(3), all[1].ID)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryInstanceStore()
	inst := storedInstance(t, 1, "ORD-1", time.Now())
	require.NoError(t, store.Create(ctx, inst))

	inst.Status = StatusFailed
	loaded, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, loaded.Status)

	loaded.Step = StepUser
	again, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StepProduct, again.Step)
	assert.Equal(t, 1, store.Count())
}
