package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedStoreServesTerminalInstancesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryInstanceStore()
	store := NewCachedInstanceStore(inner, 16, time.Hour)

	inst := storedInstance(t, 1, "ORD-1", time.Now())
	require.NoError(t, store.Create(ctx, inst))

	// 进行中的实例不缓存
	_, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, store.Stats().Size)

	require.NoError(t, inst.Fail("OUT_OF_STOCK"))
	require.NoError(t, store.Update(ctx, inst))
	assert.Equal(t, 1, store.Stats().Size)

	loaded, err := store.LoadByOrderNo(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.Equal(t, "OUT_OF_STOCK", loaded.FailureReason)

	loaded.FailureReason = "mutated"
	again, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "OUT_OF_STOCK", again.FailureReason, "cache must hand out copies")
	assert.Equal(t, int64(2), store.Stats().Hits)
}

func TestCachedStorePassesErrorsThrough(t *testing.T) {
	ctx := context.Background()
	store := NewCachedInstanceStore(NewMemoryInstanceStore(), 16, time.Hour)

	_, err := store.Load(ctx, 404)
	assert.ErrorIs(t, err, ErrSagaNotFound)
	_, err = store.LoadByOrderNo(ctx, "ORD-404")
	assert.ErrorIs(t, err, ErrSagaNotFound)

	inst := storedInstance(t, 1, "ORD-1", time.Now())
	assert.ErrorIs(t, store.Update(ctx, inst), ErrSagaNotFound)
	assert.Zero(t, store.Stats().Size)
}
