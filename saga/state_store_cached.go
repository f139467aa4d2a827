package saga

import (
	"context"
	"time"

	"ordersaga/cache"
)

// CachedInstanceStore 为终态实例提供读缓存
//
// FINISHED/FAILED 实例不再变化，缓存后无需失效；进行中的实例总是直读底层存储。
type CachedInstanceStore struct {
	inner     InstanceStore
	byID      *cache.Cache[int64, *Instance]
	byOrderNo *cache.Cache[string, int64]
}

var _ InstanceStore = (*CachedInstanceStore)(nil)

// NewCachedInstanceStore 包装底层存储，size 为缓存的终态实例上限
func NewCachedInstanceStore(inner InstanceStore, size int, ttl time.Duration) *CachedInstanceStore {
	return &CachedInstanceStore{
		inner:     inner,
		byID:      cache.New[int64, *Instance](cache.Config{Name: "saga.instances", MaxSize: size, TTL: ttl}),
		byOrderNo: cache.New[string, int64](cache.Config{Name: "saga.order_no", MaxSize: size, TTL: ttl}),
	}
}

func (s *CachedInstanceStore) Create(ctx context.Context, inst *Instance) error {
	return s.inner.Create(ctx, inst)
}

func (s *CachedInstanceStore) Load(ctx context.Context, sagaID int64) (*Instance, error) {
	if inst, ok := s.byID.Get(sagaID); ok {
		return inst.Clone(), nil
	}
	inst, err := s.inner.Load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	s.remember(inst)
	return inst, nil
}

func (s *CachedInstanceStore) LoadByOrderNo(ctx context.Context, orderNo string) (*Instance, error) {
	if id, ok := s.byOrderNo.Get(orderNo); ok {
		if inst, ok := s.byID.Get(id); ok {
			return inst.Clone(), nil
		}
	}
	inst, err := s.inner.LoadByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	s.remember(inst)
	return inst, nil
}

func (s *CachedInstanceStore) Update(ctx context.Context, inst *Instance) error {
	if err := s.inner.Update(ctx, inst); err != nil {
		return err
	}
	s.remember(inst)
	return nil
}

func (s *CachedInstanceStore) FindStale(ctx context.Context, status Status, startedBefore time.Time, limit int) ([]*Instance, error) {
	return s.inner.FindStale(ctx, status, startedBefore, limit)
}

func (s *CachedInstanceStore) FindIdle(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Instance, error) {
	return s.inner.FindIdle(ctx, status, updatedBefore, limit)
}

// Stats 实例缓存统计
func (s *CachedInstanceStore) Stats() cache.CacheStats {
	return s.byID.Stats()
}

func (s *CachedInstanceStore) remember(inst *Instance) {
	if !inst.IsTerminal() {
		return
	}
	s.byID.Set(inst.ID, inst.Clone())
	s.byOrderNo.Set(inst.OrderNo, inst.ID)
}
