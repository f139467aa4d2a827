package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryInstanceStore 内存实例存储
//
// 不持久化，进程重启后数据丢失，用于测试和 memory broker 模式。
type MemoryInstanceStore struct {
	instances map[int64]*Instance
	byOrderNo map[string]int64
	mutex     sync.RWMutex
}

// NewMemoryInstanceStore 创建内存实例存储
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[int64]*Instance),
		byOrderNo: make(map[string]int64),
	}
}

// Create 保存新实例
func (s *MemoryInstanceStore) Create(ctx context.Context, inst *Instance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return ErrSagaAlreadyExists
	}
	if _, exists := s.byOrderNo[inst.OrderNo]; exists {
		return ErrSagaAlreadyExists
	}
	s.instances[inst.ID] = inst.Clone()
	s.byOrderNo[inst.OrderNo] = inst.ID
	return nil
}

// Load 按 saga ID 加载
func (s *MemoryInstanceStore) Load(ctx context.Context, sagaID int64) (*Instance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	inst, exists := s.instances[sagaID]
	if !exists {
		return nil, ErrSagaNotFound
	}
	return inst.Clone(), nil
}

// LoadByOrderNo 按订单号加载
func (s *MemoryInstanceStore) LoadByOrderNo(ctx context.Context, orderNo string) (*Instance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, exists := s.byOrderNo[orderNo]
	if !exists {
		return nil, ErrSagaNotFound
	}
	return s.instances[id].Clone(), nil
}

// Update 覆盖已有实例
func (s *MemoryInstanceStore) Update(ctx context.Context, inst *Instance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.instances[inst.ID]; !exists {
		return ErrSagaNotFound
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// FindStale 扫描超时实例
func (s *MemoryInstanceStore) FindStale(ctx context.Context, status Status, startedBefore time.Time, limit int) ([]*Instance, error) {
	return s.findBefore(status, startedBefore, limit, func(inst *Instance) time.Time { return inst.StartedAt }), nil
}

// FindIdle 扫描长时间没有进展的实例
func (s *MemoryInstanceStore) FindIdle(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Instance, error) {
	return s.findBefore(status, updatedBefore, limit, func(inst *Instance) time.Time { return inst.UpdatedAt }), nil
}

func (s *MemoryInstanceStore) findBefore(status Status, before time.Time, limit int, at func(*Instance) time.Time) []*Instance {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*Instance
	for _, inst := range s.instances {
		if inst.Status == status && at(inst).Before(before) {
			result = append(result, inst.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ti, tj := at(result[i]), at(result[j])
		if ti.Equal(tj) {
			return result[i].ID < result[j].ID
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Count 返回实例数量（测试用）
func (s *MemoryInstanceStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.instances)
}

var _ InstanceStore = (*MemoryInstanceStore)(nil)
