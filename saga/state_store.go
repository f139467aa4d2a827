package saga

import (
	"context"
	"time"
)

// InstanceStore saga 实例存储
//
// 实现要求：
//   - Create 遇到重复的 ID 或订单号返回 ErrSagaAlreadyExists
//   - Load/LoadByOrderNo/Update 找不到实例时返回 ErrSagaNotFound
//   - 读写都是值拷贝，调用方修改返回的实例不影响存储
type InstanceStore interface {
	Create(ctx context.Context, inst *Instance) error
	Load(ctx context.Context, sagaID int64) (*Instance, error)
	LoadByOrderNo(ctx context.Context, orderNo string) (*Instance, error)
	Update(ctx context.Context, inst *Instance) error

	// FindStale 列出指定状态下 StartedAt 早于 startedBefore 的实例，按 StartedAt 升序
	FindStale(ctx context.Context, status Status, startedBefore time.Time, limit int) ([]*Instance, error)

	// FindIdle 列出指定状态下 UpdatedAt 早于 updatedBefore 的实例，按 UpdatedAt 升序
	FindIdle(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Instance, error)
}
