package saga

import (
	"fmt"
	"time"
)

// Instance 持久化的 saga 实例
//
// Step 在 STARTED 时是正在执行的步骤，在 COMPENSATING 时是下一个待撤销的步骤。
// 终态实例拒绝所有迁移；FinishedAt 只写一次；FailureReason 以第一个原因为准。
type Instance struct {
	ID            int64
	OrderID       int64
	OrderNo       string
	Status        Status
	Step          Step
	Payload       Payload
	FailureReason string
	StartedAt     time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}

// NewInstance 创建处于 STARTED 状态的实例
func NewInstance(id, orderID int64, orderNo string, payload Payload, firstStep Step, now time.Time) (*Instance, error) {
	if orderNo == "" {
		return nil, fmt.Errorf("%w: order number required", ErrInvalidPayload)
	}
	if !firstStep.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, firstStep)
	}
	now = now.UTC()
	return &Instance{
		ID:        id,
		OrderID:   orderID,
		OrderNo:   orderNo,
		Status:    StatusStarted,
		Step:      firstStep,
		Payload:   payload,
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsTerminal 是否已结束
func (i *Instance) IsTerminal() bool {
	return i.Status.IsTerminal()
}

// ProceedTo 正向推进到 next
func (i *Instance) ProceedTo(next Step) error {
	if err := i.require(StatusStarted); err != nil {
		return err
	}
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStep, next)
	}
	i.Step = next
	i.touch()
	return nil
}

// StartCompensation 进入补偿，next 为第一个待撤销的步骤
func (i *Instance) StartCompensation(next Step, reason string) error {
	if err := i.require(StatusStarted); err != nil {
		return err
	}
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStep, next)
	}
	i.Status = StatusCompensating
	i.Step = next
	i.setReason(reason)
	i.touch()
	return nil
}

// ContinueCompensation 继续撤销更早的步骤
func (i *Instance) ContinueCompensation(next Step) error {
	if err := i.require(StatusCompensating); err != nil {
		return err
	}
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStep, next)
	}
	i.Step = next
	i.touch()
	return nil
}

// Fail 标记失败，已有失败原因时保留原值
func (i *Instance) Fail(reason string) error {
	if i.IsTerminal() {
		return ErrSagaTerminal
	}
	i.setReason(reason)
	i.Status = StatusFailed
	i.finish()
	return nil
}

// Finish 全部资源已锁定，订单完成
func (i *Instance) Finish() error {
	if err := i.require(StatusStarted); err != nil {
		return err
	}
	i.Status = StatusFinished
	i.finish()
	return nil
}

// Clone 深拷贝（Payload 本身不可变）
func (i *Instance) Clone() *Instance {
	c := *i
	if i.FinishedAt != nil {
		t := *i.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func (i *Instance) require(status Status) error {
	if i.IsTerminal() {
		return ErrSagaTerminal
	}
	if i.Status != status {
		return fmt.Errorf("%w: status %s, want %s", ErrInvalidTransition, i.Status, status)
	}
	return nil
}

func (i *Instance) setReason(reason string) {
	if i.FailureReason == "" {
		i.FailureReason = reason
	}
}

func (i *Instance) finish() {
	now := time.Now().UTC()
	if i.FinishedAt == nil {
		i.FinishedAt = &now
	}
	i.UpdatedAt = now
}

func (i *Instance) touch() {
	i.UpdatedAt = time.Now().UTC()
}
