package saga

import "errors"

// Saga 相关错误
var (
	// ErrSagaNotFound Saga 不存在
	ErrSagaNotFound = errors.New("saga not found")

	// ErrSagaAlreadyExists 同一 ID 或订单号的 Saga 已存在
	ErrSagaAlreadyExists = errors.New("saga already exists")

	// ErrSagaTerminal Saga 已处于 FINISHED/FAILED，拒绝任何状态迁移
	ErrSagaTerminal = errors.New("saga is terminal")

	// ErrInvalidTransition 当前状态不允许该迁移
	ErrInvalidTransition = errors.New("saga invalid transition")

	// ErrUnknownStep 决策表无法识别的步骤，属于编程错误，调用方不得吞掉
	ErrUnknownStep = errors.New("saga unknown step")

	// ErrInvalidPayload 订单快照不合法
	ErrInvalidPayload = errors.New("saga invalid payload")
)
