// Package middleware 提供消息总线中间件
package middleware

import (
	"context"

	"ordersaga/logging"
	"ordersaga/messaging"
)

// CorrelationMiddleware 在消息元数据与 Context 之间传播 correlation_id
//
// 规则：
//   - 消息已带 correlation_id：放入 Context，供处理器内发出的后续消息沿用
//   - 消息缺失 correlation_id：优先继承 Context 中的值，否则以消息 ID 兜底
type CorrelationMiddleware struct{}

func NewCorrelationMiddleware() *CorrelationMiddleware { return &CorrelationMiddleware{} }

func (m *CorrelationMiddleware) Name() string { return "Correlation" }

func (m *CorrelationMiddleware) Handle(ctx context.Context, message messaging.IMessage, next messaging.HandlerFunc) error {
	if message == nil {
		return next(ctx, message)
	}
	md := message.GetMetadata()
	id := md[messaging.MetaCorrelationID]
	if id == "" {
		id = logging.CorrelationIDFromContext(ctx)
	}
	if id == "" {
		id = message.GetID()
	}
	md[messaging.MetaCorrelationID] = id
	return next(logging.ContextWithCorrelationID(ctx, id), message)
}
