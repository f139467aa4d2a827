package middleware

import (
	"context"
	"time"

	"ordersaga/logging"
	"ordersaga/messaging"
	"ordersaga/metrics"
)

// ObserveMiddleware 记录耗时指标，并在失败时输出 Warn 日志
//
// 失败的消息不会被确认，日志中的 topic/message_id 用于追踪重投。
type ObserveMiddleware struct {
	metrics *metrics.Metrics
	logger  logging.Logger
}

func NewObserveMiddleware(m *metrics.Metrics, logger logging.Logger) *ObserveMiddleware {
	if logger == nil {
		logger = logging.ComponentLogger("messaging.observe")
	}
	return &ObserveMiddleware{metrics: m, logger: logger}
}

func (m *ObserveMiddleware) Name() string { return "Observe" }

func (m *ObserveMiddleware) Handle(ctx context.Context, message messaging.IMessage, next messaging.HandlerFunc) error {
	start := time.Now()
	err := next(ctx, message)
	m.metrics.ObserveHandle(message.GetType(), time.Since(start))
	if err != nil {
		m.logger.Warn(ctx, "message not acknowledged",
			logging.String("topic", message.GetType()),
			logging.String("message_id", message.GetID()),
			logging.String("key", message.GetKey()),
			logging.Error(err))
	}
	return err
}
