package messaging

import (
	"context"
)

// Transport 消息传输接口
//
// 实现须保证：处理器返回 nil 后才确认消息；处理器返回错误时消息保持未确认，
// 之后会被重新投递（至少一次语义）。
type Transport interface {
	Publish(ctx context.Context, message IMessage) error
	Subscribe(topic string, handler IMessageHandler) error
	Start(ctx context.Context) error
	Close() error
	Stats() TransportStats
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	Topics       []string `json:"topics"`
	QueueDepth   int      `json:"queue_depth,omitempty"`
	WorkerCount  int      `json:"worker_count,omitempty"`
}
