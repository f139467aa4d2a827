// Package memory 提供基于内存队列的消息传输实现
// 适用于单机部署、开发环境和测试场景
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ordersaga/logging"
	"ordersaga/messaging"
)

// Options 内存传输配置
type Options struct {
	QueueSize   int
	WorkerCount int

	// MaxDeliveries 单条消息最多投递次数（含首次），处理器持续失败时超过即丢弃
	MaxDeliveries int

	// RedeliveryDelay 处理失败后重新入队前的等待时间
	RedeliveryDelay time.Duration

	Logger logging.Logger
}

// delivery 队列中的一次投递
type delivery struct {
	message messaging.IMessage
	attempt int
}

// MemoryTransport 内存消息传输实现
//
// 特性:
//   - Worker 池异步消费
//   - 处理器返回错误时延迟重新入队，模拟 broker 的未确认重投
//   - 并发安全
type MemoryTransport struct {
	opts     Options
	logger   logging.Logger
	handlers map[string][]messaging.IMessageHandler
	queue    chan delivery
	running  bool
	mutex    sync.RWMutex
	wg       sync.WaitGroup
}

// NewMemoryTransport 创建内存传输实例
//
// 参数:
//   - opts: 配置，零值字段使用默认值（队列 1000，Worker 4，最多投递 5 次，重投间隔 10ms）
//
// 返回:
//   - *MemoryTransport: 传输实例
func NewMemoryTransport(opts Options) *MemoryTransport {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = 10 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.ComponentLogger("transport.memory")
	}
	return &MemoryTransport{
		opts:     opts,
		logger:   opts.Logger,
		handlers: make(map[string][]messaging.IMessageHandler),
		queue:    make(chan delivery, opts.QueueSize),
	}
}

// Publish 发布消息到队列，由 Worker 池异步处理
//
// 返回:
//   - error: 队列满或传输未启动时返回错误
func (t *MemoryTransport) Publish(ctx context.Context, message messaging.IMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.enqueue(delivery{message: message, attempt: 1})
}

// enqueue 持读锁发送，保证不会向已关闭的队列写入
func (t *MemoryTransport) enqueue(d delivery) error {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if !t.running {
		return fmt.Errorf("memory transport is not running")
	}
	select {
	case t.queue <- d:
		return nil
	default:
		return fmt.Errorf("message queue is full")
	}
}

// Stats 获取统计信息
func (t *MemoryTransport) Stats() messaging.TransportStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	handlerCount := 0
	topics := make([]string, 0, len(t.handlers))
	for topic, handlers := range t.handlers {
		topics = append(topics, topic)
		handlerCount += len(handlers)
	}
	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		Topics:       topics,
		QueueDepth:   len(t.queue),
		WorkerCount:  t.opts.WorkerCount,
	}
}
