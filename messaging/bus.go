package messaging

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc 中间件链中的基本执行单元
type HandlerFunc func(ctx context.Context, message IMessage) error

// IMiddleware 消息总线中间件
//
// 同一条中间件链同时包裹发布与消费两个方向。
type IMiddleware interface {
	Handle(ctx context.Context, message IMessage, next HandlerFunc) error
	Name() string
}

// IPublisher 只发布消息的最小接口，供 saga 生产者依赖
type IPublisher interface {
	Publish(ctx context.Context, message IMessage) error
}

// MessageBus 基于 Transport 的消息总线，负责中间件编排
type MessageBus struct {
	transport   Transport
	middlewares []IMiddleware
	mutex       sync.RWMutex
}

// NewMessageBus 创建消息总线
func NewMessageBus(transport Transport) *MessageBus {
	return &MessageBus{transport: transport}
}

// Use 注册中间件，须在 Subscribe 之前调用
func (bus *MessageBus) Use(middleware IMiddleware) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.middlewares = append(bus.middlewares, middleware)
}

// Subscribe 订阅主题，处理器被中间件链包裹
func (bus *MessageBus) Subscribe(topic string, handler IMessageHandler) error {
	wrapped := NewHandler(handler.Type(), func(ctx context.Context, msg IMessage) error {
		return bus.execute(ctx, msg, handler.Handle)
	})
	if err := bus.transport.Subscribe(topic, wrapped); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish 经过中间件链后交给 Transport 发送
func (bus *MessageBus) Publish(ctx context.Context, message IMessage) error {
	return bus.execute(ctx, message, bus.transport.Publish)
}

// Start 启动底层传输
func (bus *MessageBus) Start(ctx context.Context) error {
	return bus.transport.Start(ctx)
}

// Close 关闭底层传输
func (bus *MessageBus) Close() error {
	return bus.transport.Close()
}

// Stats 返回底层传输统计
func (bus *MessageBus) Stats() TransportStats {
	return bus.transport.Stats()
}

func (bus *MessageBus) execute(ctx context.Context, message IMessage, final HandlerFunc) error {
	bus.mutex.RLock()
	middlewares := bus.middlewares
	bus.mutex.RUnlock()

	next := final
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		currentNext := next
		next = func(ctx context.Context, msg IMessage) error {
			return mw.Handle(ctx, msg, currentNext)
		}
	}
	return next(ctx, message)
}
