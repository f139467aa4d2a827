package messaging

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// HandlerRegistry 按主题保存处理器，供 broker 传输层共用
//
// 同一主题的全部处理器都成功后消息才可确认，任一失败即整体失败。
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]IMessageHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string][]IMessageHandler)}
}

// Add 登记处理器；该主题首次出现时返回 true，调用方据此建立订阅
func (r *HandlerRegistry) Add(topic string, handler IMessageHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, seen := r.handlers[topic]
	r.handlers[topic] = append(r.handlers[topic], handler)
	return !seen
}

// Topics 已登记的主题，按字典序
func (r *HandlerRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Dispatch 把消息交给其主题下的全部处理器，错误合并返回
func (r *HandlerRegistry) Dispatch(ctx context.Context, message IMessage) error {
	r.mu.RLock()
	handlers := append([]IMessageHandler(nil), r.handlers[message.GetType()]...)
	r.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats 填充处理器数与主题列表
func (r *HandlerRegistry) Stats(running bool) TransportStats {
	r.mu.RLock()
	count := 0
	for _, hs := range r.handlers {
		count += len(hs)
	}
	r.mu.RUnlock()
	return TransportStats{Running: running, HandlerCount: count, Topics: r.Topics()}
}
