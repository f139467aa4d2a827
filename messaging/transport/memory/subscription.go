package memory

import (
	"ordersaga/messaging"
)

// Subscribe 订阅主题，支持 "*" 订阅所有主题
func (t *MemoryTransport) Subscribe(topic string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers[topic] = append(t.handlers[topic], handler)
	return nil
}
