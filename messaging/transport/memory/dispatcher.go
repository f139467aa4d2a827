package memory

import (
	"context"
	"errors"
	"time"

	"ordersaga/logging"
	"ordersaga/messaging"
)

// dispatch 依次调用精确匹配与通配符处理器
//
// 任一处理器失败时整条消息重新入队；已成功的处理器会再次收到该消息，
// 因此处理器必须幂等。
func (t *MemoryTransport) dispatch(ctx context.Context, d delivery) {
	topic := d.message.GetType()

	t.mutex.RLock()
	exact := t.handlers[topic]
	wildcard := t.handlers["*"]
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	t.mutex.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler.Handle(ctx, d.message); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return
	}

	err := errors.Join(errs...)
	if d.attempt >= t.opts.MaxDeliveries {
		t.logger.Error(ctx, "message dropped after max deliveries",
			logging.String("topic", topic),
			logging.String("message_id", d.message.GetID()),
			logging.Int("attempts", d.attempt),
			logging.Error(err))
		return
	}
	next := delivery{message: d.message, attempt: d.attempt + 1}
	time.AfterFunc(t.opts.RedeliveryDelay, func() {
		if qerr := t.enqueue(next); qerr != nil {
			t.logger.Warn(context.Background(), "redelivery enqueue failed",
				logging.String("topic", topic),
				logging.String("message_id", d.message.GetID()),
				logging.Error(qerr))
		}
	})
}
