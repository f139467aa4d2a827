package memory

import (
	"context"
	"fmt"
)

// Start 启动 Worker 池
func (t *MemoryTransport) Start(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.running {
		return fmt.Errorf("memory transport is already running")
	}
	t.running = true
	for i := 0; i < t.opts.WorkerCount; i++ {
		t.wg.Add(1)
		go t.worker(ctx)
	}
	return nil
}

// Close 关闭队列并等待 Worker 处理完缓冲中的消息
//
// 关闭后到期的重投会被丢弃。
func (t *MemoryTransport) Close() error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return nil
	}
	t.running = false
	close(t.queue)
	t.mutex.Unlock()

	t.wg.Wait()
	return nil
}

func (t *MemoryTransport) worker(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case d, ok := <-t.queue:
			if !ok {
				return
			}
			t.dispatch(ctx, d)
		case <-ctx.Done():
			return
		}
	}
}
