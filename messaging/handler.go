package messaging

import (
	"context"
)

// IMessageHandler 消息处理器接口
//
// Handle 返回 nil 表示消息已处理完毕可以确认；返回错误时传输层不确认，
// 由 broker 重新投递。
type IMessageHandler interface {
	Handle(ctx context.Context, message IMessage) error

	// Type 返回处理器名称（用于日志和调试）
	Type() string
}

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h *funcHandler) Handle(ctx context.Context, message IMessage) error {
	return h.fn(ctx, message)
}

func (h *funcHandler) Type() string { return h.name }

// NewHandler 用函数构造具名处理器
func NewHandler(name string, fn HandlerFunc) IMessageHandler {
	return &funcHandler{name: name, fn: fn}
}
