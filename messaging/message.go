// Package messaging 提供 saga 命令、回复与通知共用的消息抽象
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 元数据键
const (
	MetaCorrelationID = "correlation_id"
	MetaAttempt       = "attempt"
)

// IMessage 消息接口
type IMessage interface {
	// GetID 消息唯一 ID，用作 broker 去重键
	GetID() string

	// GetType 消息主题（topic/subject），传输层按此路由
	GetType() string

	// GetKey 分区键，saga 消息一律为 saga ID
	GetKey() string

	GetTimestamp() time.Time

	// GetPayload JSON 编码的消息体
	GetPayload() []byte

	GetMetadata() map[string]string
}

// Message 消息基础实现
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Key       string            `json:"key,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (m *Message) GetID() string           { return m.ID }
func (m *Message) GetType() string         { return m.Type }
func (m *Message) GetKey() string          { return m.Key }
func (m *Message) GetTimestamp() time.Time { return m.Timestamp }
func (m *Message) GetPayload() []byte      { return m.Payload }

// GetMetadata 获取元数据
func (m *Message) GetMetadata() map[string]string {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	return m.Metadata
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key, value string) {
	m.GetMetadata()[key] = value
}

// NewMessage 将 payload 编码为 JSON 并生成消息 ID
//
// 参数:
//   - topic: 目标主题
//   - key: 分区键（saga ID）
//   - payload: 任意可 JSON 编码的消息体
func NewMessage(topic, key string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      topic,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Payload:   data,
		Metadata:  make(map[string]string),
	}, nil
}

// Decode 将消息体解码到 v
func Decode(msg IMessage, v any) error {
	if err := json.Unmarshal(msg.GetPayload(), v); err != nil {
		return fmt.Errorf("decode %s message %s: %w", msg.GetType(), msg.GetID(), err)
	}
	return nil
}
