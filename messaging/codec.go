package messaging

import (
	"encoding/json"
	"time"
)

// envelope 消息在 broker 上的 JSON 外壳，时间戳为 Unix 纳秒
type envelope struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Key       string            `json:"key,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EncodeEnvelope 编码为 JSON 外壳；零时间戳取当前时间，空消息体写作 null
func EncodeEnvelope(msg IMessage) ([]byte, error) {
	env := envelope{
		ID:        msg.GetID(),
		Type:      msg.GetType(),
		Key:       msg.GetKey(),
		Timestamp: msg.GetTimestamp().UnixNano(),
		Payload:   msg.GetPayload(),
		Metadata:  msg.GetMetadata(),
	}
	if msg.GetTimestamp().IsZero() {
		env.Timestamp = time.Now().UnixNano()
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	return json.Marshal(env)
}

// DecodeEnvelope 解码 EncodeEnvelope 的输出
func DecodeEnvelope(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	msg := &Message{
		ID:        env.ID,
		Type:      env.Type,
		Key:       env.Key,
		Timestamp: time.Unix(0, env.Timestamp),
		Payload:   env.Payload,
		Metadata:  env.Metadata,
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}
	return msg, nil
}
