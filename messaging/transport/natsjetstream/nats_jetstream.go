// Package natsjetstream 基于 NATS JetStream 的消息传输
package natsjetstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"ordersaga/logging"
	"ordersaga/messaging"
)

// ErrNotRunning Start 之前或 Close 之后发布
var ErrNotRunning = errors.New("nats transport not running")

// Config JetStream 传输配置，零值字段取默认值
type Config struct {
	URL    string
	Stream string
	// SubjectPrefix 主题前缀，流绑定 <prefix>>
	SubjectPrefix string
	// DurablePrefix 区分消费组；同一服务的多个实例共享 durable，实现队列消费
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
	// MaxDeliver -1 表示无限重投
	MaxDeliver int
	NakDelay   time.Duration
	// DuplicateWindow JetStream 按 Nats-Msg-Id 去重的时间窗口
	DuplicateWindow time.Duration
	Logger          logging.Logger
	// Conn 外部连接，传入时 Close 不会关闭它
	Conn *nats.Conn
}

func (c *Config) applyDefaults() {
	setDefault(&c.Stream, "ORDER_SAGA")
	setDefault(&c.SubjectPrefix, "ordersaga.")
	setDefault(&c.DurablePrefix, "ordersaga")
	setDefault(&c.AckWait, 30*time.Second)
	setDefault(&c.MaxAckPending, 1024)
	setDefault(&c.MaxDeliver, -1)
	setDefault(&c.NakDelay, time.Second)
	setDefault(&c.DuplicateWindow, 2*time.Minute)
	if c.Logger == nil {
		c.Logger = logging.ComponentLogger("transport.nats")
	}
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Transport messaging.Transport 的 JetStream 实现
//
// 全部处理器成功才 Ack；处理器出错按 NakDelay 延迟 Nak 由 JetStream 重投，
// 无法解码的消息直接 Term。
type Transport struct {
	cfg      Config
	logger   logging.Logger
	registry *messaging.HandlerRegistry

	mu      sync.Mutex
	conn    *nats.Conn
	js      nats.JetStreamContext
	subs    map[string]*nats.Subscription
	running bool
}

func NewTransport(cfg Config) *Transport {
	cfg.applyDefaults()
	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: messaging.NewHandlerRegistry(),
		subs:     make(map[string]*nats.Subscription),
	}
}

// Publish 以消息 ID 作为 Nats-Msg-Id，重复发布在去重窗口内被 JetStream 丢弃
func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mu.Lock()
	js, running := t.js, t.running
	t.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	data, err := messaging.EncodeEnvelope(message)
	if err != nil {
		return err
	}
	out := &nats.Msg{Subject: t.subjectName(message.GetType()), Data: data, Header: nats.Header{}}
	out.Header.Set(nats.MsgIdHdr, message.GetID())
	if key := message.GetKey(); key != "" {
		out.Header.Set("Saga-Key", key)
	}
	_, err = js.PublishMsg(out, nats.Context(ctx))
	return err
}

// Subscribe 运行中订阅新主题会立即建立 durable 消费者
func (t *Transport) Subscribe(topic string, handler messaging.IMessageHandler) error {
	if !t.registry.Add(topic, handler) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	return t.consume(topic)
}

// Start 连接、确保流存在并为已登记主题建立消费者
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("nats transport already running")
	}
	if err := t.connect(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return err
	}
	for _, topic := range t.registry.Topics() {
		if err := t.consume(topic); err != nil {
			return err
		}
	}
	t.running = true
	return nil
}

// Close Drain 全部订阅，仅关闭自己建立的连接
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	for topic, sub := range t.subs {
		if err := sub.Drain(); err != nil {
			t.logger.Warn(context.Background(), "drain subscription failed",
				logging.String("topic", topic), logging.Error(err))
		}
	}
	clear(t.subs)
	if t.conn != nil && t.conn != t.cfg.Conn {
		t.conn.Close()
	}
	t.conn, t.js = nil, nil
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	return t.registry.Stats(running)
}

func (t *Transport) connect() error {
	if t.js != nil {
		return nil
	}
	conn := t.cfg.Conn
	if conn == nil {
		url := t.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		var err error
		if conn, err = nats.Connect(url, nats.Name(t.cfg.DurablePrefix)); err != nil {
			return err
		}
	}
	js, err := conn.JetStream()
	if err != nil {
		if conn != t.cfg.Conn {
			conn.Close()
		}
		return err
	}
	t.conn, t.js = conn, js
	return nil
}

// ensureStream 使用 limits 策略：同一主题可能被多个消费组（编排器、各参与方）消费
func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:       t.cfg.Stream,
		Subjects:   []string{t.cfg.SubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		Duplicates: t.cfg.DuplicateWindow,
	})
	return err
}

func (t *Transport) consume(topic string) error {
	if _, ok := t.subs[topic]; ok {
		return nil
	}
	durable := durableName(t.cfg.DurablePrefix, topic)
	sub, err := t.js.QueueSubscribe(t.subjectName(topic), durable, t.onMessage(topic),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.DeliverAll(),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxDeliver(t.cfg.MaxDeliver),
		nats.MaxAckPending(t.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	t.subs[topic] = sub
	return nil
}

func (t *Transport) onMessage(topic string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx := context.Background()
		decoded, err := messaging.DecodeEnvelope(msg.Data)
		if err != nil {
			t.logger.Error(ctx, "decode nats message failed, terminating",
				logging.String("subject", msg.Subject), logging.Error(err))
			_ = msg.Term()
			return
		}
		if decoded.Type == "" {
			decoded.Type = topic
		}

		if err := t.registry.Dispatch(ctx, decoded); err != nil {
			if nakErr := msg.NakWithDelay(t.cfg.NakDelay); nakErr != nil {
				t.logger.Warn(ctx, "nats nak failed", logging.Error(nakErr))
			}
			return
		}
		if err := msg.Ack(); err != nil {
			t.logger.Warn(ctx, "nats ack failed", logging.Error(err))
		}
	}
}

func (t *Transport) subjectName(topic string) string {
	return t.cfg.SubjectPrefix + topic
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// durableName durable 名称不允许包含 '.'、'*'、'>'
func durableName(prefix, topic string) string {
	return durableReplacer.Replace(prefix + "-" + topic)
}
