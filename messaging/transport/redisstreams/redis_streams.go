package redisstreams

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ordersaga/logging"
	"ordersaga/messaging"
)

// client 用到的 go-redis 命令子集
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	Close() error
}

// Config Redis Streams 传输配置，零值字段取默认值
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Password     string
	DB           int
	StreamPrefix string
	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	Logger       logging.Logger

	// ClaimMinIdle 未确认消息空闲超过该时长后被重新认领处理
	ClaimMinIdle time.Duration
	// PendingCheckInterval 周期性扫描 pending 列表的间隔
	PendingCheckInterval time.Duration
	// MaxDeliveries 超过该投递次数的消息写入 <stream>:dlq 并确认，0 表示不限制
	MaxDeliveries int64

	MinReadBackoff time.Duration
	MaxReadBackoff time.Duration
}

// Transport 基于 Redis Streams 消费组的 messaging.Transport
//
// 全部处理器成功才 XACK；失败的条目留在消费组 pending 列表，空闲超过
// ClaimMinIdle 后被 XCLAIM 重新处理。
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	registry *messaging.HandlerRegistry
	readers  map[string]bool

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (c *Config) applyDefaults() {
	setDefault(&c.StreamPrefix, "ordersaga:")
	setDefault(&c.GroupName, "ordersaga")
	setDefault(&c.ConsumerName, "consumer-"+uuid.NewString())
	setDefault(&c.BlockTimeout, 5*time.Second)
	setDefault(&c.ReadCount, 10)
	setDefault(&c.ClaimMinIdle, 30*time.Second)
	setDefault(&c.PendingCheckInterval, c.ClaimMinIdle)
	setDefault(&c.MinReadBackoff, 100*time.Millisecond)
	setDefault(&c.MaxReadBackoff, 5*time.Second)
	if c.Logger == nil {
		c.Logger = logging.ComponentLogger("transport.redisstreams")
	}
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// NewTransport 未传 Client 时按 Addr 建立并持有连接
func NewTransport(cfg Config) (*Transport, error) {
	cfg.applyDefaults()

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis client not configured")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		own = true
	}

	return &Transport{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    cfg.Logger,
		registry:  messaging.NewHandlerRegistry(),
		readers:   make(map[string]bool),
	}, nil
}

// Publish XADD 到主题对应的流
func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	values, err := encodeMessage(message)
	if err != nil {
		return err
	}
	return t.client.XAdd(ctx, &redis.XAddArgs{Stream: t.streamName(message.GetType()), Values: values}).Err()
}

// Subscribe 运行中订阅新主题会立即启动该流的读取协程
func (t *Transport) Subscribe(topic string, handler messaging.IMessageHandler) error {
	if !t.registry.Add(topic, handler) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.startReaderLocked(topic)
	}
	return nil
}

// Start 为每个已登记主题启动读取协程
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("redis streams transport already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	for _, topic := range t.registry.Topics() {
		t.startReaderLocked(topic)
	}
	t.running = true
	return nil
}

// Close 停止读取协程，仅关闭自己建立的客户端
func (t *Transport) Close() error {
	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if wasRunning && cancel != nil {
		cancel()
		t.wg.Wait()
	}
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	return t.registry.Stats(running)
}

func (t *Transport) startReaderLocked(topic string) {
	if t.readers[topic] {
		return
	}
	t.readers[topic] = true
	t.wg.Add(1)
	go t.readLoop(topic)
}

func (t *Transport) readLoop(topic string) {
	defer t.wg.Done()
	ctx := t.ctx
	stream := t.streamName(topic)
	if err := t.ensureGroup(ctx, stream); err != nil {
		t.logger.Warn(ctx, "ensure group failed", logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	lastPendingCheck := time.Now()
	backoff := t.cfg.MinReadBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		if time.Since(lastPendingCheck) >= t.cfg.PendingCheckInterval {
			t.reclaimPending(ctx, stream)
			lastPendingCheck = time.Now()
		}
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			t.logger.Warn(ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, t.cfg.MaxReadBackoff)
			continue
		}
		backoff = t.cfg.MinReadBackoff
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				t.process(ctx, streamRes.Stream, entry)
			}
		}
	}
}

// process 处理单个条目，成功才确认
func (t *Transport) process(ctx context.Context, stream string, entry redis.XMessage) {
	msg, err := decodeMessage(entry)
	if err != nil {
		t.logger.Error(ctx, "decode redis stream entry failed, moving to dlq",
			logging.String("stream", stream), logging.String("entry_id", entry.ID), logging.Error(err))
		t.deadLetter(ctx, stream, entry, err.Error())
		return
	}
	if err := t.registry.Dispatch(ctx, msg); err != nil {
		return
	}
	if ackErr := t.client.XAck(ctx, stream, t.cfg.GroupName, entry.ID).Err(); ackErr != nil {
		t.logger.Warn(ctx, "xack failed", logging.String("entry_id", entry.ID), logging.Error(ackErr))
	}
}

// reclaimPending 认领空闲超过 ClaimMinIdle 的条目；超过 MaxDeliveries 的转入死信流
func (t *Transport) reclaimPending(ctx context.Context, stream string) {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  t.cfg.GroupName,
		Start:  "-",
		End:    "+",
		Count:  t.cfg.ReadCount,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn(ctx, "xpending failed", logging.String("stream", stream), logging.Error(err))
		}
		return
	}

	ids := make([]string, 0, len(pending))
	exhausted := make(map[string]int64)
	for _, p := range pending {
		if p.Idle < t.cfg.ClaimMinIdle {
			continue
		}
		ids = append(ids, p.ID)
		if t.cfg.MaxDeliveries > 0 && p.RetryCount >= t.cfg.MaxDeliveries {
			exhausted[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return
	}

	claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		MinIdle:  t.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		t.logger.Warn(ctx, "xclaim failed", logging.String("stream", stream), logging.Error(err))
		return
	}
	for _, entry := range claimed {
		if deliveries, ok := exhausted[entry.ID]; ok {
			t.deadLetter(ctx, stream, entry, "max deliveries exceeded: "+strconv.FormatInt(deliveries, 10))
			continue
		}
		t.process(ctx, stream, entry)
	}
}

func (t *Transport) deadLetter(ctx context.Context, stream string, entry redis.XMessage, reason string) {
	values := make(map[string]any, len(entry.Values)+3)
	for k, v := range entry.Values {
		values[k] = v
	}
	values["dlq_reason"] = reason
	values["dlq_entry_id"] = entry.ID
	values["dlq_group"] = t.cfg.GroupName
	if err := t.client.XAdd(ctx, &redis.XAddArgs{Stream: stream + ":dlq", Values: values}).Err(); err != nil {
		t.logger.Error(ctx, "xadd dlq failed", logging.String("stream", stream), logging.Error(err))
		return
	}
	t.logger.Error(ctx, "message moved to dlq",
		logging.String("stream", stream),
		logging.String("entry_id", entry.ID),
		logging.String("reason", reason))
	_ = t.client.XAck(ctx, stream, t.cfg.GroupName, entry.ID).Err()
}

func (t *Transport) ensureGroup(ctx context.Context, stream string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, t.cfg.GroupName, "0").Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func (t *Transport) streamName(topic string) string {
	return t.cfg.StreamPrefix + topic
}

// 流条目字段：type 便于 XRANGE 排查，envelope 与 NATS 共用同一 JSON 外壳
const (
	fieldType     = "type"
	fieldEnvelope = "envelope"
)

func encodeMessage(msg messaging.IMessage) (map[string]any, error) {
	env, err := messaging.EncodeEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return map[string]any{fieldType: msg.GetType(), fieldEnvelope: string(env)}, nil
}

// decodeMessage 外壳缺少 ID 时以条目 ID 代替，缺少 type 时取 type 字段
func decodeMessage(entry redis.XMessage) (*messaging.Message, error) {
	raw, _ := entry.Values[fieldEnvelope].(string)
	if raw == "" {
		return nil, fmt.Errorf("entry %s: missing %s field", entry.ID, fieldEnvelope)
	}
	msg, err := messaging.DecodeEnvelope([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", entry.ID, err)
	}
	if msg.Type == "" {
		msg.Type, _ = entry.Values[fieldType].(string)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("entry %s: no type", entry.ID)
	}
	if msg.ID == "" {
		msg.ID = entry.ID
	}
	return msg, nil
}
