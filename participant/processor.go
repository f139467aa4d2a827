package participant

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "ordersaga/errors"
	"ordersaga/logging"
	"ordersaga/messaging"
	"ordersaga/metrics"
	"ordersaga/patterns/retry"
	"ordersaga/saga"
)

// Executor 幂等命令执行接口
type Executor interface {
	Step() saga.Step
	Execute(ctx context.Context, cmd saga.Command) (alreadyProcessed bool, err error)
}

// Processor 消费命令主题并回复编排器
//
// 正向命令：成功或重复回复 SUCCESS，业务失败回复 FAIL，系统错误返回 error 由 broker 重投。
// 补偿命令：系统错误先有限重试，仍失败则记录并返回 error 等待重投。
type Processor struct {
	executor  Executor
	publisher messaging.IPublisher
	metrics   *metrics.Metrics
	logger    logging.Logger
	retry     retry.Config
}

// ProcessorOption 处理器选项
type ProcessorOption func(*Processor)

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithCompensationRetry 设置补偿命令的重试策略
func WithCompensationRetry(cfg retry.Config) ProcessorOption {
	return func(p *Processor) { p.retry = cfg }
}

// WithLogger 设置日志
func WithLogger(logger logging.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// NewProcessor 创建处理器
func NewProcessor(executor Executor, publisher messaging.IPublisher, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:  executor,
		publisher: publisher,
		logger:    logging.ComponentLogger("participant.processor"),
		retry:     retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retry.Retryable = func(err error) bool { return !apperrors.IsBusiness(err) }
	return p
}

// Topic 订阅的命令主题
func (p *Processor) Topic() string {
	topic, _ := saga.CommandTopic(p.executor.Step())
	return topic
}

// Type 实现 messaging.IMessageHandler
func (p *Processor) Type() string {
	return "participant." + strings.ToLower(string(p.executor.Step()))
}

// Handle 实现 messaging.IMessageHandler
func (p *Processor) Handle(ctx context.Context, msg messaging.IMessage) error {
	var cmd saga.Command
	if err := messaging.Decode(msg, &cmd); err != nil {
		// 无法解码的消息重投也无法处理，记录后确认
		p.logger.Error(ctx, "丢弃无法解码的命令", logging.String("message_id", msg.GetID()), logging.Error(err))
		p.metrics.CommandOutcome("unknown", "malformed")
		return nil
	}
	if !cmd.Type.Valid() || cmd.Type.Step() != p.executor.Step() {
		p.logger.Error(ctx, "丢弃不属于本服务的命令",
			logging.SagaID(cmd.SagaID), logging.String("command", string(cmd.Type)))
		p.metrics.CommandOutcome(string(cmd.Type), "malformed")
		return nil
	}

	if cmd.Type.IsCompensation() {
		return p.compensate(ctx, msg, cmd)
	}
	return p.forward(ctx, msg, cmd)
}

func (p *Processor) forward(ctx context.Context, msg messaging.IMessage, cmd saga.Command) error {
	duplicate, err := p.executor.Execute(ctx, cmd)
	switch {
	case err == nil:
		p.recordOutcome(cmd, duplicate)
		return p.reply(ctx, msg, cmd, nil)
	case apperrors.IsBusiness(err):
		p.metrics.CommandOutcome(string(cmd.Type), "business_failure")
		p.logger.Info(ctx, "命令业务失败",
			logging.SagaID(cmd.SagaID), logging.OrderNo(cmd.OrderNo),
			logging.String("command", string(cmd.Type)), logging.Any("details", apperrors.DetailsOf(err)),
			logging.Error(err))
		return p.reply(ctx, msg, cmd, err)
	default:
		p.metrics.CommandOutcome(string(cmd.Type), "system_error")
		return fmt.Errorf("execute %s for saga %d: %w", cmd.Type, cmd.SagaID, err)
	}
}

func (p *Processor) compensate(ctx context.Context, msg messaging.IMessage, cmd saga.Command) error {
	var duplicate bool
	cfg := p.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.logger.Warn(ctx, "补偿执行失败，准备重试",
			logging.SagaID(cmd.SagaID), logging.String("command", string(cmd.Type)),
			logging.Int("attempt", attempt), logging.Duration("delay", delay), logging.Error(err))
	}
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var execErr error
		duplicate, execErr = p.executor.Execute(ctx, cmd)
		return execErr
	}, cfg)

	switch {
	case err == nil:
		p.recordOutcome(cmd, duplicate)
		return p.reply(ctx, msg, cmd, nil)
	case apperrors.IsBusiness(err):
		p.metrics.CommandOutcome(string(cmd.Type), "business_failure")
		p.metrics.CompensationFailed(string(cmd.Type.Step()))
		p.logger.Error(ctx, "补偿被业务规则拒绝，需要人工介入",
			logging.SagaID(cmd.SagaID), logging.OrderNo(cmd.OrderNo),
			logging.String("command", string(cmd.Type)), logging.Any("details", apperrors.DetailsOf(err)),
			logging.Error(err))
		return p.reply(ctx, msg, cmd, err)
	default:
		p.metrics.CommandOutcome(string(cmd.Type), "system_error")
		p.metrics.CompensationFailed(string(cmd.Type.Step()))
		p.logger.Error(ctx, "compensation requires intervention",
			logging.SagaID(cmd.SagaID), logging.OrderNo(cmd.OrderNo),
			logging.String("command", string(cmd.Type)), logging.Error(err))
		return fmt.Errorf("compensate %s for saga %d: %w", cmd.Type, cmd.SagaID, err)
	}
}

func (p *Processor) recordOutcome(cmd saga.Command, duplicate bool) {
	if duplicate {
		p.metrics.CommandOutcome(string(cmd.Type), "duplicate")
		return
	}
	p.metrics.CommandOutcome(string(cmd.Type), "applied")
}

func (p *Processor) reply(ctx context.Context, in messaging.IMessage, cmd saga.Command, failure error) error {
	topic, err := saga.ReplyTopic(cmd.Type.Step())
	if err != nil {
		return err
	}
	reply := saga.StepReply{
		SagaID:      cmd.SagaID,
		OrderNo:     cmd.OrderNo,
		Step:        cmd.Type.Step(),
		CommandType: cmd.Type,
		Status:      saga.ReplySuccess,
	}
	if failure != nil {
		reply.Status = saga.ReplyFail
		reply.ErrorCode = string(apperrors.GetErrorCode(failure))
		reply.FailureReason = failure.Error()
	}

	out, err := messaging.NewMessage(topic, saga.MessageKey(cmd.SagaID), reply)
	if err != nil {
		return err
	}
	if cid := in.GetMetadata()[messaging.MetaCorrelationID]; cid != "" {
		out.SetMetadata(messaging.MetaCorrelationID, cid)
	}
	if err := p.publisher.Publish(ctx, out); err != nil {
		// 返回错误让命令重投；执行器会识别为重复并再次回复
		return fmt.Errorf("publish %s reply for saga %d: %w", cmd.Type, cmd.SagaID, err)
	}
	return nil
}
