package orchestrator

import (
	"context"
	"errors"

	"ordersaga/logging"
	"ordersaga/messaging"
	"ordersaga/saga"
)

// Subscriber 订阅接口，由 messaging.MessageBus 实现
type Subscriber interface {
	Subscribe(topic string, handler messaging.IMessageHandler) error
}

// Listener 把回复、支付结果和启动请求翻译为 Manager 调用
//
// Manager 返回错误时消息不确认，由 broker 重投；无法解码的消息记录后确认。
type Listener struct {
	manager *Manager
	logger  logging.Logger
}

// NewListener 创建监听器
func NewListener(manager *Manager) *Listener {
	return &Listener{manager: manager, logger: logging.ComponentLogger("saga.listener")}
}

// Register 订阅编排器关心的全部主题
func (l *Listener) Register(sub Subscriber) error {
	for _, topic := range saga.ReplyTopics() {
		if err := sub.Subscribe(topic, messaging.NewHandler("saga.reply", l.HandleReply)); err != nil {
			return err
		}
	}
	if err := sub.Subscribe(saga.TopicPaymentResult, messaging.NewHandler("saga.payment", l.HandlePaymentResult)); err != nil {
		return err
	}
	return sub.Subscribe(saga.TopicStart, messaging.NewHandler("saga.start", l.HandleStart))
}

// HandleReply 处理参与方回复
func (l *Listener) HandleReply(ctx context.Context, msg messaging.IMessage) error {
	var reply saga.StepReply
	if err := messaging.Decode(msg, &reply); err != nil {
		l.logger.Error(ctx, "丢弃无法解码的回复", logging.String("message_id", msg.GetID()), logging.Error(err))
		return nil
	}
	if !reply.CommandType.Valid() {
		l.logger.Error(ctx, "丢弃未知命令类型的回复",
			logging.SagaID(reply.SagaID), logging.String("command", string(reply.CommandType)))
		return nil
	}
	step := reply.CommandType.Step()
	if reply.Step != "" && reply.Step != step {
		l.logger.Warn(ctx, "回复步骤与命令类型不一致，以命令类型为准",
			logging.SagaID(reply.SagaID), logging.String("step", string(reply.Step)),
			logging.String("command", string(reply.CommandType)))
	}

	switch {
	case reply.CommandType.IsCompensation() && reply.Status == saga.ReplySuccess:
		return l.manager.OnCompensationAcked(ctx, reply.SagaID, step)
	case reply.CommandType.IsCompensation():
		return l.manager.OnCompensationFailed(ctx, reply.SagaID, step, reply.ErrorCode, reply.FailureReason)
	case reply.Status == saga.ReplySuccess:
		return l.manager.OnStepSucceeded(ctx, reply.SagaID, step)
	default:
		return l.manager.OnStepFailed(ctx, reply.SagaID, step, reply.ErrorCode, reply.FailureReason)
	}
}

// HandlePaymentResult 处理支付结果
func (l *Listener) HandlePaymentResult(ctx context.Context, msg messaging.IMessage) error {
	var result saga.PaymentResult
	if err := messaging.Decode(msg, &result); err != nil {
		l.logger.Error(ctx, "丢弃无法解码的支付结果", logging.String("message_id", msg.GetID()), logging.Error(err))
		return nil
	}
	if result.Status == saga.ReplySuccess {
		return l.manager.OnStepSucceeded(ctx, result.SagaID, saga.StepPayment)
	}
	return l.manager.OnStepFailed(ctx, result.SagaID, saga.StepPayment, result.ErrorCode, result.FailureReason)
}

// HandleStart 处理启动请求，重复订单号视为已处理
func (l *Listener) HandleStart(ctx context.Context, msg messaging.IMessage) error {
	var cmd saga.StartCommand
	if err := messaging.Decode(msg, &cmd); err != nil {
		l.logger.Error(ctx, "丢弃无法解码的启动请求", logging.String("message_id", msg.GetID()), logging.Error(err))
		return nil
	}
	_, err := l.manager.StartSaga(ctx, cmd)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, saga.ErrSagaAlreadyExists):
		l.logger.Info(ctx, "订单的 saga 已存在，忽略重复启动", logging.OrderNo(cmd.OrderNo))
		return nil
	case errors.Is(err, saga.ErrInvalidPayload):
		l.logger.Error(ctx, "拒绝不合法的启动请求", logging.OrderNo(cmd.OrderNo), logging.Error(err))
		return nil
	default:
		return err
	}
}
