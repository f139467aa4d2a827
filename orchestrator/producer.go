package orchestrator

import (
	"context"
	"fmt"
	"time"

	"ordersaga/logging"
	"ordersaga/messaging"
	"ordersaga/metrics"
	"ordersaga/saga"
)

// EventProducer 将命令与通知序列化后发布，所有消息以 saga ID 为分区键
type EventProducer struct {
	publisher messaging.IPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewEventProducer 创建生产者，m 可以为 nil
func NewEventProducer(publisher messaging.IPublisher, m *metrics.Metrics) *EventProducer {
	return &EventProducer{publisher: publisher, metrics: m, now: time.Now}
}

// SendCommand 发布参与方命令
func (p *EventProducer) SendCommand(ctx context.Context, inst *saga.Instance, cmdType saga.CommandType) error {
	cmd, err := saga.BuildCommand(inst, cmdType, p.now())
	if err != nil {
		return err
	}
	topic, err := saga.CommandTopic(cmdType.Step())
	if err != nil {
		return err
	}
	if err := p.publish(ctx, topic, inst, cmd); err != nil {
		return err
	}
	direction := "forward"
	if cmdType.IsCompensation() {
		direction = "compensate"
	}
	p.metrics.StepDispatched(string(cmdType.Step()), direction)
	return nil
}

// RequestPayment 资源全部锁定，发布支付请求
func (p *EventProducer) RequestPayment(ctx context.Context, inst *saga.Instance) error {
	var couponID *int64
	if id, ok := inst.Payload.CouponID(); ok {
		couponID = &id
	}
	event := saga.PaymentRequested{
		SagaID:     inst.ID,
		OrderID:    inst.OrderID,
		OrderNo:    inst.OrderNo,
		UserID:     inst.Payload.UserID(),
		Items:      inst.Payload.Items(),
		CouponID:   couponID,
		UsedPoints: inst.Payload.UseToPoint(),
		Timestamp:  p.now().UTC(),
	}
	if err := p.publish(ctx, saga.TopicPaymentRequested, inst, event); err != nil {
		return err
	}
	p.metrics.StepDispatched(string(saga.StepPayment), "forward")
	return nil
}

// PublishResult 发布订单最终结果，实例必须处于终态
func (p *EventProducer) PublishResult(ctx context.Context, inst *saga.Instance) error {
	result := saga.OrderSagaResult{
		SagaID:    inst.ID,
		OrderID:   inst.OrderID,
		OrderNo:   inst.OrderNo,
		UserID:    inst.Payload.UserID(),
		Status:    inst.Status,
		Timestamp: p.now().UTC(),
	}
	var topic string
	switch inst.Status {
	case saga.StatusFinished:
		topic = saga.TopicOrderFinished
	case saga.StatusFailed:
		topic = saga.TopicOrderFailed
		result.FailureCode = saga.MapFailureCode(inst.FailureReason)
		result.FailureReason = inst.FailureReason
	default:
		return fmt.Errorf("%w: saga %d is %s", saga.ErrInvalidTransition, inst.ID, inst.Status)
	}
	return p.publish(ctx, topic, inst, result)
}

func (p *EventProducer) publish(ctx context.Context, topic string, inst *saga.Instance, payload any) error {
	msg, err := messaging.NewMessage(topic, saga.MessageKey(inst.ID), payload)
	if err != nil {
		return err
	}
	cid := logging.CorrelationIDFromContext(ctx)
	if cid == "" {
		cid = inst.OrderNo
	}
	msg.SetMetadata(messaging.MetaCorrelationID, cid)
	if err := p.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s for saga %d: %w", topic, inst.ID, err)
	}
	return nil
}
