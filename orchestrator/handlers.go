package orchestrator

import (
	"context"
	"fmt"

	"ordersaga/saga"
)

// StepHandler 单个步骤的执行与补偿
//
// Process 发出正向命令，Compensate 发出补偿命令；两者都只负责发送，
// 结果通过回复消息异步回到 Manager。
type StepHandler interface {
	Step() saga.Step
	Process(ctx context.Context, inst *saga.Instance) error
	Compensate(ctx context.Context, inst *saga.Instance) error
}

// commandHandler 通过命令主题驱动参与方的步骤
type commandHandler struct {
	step       saga.Step
	forward    saga.CommandType
	compensate saga.CommandType
	producer   *EventProducer
}

func newCommandHandler(step saga.Step, producer *EventProducer) *commandHandler {
	forward, _ := saga.ForwardCommand(step)
	return &commandHandler{step: step, forward: forward, compensate: forward.Counterpart(), producer: producer}
}

// NewProductHandler 库存：DEDUCT_STOCK / RESTORE_STOCK
func NewProductHandler(producer *EventProducer) StepHandler {
	return newCommandHandler(saga.StepProduct, producer)
}

// NewCouponHandler 优惠券：USE_COUPON / CANCEL_USE
func NewCouponHandler(producer *EventProducer) StepHandler {
	return newCommandHandler(saga.StepCoupon, producer)
}

// NewUserHandler 积分：USE_POINT / REFUND_POINT
func NewUserHandler(producer *EventProducer) StepHandler {
	return newCommandHandler(saga.StepUser, producer)
}

func (h *commandHandler) Step() saga.Step { return h.step }

func (h *commandHandler) Process(ctx context.Context, inst *saga.Instance) error {
	return h.producer.SendCommand(ctx, inst, h.forward)
}

func (h *commandHandler) Compensate(ctx context.Context, inst *saga.Instance) error {
	return h.producer.SendCommand(ctx, inst, h.compensate)
}

// paymentHandler 资源锁定完成后请求支付，支付本身没有补偿动作
type paymentHandler struct {
	producer *EventProducer
}

// NewPaymentHandler 支付步骤
func NewPaymentHandler(producer *EventProducer) StepHandler {
	return &paymentHandler{producer: producer}
}

func (h *paymentHandler) Step() saga.Step { return saga.StepPayment }

func (h *paymentHandler) Process(ctx context.Context, inst *saga.Instance) error {
	return h.producer.RequestPayment(ctx, inst)
}

func (h *paymentHandler) Compensate(ctx context.Context, inst *saga.Instance) error {
	return nil
}

// DefaultHandlers 四个步骤的标准处理器
func DefaultHandlers(producer *EventProducer) []StepHandler {
	return []StepHandler{
		NewProductHandler(producer),
		NewCouponHandler(producer),
		NewUserHandler(producer),
		NewPaymentHandler(producer),
	}
}

// Registry 步骤到处理器的固定映射
type Registry struct {
	handlers map[saga.Step]StepHandler
}

// NewRegistry 注册处理器，缺少任一步骤或重复注册都会失败
func NewRegistry(handlers ...StepHandler) (*Registry, error) {
	r := &Registry{handlers: make(map[saga.Step]StepHandler, len(handlers))}
	for _, h := range handlers {
		step := h.Step()
		if !step.Valid() {
			return nil, fmt.Errorf("%w: handler for %q", saga.ErrUnknownStep, step)
		}
		if _, dup := r.handlers[step]; dup {
			return nil, fmt.Errorf("duplicate handler for step %s", step)
		}
		r.handlers[step] = h
	}
	for _, step := range saga.AllSteps {
		if _, ok := r.handlers[step]; !ok {
			return nil, fmt.Errorf("no handler registered for step %s", step)
		}
	}
	return r, nil
}

// Get 查找处理器
func (r *Registry) Get(step saga.Step) (StepHandler, error) {
	h, ok := r.handlers[step]
	if !ok {
		return nil, fmt.Errorf("%w: %q", saga.ErrUnknownStep, step)
	}
	return h, nil
}
