package saga

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ordersaga/validation"
)

// MaxOrderNoLength 与 saga_instances.order_no 列宽一致
const MaxOrderNoLength = 64

// 主题名称（传输层另加前缀）
const (
	TopicStart            = "saga.start"
	TopicPaymentRequested = "saga.payment.requested"
	TopicPaymentResult    = "saga.payment.result"
	TopicOrderFinished    = "order.saga.finished"
	TopicOrderFailed      = "order.saga.failed"
)

var (
	commandTopics = map[Step]string{
		StepProduct: "saga.product.command",
		StepCoupon:  "saga.coupon.command",
		StepUser:    "saga.user.command",
	}
	replyTopics = map[Step]string{
		StepProduct: "saga.product.reply",
		StepCoupon:  "saga.coupon.reply",
		StepUser:    "saga.user.reply",
	}
)

// CommandTopic 参与方命令主题，PAYMENT 没有命令主题
func CommandTopic(step Step) (string, error) {
	if t, ok := commandTopics[step]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: no command topic for %q", ErrUnknownStep, step)
}

// ReplyTopic 参与方回复主题
func ReplyTopic(step Step) (string, error) {
	if t, ok := replyTopics[step]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: no reply topic for %q", ErrUnknownStep, step)
}

// ReplyTopics 编排器需要订阅的全部回复主题
func ReplyTopics() []string {
	return []string{replyTopics[StepProduct], replyTopics[StepCoupon], replyTopics[StepUser]}
}

// MessageKey 所有 saga 消息以 saga ID 作为分区键
func MessageKey(sagaID int64) string {
	return strconv.FormatInt(sagaID, 10)
}

// CommandType 参与方命令类型
type CommandType string

const (
	CmdDeductStock  CommandType = "DEDUCT_STOCK"
	CmdRestoreStock CommandType = "RESTORE_STOCK"
	CmdUseCoupon    CommandType = "USE_COUPON"
	CmdCancelCoupon CommandType = "CANCEL_USE"
	CmdUsePoint     CommandType = "USE_POINT"
	CmdRefundPoint  CommandType = "REFUND_POINT"
)

// PointReasonOrderDiscount 积分扣减原因
const PointReasonOrderDiscount = "ORDER_DISCOUNT"

type commandInfo struct {
	step         Step
	compensation bool
	counterpart  CommandType
}

var commandTable = map[CommandType]commandInfo{
	CmdDeductStock:  {StepProduct, false, CmdRestoreStock},
	CmdRestoreStock: {StepProduct, true, CmdDeductStock},
	CmdUseCoupon:    {StepCoupon, false, CmdCancelCoupon},
	CmdCancelCoupon: {StepCoupon, true, CmdUseCoupon},
	CmdUsePoint:     {StepUser, false, CmdRefundPoint},
	CmdRefundPoint:  {StepUser, true, CmdUsePoint},
}

// Valid 是否为已知命令
func (c CommandType) Valid() bool {
	_, ok := commandTable[c]
	return ok
}

// Step 命令所属步骤
func (c CommandType) Step() Step {
	return commandTable[c].step
}

// IsCompensation 是否为补偿命令
func (c CommandType) IsCompensation() bool {
	return commandTable[c].compensation
}

// Counterpart 正向命令返回其补偿命令，补偿命令返回其正向命令
func (c CommandType) Counterpart() CommandType {
	return commandTable[c].counterpart
}

// ForwardCommand 步骤的正向命令
func ForwardCommand(step Step) (CommandType, error) {
	switch step {
	case StepProduct:
		return CmdDeductStock, nil
	case StepCoupon:
		return CmdUseCoupon, nil
	case StepUser:
		return CmdUsePoint, nil
	}
	return "", fmt.Errorf("%w: no forward command for %q", ErrUnknownStep, step)
}

// CompensationCommand 步骤的补偿命令
func CompensationCommand(step Step) (CommandType, error) {
	fwd, err := ForwardCommand(step)
	if err != nil {
		return "", err
	}
	return fwd.Counterpart(), nil
}

// Command 发往参与方的命令
//
// 按步骤只填写相关字段：库存命令带 Items，优惠券命令带 CouponID，积分命令带 Amount。
type Command struct {
	Type      CommandType `json:"type"`
	SagaID    int64       `json:"sagaId"`
	OrderNo   string      `json:"orderNo"`
	UserID    int64       `json:"userId"`
	Items     []Item      `json:"items,omitempty"`
	CouponID  int64       `json:"couponId,omitempty"`
	Amount    int64       `json:"amount,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// BuildCommand 根据实例快照构造命令
func BuildCommand(inst *Instance, cmdType CommandType, now time.Time) (Command, error) {
	if !cmdType.Valid() {
		return Command{}, fmt.Errorf("%w: command %q", ErrUnknownStep, cmdType)
	}
	cmd := Command{
		Type:      cmdType,
		SagaID:    inst.ID,
		OrderNo:   inst.OrderNo,
		UserID:    inst.Payload.UserID(),
		Timestamp: now.UTC(),
	}
	switch cmdType.Step() {
	case StepProduct:
		cmd.Items = inst.Payload.Items()
	case StepCoupon:
		cmd.CouponID, _ = inst.Payload.CouponID()
	case StepUser:
		cmd.Amount = inst.Payload.UseToPoint()
		if !cmdType.IsCompensation() {
			cmd.Reason = PointReasonOrderDiscount
		}
	}
	return cmd, nil
}

// ReplyStatus 参与方回复状态
type ReplyStatus string

const (
	ReplySuccess ReplyStatus = "SUCCESS"
	ReplyFail    ReplyStatus = "FAIL"
)

// StepReply 参与方执行结果
type StepReply struct {
	SagaID        int64       `json:"sagaId"`
	OrderNo       string      `json:"orderNo"`
	Step          Step        `json:"step"`
	CommandType   CommandType `json:"commandType"`
	Status        ReplyStatus `json:"status"`
	ErrorCode     string      `json:"errorCode,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
}

// StartCommand 启动 saga 的请求
type StartCommand struct {
	OrderID    int64  `json:"orderId"`
	OrderNo    string `json:"orderNo"`
	UserID     int64  `json:"userId"`
	CouponID   *int64 `json:"couponId,omitempty"`
	UseToPoint int64  `json:"pointsToUse"`
	Items      []Item `json:"items"`
}

// UnmarshalJSON 积分字段以 pointsToUse 为准，缺省时接受快照命名 useToPoint
func (c *StartCommand) UnmarshalJSON(data []byte) error {
	type plain StartCommand
	var raw struct {
		plain
		PointsToUse *int64 `json:"pointsToUse"`
		UseToPoint  *int64 `json:"useToPoint"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = StartCommand(raw.plain)
	switch {
	case raw.PointsToUse != nil:
		c.UseToPoint = *raw.PointsToUse
	case raw.UseToPoint != nil:
		c.UseToPoint = *raw.UseToPoint
	}
	return nil
}

// Validate 校验订单标识与可选字段，订单快照本身由 NewPayload 校验
func (c StartCommand) Validate() error {
	err := validation.First(
		validation.ValidateID(c.OrderID, "orderId"),
		validation.ValidateRequired(c.OrderNo, "orderNo"),
		validation.ValidateStringLength(c.OrderNo, "orderNo", 1, MaxOrderNoLength),
		validation.ValidateOptionalID(c.CouponID, "couponId"),
		validation.ValidateNonNegative(c.UseToPoint, "pointsToUse"),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// PaymentRequested 全部资源已锁定，请求支付
type PaymentRequested struct {
	SagaID     int64     `json:"sagaId"`
	OrderID    int64     `json:"orderId"`
	OrderNo    string    `json:"orderNo"`
	UserID     int64     `json:"userId"`
	Items      []Item    `json:"items"`
	CouponID   *int64    `json:"couponId,omitempty"`
	UsedPoints int64     `json:"usedPoints"`
	Timestamp  time.Time `json:"timestamp"`
}

// PaymentResult 支付结果
type PaymentResult struct {
	SagaID        int64       `json:"sagaId"`
	OrderNo       string      `json:"orderNo"`
	Status        ReplyStatus `json:"status"`
	ErrorCode     string      `json:"errorCode,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
}

// OrderSagaResult 订单最终结果通知
type OrderSagaResult struct {
	SagaID        int64     `json:"sagaId"`
	OrderID       int64     `json:"orderId"`
	OrderNo       string    `json:"orderNo"`
	UserID        int64     `json:"userId"`
	Status        Status    `json:"status"`
	FailureCode   string    `json:"failureCode,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// 订单失败码
const (
	FailureOutOfStock    = "OUT_OF_STOCK"
	FailureInvalidCoupon = "INVALID_COUPON"
	FailurePointShortage = "POINT_SHORTAGE"
	FailureTimeout       = "TIMEOUT"
	FailureUnknown       = "UNKNOWN"
)

// MapFailureCode 将 saga 失败原因映射为对外的订单失败码
func MapFailureCode(reason string) string {
	switch reason {
	case "OUT_OF_STOCK":
		return FailureOutOfStock
	case "INVALID_COUPON":
		return FailureInvalidCoupon
	case "INSUFFICIENT_POINT", "INSUFFICIENT_POINTS":
		return FailurePointShortage
	case "TIMEOUT":
		return FailureTimeout
	default:
		return FailureUnknown
	}
}
