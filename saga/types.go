// Package saga 定义下单 saga 的领域模型：步骤、状态、订单快照、实例与决策表
package saga

import (
	"encoding/json"
	"fmt"
)

// Step saga 步骤
type Step string

const (
	StepNone    Step = ""
	StepProduct Step = "PRODUCT"
	StepCoupon  Step = "COUPON"
	StepUser    Step = "USER"
	StepPayment Step = "PAYMENT"
)

// AllSteps 全部步骤，按正向执行顺序
var AllSteps = []Step{StepProduct, StepCoupon, StepUser, StepPayment}

// Valid 是否为已知步骤
func (s Step) Valid() bool {
	switch s {
	case StepProduct, StepCoupon, StepUser, StepPayment:
		return true
	}
	return false
}

// Status saga 状态
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusCompensating Status = "COMPENSATING"
	StatusFinished     Status = "FINISHED"
	StatusFailed       Status = "FAILED"
)

// IsTerminal FINISHED 与 FAILED 为终态
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// ParseStatus 解析状态名
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusStarted, StatusCompensating, StatusFinished, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown saga status %q", s)
}

// Item 订单行，消息中写作 {variantId, quantity}
type Item struct {
	ProductVariantID int64 `json:"variantId"`
	Quantity         int   `json:"quantity"`
}

// UnmarshalJSON 同时接受 variantId 与快照中的 productVariantId，前者优先
func (it *Item) UnmarshalJSON(data []byte) error {
	var raw struct {
		VariantID        *int64 `json:"variantId"`
		ProductVariantID *int64 `json:"productVariantId"`
		Quantity         int    `json:"quantity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*it = Item{Quantity: raw.Quantity}
	switch {
	case raw.VariantID != nil:
		it.ProductVariantID = *raw.VariantID
	case raw.ProductVariantID != nil:
		it.ProductVariantID = *raw.ProductVariantID
	}
	return nil
}

// Payload 下单时的不可变快照，决定哪些步骤需要执行
type Payload struct {
	userID     int64
	couponID   *int64
	useToPoint int64
	items      []Item
}

// NewPayload 校验并构造快照，items 会被复制
func NewPayload(userID int64, couponID *int64, useToPoint int64, items []Item) (Payload, error) {
	if userID <= 0 {
		return Payload{}, fmt.Errorf("%w: user id must be positive", ErrInvalidPayload)
	}
	if useToPoint < 0 {
		return Payload{}, fmt.Errorf("%w: points must not be negative", ErrInvalidPayload)
	}
	if len(items) == 0 {
		return Payload{}, fmt.Errorf("%w: at least one item required", ErrInvalidPayload)
	}
	for _, it := range items {
		if it.ProductVariantID <= 0 || it.Quantity <= 0 {
			return Payload{}, fmt.Errorf("%w: item %d has quantity %d", ErrInvalidPayload, it.ProductVariantID, it.Quantity)
		}
	}
	p := Payload{userID: userID, useToPoint: useToPoint, items: append([]Item(nil), items...)}
	if couponID != nil {
		id := *couponID
		p.couponID = &id
	}
	return p, nil
}

func (p Payload) UserID() int64     { return p.userID }
func (p Payload) UseToPoint() int64 { return p.useToPoint }

// CouponID 返回优惠券 ID 及是否存在
func (p Payload) CouponID() (int64, bool) {
	if p.couponID == nil {
		return 0, false
	}
	return *p.couponID, true
}

// Items 返回订单行副本
func (p Payload) Items() []Item {
	return append([]Item(nil), p.items...)
}

func (p Payload) HasCoupon() bool { return p.couponID != nil }
func (p Payload) HasPoints() bool { return p.useToPoint > 0 }

// payloadJSON 持久化的快照格式，订单行写作 {productVariantId, quantity}
type payloadJSON struct {
	UserID     int64          `json:"userId"`
	CouponID   *int64         `json:"couponId,omitempty"`
	UseToPoint int64          `json:"useToPoint"`
	Items      []snapshotItem `json:"items"`
}

type snapshotItem struct {
	ProductVariantID int64 `json:"productVariantId"`
	Quantity         int   `json:"quantity"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	items := make([]snapshotItem, len(p.items))
	for i, it := range p.items {
		items[i] = snapshotItem(it)
	}
	return json.Marshal(payloadJSON{UserID: p.userID, CouponID: p.couponID, UseToPoint: p.useToPoint, Items: items})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw payloadJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	items := make([]Item, len(raw.Items))
	for i, it := range raw.Items {
		items[i] = Item(it)
	}
	decoded, err := NewPayload(raw.UserID, raw.CouponID, raw.UseToPoint, items)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}
