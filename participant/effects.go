package participant

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	core "ordersaga/data/db"
	qb "ordersaga/data/db/sql"
	apperrors "ordersaga/errors"
	"ordersaga/saga"
)

// Effect 参与方的本地领域效果
//
// Apply 在执行器的事务内运行；业务失败返回带业务错误码的 AppError，
// 其他错误视为系统故障。
type Effect interface {
	Step() saga.Step
	Apply(ctx context.Context, tx core.ITransaction, cmd saga.Command) error
	Schema() []string
}

// Domains 全部参与方领域名，顺序与正向步骤一致
func Domains() []string {
	return []string{"product", "coupon", "user"}
}

// NewEffect 按领域名构造效果：product、coupon、user
func NewEffect(domain string) (Effect, error) {
	switch strings.ToLower(domain) {
	case "product", "stock":
		return StockEffect{}, nil
	case "coupon":
		return CouponEffect{Now: time.Now}, nil
	case "user", "point":
		return PointEffect{}, nil
	}
	return nil, fmt.Errorf("unknown participant domain %q", domain)
}

// StockEffect 商品库存扣减与恢复
type StockEffect struct{}

func (StockEffect) Step() saga.Step { return saga.StepProduct }

func (StockEffect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS product_variants (
			id BIGINT PRIMARY KEY,
			stock INTEGER NOT NULL CHECK (stock >= 0)
		)`,
	}
}

func (e StockEffect) Apply(ctx context.Context, tx core.ITransaction, cmd saga.Command) error {
	if len(cmd.Items) == 0 {
		return apperrors.NewBusinessError(apperrors.ErrCodeInvalidInput, "saga %d: no items", cmd.SagaID)
	}
	for _, item := range cmd.Items {
		if item.Quantity <= 0 {
			return apperrors.NewBusinessError(apperrors.ErrCodeInvalidInput,
				"variant %d: quantity %d", item.ProductVariantID, item.Quantity)
		}
		var err error
		switch cmd.Type {
		case saga.CmdDeductStock:
			err = e.deduct(ctx, tx, item)
		case saga.CmdRestoreStock:
			err = e.restore(ctx, tx, item)
		default:
			return unsupported(cmd)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (StockEffect) deduct(ctx context.Context, tx core.ITransaction, item saga.Item) error {
	n, err := affected(qb.New(tx).Update("product_variants").
		SetExpr("stock = stock - ?", item.Quantity).
		Where("id = ?", item.ProductVariantID).
		Where("stock >= ?", item.Quantity).
		Exec(ctx))
	if err != nil || n > 0 {
		return err
	}
	found, err := rowExists(ctx, tx, "product_variants", item.ProductVariantID)
	if err != nil {
		return err
	}
	if !found {
		return apperrors.NewBusinessError(apperrors.ErrCodeVariantNotFound, "variant %d not found", item.ProductVariantID).
			WithContext("variant_id", item.ProductVariantID)
	}
	return apperrors.NewBusinessError(apperrors.ErrCodeOutOfStock, "variant %d: insufficient stock for %d", item.ProductVariantID, item.Quantity).
		WithContext("variant_id", item.ProductVariantID).
		WithContext("quantity", item.Quantity)
}

func (StockEffect) restore(ctx context.Context, tx core.ITransaction, item saga.Item) error {
	n, err := affected(qb.New(tx).Update("product_variants").
		SetExpr("stock = stock + ?", item.Quantity).
		Where("id = ?", item.ProductVariantID).
		Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewBusinessError(apperrors.ErrCodeVariantNotFound, "variant %d not found", item.ProductVariantID)
	}
	return nil
}

// 优惠券状态
const (
	CouponAvailable = "AVAILABLE"
	CouponUsed      = "USED"
)

// CouponEffect 用户优惠券核销与撤销
type CouponEffect struct {
	Now func() time.Time
}

func (CouponEffect) Step() saga.Step { return saga.StepCoupon }

func (CouponEffect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS user_coupons (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL,
			expires_at BIGINT NOT NULL,
			used_at BIGINT
		)`,
	}
}

func (e CouponEffect) Apply(ctx context.Context, tx core.ITransaction, cmd saga.Command) error {
	if cmd.CouponID <= 0 {
		return apperrors.NewBusinessError(apperrors.ErrCodeInvalidCoupon, "saga %d: coupon id missing", cmd.SagaID)
	}
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}

	var update qb.IUpdateBuilder
	switch cmd.Type {
	case saga.CmdUseCoupon:
		update = qb.New(tx).Update("user_coupons").
			Set("status", CouponUsed).
			Set("used_at", now.UnixMilli()).
			Where("id = ?", cmd.CouponID).
			Where("user_id = ?", cmd.UserID).
			Where("status = ?", CouponAvailable).
			Where("expires_at > ?", now.UnixMilli())
	case saga.CmdCancelCoupon:
		update = qb.New(tx).Update("user_coupons").
			Set("status", CouponAvailable).
			Set("used_at", nil).
			Where("id = ?", cmd.CouponID).
			Where("user_id = ?", cmd.UserID).
			Where("status = ?", CouponUsed)
	default:
		return unsupported(cmd)
	}

	n, err := affected(update.Exec(ctx))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewBusinessError(apperrors.ErrCodeInvalidCoupon,
			"coupon %d of user %d cannot %s", cmd.CouponID, cmd.UserID, strings.ToLower(string(cmd.Type))).
			WithContext("coupon_id", cmd.CouponID)
	}
	return nil
}

// PointEffect 用户积分扣减与退还
type PointEffect struct{}

func (PointEffect) Step() saga.Step { return saga.StepUser }

func (PointEffect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			point BIGINT NOT NULL CHECK (point >= 0)
		)`,
	}
}

func (PointEffect) Apply(ctx context.Context, tx core.ITransaction, cmd saga.Command) error {
	if cmd.Amount <= 0 {
		return apperrors.NewBusinessError(apperrors.ErrCodeInvalidInput, "saga %d: point amount %d", cmd.SagaID, cmd.Amount)
	}

	update := qb.New(tx).Update("users").Where("id = ?", cmd.UserID)
	switch cmd.Type {
	case saga.CmdUsePoint:
		update = update.SetExpr("point = point - ?", cmd.Amount).Where("point >= ?", cmd.Amount)
	case saga.CmdRefundPoint:
		update = update.SetExpr("point = point + ?", cmd.Amount)
	default:
		return unsupported(cmd)
	}

	n, err := affected(update.Exec(ctx))
	if err != nil || n > 0 {
		return err
	}
	found, err := rowExists(ctx, tx, "users", cmd.UserID)
	if err != nil {
		return err
	}
	if !found {
		return apperrors.NewBusinessError(apperrors.ErrCodeUserNotFound, "user %d not found", cmd.UserID)
	}
	return apperrors.NewBusinessError(apperrors.ErrCodeInsufficientPoints, "user %d: insufficient points for %d", cmd.UserID, cmd.Amount).
		WithContext("user_id", cmd.UserID).
		WithContext("amount", cmd.Amount)
}

func unsupported(cmd saga.Command) error {
	return apperrors.NewBusinessError(apperrors.ErrCodeInvalidInput, "unsupported command %s", cmd.Type)
}

// affected 驱动无法报告影响行数时返回错误，按系统故障处理而非业务失败
func affected(res stdsql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func rowExists(ctx context.Context, exec core.IExecutor, table string, id int64) (bool, error) {
	var found int64
	err := qb.New(exec).Select("id").From(table).Where("id = ?", id).QueryRow(ctx).Scan(&found)
	if errors.Is(err, stdsql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
