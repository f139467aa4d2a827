package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersaga/logging"
)

func init() {
	logging.SetLogger(logging.NewNoopLogger())
}

func TestWrap_NilError(t *testing.T) {
	assert.Nil(t, Wrap(context.Background(), nil, ErrCodeInternal, "消息"))
	assert.Nil(t, WrapWithLog(context.Background(), nil, ErrCodeInternal, "消息"))
	assert.Nil(t, WrapDbError(context.Background(), nil, "操作"))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("原始错误")
	wrapped := Wrap(context.Background(), cause, ErrCodeQueue, "发布失败")

	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrCodeQueue, GetErrorCode(wrapped))
	assert.Contains(t, wrapped.Error(), "发布失败")
}

func TestWrapDbError(t *testing.T) {
	ctx := context.Background()

	notFound := WrapDbError(ctx, sql.ErrNoRows, "查询 saga")
	assert.True(t, IsNotFound(notFound))
	assert.ErrorIs(t, notFound, sql.ErrNoRows)

	dbErr := WrapDbError(ctx, errors.New("connection reset"), "更新库存")
	assert.Equal(t, ErrCodeDatabase, GetErrorCode(dbErr))
	assert.False(t, IsBusiness(dbErr))

	business := NewBusinessError(ErrCodeOutOfStock, "variant %d", 3)
	assert.Same(t, business, WrapDbError(ctx, business, "扣减库存"))
}

func TestIsBusiness(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"库存不足", NewBusinessError(ErrCodeOutOfStock, "out"), true},
		{"优惠券无效", NewBusinessError(ErrCodeInvalidCoupon, "bad"), true},
		{"积分不足被包装", fmt.Errorf("apply: %w", NewBusinessError(ErrCodeInsufficientPoints, "short")), true},
		{"数据库错误", NewError(ErrCodeDatabase, "down"), false},
		{"普通错误", errors.New("plain"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBusiness(tt.err))
		})
	}
}

func TestAppError_IsByCode(t *testing.T) {
	a := NewBusinessError(ErrCodeOutOfStock, "variant 1")
	b := NewBusinessError(ErrCodeOutOfStock, "variant 2")
	c := NewBusinessError(ErrCodeInvalidCoupon, "coupon 1")

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
	assert.Equal(t, ErrCodeInternal, GetErrorCode(errors.New("x")))
}

func TestAppError_WithContextCopies(t *testing.T) {
	base := NewError(ErrCodeConflict, "dup")
	withSaga := base.WithContext("saga_id", int64(1))

	assert.Empty(t, base.Details())
	assert.Equal(t, int64(1), withSaga.Details()["saga_id"])

	wrapped := fmt.Errorf("apply: %w", withSaga)
	assert.Equal(t, int64(1), DetailsOf(wrapped)["saga_id"])
	assert.Nil(t, DetailsOf(base))
	assert.Nil(t, DetailsOf(errors.New("plain")))
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, Normalize(nil))
	assert.Equal(t, ErrCodeNotFound, GetErrorCode(Normalize(sql.ErrNoRows)))
	assert.Equal(t, ErrCodeDatabase, GetErrorCode(Normalize(sql.ErrTxDone)))
	assert.Equal(t, ErrCodeTimeout, GetErrorCode(Normalize(context.DeadlineExceeded)))
	assert.Equal(t, ErrCodeInternal, GetErrorCode(Normalize(errors.New("x"))))

	app := NewError(ErrCodeConflict, "c")
	assert.Same(t, app, Normalize(app))
}
