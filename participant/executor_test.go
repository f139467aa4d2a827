package participant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "ordersaga/data/db"
	"ordersaga/data/db/basic"
	apperrors "ordersaga/errors"
	"ordersaga/saga"
)

func newTestDB(t *testing.T, effect Effect, seed ...string) *basic.DB {
	t.Helper()
	ctx := context.Background()
	database, err := basic.New(ctx, core.DBConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	script := append(append([]string{}, LedgerSchema...), effect.Schema()...)
	require.NoError(t, database.ExecScript(ctx, append(script, seed...)))
	return database
}

func stockOf(t *testing.T, database core.IDatabase, variantID int64) int {
	t.Helper()
	var stock int
	require.NoError(t, database.QueryRow(context.Background(), `SELECT stock FROM product_variants WHERE id = ?`, variantID).Scan(&stock))
	return stock
}

func pointOf(t *testing.T, database core.IDatabase, userID int64) int64 {
	t.Helper()
	var point int64
	require.NoError(t, database.QueryRow(context.Background(), `SELECT point FROM users WHERE id = ?`, userID).Scan(&point))
	return point
}

func couponStatus(t *testing.T, database core.IDatabase, couponID int64) string {
	t.Helper()
	var status string
	require.NoError(t, database.QueryRow(context.Background(), `SELECT status FROM user_coupons WHERE id = ?`, couponID).Scan(&status))
	return status
}

func ledgerRows(t *testing.T, database core.IDatabase, sagaID int64) int {
	t.Helper()
	var n int
	require.NoError(t, database.QueryRow(context.Background(), `SELECT COUNT(1) FROM processed_saga_events WHERE saga_id = ?`, sagaID).Scan(&n))
	return n
}

func stockCommand(cmdType saga.CommandType, sagaID int64, qty int) saga.Command {
	return saga.Command{
		Type:    cmdType,
		SagaID:  sagaID,
		OrderNo: "ORD-1",
		UserID:  1,
		Items:   []saga.Item{{ProductVariantID: 10, Quantity: qty}, {ProductVariantID: 11, Quantity: 1}},
	}
}

func TestStockDeductAppliesOnce(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, StockEffect{},
		`INSERT INTO product_variants (id, stock) VALUES (10, 5), (11, 5)`)
	exec := NewCommandExecutor(database, StockEffect{})

	dup, err := exec.Execute(ctx, stockCommand(saga.CmdDeductStock, 1, 3))
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = exec.Execute(ctx, stockCommand(saga.CmdDeductStock, 1, 3))
	require.NoError(t, err)
	assert.True(t, dup)

	assert.Equal(t, 2, stockOf(t, database, 10))
	assert.Equal(t, 4, stockOf(t, database, 11))
	assert.Equal(t, 1, ledgerRows(t, database, 1))
}

func TestStockDeductConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, StockEffect{},
		`INSERT INTO product_variants (id, stock) VALUES (10, 100), (11, 100)`)
	exec := NewCommandExecutor(database, StockEffect{})

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, err := exec.Execute(ctx, stockCommand(saga.CmdDeductStock, 7, 2))
			assert.NoError(t, err)
			if !dup {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 98, stockOf(t, database, 10))
}

func TestStockOutOfStockRollsBackWholeCommand(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, StockEffect{},
		`INSERT INTO product_variants (id, stock) VALUES (10, 5), (11, 0)`)
	exec := NewCommandExecutor(database, StockEffect{})

	_, err := exec.Execute(ctx, stockCommand(saga.CmdDeductStock, 1, 2))
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeOutOfStock))
	assert.Equal(t, int64(11), apperrors.DetailsOf(err)["variant_id"])

	// 第一行的扣减随事务回滚，账本也未登记
	assert.Equal(t, 5, stockOf(t, database, 10))
	assert.Equal(t, 0, ledgerRows(t, database, 1))
}

func TestStockUnknownVariant(t *testing.T) {
	database := newTestDB(t, StockEffect{}, `INSERT INTO product_variants (id, stock) VALUES (10, 5)`)
	exec := NewCommandExecutor(database, StockEffect{})

	_, err := exec.Execute(context.Background(), stockCommand(saga.CmdDeductStock, 1, 1))
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeVariantNotFound))
}

func TestStockRestoreAfterDeduct(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, StockEffect{},
		`INSERT INTO product_variants (id, stock) VALUES (10, 5), (11, 5)`)
	exec := NewCommandExecutor(database, StockEffect{})

	_, err := exec.Execute(ctx, stockCommand(saga.CmdDeductStock, 1, 3))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = exec.Execute(ctx, stockCommand(saga.CmdRestoreStock, 1, 3))
		require.NoError(t, err)
	}

	assert.Equal(t, 5, stockOf(t, database, 10))
	assert.Equal(t, 5, stockOf(t, database, 11))
	assert.Equal(t, 2, ledgerRows(t, database, 1))
}

func ledgerOutcome(t *testing.T, database core.IDatabase, sagaID int64, cmdType saga.CommandType) Outcome {
	t.Helper()
	outcome, err := Ledger{}.Lookup(context.Background(), database, sagaID, cmdType)
	require.NoError(t, err)
	return outcome
}

func TestCompensationWithoutForwardBlocksForward(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, StockEffect{},
		`INSERT INTO product_variants (id, stock) VALUES (10, 5), (11, 5)`)
	exec := NewCommandExecutor(database, StockEffect{})

	dup, err := exec.Execute(ctx, stockCommand(saga.CmdRestoreStock, 3, 2))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 5, stockOf(t, database, 10))
	assert.Equal(t, OutcomeSkipped, ledgerOutcome(t, database, 3, saga.CmdRestoreStock))
	assert.Equal(t, OutcomeBlocked, ledgerOutcome(t, database, 3, saga.CmdDeductStock))

	// 迟到的正向命令及其重投都被拒绝，库存不变
	for i := 0; i < 2; i++ {
		dup, err = exec.Execute(ctx, stockCommand(saga.CmdDeductStock, 3, 2))
		assert.False(t, dup)
		assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeSagaAlreadyCompensated))
		assert.True(t, apperrors.IsBusiness(err))
	}
	assert.Equal(t, 5, stockOf(t, database, 10))
	assert.Equal(t, 2, ledgerRows(t, database, 3))

	dup, err = exec.Execute(ctx, stockCommand(saga.CmdRestoreStock, 3, 2))
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestExecutorRejectsForeignCommand(t *testing.T) {
	database := newTestDB(t, StockEffect{})
	exec := NewCommandExecutor(database, StockEffect{})

	_, err := exec.Execute(context.Background(), saga.Command{Type: saga.CmdUsePoint, SagaID: 1, UserID: 1, Amount: 5})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInvalidInput))

	_, err = exec.Execute(context.Background(), saga.Command{Type: saga.CmdDeductStock})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInvalidInput))
}

func TestPointUseAndRefund(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, PointEffect{}, `INSERT INTO users (id, point) VALUES (1, 500)`)
	exec := NewCommandExecutor(database, PointEffect{})

	use := saga.Command{Type: saga.CmdUsePoint, SagaID: 9, UserID: 1, Amount: 300, Reason: saga.PointReasonOrderDiscount}
	_, err := exec.Execute(ctx, use)
	require.NoError(t, err)
	assert.Equal(t, int64(200), pointOf(t, database, 1))

	dup, err := exec.Execute(ctx, use)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, int64(200), pointOf(t, database, 1))

	_, err = exec.Execute(ctx, saga.Command{Type: saga.CmdRefundPoint, SagaID: 9, UserID: 1, Amount: 300})
	require.NoError(t, err)
	assert.Equal(t, int64(500), pointOf(t, database, 1))
}

func TestPointBusinessFailures(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, PointEffect{}, `INSERT INTO users (id, point) VALUES (1, 100)`)
	exec := NewCommandExecutor(database, PointEffect{})

	_, err := exec.Execute(ctx, saga.Command{Type: saga.CmdUsePoint, SagaID: 1, UserID: 1, Amount: 101})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInsufficientPoints))
	assert.Equal(t, int64(101), apperrors.DetailsOf(err)["amount"])

	_, err = exec.Execute(ctx, saga.Command{Type: saga.CmdUsePoint, SagaID: 2, UserID: 2, Amount: 1})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeUserNotFound))

	_, err = exec.Execute(ctx, saga.Command{Type: saga.CmdUsePoint, SagaID: 3, UserID: 1, Amount: 0})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInvalidInput))

	assert.Equal(t, int64(100), pointOf(t, database, 1))
}

func TestCouponUseAndCancel(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	future := now.Add(time.Hour).UnixMilli()
	past := now.Add(-time.Hour).UnixMilli()
	database := newTestDB(t, CouponEffect{},
		`INSERT INTO user_coupons (id, user_id, status, expires_at) VALUES (1, 1, 'AVAILABLE', `+itoa(future)+`)`,
		`INSERT INTO user_coupons (id, user_id, status, expires_at) VALUES (2, 1, 'AVAILABLE', `+itoa(past)+`)`,
		`INSERT INTO user_coupons (id, user_id, status, expires_at) VALUES (3, 2, 'AVAILABLE', `+itoa(future)+`)`,
	)
	effect := CouponEffect{Now: func() time.Time { return now }}
	exec := NewCommandExecutor(database, effect)

	_, err := exec.Execute(ctx, saga.Command{Type: saga.CmdUseCoupon, SagaID: 1, UserID: 1, CouponID: 1})
	require.NoError(t, err)
	assert.Equal(t, CouponUsed, couponStatus(t, database, 1))

	// 已使用、已过期、不属于该用户都视为无效优惠券
	_, err = exec.Execute(ctx, saga.Command{Type: saga.CmdUseCoupon, SagaID: 2, UserID: 1, CouponID: 1})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInvalidCoupon))
	_, err = exec.Execute(ctx, saga.Command{Type: saga.CmdUseCoupon, SagaID: 3, UserID: 1, CouponID: 2})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInvalidCoupon))
	_, err = exec.Execute(ctx, saga.Command{Type: saga.CmdUseCoupon, SagaID: 4, UserID: 1, CouponID: 3})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInvalidCoupon))

	_, err = exec.Execute(ctx, saga.Command{Type: saga.CmdCancelCoupon, SagaID: 1, UserID: 1, CouponID: 1})
	require.NoError(t, err)
	assert.Equal(t, CouponAvailable, couponStatus(t, database, 1))
}

func newMockExecutor(t *testing.T) (*CommandExecutor, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewCommandExecutor(basic.Wrap(sqlDB, "postgres"), PointEffect{}), mock
}

func expectOutcome(mock sqlmock.Sqlmock, sagaID int64, cmdType saga.CommandType, outcome Outcome) {
	rows := sqlmock.NewRows([]string{"outcome"})
	if outcome != "" {
		rows.AddRow(string(outcome))
	}
	mock.ExpectQuery(`SELECT outcome FROM processed_saga_events WHERE saga_id = \$1 AND command_type = \$2`).
		WithArgs(sagaID, string(cmdType)).
		WillReturnRows(rows)
}

func expectUsePoint(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`UPDATE users SET point = point - \$1 WHERE id = \$2 AND point >= \$3`).
		WithArgs(int64(10), int64(1), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

var usePoint = saga.Command{Type: saga.CmdUsePoint, SagaID: 5, UserID: 1, Amount: 10}

func TestLedgerUniqueViolationIsDuplicate(t *testing.T) {
	exec, mock := newMockExecutor(t)

	mock.ExpectBegin()
	expectOutcome(mock, 5, saga.CmdUsePoint, "")
	expectUsePoint(mock)
	mock.ExpectExec(`INSERT INTO processed_saga_events`).
		WithArgs(int64(5), "USE_POINT", "APPLIED", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	expectOutcome(mock, 5, saga.CmdUsePoint, OutcomeApplied)

	dup, err := exec.Execute(context.Background(), usePoint)
	require.NoError(t, err)
	assert.True(t, dup)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestForwardLosesRaceToConcurrentCompensation(t *testing.T) {
	exec, mock := newMockExecutor(t)

	// 并发的补偿先提交了封锁记录：正向事务的账本写入冲突，积分扣减随之回滚
	mock.ExpectBegin()
	expectOutcome(mock, 5, saga.CmdUsePoint, "")
	expectUsePoint(mock)
	mock.ExpectExec(`INSERT INTO processed_saga_events`).
		WithArgs(int64(5), "USE_POINT", "APPLIED", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	expectOutcome(mock, 5, saga.CmdUsePoint, OutcomeBlocked)

	dup, err := exec.Execute(context.Background(), usePoint)
	assert.False(t, dup)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeSagaAlreadyCompensated))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompensationLosesRaceToConcurrentForward(t *testing.T) {
	exec, mock := newMockExecutor(t)

	// 正向命令先提交：封锁记录冲突，补偿返回可重试错误且不登记
	mock.ExpectBegin()
	expectOutcome(mock, 5, saga.CmdRefundPoint, "")
	expectOutcome(mock, 5, saga.CmdUsePoint, "")
	mock.ExpectExec(`INSERT INTO processed_saga_events`).
		WithArgs(int64(5), "USE_POINT", "BLOCKED", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	dup, err := exec.Execute(context.Background(), saga.Command{Type: saga.CmdRefundPoint, SagaID: 5, UserID: 1, Amount: 10})
	assert.False(t, dup)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeConflict))
	assert.False(t, apperrors.IsBusiness(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompensationAfterAppliedForwardApplies(t *testing.T) {
	exec, mock := newMockExecutor(t)

	mock.ExpectBegin()
	expectOutcome(mock, 5, saga.CmdRefundPoint, "")
	expectOutcome(mock, 5, saga.CmdUsePoint, OutcomeApplied)
	mock.ExpectExec(`UPDATE users SET point = point \+ \$1 WHERE id = \$2`).
		WithArgs(int64(10), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO processed_saga_events`).
		WithArgs(int64(5), "REFUND_POINT", "APPLIED", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dup, err := exec.Execute(context.Background(), saga.Command{Type: saga.CmdRefundPoint, SagaID: 5, UserID: 1, Amount: 10})
	require.NoError(t, err)
	assert.False(t, dup)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRowsAffectedFailureIsSystemError(t *testing.T) {
	exec, mock := newMockExecutor(t)

	mock.ExpectBegin()
	expectOutcome(mock, 5, saga.CmdUsePoint, "")
	mock.ExpectExec(`UPDATE users SET point = point - \$1`).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost row count")))
	mock.ExpectRollback()

	_, err := exec.Execute(context.Background(), usePoint)
	require.Error(t, err)
	assert.False(t, apperrors.IsBusiness(err))
	assert.False(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInsufficientPoints))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewEffect(t *testing.T) {
	for domain, step := range map[string]saga.Step{"product": saga.StepProduct, "coupon": saga.StepCoupon, "user": saga.StepUser} {
		effect, err := NewEffect(domain)
		require.NoError(t, err)
		assert.Equal(t, step, effect.Step())
	}
	_, err := NewEffect("payment")
	assert.Error(t, err)
}
