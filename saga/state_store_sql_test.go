package saga

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersaga/data/db/basic"
)

func newMockStore(t *testing.T) (*SQLInstanceStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewSQLInstanceStore(basic.Wrap(sqlDB, "postgres")), mock
}

func TestSQLStoreCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	inst := storedInstance(t, 7, "ORD-7", time.Now())

	mock.ExpectExec("INSERT INTO saga_instances (id, order_id, order_no, status, step, payload, failure_reason, started_at, finished_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.Create(context.Background(), inst)
	assert.ErrorIs(t, err, ErrSagaAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreUpdateSetsMutableColumns(t *testing.T) {
	store, mock := newMockStore(t)
	inst := storedInstance(t, 7, "ORD-7", time.Now())
	require.NoError(t, inst.ProceedTo(StepPayment))

	mock.ExpectExec("UPDATE saga_instances SET status = $1, step = $2, failure_reason = $3, finished_at = $4, updated_at = $5 WHERE id = $6").
		WithArgs("STARTED", "PAYMENT", "", nil, inst.UpdatedAt.UnixMilli(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), inst)
	assert.ErrorIs(t, err, ErrSagaNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreLoadNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, order_id, order_no, status, step, payload, failure_reason, started_at, finished_at, updated_at FROM saga_instances WHERE order_no = $1").
		WithArgs("ORD-404").
		WillReturnError(sql.ErrNoRows)

	_, err := store.LoadByOrderNo(context.Background(), "ORD-404")
	assert.ErrorIs(t, err, ErrSagaNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreFindStaleQueryShape(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Now()

	rows := sqlmock.NewRows([]string{"id", "order_id", "order_no", "status", "step", "payload", "failure_reason", "started_at", "finished_at", "updated_at"}).
		AddRow(int64(3), int64(30), "ORD-3", "STARTED", "COUPON", `{"userId":1,"couponId":5,"useToPoint":0,"items":[{"productVariantId":1,"quantity":1}]}`, "", int64(1000), nil, int64(2000))
	mock.ExpectQuery("SELECT id, order_id, order_no, status, step, payload, failure_reason, started_at, finished_at, updated_at FROM saga_instances WHERE status = $1 AND started_at < $2 ORDER BY started_at ASC, id ASC LIMIT $3").
		WithArgs("STARTED", cutoff.UnixMilli(), 50).
		WillReturnRows(rows)

	found, err := store.FindStale(context.Background(), StatusStarted, cutoff, 50)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, StepCoupon, found[0].Step)
	assert.True(t, found[0].Payload.HasCoupon())
	assert.Equal(t, time.UnixMilli(1000).UTC(), found[0].StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
