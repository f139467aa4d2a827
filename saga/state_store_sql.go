package saga

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	core "ordersaga/data/db"
	qb "ordersaga/data/db/sql"
	"ordersaga/data/db/dialect"
)

const instanceTable = "saga_instances"

var instanceColumns = []string{
	"id", "order_id", "order_no", "status", "step", "payload",
	"failure_reason", "started_at", "finished_at", "updated_at",
}

// InstanceSchema saga_instances 建表语句，时间列存 Unix 毫秒以兼容 sqlite 与 postgres
var InstanceSchema = []string{
	`CREATE TABLE IF NOT EXISTS saga_instances (
		id BIGINT PRIMARY KEY,
		order_id BIGINT NOT NULL,
		order_no VARCHAR(64) NOT NULL UNIQUE,
		status VARCHAR(16) NOT NULL,
		step VARCHAR(16) NOT NULL,
		payload TEXT NOT NULL,
		failure_reason VARCHAR(255) NOT NULL DEFAULT '',
		started_at BIGINT NOT NULL,
		finished_at BIGINT,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_instances_status_started ON saga_instances (status, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_instances_status_updated ON saga_instances (status, updated_at)`,
}

// SQLInstanceStore 基于 IDatabase 的实例存储
type SQLInstanceStore struct {
	db      core.IDatabase
	dialect dialect.Dialect
}

// NewSQLInstanceStore 创建 SQL 实例存储，表结构需事先通过 InstanceSchema 创建
func NewSQLInstanceStore(database core.IDatabase) *SQLInstanceStore {
	return &SQLInstanceStore{db: database, dialect: dialect.FromDatabase(database)}
}

// Create 插入新实例，ID 或订单号冲突返回 ErrSagaAlreadyExists
func (s *SQLInstanceStore) Create(ctx context.Context, inst *Instance) error {
	payload, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("encode saga %d payload: %w", inst.ID, err)
	}
	_, err = qb.New(s.db).InsertInto(instanceTable).
		Columns(instanceColumns...).
		Values(inst.ID, inst.OrderID, inst.OrderNo, string(inst.Status), string(inst.Step), string(payload),
			inst.FailureReason, toMillis(inst.StartedAt), nullableMillis(inst.FinishedAt), toMillis(inst.UpdatedAt)).
		Exec(ctx)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ErrSagaAlreadyExists
		}
		return fmt.Errorf("insert saga %d: %w", inst.ID, err)
	}
	return nil
}

// Load 按 saga ID 加载
func (s *SQLInstanceStore) Load(ctx context.Context, sagaID int64) (*Instance, error) {
	row := qb.New(s.db).Select(instanceColumns...).From(instanceTable).
		Where("id = ?", sagaID).
		QueryRow(ctx)
	return scanInstance(row)
}

// LoadByOrderNo 按订单号加载
func (s *SQLInstanceStore) LoadByOrderNo(ctx context.Context, orderNo string) (*Instance, error) {
	row := qb.New(s.db).Select(instanceColumns...).From(instanceTable).
		Where("order_no = ?", orderNo).
		QueryRow(ctx)
	return scanInstance(row)
}

// Update 写回可变字段
func (s *SQLInstanceStore) Update(ctx context.Context, inst *Instance) error {
	res, err := qb.New(s.db).Update(instanceTable).
		Set("status", string(inst.Status)).
		Set("step", string(inst.Step)).
		Set("failure_reason", inst.FailureReason).
		Set("finished_at", nullableMillis(inst.FinishedAt)).
		Set("updated_at", toMillis(inst.UpdatedAt)).
		Where("id = ?", inst.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update saga %d: %w", inst.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga %d: %w", inst.ID, err)
	}
	if n == 0 {
		return ErrSagaNotFound
	}
	return nil
}

// FindStale 扫描超时实例
func (s *SQLInstanceStore) FindStale(ctx context.Context, status Status, startedBefore time.Time, limit int) ([]*Instance, error) {
	return s.findBefore(ctx, status, "started_at", startedBefore, limit)
}

// FindIdle 扫描长时间没有进展的实例
func (s *SQLInstanceStore) FindIdle(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Instance, error) {
	return s.findBefore(ctx, status, "updated_at", updatedBefore, limit)
}

// findBefore column 只取 started_at 或 updated_at
func (s *SQLInstanceStore) findBefore(ctx context.Context, status Status, column string, before time.Time, limit int) ([]*Instance, error) {
	rows, err := qb.New(s.db).Select(instanceColumns...).From(instanceTable).
		Where("status = ?", string(status)).
		Where(column+" < ?", toMillis(before)).
		OrderBy(column + " ASC, id ASC").
		Limit(limit).
		Query(ctx)
	if err != nil {
		return nil, fmt.Errorf("find sagas by %s: %w", column, err)
	}
	defer rows.Close()

	var result []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find sagas by %s: %w", column, err)
	}
	return result, nil
}

func scanInstance(row core.IRow) (*Instance, error) {
	var (
		inst                 Instance
		status, step, body   string
		startedAt, updatedAt int64
		finishedAt           stdsql.NullInt64
	)
	err := row.Scan(&inst.ID, &inst.OrderID, &inst.OrderNo, &status, &step, &body,
		&inst.FailureReason, &startedAt, &finishedAt, &updatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga: %w", err)
	}
	if inst.Status, err = ParseStatus(status); err != nil {
		return nil, fmt.Errorf("scan saga %d: %w", inst.ID, err)
	}
	inst.Step = Step(step)
	if err := json.Unmarshal([]byte(body), &inst.Payload); err != nil {
		return nil, fmt.Errorf("decode saga %d payload: %w", inst.ID, err)
	}
	inst.StartedAt = fromMillis(startedAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	if finishedAt.Valid {
		t := fromMillis(finishedAt.Int64)
		inst.FinishedAt = &t
	}
	return &inst, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

var _ InstanceStore = (*SQLInstanceStore)(nil)
