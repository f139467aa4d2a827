// Package participant 实现参与方侧的幂等命令执行
//
// 每个参与方服务（库存、优惠券、积分）消费自己的命令主题，在同一个 SQL 事务里
// 完成幂等账本检查、领域效果与账本写入，然后回复编排器。
package participant

import (
	"context"
	stdsql "database/sql"
	"errors"
	"time"

	core "ordersaga/data/db"
	qb "ordersaga/data/db/sql"
	"ordersaga/saga"
)

const ledgerTable = "processed_saga_events"

// LedgerSchema 幂等账本表，(saga_id, command_type) 是唯一的去重依据
var LedgerSchema = []string{
	`CREATE TABLE IF NOT EXISTS processed_saga_events (
		saga_id BIGINT NOT NULL,
		command_type VARCHAR(32) NOT NULL,
		outcome VARCHAR(16) NOT NULL,
		processed_at BIGINT NOT NULL,
		PRIMARY KEY (saga_id, command_type)
	)`,
}

// Outcome 账本中记录的命令处理结果
type Outcome string

const (
	// OutcomeApplied 领域效果已生效
	OutcomeApplied Outcome = "APPLIED"
	// OutcomeSkipped 补偿到达时正向操作未生效，仅登记
	OutcomeSkipped Outcome = "SKIPPED"
	// OutcomeBlocked 补偿先于正向命令登记，正向命令永久拒绝
	OutcomeBlocked Outcome = "BLOCKED"
)

// Ledger 已处理命令账本，所有操作都在调用方的执行器（通常是事务）内进行
type Ledger struct{}

// Lookup 返回命令的处理结果，未登记时返回空串
func (Ledger) Lookup(ctx context.Context, exec core.IExecutor, sagaID int64, cmdType saga.CommandType) (Outcome, error) {
	var outcome string
	err := qb.New(exec).Select("outcome").From(ledgerTable).
		Where("saga_id = ?", sagaID).
		Where("command_type = ?", string(cmdType)).
		QueryRow(ctx).
		Scan(&outcome)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return Outcome(outcome), nil
}

// Record 写入账本，重复写入由主键冲突拒绝
func (Ledger) Record(ctx context.Context, exec core.IExecutor, sagaID int64, cmdType saga.CommandType, outcome Outcome, at time.Time) error {
	_, err := qb.New(exec).InsertInto(ledgerTable).
		Columns("saga_id", "command_type", "outcome", "processed_at").
		Values(sagaID, string(cmdType), string(outcome), at.UnixMilli()).
		Exec(ctx)
	return err
}
