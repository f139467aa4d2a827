package participant

import (
	"context"
	"time"

	core "ordersaga/data/db"
	"ordersaga/data/db/dialect"
	apperrors "ordersaga/errors"
	"ordersaga/logging"
	"ordersaga/saga"
)

// CommandExecutor 幂等命令执行器
//
// 同一 (saga_id, command_type) 的领域效果至多生效一次：账本检查、效果与账本写入
// 在同一个事务内完成，任一步失败整体回滚。
type CommandExecutor struct {
	db      core.IDatabase
	dialect dialect.Dialect
	effect  Effect
	ledger  Ledger
	now     func() time.Time
	logger  logging.Logger
}

// NewCommandExecutor 创建执行器
func NewCommandExecutor(database core.IDatabase, effect Effect) *CommandExecutor {
	return &CommandExecutor{
		db:      database,
		dialect: dialect.FromDatabase(database),
		effect:  effect,
		now:     time.Now,
		logger:  logging.ComponentLogger("participant.executor"),
	}
}

// Step 执行器负责的步骤
func (e *CommandExecutor) Step() saga.Step {
	return e.effect.Step()
}

// Execute 执行命令
//
// 返回:
//   - alreadyProcessed: 命令此前已处理（包括并发重复），本次未产生任何效果
//   - err: 业务失败为带业务错误码的 AppError，其余为系统错误
//
// 补偿先于正向命令到达时，同一事务内以正向命令的键写入 BLOCKED 记录。并发执行的
// 正向命令写账本时撞上主键冲突并整体回滚；若正向命令先提交，补偿撞上冲突，
// 返回可重试的 CONFLICT，重投后按正向已生效处理。
func (e *CommandExecutor) Execute(ctx context.Context, cmd saga.Command) (alreadyProcessed bool, err error) {
	if !cmd.Type.Valid() || cmd.Type.Step() != e.effect.Step() {
		return false, apperrors.NewBusinessError(apperrors.ErrCodeInvalidInput,
			"%s participant cannot execute %q", e.effect.Step(), cmd.Type)
	}
	if cmd.SagaID <= 0 {
		return false, apperrors.NewBusinessError(apperrors.ErrCodeInvalidInput, "saga id required")
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return false, apperrors.WrapDbError(ctx, err, "begin saga command")
	}
	open := true
	rollback := func() {
		if open {
			_ = tx.Rollback()
			open = false
		}
	}
	defer rollback()

	prior, err := e.ledger.Lookup(ctx, tx, cmd.SagaID, cmd.Type)
	if err != nil {
		return false, apperrors.WrapDbError(ctx, err, "check saga ledger")
	}
	if prior != "" {
		return e.replay(cmd, prior)
	}

	outcome := OutcomeApplied
	if cmd.Type.IsCompensation() {
		forward, err := e.ledger.Lookup(ctx, tx, cmd.SagaID, cmd.Type.Counterpart())
		if err != nil {
			return false, apperrors.WrapDbError(ctx, err, "check saga ledger")
		}
		if forward != OutcomeApplied {
			outcome = OutcomeSkipped
		}
		if forward == "" {
			if err := e.ledger.Record(ctx, tx, cmd.SagaID, cmd.Type.Counterpart(), OutcomeBlocked, e.now()); err != nil {
				if e.dialect.IsUniqueViolation(err) {
					return false, apperrors.NewError(apperrors.ErrCodeConflict,
						"forward command committed concurrently, retry "+string(cmd.Type))
				}
				return false, apperrors.WrapDbError(ctx, err, "block forward command")
			}
			e.logger.Info(ctx, "补偿命令对应的正向操作未执行，仅登记并封锁正向命令",
				logging.SagaID(cmd.SagaID), logging.String("command", string(cmd.Type)))
		}
	}

	if outcome == OutcomeApplied {
		if err := e.effect.Apply(ctx, tx, cmd); err != nil {
			if apperrors.IsBusiness(err) {
				return false, err
			}
			return false, apperrors.WrapDbError(ctx, err, "apply "+string(cmd.Type))
		}
	}

	if err := e.ledger.Record(ctx, tx, cmd.SagaID, cmd.Type, outcome, e.now()); err != nil {
		if e.dialect.IsUniqueViolation(err) {
			rollback()
			return e.settle(ctx, cmd)
		}
		return false, apperrors.WrapDbError(ctx, err, "record saga ledger")
	}
	open = false
	if err := tx.Commit(); err != nil {
		if e.dialect.IsUniqueViolation(err) {
			return e.settle(ctx, cmd)
		}
		return false, apperrors.WrapDbError(ctx, err, "commit saga command")
	}
	return false, nil
}

// replay 按账本中已有的结果回答重复投递
func (e *CommandExecutor) replay(cmd saga.Command, prior Outcome) (bool, error) {
	if prior == OutcomeBlocked {
		return false, apperrors.NewBusinessError(apperrors.ErrCodeSagaAlreadyCompensated,
			"saga %d already compensated %s", cmd.SagaID, cmd.Type.Counterpart())
	}
	return true, nil
}

// settle 本事务因账本主键冲突回滚后，读取并发事务写下的结果
func (e *CommandExecutor) settle(ctx context.Context, cmd saga.Command) (bool, error) {
	prior, err := e.ledger.Lookup(ctx, e.db, cmd.SagaID, cmd.Type)
	if err != nil {
		return false, apperrors.WrapDbError(ctx, err, "check saga ledger")
	}
	if prior == "" {
		return false, apperrors.NewError(apperrors.ErrCodeConflict,
			"saga ledger conflict without committed row, retry "+string(cmd.Type))
	}
	return e.replay(cmd, prior)
}
