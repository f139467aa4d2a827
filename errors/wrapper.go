package errors

import (
	"context"
	"fmt"

	"ordersaga/logging"
)

// Wrap 包装错误并在 Debug 级别记录一次包装点
func Wrap(ctx context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	logging.GetLogger().Debug(ctx, "错误包装: "+msg,
		logging.String("error_code", string(code)),
		logging.Error(err))
	return WrapError(err, code, msg)
}

// WrapWithLog 包装错误并记录警告日志
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}
	all := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
	}, fields...)
	logging.GetLogger().Warn(ctx, msg, all...)
	return WrapError(err, code, msg)
}

// WrapDbError 包装数据库错误：sql.ErrNoRows 映射为 NOT_FOUND，其余为 DATABASE_ERROR
func WrapDbError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	normalized := Normalize(err)
	if IsNotFound(normalized) {
		return WrapError(err, ErrCodeNotFound, operation)
	}
	if IsBusiness(normalized) {
		return err
	}
	return WrapWithLog(ctx, err, ErrCodeDatabase,
		fmt.Sprintf("数据库操作失败: %s", operation),
		logging.String("operation", operation))
}
