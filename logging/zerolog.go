package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey string

const correlationIDKey ctxKey = "correlation_id"

func init() {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.DurationFieldUnit = time.Millisecond
}

// ContextWithCorrelationID 将关联 ID（通常为消息 ID）放入上下文，ZeroLogger 输出时自动附带
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext 读取上下文中的关联 ID
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// ZeroLogger 基于 zerolog 的 JSON 日志实现
type ZeroLogger struct {
	logger zerolog.Logger
}

// NewZeroLogger 创建以 service 字段标识进程的 zerolog Logger
//
// 参数:
//   - service: 服务名（orchestrator、participant-product 等）
//   - level: 最低输出级别
//   - w: 输出目标，nil 时写到 stdout
func NewZeroLogger(service string, level Level, w io.Writer) *ZeroLogger {
	if w == nil {
		w = os.Stdout
	}
	l := zerolog.New(w).
		Level(toZerologLevel(level)).
		With().
		Timestamp().
		Str("service", service).
		Logger()
	return &ZeroLogger{logger: l}
}

func toZerologLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *ZeroLogger) emit(ctx context.Context, event *zerolog.Event, msg string, fields []Field) {
	if event == nil {
		return
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		event = event.Str(string(correlationIDKey), id)
	}
	for _, f := range fields {
		event = appendField(event, f)
	}
	event.Msg(msg)
}

func appendField(event *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return event.Str(f.Key, v)
	case int:
		return event.Int(f.Key, v)
	case int64:
		return event.Int64(f.Key, v)
	case bool:
		return event.Bool(f.Key, v)
	case time.Duration:
		return event.Dur(f.Key, v)
	case error:
		return event.AnErr(f.Key, v)
	default:
		return event.Interface(f.Key, v)
	}
}

func (l *ZeroLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.emit(ctx, l.logger.Debug(), msg, fields)
}

func (l *ZeroLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.emit(ctx, l.logger.Info(), msg, fields)
}

func (l *ZeroLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.emit(ctx, l.logger.Warn(), msg, fields)
}

func (l *ZeroLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.emit(ctx, l.logger.Error(), msg, fields)
}

func (l *ZeroLogger) WithFields(fields ...Field) Logger {
	c := l.logger.With()
	for _, f := range fields {
		c = c.Interface(f.Key, f.Value)
	}
	return &ZeroLogger{logger: c.Logger()}
}
