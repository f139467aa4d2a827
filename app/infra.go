// Package app 组装编排器与参与方进程：数据库、broker、总线中间件、HTTP 管理接口
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"ordersaga/config"
	core "ordersaga/data/db"
	"ordersaga/data/db/basic"
	"ordersaga/logging"
	"ordersaga/messaging"
	"ordersaga/messaging/middleware"
	"ordersaga/messaging/transport/memory"
	"ordersaga/messaging/transport/natsjetstream"
	"ordersaga/messaging/transport/redisstreams"
	"ordersaga/metrics"
)

// NewLogger 创建 JSON 日志并设为全局 logger
func NewLogger(cfg *config.Config, w io.Writer) logging.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := logging.NewZeroLogger(cfg.ServiceName, logging.ParseLevel(cfg.LogLevel), w)
	logging.SetLogger(logger)
	return logger
}

// OpenDB 打开数据库并执行建表语句
func OpenDB(ctx context.Context, cfg *config.Config, schema []string) (*basic.DB, error) {
	database, err := basic.New(ctx, core.DBConfig{
		Driver:       cfg.DBDriver,
		DSN:          cfg.DBDSN,
		MaxOpenConns: cfg.DBMaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DBDriver, err)
	}
	if err := database.ExecScript(ctx, schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return database, nil
}

// NewTransport 按 BROKER 选择传输实现
func NewTransport(cfg *config.Config, logger logging.Logger) (messaging.Transport, error) {
	switch cfg.Broker {
	case config.BrokerNATS:
		return natsjetstream.NewTransport(natsjetstream.Config{
			URL:           cfg.NATSURL,
			Stream:        cfg.NATSStream,
			SubjectPrefix: cfg.TopicPrefix,
			DurablePrefix: cfg.ConsumerGroup,
			Logger:        logger,
		}), nil
	case config.BrokerRedis:
		return redisstreams.NewTransport(redisstreams.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			StreamPrefix: cfg.TopicPrefix,
			GroupName:    cfg.ConsumerGroup,
			Logger:       logger,
		})
	case config.BrokerMemory:
		return memory.NewMemoryTransport(memory.Options{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Broker)
	}
}

// NewBus 创建带 correlation 与观测中间件的消息总线
func NewBus(transport messaging.Transport, m *metrics.Metrics, logger logging.Logger) *messaging.MessageBus {
	bus := messaging.NewMessageBus(transport)
	bus.Use(middleware.NewCorrelationMiddleware())
	bus.Use(middleware.NewObserveMiddleware(m, logger))
	return bus
}
