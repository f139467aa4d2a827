package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"ordersaga/codegen/snowflake"
	"ordersaga/config"
	"ordersaga/data/db/basic"
	"ordersaga/httpapi"
	"ordersaga/logging"
	"ordersaga/messaging"
	"ordersaga/metrics"
	"ordersaga/orchestrator"
	"ordersaga/participant"
	"ordersaga/saga"
	"ordersaga/server"
)

// 终态实例缓存上限
const terminalCacheSize = 10000

// OrchestratorServer 编排器进程
//
// BROKER=memory 时同一进程内还会挂载三个参与方与自动通过的支付桩，便于本地联调。
type OrchestratorServer struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Metrics

	db      *basic.DB
	bus     *messaging.MessageBus
	manager *orchestrator.Manager
	sweeper *orchestrator.Sweeper
	http    *http.Server
}

var _ server.IServer = (*OrchestratorServer)(nil)

// NewOrchestratorServer 创建编排器进程
func NewOrchestratorServer(cfg *config.Config, logger logging.Logger) *OrchestratorServer {
	return &OrchestratorServer{cfg: cfg, logger: logger, metrics: metrics.New()}
}

func (s *OrchestratorServer) Name() string { return s.cfg.ServiceName }

// Setup 组装编排器依赖
func (s *OrchestratorServer) Setup(ctx context.Context) error {
	schema := saga.InstanceSchema
	embedded := s.cfg.Broker == config.BrokerMemory
	if embedded {
		schema = append(append([]string{}, schema...), participant.LedgerSchema...)
		for _, domain := range participant.Domains() {
			effect, err := participant.NewEffect(domain)
			if err != nil {
				return err
			}
			schema = append(schema, effect.Schema()...)
		}
	}
	database, err := OpenDB(ctx, s.cfg, schema)
	if err != nil {
		return err
	}
	s.db = database

	transport, err := NewTransport(s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.bus = NewBus(transport, s.metrics, s.logger)

	ids, err := snowflake.NewGenerator(s.cfg.DatacenterID, s.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("snowflake: %w", err)
	}
	producer := orchestrator.NewEventProducer(s.bus, s.metrics)
	registry, err := orchestrator.NewRegistry(orchestrator.DefaultHandlers(producer)...)
	if err != nil {
		return err
	}
	store := saga.NewCachedInstanceStore(saga.NewSQLInstanceStore(database), terminalCacheSize, time.Hour)
	s.manager = orchestrator.NewManager(store, registry, producer, ids,
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithLogger(s.logger.WithFields(logging.String("component", "saga.manager"))))

	if err := orchestrator.NewListener(s.manager).Register(s.bus); err != nil {
		return err
	}
	if embedded {
		if err := s.embedParticipants(); err != nil {
			return err
		}
	}

	s.sweeper, err = orchestrator.NewSweeper(s.manager, s.cfg.SweepSchedule, s.cfg.RedispatchAfter, s.cfg.SagaTimeout)
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(s.manager,
		httpapi.WithPinger(database),
		httpapi.WithMetricsHandler(s.metrics.Handler()),
		httpapi.WithLogger(s.logger))
	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// embedParticipants 在内存 broker 下挂载参与方与支付桩
func (s *OrchestratorServer) embedParticipants() error {
	for _, domain := range participant.Domains() {
		effect, err := participant.NewEffect(domain)
		if err != nil {
			return err
		}
		processor := participant.NewProcessor(participant.NewCommandExecutor(s.db, effect), s.bus,
			participant.WithMetrics(s.metrics),
			participant.WithCompensationRetry(compensationRetry(s.cfg)))
		if err := s.bus.Subscribe(processor.Topic(), processor); err != nil {
			return err
		}
	}
	return s.bus.Subscribe(saga.TopicPaymentRequested, messaging.NewHandler("payment.stub", s.approvePayment))
}

func (s *OrchestratorServer) approvePayment(ctx context.Context, msg messaging.IMessage) error {
	var req saga.PaymentRequested
	if err := messaging.Decode(msg, &req); err != nil {
		s.logger.Error(ctx, "丢弃无法解码的支付请求", logging.Error(err))
		return nil
	}
	out, err := messaging.NewMessage(saga.TopicPaymentResult, saga.MessageKey(req.SagaID),
		saga.PaymentResult{SagaID: req.SagaID, OrderNo: req.OrderNo, Status: saga.ReplySuccess})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, out)
}

// Run 启动消费、恢复任务与管理接口
func (s *OrchestratorServer) Run(ctx context.Context) error {
	if err := s.bus.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	s.logger.Info(ctx, "编排器已启动",
		logging.String("broker", string(s.cfg.Broker)), logging.String("http", s.cfg.HTTPAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sweeper.Run(gctx) })
	g.Go(func() error { return server.ServeHTTP(gctx, s.http) })
	return g.Wait()
}

// Shutdown 关闭 broker 与数据库
func (s *OrchestratorServer) Shutdown(ctx context.Context) error {
	var errs []error
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// Manager 暴露给同进程调用方
func (s *OrchestratorServer) Manager() *orchestrator.Manager { return s.manager }

// DB 编排器使用的数据库
func (s *OrchestratorServer) DB() *basic.DB { return s.db }
