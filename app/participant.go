package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"ordersaga/config"
	"ordersaga/data/db/basic"
	"ordersaga/httpapi"
	"ordersaga/logging"
	"ordersaga/messaging"
	"ordersaga/metrics"
	"ordersaga/participant"
	"ordersaga/patterns/retry"
	"ordersaga/server"
)

// ParticipantServer 单个参与方进程，领域由 PARTICIPANT_DOMAIN 决定
type ParticipantServer struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Metrics

	db   *basic.DB
	bus  *messaging.MessageBus
	http *http.Server
}

var _ server.IServer = (*ParticipantServer)(nil)

// NewParticipantServer 创建参与方进程
func NewParticipantServer(cfg *config.Config, logger logging.Logger) *ParticipantServer {
	return &ParticipantServer{cfg: cfg, logger: logger, metrics: metrics.New()}
}

func (s *ParticipantServer) Name() string { return s.cfg.ServiceName }

// Setup 建表并订阅命令主题
func (s *ParticipantServer) Setup(ctx context.Context) error {
	effect, err := participant.NewEffect(s.cfg.ParticipantDomain)
	if err != nil {
		return err
	}
	schema := append(append([]string{}, participant.LedgerSchema...), effect.Schema()...)
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

	processor := participant.NewProcessor(participant.NewCommandExecutor(database, effect), s.bus,
		participant.WithMetrics(s.metrics),
		participant.WithCompensationRetry(compensationRetry(s.cfg)),
		participant.WithLogger(s.logger.WithFields(logging.String("step", string(effect.Step())))))
	if err := s.bus.Subscribe(processor.Topic(), processor); err != nil {
		return err
	}

	s.http = &http.Server{
		Addr: s.cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.NewHandler(nil,
			httpapi.WithPinger(database),
			httpapi.WithMetricsHandler(s.metrics.Handler()))),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Run 启动消费与健康检查接口
func (s *ParticipantServer) Run(ctx context.Context) error {
	if err := s.bus.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	s.logger.Info(ctx, "参与方已启动", logging.String("domain", s.cfg.ParticipantDomain))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ServeHTTP(gctx, s.http) })
	return g.Wait()
}

// Shutdown 关闭 broker 与数据库
func (s *ParticipantServer) Shutdown(ctx context.Context) error {
	var errs []error
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func compensationRetry(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.CompensateRetries
	return rc
}
