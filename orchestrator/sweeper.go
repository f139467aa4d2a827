package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"ordersaga/logging"
)

// Sweeper 定时执行超时补偿与命令重发
type Sweeper struct {
	manager         *Manager
	cron            *cron.Cron
	redispatchAfter time.Duration
	timeout         time.Duration
	logger          logging.Logger
}

// NewSweeper 创建恢复任务，schedule 支持标准 5 段表达式与 @every 描述符
func NewSweeper(manager *Manager, schedule string, redispatchAfter, timeout time.Duration) (*Sweeper, error) {
	if redispatchAfter <= 0 || timeout <= 0 {
		return nil, fmt.Errorf("sweeper durations must be positive")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s := &Sweeper{
		manager:         manager,
		redispatchAfter: redispatchAfter,
		timeout:         timeout,
		logger:          logging.ComponentLogger("saga.sweeper"),
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s.cron.Schedule(sched, cron.FuncJob(func() {
		_, _, _ = s.RunOnce(context.Background())
	}))
	return s, nil
}

// RunOnce 先处理超时再重发，返回两类实例的数量
func (s *Sweeper) RunOnce(ctx context.Context) (expired, redispatched int, err error) {
	expired, expireErr := s.manager.ExpireTimedOut(ctx, s.timeout)
	if expireErr != nil {
		s.logger.Error(ctx, "超时补偿扫描失败", logging.Error(expireErr))
	}
	redispatched, redispatchErr := s.manager.Redispatch(ctx, s.redispatchAfter)
	if redispatchErr != nil {
		s.logger.Error(ctx, "重发扫描失败", logging.Error(redispatchErr))
	}
	if expired > 0 || redispatched > 0 {
		s.logger.Info(ctx, "恢复扫描完成", logging.Int("expired", expired), logging.Int("redispatched", redispatched))
	}
	if expireErr != nil {
		return expired, redispatched, expireErr
	}
	return expired, redispatched, redispatchErr
}

// Run 启动调度，阻塞直到 ctx 取消并等待正在执行的任务结束
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
