package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"time"

	"ordersaga/logging"
)

const shutdownGrace = 5 * time.Second

// IServer 进程需要实现的生命周期步骤
type IServer interface {
	Name() string

	// Setup 连接数据库与 broker、组装组件，受 StartupTimeout 约束
	Setup(ctx context.Context) error

	// Run 阻塞运行直到 ctx 取消或出错
	Run(ctx context.Context) error

	// Shutdown 释放资源，受 ShutdownTimeout 约束
	Shutdown(ctx context.Context) error
}

// Engine 按 Setup -> Run -> 等待信号 -> Shutdown 的顺序驱动 IServer
type Engine struct {
	server  IServer
	options *Options
	logger  logging.Logger
	state   atomic.Int32
}

// NewEngine 创建启动引擎
func NewEngine(server IServer, opts ...Option) *Engine {
	options := DefaultOptions()
	if name := server.Name(); name != "" {
		options.Name = name
	}
	for _, o := range opts {
		o(options)
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.ComponentLogger("server")
	}
	e := &Engine{server: server, options: options, logger: logger.WithFields(logging.String("server", options.Name))}
	e.state.Store(int32(StatePending))
	return e
}

// State 当前状态
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Start 运行完整生命周期，parent 取消或收到信号时进入关闭流程
func (e *Engine) Start(parent context.Context) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()
	if len(e.options.Signals) > 0 {
		var stopSignals context.CancelFunc
		ctx, stopSignals = signal.NotifyContext(ctx, e.options.Signals...)
		defer stopSignals()
	}

	e.logger.Info(ctx, "starting", logging.String("version", e.options.Version))
	e.setState(StateInitializing)

	setupCtx, setupCancel := context.WithTimeout(ctx, e.options.StartupTimeout)
	err := e.server.Setup(setupCtx)
	setupCancel()
	if err != nil {
		e.setState(StateError)
		return fmt.Errorf("setup %s: %w", e.options.Name, err)
	}

	for _, hook := range e.options.OnBeforeStart {
		if err := hook(ctx); err != nil {
			e.setState(StateError)
			return fmt.Errorf("before start hook: %w", err)
		}
	}

	e.setState(StateRunning)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	errCh := make(chan error, 1)
	go func() { errCh <- e.server.Run(runCtx) }()

	var runErr error
	select {
	case runErr = <-errCh:
		if runErr != nil {
			e.logger.Error(ctx, "运行出错，开始关闭", logging.Error(runErr))
		}
	case <-ctx.Done():
		e.logger.Info(context.Background(), "收到停止信号，开始关闭")
		cancelRun()
		runErr = <-errCh
	}

	e.setState(StateStopping)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), e.options.ShutdownTimeout)
	defer shutdownCancel()

	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.setState(StateError)
		return errors.Join(runErr, fmt.Errorf("shutdown %s: %w", e.options.Name, err))
	}
	for _, hook := range e.options.OnAfterStop {
		if err := hook(shutdownCtx); err != nil {
			e.logger.Warn(shutdownCtx, "after stop hook failed", logging.Error(err))
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		e.setState(StateError)
		return fmt.Errorf("run %s: %w", e.options.Name, runErr)
	}
	e.setState(StateStopped)
	e.logger.Info(shutdownCtx, "shutdown complete")
	return nil
}

// ServeHTTP 运行 HTTP 服务直到 ctx 取消，随后优雅关闭
func ServeHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
