// Package server 定义进程生命周期：初始化依赖、运行、收到信号后优雅关闭
package server

import (
	"context"
	"os"
	"syscall"
	"time"

	"ordersaga/logging"
)

// State 生命周期状态
type State int32

const (
	StatePending State = iota
	StateInitializing
	StateRunning
	StateStopping
	StateStopped
	// StateError Setup、钩子、Run 或 Shutdown 任一失败
	StateError
)

var stateNames = [...]string{"Pending", "Initializing", "Running", "Stopping", "Stopped", "Error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Hook 生命周期回调
type Hook func(ctx context.Context) error

// Options 引擎配置
type Options struct {
	Name            string
	Version         string
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	Signals         []os.Signal
	Logger          logging.Logger

	OnBeforeStart []Hook
	OnAfterStop   []Hook
}

// Option 配置修改函数
type Option func(*Options)

// DefaultOptions 默认配置
func DefaultOptions() *Options {
	return &Options{
		Name:            "ordersaga",
		Version:         "0.0.0",
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Signals:         []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// WithVersion 设置版本
func WithVersion(version string) Option {
	return func(o *Options) { o.Version = version }
}

// WithStartupTimeout 设置依赖初始化超时
func WithStartupTimeout(t time.Duration) Option {
	return func(o *Options) { o.StartupTimeout = t }
}

// WithShutdownTimeout 设置关闭超时
func WithShutdownTimeout(t time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = t }
}

// WithSignals 覆盖触发关闭的信号，传空表示只响应 ctx 取消
func WithSignals(signals ...os.Signal) Option {
	return func(o *Options) { o.Signals = signals }
}

// WithLogger 设置日志
func WithLogger(l logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithBeforeStart 添加启动前回调
func WithBeforeStart(fn Hook) Option {
	return func(o *Options) { o.OnBeforeStart = append(o.OnBeforeStart, fn) }
}

// WithAfterStop 添加停止后回调
func WithAfterStop(fn Hook) Option {
	return func(o *Options) { o.OnAfterStop = append(o.OnAfterStop, fn) }
}
