// Package metrics 暴露 saga 编排与参与方命令执行的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 聚合进程内所有 saga 相关指标，使用独立 registry
//
// 所有方法对 nil 接收者安全，便于测试中省略指标。
type Metrics struct {
	registry *prometheus.Registry

	sagaStarted         prometheus.Counter
	sagaFinished        prometheus.Counter
	sagaFailed          *prometheus.CounterVec
	stepDispatched      *prometheus.CounterVec
	staleReplies        *prometheus.CounterVec
	compensationFailure *prometheus.CounterVec
	sweepRecovered      *prometheus.CounterVec

	commandOutcome *prometheus.CounterVec
	handleLatency  *prometheus.HistogramVec
}

// New 创建 registry 并注册全部指标
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		sagaStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total number of order sagas started.",
		}),
		sagaFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total number of order sagas that reserved every resource.",
		}),
		sagaFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_failed_total",
			Help: "Total number of order sagas that ended FAILED, by failure reason.",
		}, []string{"reason"}),
		stepDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_dispatched_total",
			Help: "Commands dispatched to participants by step and direction.",
		}, []string{"step", "direction"}),
		staleReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_stale_replies_total",
			Help: "Replies ignored because they did not match the in-flight step.",
		}, []string{"step"}),
		compensationFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensation_failures_total",
			Help: "Compensations that failed and require retry or intervention.",
		}, []string{"step"}),
		sweepRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_sweep_recovered_total",
			Help: "Sagas touched by the recovery sweep, by action.",
		}, []string{"action"}),
		commandOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_participant_commands_total",
			Help: "Participant command executions by command type and outcome.",
		}, []string{"command", "outcome"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_message_handle_seconds",
			Help:    "Latency of saga message handlers in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}

	registry.MustRegister(
		m.sagaStarted, m.sagaFinished, m.sagaFailed, m.stepDispatched, m.staleReplies,
		m.compensationFailure, m.sweepRecovered, m.commandOutcome, m.handleLatency,
	)
	return m
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 通过 HTTP 暴露指标
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
}

func (m *Metrics) SagaFinished() {
	if m == nil {
		return
	}
	m.sagaFinished.Inc()
}

func (m *Metrics) SagaFailed(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	m.sagaFailed.WithLabelValues(reason).Inc()
}

// StepDispatched direction 为 forward 或 compensate
func (m *Metrics) StepDispatched(step, direction string) {
	if m == nil {
		return
	}
	m.stepDispatched.WithLabelValues(step, direction).Inc()
}

func (m *Metrics) StaleReply(step string) {
	if m == nil {
		return
	}
	m.staleReplies.WithLabelValues(step).Inc()
}

func (m *Metrics) CompensationFailed(step string) {
	if m == nil {
		return
	}
	m.compensationFailure.WithLabelValues(step).Inc()
}

// SweepRecovered action 为 redispatch 或 timeout
func (m *Metrics) SweepRecovered(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRecovered.WithLabelValues(action).Add(float64(n))
}

// CommandOutcome outcome 为 applied、duplicate、business_failure、system_error
func (m *Metrics) CommandOutcome(command, outcome string) {
	if m == nil {
		return
	}
	m.commandOutcome.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) ObserveHandle(topic string, d time.Duration) {
	if m == nil {
		return
	}
	m.handleLatency.WithLabelValues(topic).Observe(d.Seconds())
}
