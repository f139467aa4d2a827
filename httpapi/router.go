// Package httpapi 编排器的管理接口：查询 saga、启动 saga、指标与健康检查
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ordersaga/logging"
	"ordersaga/saga"
)

const (
	defaultOlderThan = 5 * time.Minute
	defaultListLimit = 100
	maxListLimit     = 1000
)

// SagaService 管理接口依赖的编排器能力
type SagaService interface {
	StartSaga(ctx context.Context, cmd saga.StartCommand) (*saga.Instance, error)
	GetByOrderNo(ctx context.Context, orderNo string) (*saga.Instance, error)
	ListStale(ctx context.Context, status saga.Status, olderThan time.Duration, limit int) ([]*saga.Instance, error)
}

// Pinger 健康检查探针，通常是数据库
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler 管理接口处理器
type Handler struct {
	sagas   SagaService
	pinger  Pinger
	metrics http.Handler
	logger  logging.Logger
}

// Option 配置 Handler
type Option func(*Handler)

// WithPinger 设置 /healthz 使用的探针
func WithPinger(p Pinger) Option {
	return func(h *Handler) { h.pinger = p }
}

// WithMetricsHandler 挂载 /metrics
func WithMetricsHandler(mh http.Handler) Option {
	return func(h *Handler) { h.metrics = mh }
}

// WithLogger 设置日志
func WithLogger(l logging.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler 创建处理器
func NewHandler(sagas SagaService, opts ...Option) *Handler {
	h := &Handler{sagas: sagas, logger: logging.ComponentLogger("saga.httpapi")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter 构建 chi 路由
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	// 参与方进程只暴露健康检查与指标
	if h.sagas != nil {
		r.Route("/sagas", func(r chi.Router) {
			r.Get("/", h.ListSagas)
			r.Post("/", h.StartSaga)
			r.Get("/{orderNo}", h.GetSaga)
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
