package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ordersaga/logging"
	"ordersaga/saga"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SagaView saga 实例的对外表示
type SagaView struct {
	SagaID        int64        `json:"sagaId"`
	OrderID       int64        `json:"orderId"`
	OrderNo       string       `json:"orderNo"`
	Status        saga.Status  `json:"status"`
	Step          saga.Step    `json:"step"`
	Payload       saga.Payload `json:"payload"`
	FailureReason string       `json:"failureReason,omitempty"`
	StartedAt     time.Time    `json:"startedAt"`
	FinishedAt    *time.Time   `json:"finishedAt,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func toView(inst *saga.Instance) SagaView {
	return SagaView{
		SagaID:        inst.ID,
		OrderID:       inst.OrderID,
		OrderNo:       inst.OrderNo,
		Status:        inst.Status,
		Step:          inst.Step,
		Payload:       inst.Payload,
		FailureReason: inst.FailureReason,
		StartedAt:     inst.StartedAt,
		FinishedAt:    inst.FinishedAt,
		UpdatedAt:     inst.UpdatedAt,
	}
}

// GetSaga GET /sagas/{orderNo}
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	inst, err := h.sagas.GetByOrderNo(r.Context(), orderNo)
	if errors.Is(err, saga.ErrSagaNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "saga not found for order "+orderNo)
		return
	}
	if err != nil {
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(inst))
}

// ListSagas GET /sagas?status=STARTED&olderThan=5m&limit=100
func (h *Handler) ListSagas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := saga.ParseStatus(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}
	olderThan := defaultOlderThan
	if raw := q.Get("olderThan"); raw != "" {
		if olderThan, err = time.ParseDuration(raw); err != nil || olderThan < 0 {
			writeError(w, http.StatusBadRequest, "invalid_older_than", "olderThan must be a non-negative duration like 5m")
			return
		}
	}
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 || limit > maxListLimit {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
	}

	list, err := h.sagas.ListStale(r.Context(), status, olderThan, limit)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	views := make([]SagaView, 0, len(list))
	for _, inst := range list {
		views = append(views, toView(inst))
	}
	writeJSON(w, http.StatusOK, views)
}

// StartSaga POST /sagas
func (h *Handler) StartSaga(w http.ResponseWriter, r *http.Request) {
	var cmd saga.StartCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	inst, err := h.sagas.StartSaga(r.Context(), cmd)
	switch {
	case errors.Is(err, saga.ErrSagaAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", "saga already exists for order "+cmd.OrderNo)
		return
	case errors.Is(err, saga.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	case err != nil:
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toView(inst))
}

// Healthz GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			h.logger.Warn(r.Context(), "健康检查失败", logging.Error(err))
			writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error(r.Context(), "管理接口请求失败",
		logging.String("path", r.URL.Path), logging.Error(err))
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}
