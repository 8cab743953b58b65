package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/usecase"
)

// HealthCheck is a named dependency probe.
type HealthCheck func(ctx context.Context) error

// AdminHandler handles the operator HTTP surface.
type AdminHandler struct {
	uc     *usecase.AdminUseCase
	checks map[string]HealthCheck
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler. checks may be nil.
func NewAdminHandler(uc *usecase.AdminUseCase, checks map[string]HealthCheck, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, checks: checks, logger: logger.With("component", "admin_api")}
}

// HealthCheck reports ok when every dependency probe passes.
// GET /health
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	h.respondWithJSON(w, code, status)
}

// ListAudit handles audit queries.
// GET /admin/audit?period=2026-03&status=error&counterparty=acme.com&after={txID}&limit=100
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		Period:         q.Get("period"),
		Status:         domain.AuditStatus(q.Get("status")),
		CounterpartyID: q.Get("counterparty"),
		After:          q.Get("after"),
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	records, err := h.uc.QueryAudit(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, "failed to query audit", err)
		return
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}
	h.respondWithJSON(w, http.StatusOK, records)
}

// GetAudit returns one audit record.
// GET /admin/audit/{txID}
func (h *AdminHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := h.uc.GetAudit(r.Context(), r.PathValue("txID"))
	if err != nil {
		h.respondWithError(w, "failed to get audit record", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, rec)
}

// GetQueue reports a stage's consumer group and leased entries.
// GET /admin/queues/{stage}
func (h *AdminHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	report, err := h.uc.QueueInfo(r.Context(), r.PathValue("stage"))
	if err != nil {
		h.respondWithError(w, "failed to get queue info", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, report)
}

// ListPoison lists parked entries of a stage.
// GET /admin/poison/{stage}?count=100
func (h *AdminHandler) ListPoison(w http.ResponseWriter, r *http.Request) {
	var count int64
	if s := r.URL.Query().Get("count"); s != "" {
		var err error
		count, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid count parameter", http.StatusBadRequest)
			return
		}
	}

	entries, err := h.uc.ListPoison(r.Context(), r.PathValue("stage"), count)
	if err != nil {
		h.respondWithError(w, "failed to list poison entries", err)
		return
	}
	if entries == nil {
		entries = []domain.PoisonEntry{}
	}
	h.respondWithJSON(w, http.StatusOK, entries)
}

// ReplayPoison puts a parked entry back on its queue.
// POST /admin/poison/{stage}/{id}/replay
func (h *AdminHandler) ReplayPoison(w http.ResponseWriter, r *http.Request) {
	entry, err := h.uc.ReplayPoison(r.Context(), r.PathValue("stage"), r.PathValue("id"))
	if err != nil {
		h.respondWithError(w, "failed to replay poison entry", err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, map[string]string{
		"replayed":       entry.ID,
		"transaction_id": entry.Envelope.TransactionID,
	})
}

func (h *AdminHandler) respondWithError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, usecase.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	default:
		h.logger.Error(msg, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *AdminHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
