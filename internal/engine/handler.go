package engine

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/domain"
)

const maxVMBodyBytes = 4 << 10

// Handler: HTTP-поверхность AgentControl для VM.
type Handler struct {
	control *AgentControl
	metrics *Metrics
	logger  *zap.Logger
}

func NewHandler(control *AgentControl, metrics *Metrics, logger *zap.Logger) *Handler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Handler{control: control, metrics: metrics, logger: logger.Named("vm-http")}
}

// Routes монтируется под /v1/vm
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/agents/{agentID}", func(r chi.Router) {
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/status", h.ReportStatus)
		r.Get("/secrets/{tool}", h.FetchSecret)
	})
	return r
}

func credentials(r *http.Request) Credentials {
	return Credentials{
		AuthHeader: r.Header.Get("Authorization"),
		AgentID:    chi.URLParam(r, "agentID"),
	}
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := h.control.Heartbeat(r.Context(), credentials(r))
	if err != nil {
		h.writeError(w, r, "heartbeat", start, err)
		return
	}
	h.observe("heartbeat", http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}

type statusRequest struct {
	Status domain.AgentStatus `json:"status"`
}

type statusResponse struct {
	ID     string             `json:"id"`
	Status domain.AgentStatus `json:"status"`
}

func (h *Handler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req statusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVMBodyBytes)).Decode(&req); err != nil || req.Status == "" {
		h.writeError(w, r, "status", start, domain.ErrMalformedRequest)
		return
	}

	agent, err := h.control.ReportStatus(r.Context(), credentials(r), req.Status)
	if err != nil {
		h.writeError(w, r, "status", start, err)
		return
	}
	h.observe("status", http.StatusOK, start)
	writeJSON(w, http.StatusOK, statusResponse{ID: agent.ID, Status: agent.Status})
}

type secretResponse struct {
	Tool  string `json:"tool"`
	Value string `json:"value"`
}

func (h *Handler) FetchSecret(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tool := chi.URLParam(r, "tool")

	plaintext, err := h.control.FetchSecret(r.Context(), credentials(r), tool)
	if err != nil {
		h.writeError(w, r, "secret", start, err)
		return
	}
	defer clear(plaintext)

	w.Header().Set("Cache-Control", "no-store")
	h.observe("secret", http.StatusOK, start)
	writeJSON(w, http.StatusOK, secretResponse{Tool: tool, Value: string(plaintext)})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, start time.Time, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("vm request failed",
			zap.String("op", op),
			zap.String("trace_id", TraceIDFromContext(r.Context())),
			zap.Error(err))
	}
	h.observe(op, status, start)
	writeJSON(w, status, map[string]string{"error": ErrorCode(err)})
}

func (h *Handler) observe(op string, status int, start time.Time) {
	h.metrics.RequestDuration.WithLabelValues(op, http.StatusText(status)).Observe(time.Since(start).Seconds())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
