package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/console/service"
	"github.com/xela07ax/agentvm-trust/internal/domain"
)

// SecretHandler никогда не возвращает открытый текст: только метаданные.
type SecretHandler struct {
	service *service.SecretService
	logger  *zap.Logger
}

func NewSecretHandler(s *service.SecretService, logger *zap.Logger) *SecretHandler {
	return &SecretHandler{service: s, logger: logger.Named("secret-handler")}
}

// Routes монтируется под /v1/secrets
func (h *SecretHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Route("/{tool}", func(r chi.Router) {
		r.Put("/", h.Put)
		r.Delete("/", h.Delete)
		r.Post("/rotate", h.Rotate)
	})
	return r
}

func (h *SecretHandler) List(w http.ResponseWriter, r *http.Request) {
	metas, err := h.service.List(r.Context(), currentUser(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

type putSecretRequest struct {
	Value string `json:"value"`
}

func (h *SecretHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req putSecretRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Value == "" {
		writeError(w, r, h.logger, domain.ErrMalformedRequest)
		return
	}

	tool := chi.URLParam(r, "tool")
	if err := h.service.Put(r.Context(), currentUser(r), tool, []byte(req.Value)); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SecretHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), currentUser(r), chi.URLParam(r, "tool")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SecretHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	meta, err := h.service.Rotate(r.Context(), currentUser(r), chi.URLParam(r, "tool"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// RotateAll: POST /v1/admin/secrets/rotate, только со scope admin.
func (h *SecretHandler) RotateAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RotateAll(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
