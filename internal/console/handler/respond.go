package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/engine"
	"github.com/xela07ax/agentvm-trust/internal/infra/auth"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError отдает наружу только код ошибки; текст остается в логе.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := engine.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("console request failed",
			zap.String("path", r.URL.Path),
			zap.String("trace_id", engine.TraceIDFromContext(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": engine.ErrorCode(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// currentUser: id пользователя из RS256-токена (кладет auth.NewMiddleware).
func currentUser(r *http.Request) string {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.UserID
}
