package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/console/handler"
	"github.com/xela07ax/agentvm-trust/internal/domain"
	"github.com/xela07ax/agentvm-trust/internal/engine"
	"github.com/xela07ax/agentvm-trust/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов пользователей (RS256)
	authValidator auth.TokenValidator

	authHandler   *handler.AuthHandler   // /auth/token
	agentHandler  *handler.AgentHandler  // /v1/agents
	secretHandler *handler.SecretHandler // /v1/secrets, /v1/admin/secrets
	auditHandler  *handler.AuditHandler  // /v1/audit
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	secretH *handler.SecretHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		authHandler:   authH,
		agentHandler:  agentH,
		secretHandler: secretH,
		auditHandler:  auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.authHandler.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Защищенный периметр (RS256) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Mount("/v1/agents", s.agentHandler.Routes())
		r.Mount("/v1/secrets", s.secretHandler.Routes())
		r.Get("/v1/audit", s.auditHandler.GetLogs)

		r.With(auth.RequireScope(domain.ScopeAdmin)).
			Post("/v1/admin/secrets/rotate", s.secretHandler.RotateAll)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
