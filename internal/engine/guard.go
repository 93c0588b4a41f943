package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/audit"
	"github.com/xela07ax/agentvm-trust/internal/domain"
	"github.com/xela07ax/agentvm-trust/internal/infra/auth"
)

var (
	ErrAgentRevoked     = errors.New("agent revoked")
	ErrUnauthenticated  = errors.New("identity verification failed")
	ErrBindingFailed    = errors.New("identity is not bound to agent")
	ErrStatusNotAllowed = errors.New("agent status does not allow this operation")
)

// IdentityVerifier: то, что guard'у нужно от auth.IdentityVerifier.
type IdentityVerifier interface {
	VerifyIdentityToken(ctx context.Context, token, expectedAudience string) domain.VerificationResult
	ExtractAgentID(requestAgentID string, claims *domain.IdentityClaims) (string, bool)
}

type AgentReader interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

type RevocationChecker interface {
	IsRevoked(agentID string) bool
}

// Credentials: то, чем VM представляется на каждом вызове.
type Credentials struct {
	AuthHeader string // "Bearer <identity token>"
	AgentID    string // Заявленный агент (путь или метаданные)
}

// LifecycleGuard является единой точкой допуска VM-запросов (идентичность, привязка
// к агенту и статус). Любая ошибка на любом шаге означает отказ.
type LifecycleGuard struct {
	verifier IdentityVerifier
	audience string
	agents   AgentReader
	revoked  RevocationChecker
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger
}

func NewLifecycleGuard(
	verifier IdentityVerifier,
	audience string,
	agents AgentReader,
	revoked RevocationChecker,
	auditor audit.Auditor,
	metrics *Metrics,
	logger *zap.Logger,
) *LifecycleGuard {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &LifecycleGuard{
		verifier: verifier,
		audience: audience,
		agents:   agents,
		revoked:  revoked,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("guard").With(zap.String("mod", "lifecycle")),
	}
}

// Admit проверяет запрос по порядку: формат, токен, привязка, отзыв, агент, статус.
// allowed решает, допустим ли текущий статус для операции.
func (g *LifecycleGuard) Admit(ctx context.Context, cred Credentials, allowed func(domain.AgentStatus) bool) (*domain.Agent, error) {
	token, ok := auth.ExtractBearerToken(cred.AuthHeader)
	if cred.AgentID == "" || !ok {
		return nil, g.reject(ctx, cred.AgentID, "", audit.EventIdentityRejected, "malformed", domain.ErrMalformedRequest, nil)
	}

	res := g.verifier.VerifyIdentityToken(ctx, token, g.audience)
	if !res.Valid {
		g.metrics.VerificationTotal.WithLabelValues(verificationReason(res.Err)).Inc()
		return nil, g.reject(ctx, cred.AgentID, "", audit.EventIdentityRejected, "identity",
			fmt.Errorf("%w: %w", ErrUnauthenticated, res.Err), nil)
	}
	g.metrics.VerificationTotal.WithLabelValues("valid").Inc()

	agentID, ok := g.verifier.ExtractAgentID(cred.AgentID, res.Claims)
	if !ok {
		detail := map[string]string{}
		if inst := res.Claims.Instance(); inst != nil {
			detail["observed_instance"] = inst.InstanceName
			detail["zone"] = inst.Zone
		}
		return nil, g.reject(ctx, cred.AgentID, "", audit.EventBindingRejected, "binding", ErrBindingFailed, detail)
	}

	// Отзыв проверяется только для подтвержденной VM.
	// L1 только ускоряет отказ, отсутствие в кэше ничего не разрешает
	if g.revoked != nil && g.revoked.IsRevoked(agentID) {
		return nil, g.reject(ctx, agentID, "", audit.EventRevokedRejected, "revoked", ErrAgentRevoked, nil)
	}

	agent, err := g.agents.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			return nil, g.reject(ctx, agentID, "", audit.EventStatusRejected, "not_found", err, nil)
		}
		g.logger.Error("agent lookup failed", zap.String("agent_id", agentID), zap.Error(err))
		return nil, fmt.Errorf("guard: load agent: %w", err)
	}
	if agent.IsDeleted() {
		return nil, g.reject(ctx, agentID, agent.UserID, audit.EventStatusRejected, "not_found", domain.ErrAgentNotFound, nil)
	}

	if !allowed(agent.Status) {
		return nil, g.reject(ctx, agentID, agent.UserID, audit.EventStatusRejected, "status",
			fmt.Errorf("%w: %s", ErrStatusNotAllowed, agent.Status),
			map[string]string{"status": string(agent.Status)})
	}

	return agent, nil
}

func (g *LifecycleGuard) reject(
	ctx context.Context,
	agentID, userID string,
	typ audit.EventType,
	reason string,
	err error,
	detail map[string]string,
) error {
	g.metrics.GuardRejections.WithLabelValues(reason).Inc()
	g.logger.Warn("vm request rejected",
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
		zap.String("trace_id", TraceIDFromContext(ctx)),
		zap.Error(err))

	g.auditor.Log(audit.SecurityEvent{
		TraceID: TraceIDFromContext(ctx),
		AgentID: agentID,
		UserID:  userID,
		Type:    typ,
		Outcome: audit.OutcomeDenied,
		Reason:  err.Error(),
		Detail:  detail,
	})
	return err
}

func verificationReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyToken):
		return "empty_token"
	case errors.Is(err, domain.ErrIntrospectionFailed):
		return "introspection_failed"
	case errors.Is(err, domain.ErrClaimsParse):
		return "claims_parse"
	case errors.Is(err, domain.ErrAudienceMismatch):
		return "audience"
	case errors.Is(err, domain.ErrIssuerMismatch):
		return "issuer"
	case errors.Is(err, domain.ErrServiceAccountMismatch):
		return "service_account"
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	default:
		return "other"
	}
}

// Предикаты статусов для операций

func runningOnly(s domain.AgentStatus) bool { return s == domain.StatusRunning }

func nonTerminal(s domain.AgentStatus) bool { return !domain.IsTerminal(s) }

// vmReportable: VM сообщает о себе из любого нетерминального статуса, кроме
// suspended. Приостановку снимает только оператор.
func vmReportable(s domain.AgentStatus) bool {
	return nonTerminal(s) && s != domain.StatusSuspended
}
