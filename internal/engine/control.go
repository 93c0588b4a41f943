package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/audit"
	"github.com/xela07ax/agentvm-trust/internal/domain"
)

// AgentStore: операции над агентами, которые выполняет шлюз.
type AgentStore interface {
	AgentReader
	TouchHeartbeat(ctx context.Context, id string) error
	TransitionStatus(ctx context.Context, id string, from, to domain.AgentStatus) error
}

type SecretReader interface {
	Get(ctx context.Context, userID, toolName string) (*domain.Secret, error)
}

type SecretOpener interface {
	Decrypt(ctx context.Context, env *domain.EncryptedEnvelope, aad domain.AadContext) ([]byte, error)
}

type Revoker interface {
	Revoke(ctx context.Context, agentID string) error
}

// AgentControl: привилегированные операции VM. Каждая проходит через guard
// до того, как трогает хранилище.
type AgentControl struct {
	guard   *LifecycleGuard
	agents  AgentStore
	secrets SecretReader
	crypto  SecretOpener
	revoker Revoker
	auditor audit.Auditor
	metrics *Metrics
	logger  *zap.Logger
}

func NewAgentControl(
	guard *LifecycleGuard,
	agents AgentStore,
	secrets SecretReader,
	crypto SecretOpener,
	revoker Revoker,
	auditor audit.Auditor,
	metrics *Metrics,
	logger *zap.Logger,
) *AgentControl {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &AgentControl{
		guard:   guard,
		agents:  agents,
		secrets: secrets,
		crypto:  crypto,
		revoker: revoker,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.Named("control").With(zap.String("mod", "agent-control")),
	}
}

// Heartbeat принимается только от running-агента. Запись атомарна: если статус
// сменился между проверкой и записью, heartbeat отклоняется.
func (c *AgentControl) Heartbeat(ctx context.Context, cred Credentials) error {
	agent, err := c.guard.Admit(ctx, cred, runningOnly)
	if err != nil {
		return err
	}

	if err := c.agents.TouchHeartbeat(ctx, agent.ID); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return fmt.Errorf("%w: status changed during heartbeat", ErrStatusNotAllowed)
		}
		return fmt.Errorf("heartbeat: %w", err)
	}

	c.auditor.Log(audit.SecurityEvent{
		TraceID: TraceIDFromContext(ctx),
		AgentID: agent.ID,
		UserID:  agent.UserID,
		Type:    audit.EventHeartbeat,
		Outcome: audit.OutcomeAllowed,
	})
	return nil
}

// ReportStatus применяет переход, о котором сообщает сама VM.
func (c *AgentControl) ReportStatus(ctx context.Context, cred Credentials, next domain.AgentStatus) (*domain.Agent, error) {
	agent, err := c.guard.Admit(ctx, cred, vmReportable)
	if err != nil {
		return nil, err
	}

	from := agent.Status
	if err := domain.CheckTransition(from, next); err != nil {
		c.logRejectedTransition(ctx, agent, next, err)
		return nil, err
	}

	if err := c.agents.TransitionStatus(ctx, agent.ID, from, next); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			c.logRejectedTransition(ctx, agent, next, err)
		}
		return nil, err
	}

	c.metrics.StatusTransitions.WithLabelValues(string(from), string(next)).Inc()
	c.auditor.Log(audit.SecurityEvent{
		TraceID: TraceIDFromContext(ctx),
		AgentID: agent.ID,
		UserID:  agent.UserID,
		Type:    audit.EventStatusTransition,
		Outcome: audit.OutcomeAllowed,
		Detail:  map[string]string{"from": string(from), "to": string(next), "source": "vm"},
	})
	c.logger.Info("agent status changed",
		zap.String("agent_id", agent.ID), zap.String("from", string(from)), zap.String("to", string(next)))

	if domain.IsTerminal(next) && c.revoker != nil {
		// Переход уже записан; сбой рассылки не отменяет его
		if err := c.revoker.Revoke(ctx, agent.ID); err != nil {
			c.logger.Warn("revocation broadcast failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}

	agent.Status = next
	return agent, nil
}

// FetchSecret расшифровывает секрет владельца агента для инструмента tool.
// Открытый текст принадлежит вызывающему, он обязан его обнулить.
func (c *AgentControl) FetchSecret(ctx context.Context, cred Credentials, tool string) ([]byte, error) {
	if tool == "" {
		return nil, domain.ErrMalformedRequest
	}
	agent, err := c.guard.Admit(ctx, cred, runningOnly)
	if err != nil {
		return nil, err
	}

	secret, err := c.secrets.Get(ctx, agent.UserID, tool)
	if err != nil {
		return nil, err
	}

	// AAD собирается из владельца агента, а не из записи: чужой конверт не откроется
	aad := domain.AadContext{UserID: agent.UserID, ToolName: tool}
	plaintext, err := c.crypto.Decrypt(ctx, &secret.Envelope, aad)
	if err != nil {
		c.metrics.CryptoOps.WithLabelValues("decrypt", "error").Inc()
		c.auditor.Log(audit.SecurityEvent{
			TraceID: TraceIDFromContext(ctx),
			AgentID: agent.ID,
			UserID:  agent.UserID,
			Type:    audit.EventSecretAccessed,
			Outcome: audit.OutcomeFailed,
			Reason:  err.Error(),
			Detail:  map[string]string{"tool": tool},
		})
		return nil, err
	}
	c.metrics.CryptoOps.WithLabelValues("decrypt", "ok").Inc()

	c.auditor.Log(audit.SecurityEvent{
		TraceID: TraceIDFromContext(ctx),
		AgentID: agent.ID,
		UserID:  agent.UserID,
		Type:    audit.EventSecretAccessed,
		Outcome: audit.OutcomeAllowed,
		Detail:  map[string]string{"tool": tool, "kms_key_version": secret.Envelope.KMSKeyVersion},
	})
	return plaintext, nil
}

func (c *AgentControl) logRejectedTransition(ctx context.Context, agent *domain.Agent, next domain.AgentStatus, err error) {
	c.auditor.Log(audit.SecurityEvent{
		TraceID: TraceIDFromContext(ctx),
		AgentID: agent.ID,
		UserID:  agent.UserID,
		Type:    audit.EventStatusTransition,
		Outcome: audit.OutcomeDenied,
		Reason:  err.Error(),
		Detail:  map[string]string{"from": string(agent.Status), "to": string(next), "source": "vm"},
	})
}
