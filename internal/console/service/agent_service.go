package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/audit"
	"github.com/xela07ax/agentvm-trust/internal/domain"
	"github.com/xela07ax/agentvm-trust/internal/engine"
)

// AgentRepository описывает требования к хранилищу данных об агентах.
// Все чтения ограничены владельцем.
type AgentRepository interface {
	GetAgentForUser(ctx context.Context, userID, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context, userID string) ([]*domain.Agent, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.AgentStatus) error
	SoftDelete(ctx context.Context, userID, id string) error
}

// Revoker рассылает сигнал отзыва шлюзам (engine.RevocationManager).
type Revoker interface {
	Revoke(ctx context.Context, agentID string) error
}

type AgentService struct {
	repo    AgentRepository
	revoker Revoker
	auditor audit.Auditor
	logger  *zap.Logger
}

func NewAgentService(repo AgentRepository, revoker Revoker, auditor audit.Auditor, logger *zap.Logger) *AgentService {
	return &AgentService{
		repo:    repo,
		revoker: revoker,
		auditor: auditor,
		logger:  logger.Named("agent-service"),
	}
}

// ListAgents возвращает агентов пользователя. Пустой список отдается как [], а не null.
func (s *AgentService) ListAgents(ctx context.Context, userID string) ([]*domain.Agent, error) {
	agents, err := s.repo.ListAgents(ctx, userID)
	if err != nil {
		s.logger.Error("failed to list agents from repository", zap.Error(err))
		return nil, fmt.Errorf("service: could not fetch agents: %w", err)
	}
	if agents == nil {
		return []*domain.Agent{}, nil
	}
	return agents, nil
}

func (s *AgentService) GetAgent(ctx context.Context, userID, agentID string) (*domain.Agent, error) {
	return s.repo.GetAgentForUser(ctx, userID, agentID)
}

// Transition: смена статуса оператором. Таблица переходов та же, что и для VM;
// запись compare-and-set, терминальный статус сразу рассылает отзыв.
func (s *AgentService) Transition(ctx context.Context, userID, agentID string, next domain.AgentStatus) (*domain.Agent, error) {
	agent, err := s.repo.GetAgentForUser(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}

	from := agent.Status
	if err := domain.CheckTransition(from, next); err != nil {
		return nil, err
	}
	if err := s.repo.TransitionStatus(ctx, agent.ID, from, next); err != nil {
		return nil, err
	}

	s.auditor.Log(audit.SecurityEvent{
		TraceID: engine.TraceIDFromContext(ctx),
		AgentID: agent.ID,
		UserID:  userID,
		Type:    audit.EventStatusTransition,
		Outcome: audit.OutcomeAllowed,
		Detail:  map[string]string{"from": string(from), "to": string(next), "source": "console"},
	})
	s.logger.Info("agent state updated",
		zap.String("agent_id", agent.ID),
		zap.String("from", string(from)),
		zap.String("new_status", string(next)))

	if domain.IsTerminal(next) {
		s.revoke(ctx, agent.ID)
	}

	agent.Status = next
	return agent, nil
}

// DeleteAgent: мягкое удаление. Удаленный агент для шлюза не существует.
func (s *AgentService) DeleteAgent(ctx context.Context, userID, agentID string) error {
	if err := s.repo.SoftDelete(ctx, userID, agentID); err != nil {
		return err
	}

	s.auditor.Log(audit.SecurityEvent{
		TraceID: engine.TraceIDFromContext(ctx),
		AgentID: agentID,
		UserID:  userID,
		Type:    audit.EventAgentDeleted,
		Outcome: audit.OutcomeAllowed,
	})
	s.revoke(ctx, agentID)
	return nil
}

// revoke: сбой Redis не откатывает запись, шлюз все равно откажет по статусу из базы
func (s *AgentService) revoke(ctx context.Context, agentID string) {
	if s.revoker == nil {
		return
	}
	if err := s.revoker.Revoke(ctx, agentID); err != nil {
		s.logger.Warn("runtime signal delivery failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}
