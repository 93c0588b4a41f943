package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/agentvm-trust/internal/audit"
)

// AuditLogProvider описывает контракт для чтения журнала безопасности.
type AuditLogProvider interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.SecurityEvent, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

// FetchLogs отдает события только текущего пользователя, что бы ни пришло в фильтре.
func (s *AuditService) FetchLogs(ctx context.Context, userID string, f audit.Filter) ([]audit.SecurityEvent, error) {
	f.UserID = userID
	logs, err := s.repo.FetchLogs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}
