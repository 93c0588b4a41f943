package engine

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/infra"
)

// RevokedSource: источник правды об отозванных агентах (Postgres).
type RevokedSource interface {
	ListRevokedAgentIDs(ctx context.Context) ([]string, error)
}

// RevocationManager: L1-кэш агентов, ушедших в терминальный статус или удаленных.
// Используется только для быстрого отказа: отсутствие в кэше ничего не разрешает,
// решение все равно принимается по статусу из базы.
type RevocationManager struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
	rdb     *redis.Client
	source  RevokedSource
	logger  *zap.Logger
}

func NewRevocationManager(rdb *redis.Client, source RevokedSource, logger *zap.Logger) *RevocationManager {
	return &RevocationManager{
		revoked: make(map[string]struct{}),
		rdb:     rdb,
		source:  source,
		logger:  logger.Named("revocation").With(zap.String("mod", "revocation")),
	}
}

// Init загружает отзывы из базы в L1 и при необходимости прогревает Redis-сет.
func (m *RevocationManager) Init(ctx context.Context) error {
	ids, err := m.source.ListRevokedAgentIDs(ctx)
	if err != nil {
		return err
	}
	if m.rdb == nil {
		m.replace(ids)
		return nil
	}
	return WarmupState(ctx, m.rdb, m.logger, ids,
		infra.RedisKeyRevokedAgents, infra.RedisKeyLockWarmupRevoked, m.replace)
}

// StartListener держит подписку на сигналы отзыва. Блокирует до отмены ctx.
func (m *RevocationManager) StartListener(ctx context.Context) {
	m.logger.Info("revocation listener started", zap.String("chan", infra.RedisChanRevocation))
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanRevocation,
		func() error { return m.Init(ctx) },
		m.apply,
	)
}

func (m *RevocationManager) apply(agentID string, revoked bool) {
	if revoked {
		m.MarkRevoked(agentID)
	} else {
		m.mu.Lock()
		delete(m.revoked, agentID)
		m.mu.Unlock()
	}
	m.logger.Info("revocation signal applied", zap.String("agent_id", agentID), zap.Bool("revoked", revoked))
}

// replace заменяет L1 целиком: сигналы, пропущенные за время разрыва, не теряются.
func (m *RevocationManager) replace(ids []string) {
	fresh := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		fresh[id] = struct{}{}
	}
	m.mu.Lock()
	m.revoked = fresh
	m.mu.Unlock()
}

// MarkRevoked: локальная пометка (например, сразу после собственного перехода в терминальный статус).
func (m *RevocationManager) MarkRevoked(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[agentID] = struct{}{}
}

func (m *RevocationManager) IsRevoked(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[agentID]
	return ok
}

// Revoke помечает агента отозванным локально и рассылает сигнал остальным инстансам.
// Ошибка Redis не откатывает L1: отказ остается в силе хотя бы на этом инстансе.
func (m *RevocationManager) Revoke(ctx context.Context, agentID string) error {
	m.MarkRevoked(agentID)
	if m.rdb == nil {
		return nil
	}

	pipe := m.rdb.TxPipeline()
	pipe.SAdd(ctx, infra.RedisKeyRevokedAgents, agentID)
	pipe.Publish(ctx, infra.RedisChanRevocation, infra.RevocationSignal(agentID, true))
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("revocation signal delivery failed", zap.String("agent_id", agentID), zap.Error(err))
		return err
	}
	return nil
}
