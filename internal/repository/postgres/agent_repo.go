package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/agentvm-trust/internal/domain"
)

type AgentRepo struct {
	db *sql.DB
}

func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{db: db}
}

const agentColumns = `id, user_id, name, repository, status, instance_name, zone,
	last_heartbeat_at, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var (
		a             domain.Agent
		status        string
		instance      sql.NullString
		zone          sql.NullString
		lastHeartbeat sql.NullTime
		deletedAt     sql.NullTime
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Repository, &status, &instance, &zone,
		&lastHeartbeat, &a.CreatedAt, &a.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	// Статус не валидируем: неизвестные значения остаются как есть и трактуются как терминальные
	a.Status = domain.AgentStatus(status)
	a.InstanceName = instance.String
	a.Zone = zone.String
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		a.LastHeartbeatAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		a.DeletedAt = &t
	}
	return &a, nil
}

// GetAgent возвращает неудаленного агента.
func (r *AgentRepo) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1 AND deleted_at IS NULL`

	a, err := scanAgent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return a, nil
}

// GetAgentForUser: то же, но с проверкой владельца (консоль).
func (r *AgentRepo) GetAgentForUser(ctx context.Context, userID, id string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	a, err := scanAgent(r.db.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return a, nil
}

func (r *AgentRepo) ListAgents(ctx context.Context, userID string) ([]*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 500`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// TransitionStatus делает compare-and-set: запись проходит, только если статус
// в базе все еще равен from. Проверку допустимости перехода делает вызывающий.
func (r *AgentRepo) TransitionStatus(ctx context.Context, id string, from, to domain.AgentStatus) error {
	query := `UPDATE agents SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("postgres: transition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: transition status: %w", err)
	}
	if n == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

// TouchHeartbeat обновляет только last_heartbeat_at и только у running-агента.
func (r *AgentRepo) TouchHeartbeat(ctx context.Context, id string) error {
	query := `UPDATE agents SET last_heartbeat_at = NOW()
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, string(domain.StatusRunning))
	if err != nil {
		return fmt.Errorf("postgres: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: heartbeat: %w", err)
	}
	if n == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

// SoftDelete помечает агента удаленным. Статус не меняется.
func (r *AgentRepo) SoftDelete(ctx context.Context, userID, id string) error {
	query := `UPDATE agents SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: delete agent: %w", err)
	}
	if n == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

// ListRevokedAgentIDs: агенты, которым шлюз должен отказывать сразу:
// удаленные и все, чей статус не входит в нетерминальные канонические.
func (r *AgentRepo) ListRevokedAgentIDs(ctx context.Context) ([]string, error) {
	query := `SELECT id FROM agents
		WHERE deleted_at IS NOT NULL
		   OR status NOT IN ('pending', 'provisioning', 'running', 'suspended', 'stopped')`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list revoked: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan revoked: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping проверяет доступность базы (readiness).
func (r *AgentRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
