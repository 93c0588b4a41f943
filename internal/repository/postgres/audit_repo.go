package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/agentvm-trust/internal/audit"
)

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Количество колонок в таблице audit_logs
const auditFields = 9

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(events)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * auditFields
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("postgres: marshal audit detail: %w", err)
		}
		vals = append(vals,
			e.ID, e.TraceID, nullable(e.AgentID), nullable(e.UserID),
			string(e.Type), e.Outcome, e.Reason, detail, e.Timestamp,
		)
	}

	query := "INSERT INTO audit_logs (id, trace_id, agent_id, user_id, event_type, outcome, reason, detail, timestamp) VALUES " + sb.String()

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// FetchLogs: выборка для консоли, свежие события первыми.
func (r *AuditRepo) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.SecurityEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Type != "" {
		add("event_type = $%d", f.Type)
	}

	query := `SELECT id, trace_id, COALESCE(agent_id, ''), COALESCE(user_id, ''), event_type, outcome, reason, detail, timestamp
		FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]audit.SecurityEvent, 0)
	for rows.Next() {
		var (
			e      audit.SecurityEvent
			typ    string
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.AgentID, &e.UserID, &typ, &e.Outcome, &e.Reason, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		e.Type = audit.EventType(typ)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: decode audit detail: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
