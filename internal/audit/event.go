package audit

import "time"

// EventType: класс события безопасности.
type EventType string

const (
	EventIdentityRejected EventType = "identity_rejected"
	EventBindingRejected  EventType = "binding_rejected"
	EventStatusRejected   EventType = "status_rejected"
	EventRevokedRejected  EventType = "revoked_rejected"
	EventHeartbeat        EventType = "heartbeat"
	EventStatusTransition EventType = "status_transition"
	EventSecretAccessed   EventType = "secret_accessed"
	EventSecretStored     EventType = "secret_stored"
	EventSecretRotated    EventType = "secret_rotated"
	EventSecretDeleted    EventType = "secret_deleted"
	EventAgentDeleted     EventType = "agent_deleted"
)

const (
	OutcomeAllowed = "ALLOWED"
	OutcomeDenied  = "DENIED"
	OutcomeFailed  = "FAILED"
)

type SecurityEvent struct {
	ID      string    `json:"id"`       // UUID события
	TraceID string    `json:"trace_id"` // Сквозной ID запроса
	AgentID string    `json:"agent_id"`
	UserID  string    `json:"user_id"`
	Type    EventType `json:"type"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason"` // Причина отказа (текст ошибки без секретов)

	// Контекст: статусы перехода, инструмент, инстанс и т.п.
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Filter: условия выборки журнала. Пустые поля не ограничивают.
type Filter struct {
	UserID  string
	AgentID string
	Type    string
	Limit   int
}
