package domain

import (
	"fmt"
	"slices"
	"time"
)

// AgentStatus: статус жизненного цикла VM-агента.
// Закрытое множество из шести значений; все прочие строки (в том числе legacy)
// считаются "нераспознанными" и классифицируются как терминальные и неактивные.
type AgentStatus string

const (
	StatusPending      AgentStatus = "pending"      // Запись создана, VM еще не заказана
	StatusProvisioning AgentStatus = "provisioning" // VM создается
	StatusRunning      AgentStatus = "running"      // VM работает, принимаем heartbeat
	StatusSuspended    AgentStatus = "suspended"    // Приостановлен оператором
	StatusStopped      AgentStatus = "stopped"      // VM остановлена, может быть перезапущена
	StatusFailed       AgentStatus = "failed"       // Терминальный статус
)

// Legacy-значения из старых записей. Текущая логика их никогда не пишет.
const (
	StatusLegacyCancelled AgentStatus = "cancelled"
	StatusLegacyCompleted AgentStatus = "completed"
)

// transitions: таблица переходов. Тотальна по шести каноническим статусам.
var transitions = map[AgentStatus][]AgentStatus{
	StatusPending:      {StatusProvisioning, StatusFailed},
	StatusProvisioning: {StatusRunning, StatusFailed},
	StatusRunning:      {StatusSuspended, StatusStopped, StatusFailed},
	StatusSuspended:    {StatusRunning, StatusStopped},
	StatusStopped:      {StatusRunning},
	StatusFailed:       {},
}

// CanonicalStatuses возвращает шесть канонических статусов в порядке жизненного цикла.
func CanonicalStatuses() []AgentStatus {
	return []AgentStatus{StatusPending, StatusProvisioning, StatusRunning, StatusSuspended, StatusStopped, StatusFailed}
}

// IsCanonical сообщает, входит ли значение в закрытое множество статусов.
func (s AgentStatus) IsCanonical() bool {
	_, ok := transitions[s]
	return ok
}

// ValidTransitions возвращает допустимые следующие статусы.
// Для любого неканонического значения возвращается пустой срез, без ошибки.
func ValidTransitions(s AgentStatus) []AgentStatus {
	next, ok := transitions[s]
	if !ok {
		return []AgentStatus{}
	}
	return slices.Clone(next)
}

// IsTerminal: из статуса нет исходящих переходов.
// Неизвестные и legacy статусы всегда терминальны: поллеры должны остановиться.
func IsTerminal(s AgentStatus) bool {
	return len(ValidTransitions(s)) == 0
}

// IsActive: агент еще "что-то делает".
func IsActive(s AgentStatus) bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusRunning:
		return true
	default:
		return false
	}
}

// CanTransition проверяет ребро from -> to в таблице переходов.
func CanTransition(from, to AgentStatus) bool {
	return slices.Contains(transitions[from], to)
}

// CheckTransition: то же, что CanTransition, но с ошибкой для сервисного слоя.
func CheckTransition(from, to AgentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	return nil
}

type Agent struct {
	ID           string      `json:"id"`            // UUID
	UserID       string      `json:"user_id"`       // Владелец (от его имени расшифровываются секреты)
	Name         string      `json:"name"`          // Человекочитаемое имя
	Repository   string      `json:"repository"`    // GitHub-репозиторий, над которым работает агент
	Status       AgentStatus `json:"status"`        // Текущее состояние жизненного цикла
	InstanceName string      `json:"instance_name"` // Имя VM, выданное провижинингом
	Zone         string      `json:"zone,omitempty"`

	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	// Удаление: отдельное событие, а не статус
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted сообщает, что запись помечена удаленной.
func (a *Agent) IsDeleted() bool {
	return a.DeletedAt != nil
}
