package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentvm"
)

// Ключи для Sets (состояние)
const (
	RedisKeyRevokedAgents     = RedisNamespace + ":agents:revoked_set"
	RedisKeyLockWarmupRevoked = RedisNamespace + ":lock:warmup:revoked"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanRevocation: "agentID:on" при переходе в терминальный статус или удалении.
	RedisChanRevocation = RedisNamespace + ":agents:revocation-signal"
)

// RevocationSignal формирует payload сигнала отзыва: "<agentID>:on|off".
func RevocationSignal(agentID string, revoked bool) string {
	if revoked {
		return agentID + ":on"
	}
	return agentID + ":off"
}
