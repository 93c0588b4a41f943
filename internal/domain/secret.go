package domain

import (
	"encoding/json"
	"time"
)

// EncryptedEnvelope: то, что лежит в хранилище вместо секрета.
// Все бинарные поля в base64. KMSKeyVersion нужен только для аудита,
// расшифровка от него не зависит.
type EncryptedEnvelope struct {
	WrappedDEK    string `json:"wrappedDek"`
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	Ciphertext    string `json:"ciphertext"`
	KMSKeyVersion string `json:"kmsKeyVersion"`
}

// AadContext привязывает шифротекст к владельцу и инструменту.
// Не хранится отдельно: восстанавливается из метаданных секрета.
type AadContext struct {
	UserID   string `json:"userId"`
	ToolName string `json:"toolName"`
}

// Bytes: детерминированная сериализация для AAD.
// Порядок полей фиксирован объявлением структуры.
func (c AadContext) Bytes() []byte {
	b, _ := json.Marshal(c) // две строки, ошибка невозможна
	return b
}

// Secret: пользовательский секрет (API-ключ инструмента) в зашифрованном виде.
type Secret struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	ToolName  string            `json:"tool_name"`
	Envelope  EncryptedEnvelope `json:"-"` // Наружу не отдаем даже шифротекст
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// AAD восстанавливает контекст привязки из метаданных владения.
func (s *Secret) AAD() AadContext {
	return AadContext{UserID: s.UserID, ToolName: s.ToolName}
}

// SecretMeta: публичное представление секрета для консоли.
type SecretMeta struct {
	ToolName      string    `json:"tool_name"`
	KMSKeyVersion string    `json:"kms_key_version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RotationReport: итог массовой ротации.
type RotationReport struct {
	Total   int      `json:"total"`
	Rotated int      `json:"rotated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}
