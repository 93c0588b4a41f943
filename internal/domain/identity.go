package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// IdentityClaims: результат интроспекции identity-токена VM.
// Живет только в рамках одного запроса, никогда не сохраняется.
type IdentityClaims struct {
	Issuer              string `json:"iss"`
	Subject             string `json:"sub"`
	Audience            string `json:"aud"`
	IssuedAt            Epoch  `json:"iat"`
	ExpiresAt           Epoch  `json:"exp"`
	AuthorizedParty     string `json:"azp"`
	ServiceAccountEmail string `json:"email"`

	// Вложенный дескриптор GCE-инстанса (есть только у токенов с format=full)
	Google *GoogleClaims `json:"google,omitempty"`
}

type GoogleClaims struct {
	ComputeEngine *ComputeEngine `json:"compute_engine,omitempty"`
}

type ComputeEngine struct {
	ProjectID                 string `json:"project_id"`
	Zone                      string `json:"zone"`
	InstanceID                string `json:"instance_id"`
	InstanceName              string `json:"instance_name"`
	InstanceCreationTimestamp Epoch  `json:"instance_creation_timestamp"`
}

// Instance возвращает дескриптор инстанса или nil.
func (c *IdentityClaims) Instance() *ComputeEngine {
	if c == nil || c.Google == nil {
		return nil
	}
	return c.Google.ComputeEngine
}

// Validate проверяет наличие обязательных полей.
// Частично заполненный объект недоверенный: это ошибка парсинга.
func (c *IdentityClaims) Validate() error {
	switch {
	case c.Issuer == "":
		return fmt.Errorf("%w: missing iss", ErrClaimsParse)
	case c.Subject == "":
		return fmt.Errorf("%w: missing sub", ErrClaimsParse)
	case c.Audience == "":
		return fmt.Errorf("%w: missing aud", ErrClaimsParse)
	case c.ExpiresAt == 0:
		return fmt.Errorf("%w: missing exp", ErrClaimsParse)
	case c.ServiceAccountEmail == "":
		return fmt.Errorf("%w: missing email", ErrClaimsParse)
	}
	return nil
}

// Epoch: unix-время в секундах. tokeninfo отдает числа строками ("1700000000"),
// поэтому принимаем оба представления.
type Epoch int64

func (e *Epoch) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	if len(data) == 0 || string(data) == "null" {
		*e = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("epoch: %w", err)
	}
	*e = Epoch(v)
	return nil
}

func (e Epoch) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(e))
}

func (e Epoch) Time() time.Time {
	return time.Unix(int64(e), 0)
}

// VerificationResult хранит либо {Valid: true, Claims}, либо {Valid: false, Err}.
// Промежуточного "частично доверенного" состояния нет.
type VerificationResult struct {
	Valid  bool
	Claims *IdentityClaims
	Err    error
}

func Verified(claims *IdentityClaims) VerificationResult {
	return VerificationResult{Valid: true, Claims: claims}
}

func Rejected(err error) VerificationResult {
	return VerificationResult{Valid: false, Err: err}
}
