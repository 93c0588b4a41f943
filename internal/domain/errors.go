package domain

import "errors"

// Жизненный цикл агента
var (
	ErrInvalidTransition = errors.New("invalid agent status transition")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrStatusConflict    = errors.New("agent status changed concurrently")
)

// Консоль
var ErrInvalidCredentials = errors.New("invalid credentials")

// Верификация VM-идентичности
var (
	ErrMalformedRequest       = errors.New("malformed request")
	ErrEmptyToken             = errors.New("empty identity token")
	ErrIntrospectionFailed    = errors.New("token introspection failed")
	ErrClaimsParse            = errors.New("identity claims could not be parsed")
	ErrAudienceMismatch       = errors.New("token audience mismatch")
	ErrIssuerMismatch         = errors.New("token issuer not allowed")
	ErrServiceAccountMismatch = errors.New("token service account not allowed")
	ErrTokenExpired           = errors.New("token expired")
)

// Секреты
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrSecretConflict = errors.New("secret changed concurrently")
	ErrEncryptFailed  = errors.New("secret encryption failed")
	ErrDecryptFailed  = errors.New("secret decryption failed")
	ErrKMSUnavailable = errors.New("key management call failed")
)
