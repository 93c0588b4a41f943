// Package kms: клиенты внешнего сервиса управления ключами (KEK).
//
// KEK используется только для обертки/развертки DEK и никогда не шифрует
// пользовательские данные напрямую. Версию ключа при развертке сервис
// определяет сам по обернутому блобу, поэтому Decrypt не принимает версию.
package kms

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// KeyManager: примитивы wrap/unwrap над именованным симметричным ключом.
type KeyManager interface {
	// Encrypt оборачивает plaintext, возвращая блоб и версию ключа (для аудита).
	Encrypt(ctx context.Context, keyName string, plaintext []byte) (ciphertext []byte, keyVersion string, err error)
	// Decrypt разворачивает блоб, произведенный Encrypt любой версией ключа.
	Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error)
}

var (
	// ErrMissingField: в ответе KMS нет ожидаемого поля. Жесткая ошибка.
	ErrMissingField = errors.New("kms: response missing expected field")
	// ErrInvalidCiphertext: блоб не разворачивается (поврежден, чужой ключ, неизвестная версия).
	ErrInvalidCiphertext = errors.New("kms: invalid ciphertext")
)

// ThrottleError: KMS просит повторить позже (HTTP 429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// HTTPError: не-2xx ответ KMS.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("kms %s: status %d: %s", e.Op, e.Status, e.Body)
}

// TransportError: запрос не дошел до KMS (сеть, DNS, таймаут).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("kms %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable: ретраить имеет смысл только сбои инфраструктуры:
// троттлинг, 5xx и транспорт. 4xx и ошибки формата постоянные.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var tErr *ThrottleError
	if errors.As(err, &tErr) {
		return true
	}
	var hErr *HTTPError
	if errors.As(err, &hErr) {
		return hErr.Status >= 500
	}
	var trErr *TransportError
	return errors.As(err, &trErr)
}

// IsRejected: KMS доступен, но отверг сам запрос. Повтор ничего не даст,
// а для Decrypt это значит, что конверт испорчен.
func IsRejected(err error) bool {
	if errors.Is(err, ErrInvalidCiphertext) {
		return true
	}
	var hErr *HTTPError
	return errors.As(err, &hErr) && hErr.Status >= 400 && hErr.Status < 500
}
