// Package envelope реализует конвертное шифрование секретов пользователей.
//
// Каждый секрет шифруется собственным DEK (AES-256-GCM), DEK оборачивается
// KEK во внешнем KMS. AAD привязывает шифротекст к {userId, toolName}:
// перенос конверта на чужую запись ломает проверку тега.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/domain"
	"github.com/xela07ax/agentvm-trust/internal/infra/kms"
)

const (
	dekSize = 32
	ivSize  = 12
	tagSize = 16
)

type Crypto struct {
	km      kms.KeyManager
	keyName string
	logger  *zap.Logger
}

func New(km kms.KeyManager, keyName string, logger *zap.Logger) *Crypto {
	return &Crypto{
		km:      km,
		keyName: keyName,
		logger:  logger.Named("envelope").With(zap.String("mod", "crypto")),
	}
}

// Encrypt шифрует plaintext свежими DEK и IV. DEK обнуляется на выходе.
func (c *Crypto) Encrypt(ctx context.Context, plaintext []byte, aad domain.AadContext) (*domain.EncryptedEnvelope, error) {
	dek := make([]byte, dekSize)
	defer clear(dek)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("%w: generate dek: %v", domain.ErrEncryptFailed, err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: generate iv: %v", domain.ErrEncryptFailed, err)
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptFailed, err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad.Bytes())
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	wrapped, version, err := c.km.Encrypt(ctx, c.keyName, dek)
	if err != nil {
		c.logger.Error("wrap dek failed", zap.String("tool", aad.ToolName), zap.Error(err))
		return nil, fmt.Errorf("%w: wrap dek: %v", domain.ErrKMSUnavailable, err)
	}

	return &domain.EncryptedEnvelope{
		WrappedDEK:    base64.StdEncoding.EncodeToString(wrapped),
		IV:            base64.StdEncoding.EncodeToString(iv),
		AuthTag:       base64.StdEncoding.EncodeToString(tag),
		Ciphertext:    base64.StdEncoding.EncodeToString(ct),
		KMSKeyVersion: version,
	}, nil
}

// Decrypt разворачивает DEK через KMS и проверяет тег против aad.
// Версия ключа из конверта не используется: KMS определяет ее по блобу.
func (c *Crypto) Decrypt(ctx context.Context, env *domain.EncryptedEnvelope, aad domain.AadContext) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", domain.ErrDecryptFailed)
	}

	wrapped, err := decodeField("wrappedDek", env.WrappedDEK)
	if err != nil {
		return nil, err
	}
	iv, err := decodeField("iv", env.IV)
	if err != nil {
		return nil, err
	}
	tag, err := decodeField("authTag", env.AuthTag)
	if err != nil {
		return nil, err
	}
	ct, err := decodeField("ciphertext", env.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("%w: iv length %d", domain.ErrDecryptFailed, len(iv))
	}
	if len(tag) != tagSize {
		return nil, fmt.Errorf("%w: auth tag length %d", domain.ErrDecryptFailed, len(tag))
	}

	dek, err := c.km.Decrypt(ctx, c.keyName, wrapped)
	defer clear(dek)
	if err != nil {
		if kms.IsRejected(err) {
			c.logger.Warn("wrapped dek rejected by kms", zap.String("tool", aad.ToolName), zap.Error(err))
			return nil, fmt.Errorf("%w: unwrap dek: %v", domain.ErrDecryptFailed, err)
		}
		c.logger.Error("unwrap dek failed", zap.String("tool", aad.ToolName), zap.Error(err))
		return nil, fmt.Errorf("%w: unwrap dek: %v", domain.ErrKMSUnavailable, err)
	}
	if len(dek) != dekSize {
		return nil, fmt.Errorf("%w: dek length %d", domain.ErrDecryptFailed, len(dek))
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptFailed, err)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(append(sealed, ct...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad.Bytes())
	if err != nil {
		// Подмена контекста или данных. Детали наружу не отдаем.
		c.logger.Warn("envelope authentication failed",
			zap.String("user_id", aad.UserID), zap.String("tool", aad.ToolName))
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrDecryptFailed)
	}
	return plaintext, nil
}

// Rotate перешифровывает секрет свежими DEK и IV текущей версией KEK.
func (c *Crypto) Rotate(ctx context.Context, env *domain.EncryptedEnvelope, aad domain.AadContext) (*domain.EncryptedEnvelope, error) {
	plaintext, err := c.Decrypt(ctx, env, aad)
	defer clear(plaintext)
	if err != nil {
		return nil, err
	}
	rotated, err := c.Encrypt(ctx, plaintext, aad)
	if err != nil {
		return nil, err
	}
	c.logger.Info("envelope rotated",
		zap.String("tool", aad.ToolName),
		zap.String("from_version", env.KMSKeyVersion),
		zap.String("to_version", rotated.KMSKeyVersion))
	return rotated, nil
}

func decodeField(name, v string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrDecryptFailed, name, err)
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
