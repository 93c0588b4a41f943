package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/audit"
	"github.com/xela07ax/agentvm-trust/internal/domain"
	"github.com/xela07ax/agentvm-trust/internal/engine"
)

const defaultRotateBatch = 100

type SecretRepository interface {
	Upsert(ctx context.Context, userID, toolName string, env *domain.EncryptedEnvelope) error
	Get(ctx context.Context, userID, toolName string) (*domain.Secret, error)
	List(ctx context.Context, userID string) ([]domain.SecretMeta, error)
	Delete(ctx context.Context, userID, toolName string) error
	ReplaceEnvelope(ctx context.Context, id, oldWrappedDEK string, env *domain.EncryptedEnvelope) error
	ListBatch(ctx context.Context, afterID string, limit int) ([]*domain.Secret, error)
}

// Sealer: envelope.Crypto со стороны консоли. Расшифровка наружу консоли не нужна.
type Sealer interface {
	Encrypt(ctx context.Context, plaintext []byte, aad domain.AadContext) (*domain.EncryptedEnvelope, error)
	Rotate(ctx context.Context, env *domain.EncryptedEnvelope, aad domain.AadContext) (*domain.EncryptedEnvelope, error)
}

// SecretService хранит пользовательские секреты. Открытый текст сюда только входит.
type SecretService struct {
	repo      SecretRepository
	crypto    Sealer
	auditor   audit.Auditor
	batchSize int
	logger    *zap.Logger
}

func NewSecretService(repo SecretRepository, crypto Sealer, auditor audit.Auditor, batchSize int, logger *zap.Logger) *SecretService {
	if batchSize <= 0 {
		batchSize = defaultRotateBatch
	}
	return &SecretService{
		repo:      repo,
		crypto:    crypto,
		auditor:   auditor,
		batchSize: batchSize,
		logger:    logger.Named("secret-service"),
	}
}

// Put шифрует value под AAD {userID, tool} и сохраняет конверт.
// value обнуляется после шифрования.
func (s *SecretService) Put(ctx context.Context, userID, tool string, value []byte) error {
	defer clear(value)
	if tool == "" || len(value) == 0 {
		return domain.ErrMalformedRequest
	}

	env, err := s.crypto.Encrypt(ctx, value, domain.AadContext{UserID: userID, ToolName: tool})
	if err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, userID, tool, env); err != nil {
		return fmt.Errorf("service: store secret: %w", err)
	}

	s.logEvent(ctx, userID, audit.EventSecretStored, audit.OutcomeAllowed, "", map[string]string{
		"tool": tool, "kms_key_version": env.KMSKeyVersion,
	})
	return nil
}

func (s *SecretService) List(ctx context.Context, userID string) ([]domain.SecretMeta, error) {
	metas, err := s.repo.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service: list secrets: %w", err)
	}
	if metas == nil {
		return []domain.SecretMeta{}, nil
	}
	return metas, nil
}

func (s *SecretService) Delete(ctx context.Context, userID, tool string) error {
	if err := s.repo.Delete(ctx, userID, tool); err != nil {
		return err
	}
	s.logEvent(ctx, userID, audit.EventSecretDeleted, audit.OutcomeAllowed, "", map[string]string{"tool": tool})
	return nil
}

// Rotate перешифровывает один секрет пользователя текущей версией KEK.
func (s *SecretService) Rotate(ctx context.Context, userID, tool string) (*domain.SecretMeta, error) {
	secret, err := s.repo.Get(ctx, userID, tool)
	if err != nil {
		return nil, err
	}
	env, err := s.rotate(ctx, secret)
	if err != nil {
		return nil, err
	}
	return &domain.SecretMeta{ToolName: tool, KMSKeyVersion: env.KMSKeyVersion}, nil
}

// RotateAll проходит все секреты пачками. Сбой одного секрета не останавливает
// проход: он попадает в отчет.
func (s *SecretService) RotateAll(ctx context.Context) (*domain.RotationReport, error) {
	report := &domain.RotationReport{}
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := s.repo.ListBatch(ctx, afterID, s.batchSize)
		if err != nil {
			return report, fmt.Errorf("service: list secrets for rotation: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, secret := range batch {
			report.Total++
			_, err := s.rotate(ctx, secret)
			switch {
			case err == nil:
				report.Rotated++
			case errors.Is(err, domain.ErrSecretConflict):
				// Секрет перезаписан параллельно: новый конверт уже под активной версией
				report.Rotated++
			default:
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", secret.ID, err))
			}
		}
		afterID = batch[len(batch)-1].ID
	}

	s.logger.Info("bulk rotation finished",
		zap.Int("total", report.Total), zap.Int("rotated", report.Rotated), zap.Int("failed", report.Failed))
	return report, nil
}

func (s *SecretService) rotate(ctx context.Context, secret *domain.Secret) (*domain.EncryptedEnvelope, error) {
	env, err := s.crypto.Rotate(ctx, &secret.Envelope, secret.AAD())
	if err != nil {
		s.logEvent(ctx, secret.UserID, audit.EventSecretRotated, audit.OutcomeFailed, err.Error(),
			map[string]string{"tool": secret.ToolName})
		return nil, err
	}
	if err := s.repo.ReplaceEnvelope(ctx, secret.ID, secret.Envelope.WrappedDEK, env); err != nil {
		if !errors.Is(err, domain.ErrSecretConflict) {
			s.logger.Error("failed to persist rotated envelope", zap.String("secret_id", secret.ID), zap.Error(err))
		}
		return nil, err
	}

	s.logEvent(ctx, secret.UserID, audit.EventSecretRotated, audit.OutcomeAllowed, "", map[string]string{
		"tool":         secret.ToolName,
		"from_version": secret.Envelope.KMSKeyVersion,
		"to_version":   env.KMSKeyVersion,
	})
	return env, nil
}

func (s *SecretService) logEvent(ctx context.Context, userID string, typ audit.EventType, outcome, reason string, detail map[string]string) {
	s.auditor.Log(audit.SecurityEvent{
		TraceID: engine.TraceIDFromContext(ctx),
		UserID:  userID,
		Type:    typ,
		Outcome: outcome,
		Reason:  reason,
		Detail:  detail,
	})
}
