package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/xela07ax/agentvm-trust/internal/domain"
)

// SecretRepo хранит только конверты. Открытый текст сюда не попадает.
type SecretRepo struct {
	db *sql.DB
}

func NewSecretRepo(db *sql.DB) *SecretRepo {
	return &SecretRepo{db: db}
}

const secretColumns = `id, user_id, tool_name, wrapped_dek, iv, auth_tag, ciphertext, kms_key_version, created_at, updated_at`

func scanSecret(row rowScanner) (*domain.Secret, error) {
	var s domain.Secret
	err := row.Scan(&s.ID, &s.UserID, &s.ToolName,
		&s.Envelope.WrappedDEK, &s.Envelope.IV, &s.Envelope.AuthTag, &s.Envelope.Ciphertext, &s.Envelope.KMSKeyVersion,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert сохраняет конверт для пары (user_id, tool_name), заменяя предыдущий.
func (r *SecretRepo) Upsert(ctx context.Context, userID, toolName string, env *domain.EncryptedEnvelope) error {
	query := `INSERT INTO secrets (id, user_id, tool_name, wrapped_dek, iv, auth_tag, ciphertext, kms_key_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (user_id, tool_name) DO UPDATE SET
			wrapped_dek = EXCLUDED.wrapped_dek,
			iv = EXCLUDED.iv,
			auth_tag = EXCLUDED.auth_tag,
			ciphertext = EXCLUDED.ciphertext,
			kms_key_version = EXCLUDED.kms_key_version,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, uuid.New().String(), userID, toolName,
		env.WrappedDEK, env.IV, env.AuthTag, env.Ciphertext, env.KMSKeyVersion)
	if err != nil {
		return fmt.Errorf("postgres: upsert secret: %w", err)
	}
	return nil
}

func (r *SecretRepo) Get(ctx context.Context, userID, toolName string) (*domain.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE user_id = $1 AND tool_name = $2`

	s, err := scanSecret(r.db.QueryRowContext(ctx, query, userID, toolName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSecretNotFound
		}
		return nil, fmt.Errorf("postgres: get secret: %w", err)
	}
	return s, nil
}

// List: метаданные секретов пользователя, без конвертов.
func (r *SecretRepo) List(ctx context.Context, userID string) ([]domain.SecretMeta, error) {
	query := `SELECT tool_name, kms_key_version, updated_at FROM secrets
		WHERE user_id = $1 ORDER BY tool_name`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list secrets: %w", err)
	}
	defer rows.Close()

	metas := make([]domain.SecretMeta, 0)
	for rows.Next() {
		var m domain.SecretMeta
		if err := rows.Scan(&m.ToolName, &m.KMSKeyVersion, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan secret meta: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func (r *SecretRepo) Delete(ctx context.Context, userID, toolName string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM secrets WHERE user_id = $1 AND tool_name = $2`, userID, toolName)
	if err != nil {
		return fmt.Errorf("postgres: delete secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: delete secret: %w", err)
	}
	if n == 0 {
		return domain.ErrSecretNotFound
	}
	return nil
}

// ReplaceEnvelope подменяет конверт после ротации. Compare-and-set по старому
// wrapped_dek: если секрет перезаписали параллельно, ротация не затирает новое значение.
func (r *SecretRepo) ReplaceEnvelope(ctx context.Context, id, oldWrappedDEK string, env *domain.EncryptedEnvelope) error {
	query := `UPDATE secrets SET wrapped_dek = $3, iv = $4, auth_tag = $5, ciphertext = $6,
			kms_key_version = $7, updated_at = NOW()
		WHERE id = $1 AND wrapped_dek = $2`

	res, err := r.db.ExecContext(ctx, query, id, oldWrappedDEK,
		env.WrappedDEK, env.IV, env.AuthTag, env.Ciphertext, env.KMSKeyVersion)
	if err != nil {
		return fmt.Errorf("postgres: replace envelope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: replace envelope: %w", err)
	}
	if n == 0 {
		return domain.ErrSecretConflict
	}
	return nil
}

// ListBatch: keyset-пагинация по id для массовой ротации.
func (r *SecretRepo) ListBatch(ctx context.Context, afterID string, limit int) ([]*domain.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE id > $1 ORDER BY id LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list secrets batch: %w", err)
	}
	defer rows.Close()

	var out []*domain.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan secret: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
