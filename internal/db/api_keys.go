package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/lumnicode/internal/keys"
	"github.com/jonathan/lumnicode/internal/llm"
)

// KeyStore implements keys.Store on the user_api_keys table.
type KeyStore struct {
	db *DB
}

// Keys returns a keys.Store backed by this database.
func (db *DB) Keys() *KeyStore {
	return &KeyStore{db: db}
}

var _ keys.Store = (*KeyStore)(nil)

const apiKeyColumns = `id, user_id, provider, secret, key_hint, display_name, is_active, is_validated,
	last_validated_at, last_used_at, usage_count, monthly_limit, current_month_usage,
	rate_limit_per_minute, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*keys.StoredKey, error) {
	var k keys.StoredKey
	var provider string
	err := row.Scan(
		&k.ID, &k.UserID, &provider, &k.Secret, &k.Hint, &k.DisplayName, &k.IsActive, &k.IsValidated,
		&k.LastValidatedAt, &k.LastUsedAt, &k.UsageCount, &k.MonthlyLimit, &k.CurrentMonthUsage,
		&k.RateLimitPerMinute, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	k.Provider = llm.Provider(provider)
	return &k, nil
}

// ListKeys returns the user's keys, oldest first.
func (s *KeyStore) ListKeys(ctx context.Context, userID uuid.UUID) ([]*keys.StoredKey, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM user_api_keys WHERE user_id = $1 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*keys.StoredKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetKey returns nil when the key does not exist.
func (s *KeyStore) GetKey(ctx context.Context, id uuid.UUID) (*keys.StoredKey, error) {
	k, err := scanAPIKey(s.db.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM user_api_keys WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// FindKey looks a key up by its natural (user, provider, display name) key.
func (s *KeyStore) FindKey(ctx context.Context, userID uuid.UUID, provider llm.Provider, displayName string) (*keys.StoredKey, error) {
	k, err := scanAPIKey(s.db.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM user_api_keys
		 WHERE user_id = $1 AND provider = $2 AND display_name = $3`,
		userID, string(provider), displayName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find api key: %w", err)
	}
	return k, nil
}

// CreateKey inserts key, assigning its ID when unset and reading back timestamps.
func (s *KeyStore) CreateKey(ctx context.Context, key *keys.StoredKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.RateLimitPerMinute <= 0 {
		key.RateLimitPerMinute = keys.DefaultRateLimitPerMinute
	}
	err := s.db.pool.QueryRow(ctx,
		`INSERT INTO user_api_keys (id, user_id, provider, secret, key_hint, display_name,
		     is_active, is_validated, last_validated_at, monthly_limit, rate_limit_per_minute)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		key.ID, key.UserID, string(key.Provider), key.Secret, key.Hint, key.DisplayName,
		key.IsActive, key.IsValidated, key.LastValidatedAt, key.MonthlyLimit, key.RateLimitPerMinute,
	).Scan(&key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// ReplaceKeySecret overwrites the secret and marks the key validated. The
// active flag is left as the user set it.
func (s *KeyStore) ReplaceKeySecret(ctx context.Context, id uuid.UUID, secret, hint string, validatedAt time.Time) error {
	result, err := s.db.pool.Exec(ctx,
		`UPDATE user_api_keys SET secret = $2, key_hint = $3, is_validated = TRUE,
		     last_validated_at = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, secret, hint, validatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to replace api key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return keys.ErrKeyNotFound
	}
	return nil
}

// UpdateKeyValidation records a validation outcome.
func (s *KeyStore) UpdateKeyValidation(ctx context.Context, id uuid.UUID, valid bool, validatedAt time.Time) error {
	result, err := s.db.pool.Exec(ctx,
		`UPDATE user_api_keys SET is_validated = $2, last_validated_at = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, valid, validatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update api key validation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return keys.ErrKeyNotFound
	}
	return nil
}

// SetKeyActive flips the soft-delete flag for an owned key.
func (s *KeyStore) SetKeyActive(ctx context.Context, id, userID uuid.UUID, active bool) (bool, error) {
	result, err := s.db.pool.Exec(ctx,
		`UPDATE user_api_keys SET is_active = $3, updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		id, userID, active,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update api key: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SetKeyLimits updates the caps of an owned key. A nil monthlyLimit clears the cap.
func (s *KeyStore) SetKeyLimits(ctx context.Context, id, userID uuid.UUID, monthlyLimit *int64, ratePerMinute int) (bool, error) {
	result, err := s.db.pool.Exec(ctx,
		`UPDATE user_api_keys SET monthly_limit = $3, rate_limit_per_minute = $4, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2`,
		id, userID, monthlyLimit, ratePerMinute,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update api key limits: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// DeleteKey removes an owned key.
func (s *KeyStore) DeleteKey(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	result, err := s.db.pool.Exec(ctx,
		`DELETE FROM user_api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete api key: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// IncrementKeyUsage adds one call and tokens in a single statement.
func (s *KeyStore) IncrementKeyUsage(ctx context.Context, id uuid.UUID, tokens int64, usedAt time.Time) error {
	result, err := s.db.pool.Exec(ctx,
		`UPDATE user_api_keys SET usage_count = usage_count + 1,
		     current_month_usage = current_month_usage + $2,
		     last_used_at = $3
		 WHERE id = $1`,
		id, tokens, usedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record api key usage: %w", err)
	}
	if result.RowsAffected() == 0 {
		return keys.ErrKeyNotFound
	}
	return nil
}

// ResetMonthlyUsage zeroes every nonzero monthly counter.
func (s *KeyStore) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	result, err := s.db.pool.Exec(ctx,
		`UPDATE user_api_keys SET current_month_usage = 0, updated_at = NOW()
		 WHERE current_month_usage <> 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly usage: %w", err)
	}
	return result.RowsAffected(), nil
}
