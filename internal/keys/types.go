// Package keys stores, validates, and selects per-user LLM provider credentials.
package keys

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/llm"
)

// DefaultRateLimitPerMinute applies to keys created without an explicit limit.
const DefaultRateLimitPerMinute = 60

// ErrKeyNotFound is returned when a key does not exist or belongs to another user.
var ErrKeyNotFound = errors.New("api key not found")

// StoredKey is one persisted provider credential.
// Secret holds the sealed form; it is opened only when handed to a call attempt.
type StoredKey struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Provider           llm.Provider
	Secret             string
	Hint               string
	DisplayName        string
	IsActive           bool
	IsValidated        bool
	LastValidatedAt    *time.Time
	LastUsedAt         *time.Time
	UsageCount         int64
	MonthlyLimit       *int64
	CurrentMonthUsage  int64
	RateLimitPerMinute int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// monthlyLimitReached reports whether the key has used its monthly allowance.
func (k *StoredKey) monthlyLimitReached() bool {
	return k.MonthlyLimit != nil && k.CurrentMonthUsage >= *k.MonthlyLimit
}

// KeyView is the read-only projection returned to clients. It never carries the secret.
type KeyView struct {
	ID                 uuid.UUID    `json:"id"`
	Provider           llm.Provider `json:"provider"`
	DisplayName        string       `json:"display_name"`
	KeyHint            string       `json:"key_hint"`
	IsActive           bool         `json:"is_active"`
	IsValidated        bool         `json:"is_validated"`
	LastValidatedAt    *time.Time   `json:"last_validated_at,omitempty"`
	LastUsedAt         *time.Time   `json:"last_used_at,omitempty"`
	UsageCount         int64        `json:"usage_count"`
	MonthlyLimit       *int64       `json:"monthly_limit,omitempty"`
	CurrentMonthUsage  int64        `json:"current_month_usage"`
	RateLimitPerMinute int          `json:"rate_limit_per_minute"`
	CreatedAt          time.Time    `json:"created_at"`
}

func viewOf(k *StoredKey) KeyView {
	return KeyView{
		ID:                 k.ID,
		Provider:           k.Provider,
		DisplayName:        k.DisplayName,
		KeyHint:            k.Hint,
		IsActive:           k.IsActive,
		IsValidated:        k.IsValidated,
		LastValidatedAt:    k.LastValidatedAt,
		LastUsedAt:         k.LastUsedAt,
		UsageCount:         k.UsageCount,
		MonthlyLimit:       k.MonthlyLimit,
		CurrentMonthUsage:  k.CurrentMonthUsage,
		RateLimitPerMinute: k.RateLimitPerMinute,
		CreatedAt:          k.CreatedAt,
	}
}

// Credential pairs a provider with an opened secret for one call attempt.
type Credential struct {
	KeyID    uuid.UUID
	Provider llm.Provider
	APIKey   string
}

// ValidationResult is the outcome of one check. It is never cached.
type ValidationResult struct {
	IsValid      bool           `json:"is_valid"`
	ErrorMessage string         `json:"error_message,omitempty"`
	QuotaInfo    map[string]any `json:"quota_info,omitempty"`
}

// AddKeyResult is returned by Manager.AddKey.
type AddKeyResult struct {
	Success   bool           `json:"success"`
	KeyID     *uuid.UUID     `json:"key_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	QuotaInfo map[string]any `json:"quota_info,omitempty"`
}

// KeyValidation is one entry of Manager.ValidateAll's result.
type KeyValidation struct {
	Provider    llm.Provider   `json:"provider"`
	DisplayName string         `json:"display_name"`
	IsValid     bool           `json:"is_valid"`
	Error       string         `json:"error,omitempty"`
	QuotaInfo   map[string]any `json:"quota_info,omitempty"`
}

// KeyUsage is the per-key section of UsageStats.
type KeyUsage struct {
	ID                uuid.UUID    `json:"id"`
	Provider          llm.Provider `json:"provider"`
	DisplayName       string       `json:"display_name"`
	UsageCount        int64        `json:"usage_count"`
	CurrentMonthUsage int64        `json:"current_month_usage"`
	MonthlyLimit      *int64       `json:"monthly_limit,omitempty"`
	LastUsedAt        *time.Time   `json:"last_used_at,omitempty"`
	IsActive          bool         `json:"is_active"`
}

// UsageStats aggregates a user's keys.
type UsageStats struct {
	TotalKeys  int            `json:"total_keys"`
	ActiveKeys int            `json:"active_keys"`
	TotalUsage int64          `json:"total_usage"`
	Providers  []llm.Provider `json:"providers"`
	Keys       []KeyUsage     `json:"keys"`
}
