package keys

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/lumnicode/internal/crypto"
	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/ratelimit"
	"github.com/jonathan/lumnicode/internal/telemetry"
)

// validateAllConcurrency bounds simultaneous checks in ValidateAll.
const validateAllConcurrency = 4

// Manager implements key CRUD, usage bookkeeping, and the selection policy.
type Manager struct {
	store     Store
	validator Validator
	sealer    crypto.Sealer
	throttle  *ratelimit.KeyThrottle
	now       func() time.Time
}

// NewManager wires a Manager. A nil sealer stores secrets as-is and a nil throttle
// uses an in-process limiter.
func NewManager(store Store, validator Validator, sealer crypto.Sealer, throttle *ratelimit.KeyThrottle) *Manager {
	if sealer == nil {
		sealer = crypto.Plaintext{}
	}
	if throttle == nil {
		throttle = ratelimit.NewKeyThrottle(nil)
	}
	return &Manager{
		store:     store,
		validator: validator,
		sealer:    sealer,
		throttle:  throttle,
		now:       time.Now,
	}
}

// DefaultDisplayName is used when a key is added without a name.
func DefaultDisplayName(provider llm.Provider) string {
	return fmt.Sprintf("%s Key", provider)
}

// AddKey validates rawKey and stores it, overwriting the secret of any key with
// the same (user, provider, display name). A deactivated key stays deactivated.
// Failures are reported in the result, never as an error.
func (m *Manager) AddKey(ctx context.Context, userID uuid.UUID, provider llm.Provider, rawKey, displayName string) AddKeyResult {
	if !provider.Valid() {
		return AddKeyResult{Error: fmt.Sprintf("Unsupported provider: %s", provider)}
	}
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return AddKeyResult{Error: "API key is required"}
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = DefaultDisplayName(provider)
	}

	validation := m.validator.Validate(ctx, provider, rawKey)
	if !validation.IsValid {
		return AddKeyResult{Error: validation.ErrorMessage}
	}

	sealed, err := m.sealer.Seal(rawKey)
	if err != nil {
		slog.Error("failed to seal api key", "provider", provider, "user_id", userID, "error", err)
		return AddKeyResult{Error: "Failed to store API key"}
	}
	hint := crypto.Redact(rawKey)
	now := m.now()

	existing, err := m.store.FindKey(ctx, userID, provider, displayName)
	if err != nil {
		slog.Error("failed to look up api key", "provider", provider, "user_id", userID, "error", err)
		return AddKeyResult{Error: "Failed to store API key"}
	}

	var keyID uuid.UUID
	if existing != nil {
		keyID = existing.ID
		err = m.store.ReplaceKeySecret(ctx, keyID, sealed, hint, now)
	} else {
		key := &StoredKey{
			ID:                 uuid.New(),
			UserID:             userID,
			Provider:           provider,
			Secret:             sealed,
			Hint:               hint,
			DisplayName:        displayName,
			IsActive:           true,
			IsValidated:        true,
			LastValidatedAt:    &now,
			RateLimitPerMinute: DefaultRateLimitPerMinute,
			CreatedAt:          now,
		}
		keyID = key.ID
		err = m.store.CreateKey(ctx, key)
	}
	if err != nil {
		slog.Error("failed to save api key", "provider", provider, "user_id", userID, "error", err)
		return AddKeyResult{Error: "Failed to store API key"}
	}

	slog.Info("api key stored", "provider", provider, "user_id", userID, "key_id", keyID, "replaced", existing != nil)
	return AddKeyResult{Success: true, KeyID: &keyID, QuotaInfo: validation.QuotaInfo}
}

// ListKeys returns the user's keys without secrets.
func (m *Manager) ListKeys(ctx context.Context, userID uuid.UUID) ([]KeyView, error) {
	stored, err := m.store.ListKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	views := make([]KeyView, 0, len(stored))
	for _, k := range stored {
		views = append(views, viewOf(k))
	}
	return views, nil
}

// SelectKey picks a usable key for provider, or returns nil when none qualifies.
//
// Eligible keys are active, validated, under their monthly limit, and not
// throttled by their per-minute limit. Among eligible keys the least recently
// used wins (never-used first), then the oldest, then the lowest ID.
func (m *Manager) SelectKey(ctx context.Context, userID uuid.UUID, provider llm.Provider) (*Credential, error) {
	stored, err := m.store.ListKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	var candidates []*StoredKey
	for _, k := range stored {
		if k.Provider == provider && k.IsActive && k.IsValidated && !k.monthlyLimitReached() {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		telemetry.KeySelectionsTotal.WithLabelValues(string(provider), "none").Inc()
		return nil, nil
	}
	sortLeastRecentlyUsed(candidates)

	for _, k := range candidates {
		if !m.throttle.Allow(ctx, k.ID.String(), k.RateLimitPerMinute) {
			slog.Debug("key throttled", "provider", provider, "key_id", k.ID)
			continue
		}
		secret, err := m.sealer.Open(k.Secret)
		if err != nil {
			slog.Error("failed to open stored key", "provider", provider, "key_id", k.ID, "error", err)
			continue
		}
		telemetry.KeySelectionsTotal.WithLabelValues(string(provider), "selected").Inc()
		return &Credential{KeyID: k.ID, Provider: provider, APIKey: secret}, nil
	}

	telemetry.KeySelectionsTotal.WithLabelValues(string(provider), "throttled").Inc()
	return nil, nil
}

func sortLeastRecentlyUsed(keys []*StoredKey) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt != nil:
			return true
		case a.LastUsedAt != nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
			return a.LastUsedAt.Before(*b.LastUsedAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		default:
			return a.ID.String() < b.ID.String()
		}
	})
}

// RecordUsage adds one call and tokensUsed to the key's counters. Non-positive
// tokensUsed counts as 1.
func (m *Manager) RecordUsage(ctx context.Context, keyID uuid.UUID, tokensUsed int64) error {
	if tokensUsed <= 0 {
		tokensUsed = 1
	}
	if err := m.store.IncrementKeyUsage(ctx, keyID, tokensUsed, m.now()); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a key owned by userID. It returns false when no such key exists.
func (m *Manager) Deactivate(ctx context.Context, keyID, userID uuid.UUID) (bool, error) {
	ok, err := m.store.SetKeyActive(ctx, keyID, userID, false)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate key: %w", err)
	}
	return ok, nil
}

// Delete removes a key owned by userID. It returns false when no such key exists.
func (m *Manager) Delete(ctx context.Context, keyID, userID uuid.UUID) (bool, error) {
	ok, err := m.store.DeleteKey(ctx, keyID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete key: %w", err)
	}
	return ok, nil
}

// SetLimits updates the monthly cap and per-minute rate of a key owned by userID.
// A nil monthlyLimit removes the cap.
func (m *Manager) SetLimits(ctx context.Context, keyID, userID uuid.UUID, monthlyLimit *int64, ratePerMinute int) (bool, error) {
	if monthlyLimit != nil && *monthlyLimit < 0 {
		return false, fmt.Errorf("monthly limit must not be negative")
	}
	if ratePerMinute < 0 {
		return false, fmt.Errorf("rate limit must not be negative")
	}
	ok, err := m.store.SetKeyLimits(ctx, keyID, userID, monthlyLimit, ratePerMinute)
	if err != nil {
		return false, fmt.Errorf("failed to update key limits: %w", err)
	}
	return ok, nil
}

// ValidateAll re-validates every active key of the user and persists the outcome.
// A failure on one key never affects the others.
func (m *Manager) ValidateAll(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]KeyValidation, error) {
	stored, err := m.store.ListKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	var (
		mu      sync.Mutex
		results = make(map[uuid.UUID]KeyValidation)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(validateAllConcurrency)

	for _, k := range stored {
		if !k.IsActive {
			continue
		}
		g.Go(func() error {
			outcome := m.revalidate(gctx, k)
			mu.Lock()
			results[k.ID] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (m *Manager) revalidate(ctx context.Context, k *StoredKey) KeyValidation {
	secret, err := m.sealer.Open(k.Secret)
	if err != nil {
		slog.Error("failed to open stored key", "key_id", k.ID, "error", err)
		return KeyValidation{Provider: k.Provider, DisplayName: k.DisplayName, Error: "Stored key could not be decrypted"}
	}

	result := m.validator.Validate(ctx, k.Provider, secret)
	if err := m.store.UpdateKeyValidation(ctx, k.ID, result.IsValid, m.now()); err != nil {
		slog.Error("failed to persist validation", "key_id", k.ID, "error", err)
	}
	return KeyValidation{
		Provider:    k.Provider,
		DisplayName: k.DisplayName,
		IsValid:     result.IsValid,
		Error:       result.ErrorMessage,
		QuotaInfo:   result.QuotaInfo,
	}
}

// UsageStats aggregates the user's keys.
func (m *Manager) UsageStats(ctx context.Context, userID uuid.UUID) (*UsageStats, error) {
	stored, err := m.store.ListKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	stats := &UsageStats{
		TotalKeys: len(stored),
		Providers: []llm.Provider{},
		Keys:      make([]KeyUsage, 0, len(stored)),
	}
	seen := make(map[llm.Provider]bool)
	for _, k := range stored {
		if k.IsActive && k.IsValidated {
			stats.ActiveKeys++
		}
		stats.TotalUsage += k.UsageCount
		seen[k.Provider] = true
		stats.Keys = append(stats.Keys, KeyUsage{
			ID:                k.ID,
			Provider:          k.Provider,
			DisplayName:       k.DisplayName,
			UsageCount:        k.UsageCount,
			CurrentMonthUsage: k.CurrentMonthUsage,
			MonthlyLimit:      k.MonthlyLimit,
			LastUsedAt:        k.LastUsedAt,
			IsActive:          k.IsActive,
		})
	}
	for _, p := range llm.Providers() {
		if seen[p] {
			stats.Providers = append(stats.Providers, p)
		}
	}
	return stats, nil
}

// ResetMonthlyUsage zeroes the monthly counter of every key. It is meant for an external monthly scheduler.
func (m *Manager) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	n, err := m.store.ResetMonthlyUsage(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly usage: %w", err)
	}
	slog.Info("monthly usage reset", "keys", n)
	return n, nil
}
