package keys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/lumnicode/internal/crypto"
	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/ratelimit"
)

// fakeValidator accepts every key except those listed in invalid.
type fakeValidator struct {
	mu      sync.Mutex
	invalid map[string]string
	calls   int
}

func (f *fakeValidator) Validate(_ context.Context, _ llm.Provider, rawKey string) ValidationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if msg, ok := f.invalid[rawKey]; ok {
		return ValidationResult{IsValid: false, ErrorMessage: msg}
	}
	return ValidationResult{IsValid: true, QuotaInfo: map[string]any{"total_models": 1}}
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *fakeValidator) {
	t.Helper()
	cipher, err := crypto.NewSecretCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	store := NewMemoryStore()
	validator := &fakeValidator{invalid: map[string]string{}}
	m := NewManager(store, validator, cipher, ratelimit.NewKeyThrottle(ratelimit.NewLocalBackend(0)))
	return m, store, validator
}

func addKey(t *testing.T, m *Manager, userID uuid.UUID, p llm.Provider, raw, name string) uuid.UUID {
	t.Helper()
	res := m.AddKey(context.Background(), userID, p, raw, name)
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.KeyID)
	return *res.KeyID
}

func TestAddKey_StoresSealedSecret(t *testing.T) {
	m, store, _ := newTestManager(t)
	user := uuid.New()

	id := addKey(t, m, user, llm.ProviderOpenAI, "sk-live-abcdef123456", "")

	stored, err := store.GetKey(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, crypto.IsSealed(stored.Secret))
	assert.NotContains(t, stored.Secret, "sk-live")
	assert.Equal(t, "openai Key", stored.DisplayName)
	assert.True(t, stored.IsActive)
	assert.True(t, stored.IsValidated)
	assert.NotNil(t, stored.LastValidatedAt)
	assert.Equal(t, DefaultRateLimitPerMinute, stored.RateLimitPerMinute)

	cred, err := m.SelectKey(context.Background(), user, llm.ProviderOpenAI)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "sk-live-abcdef123456", cred.APIKey)
}

func TestAddKey_ValidationFailureIsReturnedUntouched(t *testing.T) {
	m, store, validator := newTestManager(t)
	validator.invalid["bad"] = "Invalid API key"
	user := uuid.New()

	res := m.AddKey(context.Background(), user, llm.ProviderGroq, "bad", "")
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid API key", res.Error)
	assert.Nil(t, res.KeyID)

	keys, _ := store.ListKeys(context.Background(), user)
	assert.Empty(t, keys)
}

func TestAddKey_RejectsBadInput(t *testing.T) {
	m, _, validator := newTestManager(t)

	res := m.AddKey(context.Background(), uuid.New(), llm.Provider("other"), "k", "")
	assert.False(t, res.Success)
	res = m.AddKey(context.Background(), uuid.New(), llm.ProviderOpenAI, "   ", "")
	assert.False(t, res.Success)
	assert.Equal(t, "API key is required", res.Error)
	assert.Zero(t, validator.calls)
}

func TestAddKey_IdempotentUpsert(t *testing.T) {
	m, store, _ := newTestManager(t)
	user := uuid.New()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	m.now = func() time.Time { return first }
	id1 := addKey(t, m, user, llm.ProviderAnthropic, "sk-ant-first-secret", "work")
	m.now = func() time.Time { return second }
	id2 := addKey(t, m, user, llm.ProviderAnthropic, "sk-ant-second-secret", "work")

	assert.Equal(t, id1, id2)
	keys, _ := store.ListKeys(context.Background(), user)
	require.Len(t, keys, 1)
	assert.Equal(t, second, *keys[0].LastValidatedAt)

	cred, err := m.SelectKey(context.Background(), user, llm.ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-second-secret", cred.APIKey)

	// A different display name creates a second record
	addKey(t, m, user, llm.ProviderAnthropic, "sk-ant-personal", "personal")
	keys, _ = store.ListKeys(context.Background(), user)
	assert.Len(t, keys, 2)
}

func TestAddKey_UpsertKeepsDeactivation(t *testing.T) {
	m, store, _ := newTestManager(t)
	user := uuid.New()
	ctx := context.Background()

	id := addKey(t, m, user, llm.ProviderOpenAI, "sk-old-secret-value", "work")
	found, err := m.Deactivate(ctx, id, user)
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, id, addKey(t, m, user, llm.ProviderOpenAI, "sk-new-secret-value", "work"))

	stored, err := store.GetKey(ctx, id)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.True(t, stored.IsValidated)

	cred, err := m.SelectKey(ctx, user, llm.ProviderOpenAI)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestListKeys_OmitsSecret(t *testing.T) {
	m, _, _ := newTestManager(t)
	user := uuid.New()
	addKey(t, m, user, llm.ProviderCohere, "co-secret-value-9876", "")

	views, err := m.ListKeys(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "****9876", views[0].KeyHint)
	assert.Equal(t, llm.ProviderCohere, views[0].Provider)
}

func TestSelectKey_SkipsExhaustedKeys(t *testing.T) {
	m, store, _ := newTestManager(t)
	user := uuid.New()
	id := addKey(t, m, user, llm.ProviderOpenAI, "sk-exhausted-key", "")

	limit := int64(5)
	_, err := store.SetKeyLimits(context.Background(), id, user, &limit, 60)
	require.NoError(t, err)
	require.NoError(t, store.IncrementKeyUsage(context.Background(), id, 5, time.Now()))

	cred, err := m.SelectKey(context.Background(), user, llm.ProviderOpenAI)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestSelectKey_SkipsInactiveAndUnvalidated(t *testing.T) {
	m, store, _ := newTestManager(t)
	user := uuid.New()
	inactive := addKey(t, m, user, llm.ProviderOpenAI, "sk-inactive-1", "a")
	unvalidated := addKey(t, m, user, llm.ProviderOpenAI, "sk-unvalidated-2", "b")

	_, err := m.Deactivate(context.Background(), inactive, user)
	require.NoError(t, err)
	require.NoError(t, store.UpdateKeyValidation(context.Background(), unvalidated, false, time.Now()))

	cred, err := m.SelectKey(context.Background(), user, llm.ProviderOpenAI)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestSelectKey_LeastRecentlyUsed(t *testing.T) {
	m, store, _ := newTestManager(t)
	user := uuid.New()
	base := time.Now()
	m.now = func() time.Time { return base }
	a := addKey(t, m, user, llm.ProviderGroq, "gsk-key-aaaa", "a")
	m.now = func() time.Time { return base.Add(time.Millisecond) }
	b := addKey(t, m, user, llm.ProviderGroq, "gsk-key-bbbb", "b")

	// Never-used keys come first, oldest creation first
	cred, _ := m.SelectKey(context.Background(), user, llm.ProviderGroq)
	assert.Equal(t, a, cred.KeyID)

	require.NoError(t, store.IncrementKeyUsage(context.Background(), a, 1, time.Now()))
	cred, _ = m.SelectKey(context.Background(), user, llm.ProviderGroq)
	assert.Equal(t, b, cred.KeyID)

	require.NoError(t, store.IncrementKeyUsage(context.Background(), b, 1, time.Now().Add(time.Second)))
	cred, _ = m.SelectKey(context.Background(), user, llm.ProviderGroq)
	assert.Equal(t, a, cred.KeyID)
}

func TestSelectKey_EnforcesPerMinuteLimit(t *testing.T) {
	m, store, _ := newTestManager(t)
	user := uuid.New()
	id := addKey(t, m, user, llm.ProviderTogether, "tg-key-123456", "")
	_, err := store.SetKeyLimits(context.Background(), id, user, nil, 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cred, err := m.SelectKey(context.Background(), user, llm.ProviderTogether)
		require.NoError(t, err)
		require.NotNil(t, cred)
	}

	cred, err := m.SelectKey(context.Background(), user, llm.ProviderTogether)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestSelectKey_OtherProviderIgnored(t *testing.T) {
	m, _, _ := newTestManager(t)
	user := uuid.New()
	addKey(t, m, user, llm.ProviderOpenAI, "sk-openai-only", "")

	cred, err := m.SelectKey(context.Background(), user, llm.ProviderGoogle)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestRecordUsage_Concurrent(t *testing.T) {
	m, store, _ := newTestManager(t)
	user := uuid.New()
	id := addKey(t, m, user, llm.ProviderOpenAI, "sk-concurrent-1", "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.RecordUsage(context.Background(), id, 2))
		}()
	}
	wg.Wait()

	k, _ := store.GetKey(context.Background(), id)
	assert.Equal(t, int64(50), k.UsageCount)
	assert.Equal(t, int64(100), k.CurrentMonthUsage)
	assert.NotNil(t, k.LastUsedAt)
}

func TestRecordUsage_UnknownKey(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.RecordUsage(context.Background(), uuid.New(), 1)
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestOwnershipIsolation(t *testing.T) {
	m, store, _ := newTestManager(t)
	owner := uuid.New()
	intruder := uuid.New()
	id := addKey(t, m, owner, llm.ProviderOpenAI, "sk-owner-secret", "")

	ok, err := m.Deactivate(context.Background(), id, intruder)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Delete(context.Background(), id, intruder)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.SetLimits(context.Background(), id, intruder, nil, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	k, _ := store.GetKey(context.Background(), id)
	require.NotNil(t, k)
	assert.True(t, k.IsActive)
	assert.Equal(t, DefaultRateLimitPerMinute, k.RateLimitPerMinute)

	// Unknown ids behave the same way
	ok, err = m.Delete(context.Background(), uuid.New(), owner)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Delete(context.Background(), id, owner)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetLimits_RejectsNegative(t *testing.T) {
	m, _, _ := newTestManager(t)
	neg := int64(-1)
	_, err := m.SetLimits(context.Background(), uuid.New(), uuid.New(), &neg, 1)
	assert.Error(t, err)
	_, err = m.SetLimits(context.Background(), uuid.New(), uuid.New(), nil, -1)
	assert.Error(t, err)
}

func TestValidateAll_IsolatesFailures(t *testing.T) {
	m, store, validator := newTestManager(t)
	user := uuid.New()
	good := addKey(t, m, user, llm.ProviderOpenAI, "sk-good-key-1", "good")
	revoked := addKey(t, m, user, llm.ProviderGroq, "gsk-revoked-2", "revoked")
	inactive := addKey(t, m, user, llm.ProviderCohere, "co-inactive-3", "inactive")
	_, _ = m.Deactivate(context.Background(), inactive, user)

	validator.mu.Lock()
	validator.invalid["gsk-revoked-2"] = "Invalid API key"
	validator.mu.Unlock()

	results, err := m.ValidateAll(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[good].IsValid)
	assert.Equal(t, llm.ProviderOpenAI, results[good].Provider)
	assert.Equal(t, "good", results[good].DisplayName)
	assert.False(t, results[revoked].IsValid)
	assert.Equal(t, "revoked", results[revoked].DisplayName)
	assert.Equal(t, "Invalid API key", results[revoked].Error)
	_, included := results[inactive]
	assert.False(t, included)

	k, _ := store.GetKey(context.Background(), revoked)
	assert.False(t, k.IsValidated)
}

func TestUsageStats(t *testing.T) {
	m, _, _ := newTestManager(t)
	user := uuid.New()
	a := addKey(t, m, user, llm.ProviderGroq, "gsk-stats-a", "a")
	b := addKey(t, m, user, llm.ProviderOpenAI, "sk-stats-b", "b")
	addKey(t, m, user, llm.ProviderOpenAI, "sk-stats-c", "c")
	_, _ = m.Deactivate(context.Background(), b, user)
	require.NoError(t, m.RecordUsage(context.Background(), a, 10))
	require.NoError(t, m.RecordUsage(context.Background(), b, 1))
	addKey(t, m, uuid.New(), llm.ProviderCohere, "co-other-user", "")

	stats, err := m.UsageStats(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalKeys)
	assert.Equal(t, 2, stats.ActiveKeys)
	assert.Equal(t, int64(2), stats.TotalUsage)
	assert.Equal(t, []llm.Provider{llm.ProviderOpenAI, llm.ProviderGroq}, stats.Providers)
	assert.Len(t, stats.Keys, 3)
}

func TestResetMonthlyUsage(t *testing.T) {
	m, store, _ := newTestManager(t)
	user := uuid.New()
	id := addKey(t, m, user, llm.ProviderOpenAI, "sk-reset-me-1", "")
	require.NoError(t, m.RecordUsage(context.Background(), id, 42))

	n, err := m.ResetMonthlyUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	k, _ := store.GetKey(context.Background(), id)
	assert.Zero(t, k.CurrentMonthUsage)
	assert.Equal(t, int64(1), k.UsageCount)
}
