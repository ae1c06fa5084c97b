package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/monetize/internal/tier"
)

func TestLoad_Defaults(t *testing.T) {
	m, err := Load(context.Background(), NewMemoryStore())
	require.NoError(t, err)

	assert.True(t, m.ModuleEnabled("newsletter"))
	assert.True(t, m.ModuleEnabled("payments"))
	assert.False(t, m.ModuleEnabled("nonexistent"))
	assert.False(t, m.FeatureEnabled("ab_testing"))
	assert.True(t, m.FeatureEnabled("revenue_tracking"))
	assert.Equal(t, 90, m.Int("security.audit_log_retention", 0))
	assert.Equal(t, "Monetize", m.String("platform.name", ""))
	assert.Equal(t, "fallback", m.String("apis.nope", "fallback"))
}

func TestLoad_MergesPersistedOverrides(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "modules.adsense", map[string]any{"enabled": false}))
	require.NoError(t, store.Put(ctx, "modules.adsense.auto_optimize", false))
	require.NoError(t, store.Put(ctx, "features.ab_testing", true))

	m, err := Load(ctx, store)
	require.NoError(t, err)

	assert.False(t, m.ModuleEnabled("adsense"))
	assert.False(t, m.Bool("modules.adsense.auto_optimize"))
	assert.True(t, m.FeatureEnabled("ab_testing"))
	// Siblings untouched by the override keep their defaults.
	assert.True(t, m.ModuleEnabled("seo"))
}

func TestSet_PersistsImmediately(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m, err := Load(ctx, store)
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "modules.automation.enabled", false))
	assert.False(t, m.ModuleEnabled("automation"))

	persisted, err := store.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, false, persisted["modules.automation.enabled"])

	reloaded, err := Load(ctx, store)
	require.NoError(t, err)
	assert.False(t, reloaded.ModuleEnabled("automation"))
}

type failingStore struct{ *MemoryStore }

func (failingStore) Put(context.Context, string, any) error { return errors.New("disk full") }

func TestSet_StoreFailureLeavesTreeUnchanged(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, &failingStore{MemoryStore: NewMemoryStore()})
	require.NoError(t, err)

	err = m.Set(ctx, "features.ab_testing", true)
	require.Error(t, err)
	assert.False(t, m.FeatureEnabled("ab_testing"))
}

func TestSet_Validation(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, NewMemoryStore())
	require.NoError(t, err)

	assert.ErrorIs(t, m.Set(ctx, "Bad Key", 1), ErrInvalidKey)
	assert.ErrorIs(t, m.Set(ctx, "platform.name", "x"), ErrInvalidKey)
	assert.ErrorIs(t, m.Set(ctx, "tier_limits.pro", 3), ErrInvalidKey)
	assert.ErrorIs(t, m.Set(ctx, "tier_limits.pro.sites", "lots"), ErrInvalidValue)
	assert.ErrorIs(t, m.Set(ctx, "tier_features.pro.white_label", "yes"), ErrInvalidValue)
	assert.ErrorIs(t, m.Set(ctx, "modules.seo.enabled", "true"), ErrInvalidValue)
	assert.ErrorIs(t, m.Set(ctx, "features.ab_testing", 1), ErrInvalidValue)
}

func TestTiers_AppliesOverrides(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, NewMemoryStore())
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "tier_limits.pro.sites", 10))
	require.NoError(t, m.Set(ctx, "tier_limits.free.api_calls", "unlimited"))
	require.NoError(t, m.Set(ctx, "tier_limits.free.subscribers", float64(2500)))
	require.NoError(t, m.Set(ctx, "tier_features.free.ab_testing", true))

	table := m.Tiers()
	assert.Equal(t, tier.Max(10), table[tier.Pro].Limits[tier.Sites])
	assert.True(t, table[tier.Free].Limits[tier.APICalls].IsUnlimited())
	assert.Equal(t, tier.Max(2500), table[tier.Free].Limits[tier.Subscribers])
	assert.True(t, table.CanAccess(tier.Free, "ab_testing"))
	// Untouched limits keep the built-in values.
	assert.Equal(t, tier.Max(1), table[tier.Free].Limits[tier.Sites])
}

func TestTiers_LegacyUnlimitedEncoding(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "tier_limits.pro.automation_tasks", float64(-1)))

	m, err := Load(ctx, store)
	require.NoError(t, err)
	assert.True(t, m.Tiers()[tier.Pro].Limits[tier.AutomationTasks].IsUnlimited())
}

func TestRedacted_MasksCredentials(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, NewMemoryStore())
	require.NoError(t, err)
	m.Override("apis.stripe.secret_key", "sk_live_abc")
	m.Override("apis.mailchimp.api_key", "abc-us6")

	out := m.Redacted()
	stripe := out["apis"].(map[string]any)["stripe"].(map[string]any)
	assert.Equal(t, "********", stripe["secret_key"])
	assert.Equal(t, "", stripe["publishable_key"])
	mc := out["apis"].(map[string]any)["mailchimp"].(map[string]any)
	assert.Equal(t, "********", mc["api_key"])

	// The live tree keeps the real value.
	assert.Equal(t, "sk_live_abc", m.String("apis.stripe.secret_key", ""))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m, err := Load(ctx, store)
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "features.ab_testing", true))
	require.NoError(t, m.Reset(ctx))
	assert.False(t, m.FeatureEnabled("ab_testing"))

	persisted, _ := store.All(ctx)
	assert.Empty(t, persisted)
}

func TestGet_ReturnsCopy(t *testing.T) {
	m, err := Load(context.Background(), NewMemoryStore())
	require.NoError(t, err)

	v, ok := m.Get("modules.adsense")
	require.True(t, ok)
	v.(map[string]any)["enabled"] = false
	assert.True(t, m.ModuleEnabled("adsense"))
}
