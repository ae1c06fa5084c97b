package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/monetize/internal/auth"
	"github.com/mbd888/monetize/internal/tier"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticTiers struct{}

func (staticTiers) Tiers() tier.Table { return tier.Default() }

func setupTestHandler(t *testing.T) (*gin.Engine, *MemoryStore, *auth.Manager) {
	t.Helper()
	store := NewMemoryStore()
	authMgr := auth.NewManager(auth.NewMemoryStore())
	handler := NewHandler(store, authMgr, staticTiers{})

	require.NoError(t, store.Create(context.Background(), &Tenant{
		ID:        "ten_1",
		Name:      "Test Tenant",
		Slug:      "test-tenant",
		Tier:      tier.Free,
		Status:    StatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))

	r := gin.New()
	handler.RegisterAdminRoutes(r.Group("/admin"))
	r.Use(auth.Middleware(authMgr))
	handler.RegisterProtectedRoutes(r.Group("/v1", auth.RequireAuth()))
	return r, store, authMgr
}

func doJSON(r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateTenant_Success(t *testing.T) {
	r, store, authMgr := setupTestHandler(t)

	w := doJSON(r, "POST", "/admin/tenants", map[string]string{
		"name":  "New Tenant",
		"slug":  "New-Tenant",
		"email": "Owner@Example.com",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	ten := resp["tenant"].(map[string]any)
	assert.Equal(t, "new-tenant", ten["slug"])
	assert.Equal(t, "free", ten["tier"])
	assert.Equal(t, "owner@example.com", ten["email"])

	created, err := store.Get(context.Background(), ten["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "New Tenant", created.Name)

	key, err := authMgr.ValidateKey(context.Background(), resp["apiKey"].(string))
	require.NoError(t, err)
	assert.Equal(t, created.ID, key.TenantID)
}

func TestCreateTenant_DuplicateSlug(t *testing.T) {
	r, _, _ := setupTestHandler(t)

	w := doJSON(r, "POST", "/admin/tenants", map[string]string{"name": "Again", "slug": "test-tenant"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "slug_taken")
}

func TestCreateTenant_InvalidInput(t *testing.T) {
	r, _, _ := setupTestHandler(t)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing name", map[string]string{"slug": "abc"}},
		{"short slug", map[string]string{"name": "x", "slug": "ab"}},
		{"bad chars", map[string]string{"name": "x", "slug": "bad_slug!"}},
		{"bad email", map[string]string{"name": "x", "slug": "good-slug", "email": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, "POST", "/admin/tenants", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestOverrideTier(t *testing.T) {
	r, store, _ := setupTestHandler(t)

	w := doJSON(r, "PUT", "/admin/tenants/ten_1/tier", map[string]string{"tier": "enterprise"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := store.Get(context.Background(), "ten_1")
	assert.Equal(t, tier.Enterprise, got.Tier)

	w = doJSON(r, "PUT", "/admin/tenants/ten_1/tier", map[string]string{"tier": "platinum"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "PUT", "/admin/tenants/ten_404/tier", map[string]string{"tier": "pro"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetCurrentTenant(t *testing.T) {
	r, _, authMgr := setupTestHandler(t)
	raw, _, err := authMgr.GenerateKey(context.Background(), "ten_1", "k")
	require.NoError(t, err)

	w := doJSON(r, "GET", "/v1/me", nil, map[string]string{"Authorization": "Bearer " + raw})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"ten_1"`)

	w = doJSON(r, "GET", "/v1/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMemoryStore_SetTierAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, &Tenant{ID: "ten_a", Slug: "aaa", Tier: tier.Free}))

	require.NoError(t, store.SetTier(ctx, "ten_a", tier.Pro))
	got, _ := store.Get(ctx, "ten_a")
	assert.Equal(t, tier.Pro, got.EffectiveTier())

	require.NoError(t, store.Delete(ctx, "ten_a"))
	_, err := store.Get(ctx, "ten_a")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.ErrorIs(t, store.SetTier(ctx, "ten_a", tier.Free), ErrTenantNotFound)

	// Slug is free again once the tenant is gone.
	require.NoError(t, store.Create(ctx, &Tenant{ID: "ten_b", Slug: "aaa"}))
}

func TestEffectiveTier_DefaultsToFree(t *testing.T) {
	assert.Equal(t, tier.Free, (&Tenant{}).EffectiveTier())
	var nilTenant *Tenant
	assert.Equal(t, tier.Free, nilTenant.EffectiveTier())
}
