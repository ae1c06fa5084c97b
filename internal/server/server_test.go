package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/monetize/internal/app"
	"github.com/mbd888/monetize/internal/auth"
	"github.com/mbd888/monetize/internal/config"
)

const (
	testAdminSecret   = "admin-secret"
	testWebhookSecret = "whsec_test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		AdminSecret:         testAdminSecret,
		RateLimitRPM:        10000,
		StripeSecretKey:     "sk_test_123",
		StripeWebhookSecret: testWebhookSecret,
		ProviderTimeout:     5 * time.Second,
	}
}

// newTestServer creates a server over in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithStores(app.NewMemoryStores()))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func do(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func admin() map[string]string {
	return map[string]string{auth.AdminHeader: testAdminSecret}
}

// createTenant provisions a tenant through the admin API and returns
// headers carrying its API key.
func createTenant(t *testing.T, s *Server, slug string) map[string]string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/v1/admin/tenants",
		map[string]string{"name": "Acme", "slug": slug, "email": "owner@acme.test"}, admin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	key, _ := decode(t, w)["apiKey"].(string)
	require.NotEmpty(t, key)
	return map[string]string{"Authorization": "Bearer " + key}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = do(t, s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run
	w = do(t, s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health/live", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = do(t, s, http.MethodGet, "/health/live", nil, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

// -----------------------------------------------------------------------------
// Auth
// -----------------------------------------------------------------------------

func TestProtectedRoutesRequireKey(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/me/tier", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/v1/me/tier", nil, map[string]string{"Authorization": "Bearer sk_bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/admin/tenants", map[string]string{"name": "Acme", "slug": "acme"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/v1/admin/settings", nil, map[string]string{auth.AdminHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// -----------------------------------------------------------------------------
// Entitlements
// -----------------------------------------------------------------------------

func TestTierAndEntitlements(t *testing.T) {
	s := newTestServer(t)
	h := createTenant(t, s, "acme")

	w := do(t, s, http.MethodGet, "/v1/me/tier", nil, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "free", body["tier"])
	usage := body["usage"].(map[string]any)
	assert.EqualValues(t, 0, usage["sites"])

	w = do(t, s, http.MethodGet, "/v1/me/entitlements/create_site", nil, h)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["allowed"])

	w = do(t, s, http.MethodGet, "/v1/me/features/custom_domain", nil, h)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "allowed")
}

func TestCreateSite_FreeTierLimit(t *testing.T) {
	s := newTestServer(t)
	h := createTenant(t, s, "acme")

	w := do(t, s, http.MethodPost, "/v1/sites", map[string]string{"name": "Blog", "url": "https://blog.example.com"}, h)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/sites", map[string]string{"name": "Shop", "url": "https://shop.example.com"}, h)
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "limit_reached", body["error"])
	assert.Equal(t, "1", body["limit"])
	assert.EqualValues(t, 1, body["usage"])

	w = do(t, s, http.MethodGet, "/v1/sites", nil, h)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestCreateSite_ValidationError(t *testing.T) {
	s := newTestServer(t)
	h := createTenant(t, s, "acme")

	w := do(t, s, http.MethodPost, "/v1/sites", map[string]string{"name": "Blog", "url": "not a url"}, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decode(t, w)["error"])
}

func TestAPICallLimit(t *testing.T) {
	s := newTestServer(t)
	h := createTenant(t, s, "acme")

	w := do(t, s, http.MethodPut, "/v1/admin/settings/tier_limits/free/api_calls", map[string]any{"value": 2}, admin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for i := 0; i < 2; i++ {
		w = do(t, s, http.MethodGet, "/v1/me/tier", nil, h)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w = do(t, s, http.MethodGet, "/v1/me/tier", nil, h)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "2", decode(t, w)["limit"])
}

// -----------------------------------------------------------------------------
// Revenue
// -----------------------------------------------------------------------------

func TestEventsAndRevenueReport(t *testing.T) {
	s := newTestServer(t)
	h := createTenant(t, s, "acme")

	w := do(t, s, http.MethodPost, "/v1/sites", map[string]string{"name": "Blog", "url": "https://blog.example.com"}, h)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	siteID := decode(t, w)["site"].(map[string]any)["id"].(string)

	w = do(t, s, http.MethodPost, "/v1/events", map[string]any{
		"type":   "affiliate_sale",
		"siteId": siteID,
		"data":   map[string]any{"amount": "12.50", "transaction_id": "aff_1"},
	}, h)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/revenue?period=30d&source=affiliate", nil, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report struct {
		Total      decimal.Decimal `json:"total"`
		Source     string          `json:"source"`
		EventCount int             `json:"eventCount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Total.Equal(decimal.RequireFromString("12.50")), report.Total.String())
	assert.Equal(t, "affiliate", report.Source)
	assert.Equal(t, 1, report.EventCount)

	w = do(t, s, http.MethodGet, "/v1/revenue?period=2w", nil, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_period", decode(t, w)["error"])

	w = do(t, s, http.MethodGet, "/v1/revenue?source=lottery", nil, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatch_TrackedOnly(t *testing.T) {
	s := newTestServer(t)
	h := createTenant(t, s, "acme")

	w := do(t, s, http.MethodPost, "/v1/events", map[string]any{"type": "page_view"}, h)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, []any{"analytics"}, decode(t, w)["handledBy"])

	w = do(t, s, http.MethodPost, "/v1/events", map[string]any{"data": map[string]any{}}, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decode(t, w)["error"])
}

// -----------------------------------------------------------------------------
// Billing
// -----------------------------------------------------------------------------

func TestCreateSubscription_InvalidPeriod(t *testing.T) {
	s := newTestServer(t)
	h := createTenant(t, s, "acme")

	w := do(t, s, http.MethodPost, "/v1/subscription", map[string]string{"tier": "pro", "billingPeriod": "weekly"}, h)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = do(t, s, http.MethodDelete, "/v1/subscription", nil, h)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStripeWebhook(t *testing.T) {
	s := newTestServer(t)

	payload := []byte(`{"id":"evt_1","object":"event","type":"customer.created","data":{"object":{}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["received"])

	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "invalid_signature", decode(t, w)["error"])
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

func TestAdminSettings(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/admin/settings/apis/stripe/secret_key", nil, admin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "********", decode(t, w)["value"])

	w = do(t, s, http.MethodGet, "/v1/admin/settings/modules.newsletter.enabled", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["value"])

	w = do(t, s, http.MethodGet, "/v1/admin/settings/no/such/key", nil, admin())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPut, "/v1/admin/settings/modules/newsletter/enabled", map[string]any{"value": "yes"}, admin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_setting", decode(t, w)["error"])

	w = do(t, s, http.MethodPut, "/v1/admin/settings/modules/newsletter/enabled", map[string]any{"value": false}, admin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	h := createTenant(t, s, "acme")
	w = do(t, s, http.MethodPost, "/v1/subscribers", map[string]string{"email": "reader@example.com"}, h)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "module_disabled", decode(t, w)["error"])
}

// -----------------------------------------------------------------------------
// Tenant data
// -----------------------------------------------------------------------------

func TestExportAndDeleteTenantData(t *testing.T) {
	s := newTestServer(t)
	h := createTenant(t, s, "acme")

	w := do(t, s, http.MethodPost, "/v1/sites", map[string]string{"name": "Blog", "url": "https://blog.example.com"}, h)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodGet, "/v1/export", nil, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	export := decode(t, w)
	assert.Len(t, export["sites"], 1)
	assert.NotEmpty(t, export["activity"])

	w = do(t, s, http.MethodDelete, "/v1/data", nil, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	deleted := decode(t, w)["deleted"].(map[string]any)
	assert.EqualValues(t, 1, deleted["sites"])
	assert.EqualValues(t, 1, deleted["api_keys"])

	// The key went with the tenant
	w = do(t, s, http.MethodGet, "/v1/me/tier", nil, h)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
