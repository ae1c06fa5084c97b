package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(m *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(m))
	protected := r.Group("/v1", RequireAuth())
	protected.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenantId": GetTenantID(c)})
	})
	NewHandler(m).RegisterProtectedRoutes(protected)
	admin := r.Group("/admin", RequireAdmin("s3cret"))
	admin.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestRequireAuth(t *testing.T) {
	m := NewManager(NewMemoryStore())
	raw, _, err := m.GenerateKey(context.Background(), "ten_42", "k")
	require.NoError(t, err)
	r := newRouter(m)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/whoami", nil)
	req.Header.Set("X-API-Key", raw)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ten_42", body["tenantId"])
}

func TestRequireAdmin(t *testing.T) {
	r := newRouter(NewManager(NewMemoryStore()))

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "guess", http.StatusUnauthorized},
		{"correct", "s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/admin/ping", nil)
			if tt.secret != "" {
				req.Header.Set(AdminHeader, tt.secret)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequireAdmin_EmptySecretDisables(t *testing.T) {
	r := gin.New()
	r.GET("/admin", RequireAdmin(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set(AdminHeader, "")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestKeyHandlers(t *testing.T) {
	m := NewManager(NewMemoryStore())
	raw, current, err := m.GenerateKey(context.Background(), "ten_1", "first")
	require.NoError(t, err)
	r := newRouter(m)

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		r.ServeHTTP(w, req)
		return w
	}

	w := do("POST", "/v1/keys")
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	newID := created["keyId"].(string)

	w = do("GET", "/v1/keys")
	require.Equal(t, http.StatusOK, w.Code)
	var listed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Equal(t, float64(2), listed["count"])

	assert.Equal(t, http.StatusBadRequest, do("DELETE", "/v1/keys/"+current.ID).Code)
	assert.Equal(t, http.StatusOK, do("DELETE", "/v1/keys/"+newID).Code)
	assert.Equal(t, http.StatusNotFound, do("DELETE", "/v1/keys/"+newID).Code)
}
