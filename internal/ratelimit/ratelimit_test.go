package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(t *testing.T, rpm, burst int) (*Limiter, *clock) {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(l.Stop)
	clk := &clock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	l.now = clk.Now
	return l, clk
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clk := newLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("203.0.113.7")
		require.True(t, ok, "request %d within burst", i)
	}
	ok, wait := l.Allow("203.0.113.7")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	clk.Advance(time.Second)
	ok, _ = l.Allow("203.0.113.7")
	assert.True(t, ok)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, 60, 1)

	ok, _ := l.Allow("a")
	require.True(t, ok)
	ok, _ = l.Allow("a")
	assert.False(t, ok)

	ok, _ = l.Allow("b")
	assert.True(t, ok)
}

func TestAllow_RefillCapsAtBurst(t *testing.T) {
	l, clk := newLimiter(t, 600, 2)
	_, _ = l.Allow("k")
	clk.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("k"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestEvict_DropsIdleBuckets(t *testing.T) {
	l, clk := newLimiter(t, 60, 5)
	_, _ = l.Allow("idle")
	clk.Advance(10 * time.Second)
	_, _ = l.Allow("busy")

	l.evict()
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "idle")
	assert.Contains(t, l.buckets, "busy")
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestNew_FallsBackToDefaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	assert.InDelta(t, 1.0, l.rate, 1e-9)
	assert.Equal(t, 10.0, l.burst)
}

func TestMiddleware_RejectsWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, 60, 1)
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/me", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("X-Forwarded-For", ip)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.4").Code)
	w := send("198.51.100.4")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")

	assert.Equal(t, http.StatusOK, send("198.51.100.5").Code)
}
