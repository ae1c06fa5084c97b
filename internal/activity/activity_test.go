package activity

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:   "socket address only",
			remote: "203.0.113.9:51234",
			want:   "203.0.113.9",
		},
		{
			name:    "cloudflare wins over forwarded-for",
			headers: map[string]string{"CF-Connecting-IP": "198.51.100.7", "X-Forwarded-For": "192.0.2.1"},
			remote:  "10.0.0.1:80",
			want:    "198.51.100.7",
		},
		{
			name:    "invalid higher-priority header is skipped",
			headers: map[string]string{"X-Real-IP": "not-an-ip", "X-Forwarded-For": "192.0.2.1"},
			remote:  "10.0.0.1:80",
			want:    "192.0.2.1",
		},
		{
			name:    "first valid entry of forwarded-for list",
			headers: map[string]string{"X-Forwarded-For": "unknown, 192.0.2.44, 10.0.0.2"},
			remote:  "10.0.0.1:80",
			want:    "192.0.2.44",
		},
		{
			name:    "ipv6",
			headers: map[string]string{"X-Real-IP": "2001:db8::1"},
			want:    "2001:db8::1",
		},
		{
			name:    "rfc 7239 forwarded",
			headers: map[string]string{"Forwarded": `for="[2001:db8::2]:4711";proto=https`},
			want:    "2001:db8::2",
		},
		{
			name:    "rfc 7239 forwarded ipv4 with port",
			headers: map[string]string{"Forwarded": "for=192.0.2.60:8080;by=203.0.113.43"},
			want:    "192.0.2.60",
		},
		{
			name:   "nothing valid",
			remote: "garbage",
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(h, tt.remote))
		})
	}
}

func TestMemoryStore_CountSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	add := func(tenant, action string, at time.Time) {
		require.NoError(t, s.Append(ctx, &Entry{ID: at.String() + tenant + action, TenantID: tenant, Action: action, Result: ResultOK, CreatedAt: at}))
	}
	add("ten_1", "api_call", now.Add(-26*time.Hour))
	add("ten_1", "api_call", StartOfDay(now))
	add("ten_1", "api_call", now.Add(-time.Minute))
	add("ten_1", "create_site", now)
	add("ten_2", "api_call", now)

	n, err := s.CountSince(ctx, "ten_1", "api_call", StartOfDay(now))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_AppendValidates(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.Append(context.Background(), &Entry{Action: "x"}), ErrInvalidEntry)
	assert.ErrorIs(t, s.Append(context.Background(), &Entry{TenantID: "t"}), ErrInvalidEntry)
}

func TestMemoryStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, &Entry{ID: string(rune('a' + i)), TenantID: "ten_1", Action: "api_call", CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, s.Append(ctx, &Entry{ID: "z", TenantID: "ten_2", Action: "api_call", CreatedAt: base}))

	list, err := s.ListByTenant(ctx, "ten_1", 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "e", list[0].ID)

	n, err := s.DeleteByTenant(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	list, _ = s.ListByTenant(ctx, "ten_1", 0)
	assert.Empty(t, list)
	list, _ = s.ListByTenant(ctx, "ten_2", 0)
	assert.Len(t, list, 1)
}

func TestStartOfDay(t *testing.T) {
	in := time.Date(2026, 1, 2, 23, 59, 0, 0, time.FixedZone("X", 3600))
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), StartOfDay(in))
}
