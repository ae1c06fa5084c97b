package newsletter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/retry"
)

func staticCreds(key, audience string) Credentials {
	return func() (string, string) { return key, audience }
}

func newTestMailchimp(t *testing.T, handler http.HandlerFunc) (*MailchimpClient, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c := NewMailchimpClient(staticCreds("abc123-us21", "aud_1"), time.Second).
		WithBaseURL(srv.URL).
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond})
	return c, &calls
}

func TestDataCenter(t *testing.T) {
	assert.Equal(t, "us21", dataCenter("abc123-us21"))
	assert.Equal(t, "us6", dataCenter("a-b-us6"))
	assert.Equal(t, "", dataCenter("nodash"))
	assert.Equal(t, "", dataCenter("trailing-"))
}

func TestMailchimp_AddMember_Pending(t *testing.T) {
	c, _ := newTestMailchimp(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/3.0/lists/aud_1/members/", r.URL.Path)
		_, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "abc123-us21", pass)

		var body memberBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "reader@example.com", body.EmailAddress)
		assert.Equal(t, "pending", body.Status)
		assert.Equal(t, "Ada", body.MergeFields["FNAME"])

		_, _ = w.Write([]byte(`{"status":"pending"}`))
	})

	status, err := c.AddMember(context.Background(), Member{Email: "reader@example.com", FirstName: "Ada", DoubleOptIn: true})
	require.NoError(t, err)
	assert.Equal(t, RemotePending, status)
}

func TestMailchimp_AddMember_Subscribed(t *testing.T) {
	c, _ := newTestMailchimp(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"subscribed"}`))
	})
	status, err := c.AddMember(context.Background(), Member{Email: "reader@example.com"})
	require.NoError(t, err)
	assert.Equal(t, RemoteSubscribed, status)
}

func TestMailchimp_AddMember_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		body       string
		wantStatus RemoteStatus
		wantKind   apperr.Kind
		wantCode   string
		wantCalls  int32
	}{
		{"member exists", 400, `{"title":"Member Exists"}`, RemoteAlreadySubscribed, "", "", 1},
		{"invalid resource", 400, `{"title":"Invalid Resource"}`, "", apperr.KindValidation, "invalid_resource", 1},
		{"other bad request", 400, `{"title":"Forgotten Email Not Subscribed"}`, "", apperr.KindValidation, "bad_request", 1},
		{"unauthorized", 401, `{}`, "", apperr.KindConfiguration, "mailchimp_unauthorized", 1},
		{"list not found", 404, `{}`, "", apperr.KindConfiguration, "mailchimp_list_not_found", 1},
		{"server error retried", 503, `oops`, "", apperr.KindProvider, "mailchimp_error", 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, calls := newTestMailchimp(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			})
			status, err := c.AddMember(context.Background(), Member{Email: "reader@example.com"})
			if tc.wantKind == "" {
				require.NoError(t, err)
				assert.Equal(t, tc.wantStatus, status)
			} else {
				require.Error(t, err)
				assert.Equal(t, tc.wantKind, apperr.KindOf(err))
				assert.Equal(t, tc.wantCode, apperr.As(err).Code)
			}
			assert.Equal(t, tc.wantCalls, atomic.LoadInt32(calls))
		})
	}
}

func TestMailchimp_NotConfigured(t *testing.T) {
	c := NewMailchimpClient(staticCreds("", ""), time.Second)
	assert.False(t, c.Configured())

	_, err := c.AddMember(context.Background(), Member{Email: "reader@example.com"})
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))

	c = NewMailchimpClient(staticCreds("nodatacenter", "aud"), time.Second)
	_, err = c.AddMember(context.Background(), Member{Email: "reader@example.com"})
	assert.Equal(t, "mailchimp_bad_key", apperr.As(err).Code)
}

func TestMailchimp_AddMember_HonoursRetryAfter(t *testing.T) {
	var n int32
	c, calls := newTestMailchimp(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&n, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"status":"subscribed"}`))
	})
	c.WithRetryPolicy(retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	status, err := c.AddMember(context.Background(), Member{Email: "reader@example.com"})
	require.NoError(t, err)
	assert.Equal(t, RemoteSubscribed, status)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}
