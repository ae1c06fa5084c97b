package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(url string) *HTTPNotifier {
	n := NewHTTPNotifier(url, "whsec_test", time.Second)
	n.policy.BaseDelay = time.Millisecond
	return n
}

func TestNotify_SignsPayload(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, Verify(body, "whsec_test", r.Header.Get(SignatureHeader)))
		assert.Equal(t, string(KindPaymentFailed), r.Header.Get(KindHeader))
		assert.NotEmpty(t, r.Header.Get(TimestampHeader))
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL).Notify(context.Background(), &Notification{
		Kind:     KindPaymentFailed,
		TenantID: "ten_1",
		Subject:  "Payment failed",
	})
	require.NoError(t, err)
	assert.Equal(t, "ten_1", got.TenantID)
	assert.NotEmpty(t, got.ID)
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL).Notify(context.Background(), &Notification{Kind: KindPaymentFailed})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotify_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL).Notify(context.Background(), &Notification{Kind: KindPaymentFailed})
	assert.ErrorIs(t, err, errStatus)
	assert.Equal(t, int32(1), calls.Load())
}

func TestVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := "sha256=" + Sign(body, "s1")
	assert.True(t, Verify(body, "s1", sig))
	assert.False(t, Verify(body, "s2", sig))
	assert.False(t, Verify(body, "s1", Sign(body, "s1")))
	assert.False(t, Verify([]byte(`{"a":2}`), "s1", sig))
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), &Notification{Kind: KindSubscriptionCancelled}))
}
