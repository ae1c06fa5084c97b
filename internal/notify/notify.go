// Package notify delivers out-of-band tenant notifications (payment
// failures, subscription changes) to a relay endpoint as signed JSON POSTs.
//
// The receiver verifies X-Monetize-Signature, which is
// "sha256=" + hex(HMAC-SHA256(secret, body)).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/monetize/internal/idgen"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/metrics"
	"github.com/mbd888/monetize/internal/retry"
)

// Kind of notification.
type Kind string

const (
	KindPaymentFailed         Kind = "payment.failed"
	KindSubscriptionActivated Kind = "subscription.activated"
	KindSubscriptionCancelled Kind = "subscription.cancelled"
)

// Notification is one message for a tenant.
type Notification struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	TenantID  string         `json:"tenantId"`
	Email     string         `json:"email,omitempty"`
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

const (
	SignatureHeader = "X-Monetize-Signature"
	KindHeader      = "X-Monetize-Notification"
	TimestampHeader = "X-Monetize-Timestamp"
)

var errStatus = errors.New("notify: relay rejected notification")

// HTTPNotifier posts notifications to one endpoint.
type HTTPNotifier struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
}

// NewHTTPNotifier creates a notifier. timeout bounds each attempt.
func NewHTTPNotifier(url, secret string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		policy: retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
}

// WithDialer routes connections through d, e.g. a dialer that refuses
// internal addresses.
func (h *HTTPNotifier) WithDialer(d *net.Dialer) *HTTPNotifier {
	h.client.Transport = &http.Transport{
		DialContext:         d.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	return h
}

// Notify sends n, retrying transport errors and 5xx responses. 4xx
// responses are not retried.
func (h *HTTPNotifier) Notify(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = idgen.WithPrefix("ntf_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	err = h.policy.Do(ctx, func() error {
		return h.post(ctx, n, payload)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), result).Inc()
	return err
}

func (h *HTTPNotifier) post(ctx context.Context, n *Notification, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("notify: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(KindHeader, string(n.Kind))
	req.Header.Set(TimestampHeader, strconv.FormatInt(n.CreatedAt.Unix(), 10))
	if h.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(payload, h.secret))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errStatus, resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("%w: status %d", errStatus, resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against payload.
func Verify(payload []byte, secret, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return hmac.Equal([]byte(header[len(prefix):]), []byte(Sign(payload, secret)))
}

// LogNotifier only logs. Used when no relay endpoint is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n *Notification) error {
	logging.L(ctx).Info("notification (no relay configured)",
		"kind", n.Kind, "tenant_id", n.TenantID, "subject", n.Subject)
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "logged").Inc()
	return nil
}

var (
	_ Notifier = (*HTTPNotifier)(nil)
	_ Notifier = LogNotifier{}
)
