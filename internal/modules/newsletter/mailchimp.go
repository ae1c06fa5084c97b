package newsletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/circuitbreaker"
	"github.com/mbd888/monetize/internal/metrics"
	"github.com/mbd888/monetize/internal/retry"
)

// RemoteStatus is the list provider's view of a member after signup.
type RemoteStatus string

const (
	RemoteSubscribed        RemoteStatus = "subscribed"
	RemotePending           RemoteStatus = "pending"
	RemoteAlreadySubscribed RemoteStatus = "already_subscribed"
)

// Member is the signup sent to the list provider.
type Member struct {
	Email       string
	FirstName   string
	LastName    string
	Tags        []string
	Source      string
	DoubleOptIn bool
}

// MailingList is the external list provider.
type MailingList interface {
	Configured() bool
	AddMember(ctx context.Context, m Member) (RemoteStatus, error)
}

// Credentials returns the current Mailchimp API key and audience id.
type Credentials func() (apiKey, audienceID string)

// MailchimpClient adds members through the Mailchimp Marketing API v3.
// Each call is bounded by the client timeout, retried on provider failures
// and guarded by a circuit breaker.
type MailchimpClient struct {
	creds   Credentials
	client  *http.Client
	baseURL string
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewMailchimpClient creates a client. timeout bounds each HTTP attempt.
func NewMailchimpClient(creds Credentials, timeout time.Duration) *MailchimpClient {
	return &MailchimpClient{
		creds:   creds,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.DefaultPolicy(),
	}
}

// WithBaseURL points the client at another host (tests, proxies).
func (c *MailchimpClient) WithBaseURL(u string) *MailchimpClient {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// WithBreaker shares a circuit breaker with other provider clients.
func (c *MailchimpClient) WithBreaker(b *circuitbreaker.Breaker) *MailchimpClient {
	c.breaker = b
	return c
}

// WithRetryPolicy overrides the retry policy.
func (c *MailchimpClient) WithRetryPolicy(p retry.Policy) *MailchimpClient {
	c.policy = p
	return c
}

// Configured reports whether an API key and audience are set.
func (c *MailchimpClient) Configured() bool {
	key, audience := c.creds()
	return key != "" && audience != ""
}

// dataCenter returns the API key suffix after the last "-", e.g. "us21".
func dataCenter(apiKey string) string {
	i := strings.LastIndex(apiKey, "-")
	if i < 0 || i == len(apiKey)-1 {
		return ""
	}
	return apiKey[i+1:]
}

type memberBody struct {
	EmailAddress string            `json:"email_address"`
	Status       string            `json:"status"`
	MergeFields  map[string]string `json:"merge_fields,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status string `json:"status"`
}

// AddMember subscribes m to the configured audience.
func (c *MailchimpClient) AddMember(ctx context.Context, m Member) (RemoteStatus, error) {
	apiKey, audience := c.creds()
	if apiKey == "" || audience == "" {
		return "", apperr.Configuration("mailchimp_not_configured", "newsletter service is not configured", nil)
	}
	dc := dataCenter(apiKey)
	if dc == "" {
		return "", apperr.Configuration("mailchimp_bad_key", "newsletter API key has no data center suffix", nil)
	}
	base := c.baseURL
	if base == "" {
		base = "https://" + dc + ".api.mailchimp.com"
	}
	url := fmt.Sprintf("%s/3.0/lists/%s/members/", base, audience)

	status := "subscribed"
	if m.DoubleOptIn {
		status = "pending"
	}
	merge := map[string]string{"SIGNUP_SRC": m.Source}
	if m.FirstName != "" {
		merge["FNAME"] = m.FirstName
	}
	if m.LastName != "" {
		merge["LNAME"] = m.LastName
	}
	body, err := json.Marshal(memberBody{EmailAddress: m.Email, Status: status, MergeFields: merge, Tags: m.Tags})
	if err != nil {
		return "", apperr.Internal(err)
	}

	defer metrics.ObserveProvider("mailchimp", "add_member", time.Now())

	var result RemoteStatus
	err = c.breaker.Execute("mailchimp", isOutage, func() error {
		return c.policy.Do(ctx, func() error {
			r, err := c.post(ctx, url, apiKey, body)
			if err != nil && !isOutage(err) {
				return retry.Permanent(err)
			}
			result = r
			return err
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", apperr.Provider("mailchimp_unavailable", "newsletter service is temporarily unavailable", err)
	}
	return result, err
}

func isOutage(err error) bool {
	return apperr.KindOf(err) == apperr.KindProvider
}

func (c *MailchimpClient) post(ctx context.Context, url, apiKey string, body []byte) (RemoteStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("monetize", apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperr.Provider("mailchimp_unreachable", "unable to reach newsletter service", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK:
		var member struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(raw, &member)
		if member.Status == string(RemotePending) {
			return RemotePending, nil
		}
		return RemoteSubscribed, nil
	case http.StatusBadRequest:
		var p problem
		_ = json.Unmarshal(raw, &p)
		switch p.Title {
		case "Member Exists":
			return RemoteAlreadySubscribed, nil
		case "Invalid Resource":
			return "", apperr.Validation("invalid_resource", "the newsletter service rejected this address")
		default:
			return "", apperr.Validation("bad_request", "the newsletter service rejected the signup")
		}
	case http.StatusUnauthorized:
		return "", apperr.Configuration("mailchimp_unauthorized", "newsletter API key was rejected",
			fmt.Errorf("mailchimp: status %d", resp.StatusCode))
	case http.StatusTooManyRequests:
		err := apperr.Provider("mailchimp_rate_limited", "newsletter service is rate limiting requests",
			fmt.Errorf("mailchimp: status %d", resp.StatusCode))
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return "", retry.After(time.Duration(secs)*time.Second, err)
		}
		return "", err
	case http.StatusNotFound:
		return "", apperr.Configuration("mailchimp_list_not_found", "newsletter audience not found",
			fmt.Errorf("mailchimp: status %d", resp.StatusCode))
	default:
		return "", apperr.Provider("mailchimp_error", "newsletter service error",
			fmt.Errorf("mailchimp: status %d: %s", resp.StatusCode, truncate(raw, 200)))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

var _ MailingList = (*MailchimpClient)(nil)
