package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Monetize API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Tenant API key, e.g. "sk_..."
}

// MonetizeClient is a pure HTTP client for the tenant API.
type MonetizeClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewMonetizeClient creates a new client for the Monetize API.
func NewMonetizeClient(cfg Config) *MonetizeClient {
	return &MonetizeClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Limit   string `json:"limit"`
	Usage   *int64 `json:"usage"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *MonetizeClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Usage != nil {
				return nil, fmt.Errorf("API error (%d): %s (limit %s, usage %d)",
					resp.StatusCode, apiErr.Message, apiErr.Limit, *apiErr.Usage)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetTier returns the tenant's tier, limits, and usage.
func (c *MonetizeClient) GetTier(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/me/tier", nil, nil)
}

// CheckEntitlement asks whether action is currently allowed.
func (c *MonetizeClient) CheckEntitlement(ctx context.Context, action string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/me/entitlements/"+url.PathEscape(action), nil, nil)
}

// RevenueReport returns completed revenue over period, optionally for one
// source.
func (c *MonetizeClient) RevenueReport(ctx context.Context, period, source string) (json.RawMessage, error) {
	q := url.Values{}
	if period != "" {
		q.Set("period", period)
	}
	if source != "" {
		q.Set("source", source)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/revenue", q, nil)
}

// ListSites lists the tenant's sites.
func (c *MonetizeClient) ListSites(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/sites", q, nil)
}

// Recommendations returns suggestions from every active module.
func (c *MonetizeClient) Recommendations(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/optimizations", nil, nil)
}

// TrackEvent submits an event for dispatch.
func (c *MonetizeClient) TrackEvent(ctx context.Context, eventType, siteID string, data map[string]any) (json.RawMessage, error) {
	body := map[string]any{"type": eventType}
	if siteID != "" {
		body["siteId"] = siteID
	}
	if len(data) > 0 {
		body["data"] = data
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/events", nil, body)
}
