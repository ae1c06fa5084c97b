package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MonetizeClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MonetizeClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTier returns the tenant's tier with limits and usage.
func (h *Handlers) HandleGetTier(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetTier(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get tier: %v", err)), nil
	}

	text, err := formatTier(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tier: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckEntitlement reports whether one more action is allowed.
func (h *Handlers) HandleCheckEntitlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := req.GetString("action", "")
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	raw, err := h.client.CheckEntitlement(ctx, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check entitlement: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse entitlement: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRevenueReport summarizes completed revenue.
func (h *Handlers) HandleRevenueReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	period := req.GetString("period", "30d")
	source := req.GetString("source", "")

	raw, err := h.client.RevenueReport(ctx, period, source)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get revenue report: %v", err)), nil
	}

	text, err := formatReport(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse revenue report: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListSites lists the tenant's sites.
func (h *Handlers) HandleListSites(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListSites(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list sites: %v", err)), nil
	}

	text, err := formatSiteList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sites: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetRecommendations lists module recommendations.
func (h *Handlers) HandleGetRecommendations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Recommendations(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get recommendations: %v", err)), nil
	}

	text, err := formatRecommendations(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse recommendations: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleTrackEvent submits one event.
func (h *Handlers) HandleTrackEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType := req.GetString("type", "")
	if eventType == "" {
		return mcp.NewToolResultError("type is required"), nil
	}
	siteID := req.GetString("site_id", "")

	data := make(map[string]any)
	if raw := req.GetArguments()["data"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			data = m
		}
	}

	raw, err := h.client.TrackEvent(ctx, eventType, siteID, data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to track event: %v", err)), nil
	}

	var res struct {
		Owner     string   `json:"owner"`
		HandledBy []string `json:"handledBy"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispatch result: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Event %s accepted.\n", eventType)
	if res.Owner != "" {
		fmt.Fprintf(&sb, "Owner: %s\n", res.Owner)
	}
	if len(res.HandledBy) > 0 {
		fmt.Fprintf(&sb, "Handled by: %s\n", strings.Join(res.HandledBy, ", "))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatTier(raw json.RawMessage) (string, error) {
	var resp struct {
		Tier   string         `json:"tier"`
		Limits map[string]any `json:"limits"`
		Usage  map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tier: %s\n", resp.Tier)
	if len(resp.Limits) == 0 {
		return sb.String(), nil
	}
	sb.WriteString("Limits:\n")
	for _, res := range sortedKeys(resp.Limits) {
		limit := fmt.Sprint(resp.Limits[res])
		if used, ok := resp.Usage[res]; ok {
			fmt.Fprintf(&sb, "  %s: %v of %s\n", res, used, limit)
		} else {
			fmt.Fprintf(&sb, "  %s: %s\n", res, limit)
		}
	}
	return sb.String(), nil
}

func formatDecision(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	allowed, _ := m["allowed"].(bool)
	verdict := "DENIED"
	if allowed {
		verdict = "ALLOWED"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s on the %s tier\n", getString(m, "action"), verdict, getString(m, "tier"))
	if res := getString(m, "resource"); res != "" {
		fmt.Fprintf(&sb, "  Resource: %s\n", res)
	}
	fmt.Fprintf(&sb, "  Limit: %s\n", getString(m, "limit"))
	fmt.Fprintf(&sb, "  Current: %s\n", getString(m, "count"))
	return sb.String(), nil
}

func formatReport(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Revenue (%s, source: %s):\n", getString(m, "period"), getString(m, "source"))
	fmt.Fprintf(&sb, "  Total: %s %s\n", getString(m, "total"), getString(m, "currency"))
	if v, ok := getFloat(m, "eventCount"); ok {
		fmt.Fprintf(&sb, "  Events: %.0f\n", v)
	}
	if bySource, ok := m["bySource"].(map[string]any); ok && len(bySource) > 0 {
		sb.WriteString("  By source:\n")
		for _, src := range sortedKeys(bySource) {
			fmt.Fprintf(&sb, "    %s: %s\n", src, getString(bySource, src))
		}
	}
	if other, ok := m["otherCurrencies"].(map[string]any); ok && len(other) > 0 {
		sb.WriteString("  Other currencies:\n")
		for _, cur := range sortedKeys(other) {
			fmt.Fprintf(&sb, "    %s: %s\n", cur, getString(other, cur))
		}
	}
	return sb.String(), nil
}

func formatSiteList(raw json.RawMessage) (string, error) {
	var resp struct {
		Sites []map[string]any `json:"sites"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected sites response format")
	}

	if len(resp.Sites) == 0 {
		return "No sites registered.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d site(s):\n\n", len(resp.Sites))
	for i, s := range resp.Sites {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, getString(s, "name"), getString(s, "url"))
		fmt.Fprintf(&sb, "   ID: %s | Status: %s\n", getString(s, "id"), getString(s, "status"))
	}
	return sb.String(), nil
}

func formatRecommendations(raw json.RawMessage) (string, error) {
	var resp struct {
		Recommendations []map[string]any `json:"recommendations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Recommendations) == 0 {
		return "No recommendations right now.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recommendation(s):\n\n", len(resp.Recommendations))
	for i, r := range resp.Recommendations {
		fmt.Fprintf(&sb, "%d. [%s] %s: %s\n", i+1, getString(r, "priority"), getString(r, "module"), getString(r, "message"))
	}
	return sb.String(), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
