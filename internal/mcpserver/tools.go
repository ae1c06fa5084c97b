package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Monetize MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTier = mcp.NewTool("get_tier",
	mcp.WithDescription(
		"Get the tenant's subscription tier (free, pro or enterprise) with its resource limits "+
			"and current usage. Use this before creating sites, subscribers or automation tasks."),
)

var ToolCheckEntitlement = mcp.NewTool("check_entitlement",
	mcp.WithDescription(
		"Check whether an action is allowed right now under the tenant's tier. "+
			"Returns the limit, the current count and whether one more is allowed."),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Action to check"),
		mcp.Enum("create_site", "send_newsletter", "api_call", "automation_task", "subscribers")),
)

var ToolRevenueReport = mcp.NewTool("revenue_report",
	mcp.WithDescription(
		"Summarize completed revenue across AdSense, affiliate, sponsorship and subscription sources. "+
			"Totals are in USD; other currencies are listed separately."),
	mcp.WithString("period",
		mcp.Description("Reporting window (default 30d)"),
		mcp.Enum("7d", "30d", "90d", "1y")),
	mcp.WithString("source",
		mcp.Description("Restrict the report to one revenue source"),
		mcp.Enum("all", "adsense", "affiliate", "sponsorship", "subscription")),
)

var ToolListSites = mcp.NewTool("list_sites",
	mcp.WithDescription("List the tenant's registered sites, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of sites to return (default 20)")),
)

var ToolGetRecommendations = mcp.NewTool("get_recommendations",
	mcp.WithDescription(
		"Get monetization recommendations from every active module, such as ad placement "+
			"changes or switching to annual billing."),
)

var ToolTrackEvent = mcp.NewTool("track_event",
	mcp.WithDescription(
		"Submit a monetization event such as an affiliate sale, a sponsorship payment or a newsletter signup. "+
			"Revenue events need an amount and a transaction_id in data."),
	mcp.WithString("type",
		mcp.Required(),
		mcp.Description("Event type (e.g. 'affiliate_sale', 'sponsorship_payment', 'newsletter_signup', 'adsense_click')")),
	mcp.WithString("site_id",
		mcp.Description("Site the event belongs to")),
	mcp.WithObject("data",
		mcp.Description("Event payload, e.g. {\"amount\": \"12.50\", \"transaction_id\": \"aff_123\"}")),
)
