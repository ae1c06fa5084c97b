package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Monetize tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("monetize", "1.0.0")
	client := NewMonetizeClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetTier, h.HandleGetTier)
	s.AddTool(ToolCheckEntitlement, h.HandleCheckEntitlement)
	s.AddTool(ToolRevenueReport, h.HandleRevenueReport)
	s.AddTool(ToolListSites, h.HandleListSites)
	s.AddTool(ToolGetRecommendations, h.HandleGetRecommendations)
	s.AddTool(ToolTrackEvent, h.HandleTrackEvent)

	return s
}
