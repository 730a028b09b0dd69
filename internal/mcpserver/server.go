package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all billing tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("seatbill", "1.0.0")
	client := NewSeatbillClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetBillingInfo, h.HandleGetBillingInfo)
	s.AddTool(ToolPreviewPricing, h.HandlePreviewPricing)
	s.AddTool(ToolListUpgradeRequests, h.HandleListUpgradeRequests)
	s.AddTool(ToolGetBillingOverview, h.HandleGetBillingOverview)
	s.AddTool(ToolGetSchedulerStatus, h.HandleGetSchedulerStatus)
	s.AddTool(ToolRunBillingSweep, h.HandleRunBillingSweep)
	s.AddTool(ToolGetBillingEvents, h.HandleGetBillingEvents)

	return s
}
