package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all payrail tools
// registered.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer("payrail", "1.0.0")
	h := NewHandlers(deps)

	s.AddTool(ToolValidatePayment, h.HandleValidatePayment)
	s.AddTool(ToolSendPayment, h.HandleSendPayment)
	s.AddTool(ToolSendConcurrentPayments, h.HandleSendConcurrentPayments)
	s.AddTool(ToolRecordPayment, h.HandleRecordPayment)
	s.AddTool(ToolGetSpendingLimits, h.HandleGetSpendingLimits)
	s.AddTool(ToolGetAddressAllowlist, h.HandleGetAddressAllowlist)
	s.AddTool(ToolGetPendingNonces, h.HandleGetPendingNonces)

	return s
}
