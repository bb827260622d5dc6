// Package mcpserver exposes a monitoring session as MCP tools so an LLM
// agent can evaluate transfers, check ledger integrity and read reports.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all RegShield tools registered.
func NewMCPServer(sess Session, version string) *server.MCPServer {
	s := server.NewMCPServer("regshield", version, server.WithToolCapabilities(false))
	h := NewHandlers(sess)

	s.AddTool(ToolVerifyLedger, h.HandleVerifyLedger)
	s.AddTool(ToolEvaluateTransaction, h.HandleEvaluateTransaction)
	s.AddTool(ToolListHighRisk, h.HandleListHighRisk)
	s.AddTool(ToolLatestCycle, h.HandleLatestCycle)
	s.AddTool(ToolGetSTRReport, h.HandleGetSTRReport)

	return s
}
