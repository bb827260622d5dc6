package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the RegShield MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolVerifyLedger = mcp.NewTool("verify_ledger",
	mcp.WithDescription(
		"Re-verify the integrity of the hash-chained transaction ledger held by the scoring backend. "+
			"Returns Verified, Tampered (with the backend's detail) or Error when the backend is unreachable."),
)

var ToolEvaluateTransaction = mcp.NewTool("evaluate_transaction",
	mcp.WithDescription(
		"Submit one transfer to the AML scoring backend and add the result to this monitoring session. "+
			"Returns the risk score (0-100), decision (Clear, Flag for Review, Generate STR), "+
			"triggered rules and any detected circular transfer path."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Unique transaction identifier (e.g. 'TX-1001')")),
	mcp.WithString("sender_account_id",
		mcp.Required(),
		mcp.Description("Sending account")),
	mcp.WithString("receiver_account_id",
		mcp.Required(),
		mcp.Description("Receiving account")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Transfer amount, must be positive")),
	mcp.WithString("timestamp",
		mcp.Description("RFC 3339 time of the transfer. Defaults to now.")),
	mcp.WithString("currency",
		mcp.Description("ISO currency code (default USD)")),
)

var ToolListHighRisk = mcp.NewTool("list_high_risk",
	mcp.WithDescription(
		"List the transactions in this session scoring above the high-risk threshold (80), newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolLatestCycle = mcp.NewTool("latest_cycle",
	mcp.WithDescription(
		"Show the most recently detected circular transfer pattern (e.g. A -> B -> C -> A) in this session."),
)

var ToolGetSTRReport = mcp.NewTool("get_str_report",
	mcp.WithDescription(
		"Fetch the Suspicious Transaction Report for a high-risk transaction in this session. "+
			"The backend generates reports asynchronously, so this may wait a few seconds and can come back "+
			"still generating."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction whose decision was Generate STR")),
)
