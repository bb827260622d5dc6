package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/chain"
	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/monitor"
	"github.com/mbd888/regshield/internal/report"
)

// Session is the part of a monitoring session the tools use.
// *monitor.Monitor implements it.
type Session interface {
	Verify(ctx context.Context) chain.Snapshot
	Evaluate(ctx context.Context, req evaluation.Request) (evaluation.Result, error)
	HighRisk() []evaluation.Result
	Cycle() monitor.CycleView
	FetchReport(ctx context.Context, transactionID string) (report.Result, error)
}

const defaultListLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	sess Session
	now  func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sess Session) *Handlers {
	return &Handlers{sess: sess, now: time.Now}
}

// HandleVerifyLedger re-checks the remote chain.
func (h *Handlers) HandleVerifyLedger(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := h.sess.Verify(ctx)

	switch snap.Status {
	case chain.StatusVerified:
		return mcp.NewToolResultText("Ledger integrity: Verified. The hash chain is intact."), nil
	case chain.StatusTampered:
		return mcp.NewToolResultText(fmt.Sprintf(
			"Ledger integrity: TAMPERED.\n\nDetail: %s\n\n"+
				"The remote ledger reports a broken hash chain. Treat all session results as untrusted.",
			orDash(snap.Message))), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Ledger integrity could not be checked: %s", orDash(snap.Message))), nil
	}
}

// HandleEvaluateTransaction scores one transfer.
func (h *Handlers) HandleEvaluateTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := evaluation.Request{
		TransactionID:     req.GetString("transaction_id", ""),
		SenderAccountID:   req.GetString("sender_account_id", ""),
		ReceiverAccountID: req.GetString("receiver_account_id", ""),
		Amount:            req.GetFloat("amount", 0),
		Timestamp:         req.GetString("timestamp", ""),
		Currency:          req.GetString("currency", ""),
	}
	if q.Timestamp == "" {
		q.Timestamp = h.now().UTC().Format(time.RFC3339)
	}
	if err := q.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := h.sess.Evaluate(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(describeError("Evaluation failed", err)), nil
	}
	return mcp.NewToolResultText(formatResult(res)), nil
}

// HandleListHighRisk lists the session's high-risk results.
func (h *Handlers) HandleListHighRisk(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}

	txs := h.sess.HighRisk()
	if len(txs) == 0 {
		return mcp.NewToolResultText("No high-risk transactions in this session."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d high-risk transaction(s) above %d:\n\n", len(txs), evaluation.HighRiskThreshold)
	for i, r := range txs {
		if i == limit {
			fmt.Fprintf(&sb, "... and %d more\n", len(txs)-limit)
			break
		}
		fmt.Fprintf(&sb, "%d. %s  score %.1f  %s\n", i+1, r.TransactionID, r.TotalScore, r.Decision)
		if rules := r.Rules(); len(rules) > 0 {
			fmt.Fprintf(&sb, "   rules: %s\n", strings.Join(rules, ", "))
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleLatestCycle describes the most recent cycle.
func (h *Handlers) HandleLatestCycle(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	view := h.sess.Cycle()
	if view.Layout.Empty() {
		return mcp.NewToolResultText(view.Message), nil
	}

	accounts := make([]string, 0, len(view.Layout.Nodes))
	for _, n := range view.Layout.Nodes {
		accounts = append(accounts, n.AccountID)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Circular pattern in %s:\n\n", view.TransactionID)
	sb.WriteString(strings.Join(accounts, " -> "))
	fmt.Fprintf(&sb, "\n\n%d account(s), %d transfer(s)\n", len(view.Layout.Nodes), len(view.Layout.Edges))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetSTRReport fetches the STR text, polling while it is generated.
func (h *Handlers) HandleGetSTRReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	res, err := h.sess.FetchReport(ctx, id)
	switch {
	case errors.Is(err, monitor.ErrUnknownTransaction):
		return mcp.NewToolResultError(fmt.Sprintf("Transaction %s has not been evaluated in this session.", id)), nil
	case errors.Is(err, monitor.ErrNoReportRequired):
		return mcp.NewToolResultText(fmt.Sprintf("Transaction %s does not require an STR report.", id)), nil
	case err != nil:
		return mcp.NewToolResultError(describeError("Report fetch failed", err)), nil
	}

	if !res.Ready() {
		return mcp.NewToolResultText(fmt.Sprintf("STR report for %s is not available yet (%s after %d attempt(s)):\n%s",
			id, res.Status, res.Attempts, res.Text)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("STR report for %s:\n\n%s", id, res.Text)), nil
}

func formatResult(r evaluation.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction: %s\n", r.TransactionID)
	fmt.Fprintf(&sb, "Risk score:  %.1f / 100\n", r.TotalScore)
	fmt.Fprintf(&sb, "Decision:    %s\n", r.Decision)

	if rules := r.Rules(); len(rules) > 0 {
		fmt.Fprintf(&sb, "Rules:       %s\n", strings.Join(rules, ", "))
	}
	if len(r.RiskBreakdown) > 0 {
		keys := make([]string, 0, len(r.RiskBreakdown))
		for k := range r.RiskBreakdown {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Breakdown:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %-20s %.1f\n", k, r.RiskBreakdown[k])
		}
	}
	if r.HasCycle() {
		fmt.Fprintf(&sb, "Cycle:       %s\n", strings.Join(r.CyclePath, " -> "))
	}
	if r.NeedsSTR() {
		sb.WriteString("\nAn STR report is required. Use get_str_report to fetch it.\n")
	}
	return sb.String()
}

func describeError(prefix string, err error) string {
	switch {
	case backend.IsAccountNotFound(err):
		return prefix + ": account not found"
	case errors.Is(err, backend.ErrRemoteValidation):
		return fmt.Sprintf("%s: the backend rejected the request: %v", prefix, err)
	case errors.Is(err, backend.ErrTransportUnavailable):
		return fmt.Sprintf("%s: scoring backend unreachable: %v", prefix, err)
	default:
		return fmt.Sprintf("%s: %v", prefix, err)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
