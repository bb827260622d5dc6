package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/chain"
	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/layout"
	"github.com/mbd888/regshield/internal/monitor"
	"github.com/mbd888/regshield/internal/report"
)

// --- Test helpers ---

type fakeSession struct {
	snap     chain.Snapshot
	evalErr  error
	lastReq  evaluation.Request
	result   evaluation.Result
	highRisk []evaluation.Result
	cycle    monitor.CycleView
	report   report.Result
	reportEr error
}

func (f *fakeSession) Verify(context.Context) chain.Snapshot { return f.snap }

func (f *fakeSession) Evaluate(_ context.Context, req evaluation.Request) (evaluation.Result, error) {
	f.lastReq = req
	if f.evalErr != nil {
		return evaluation.Result{}, f.evalErr
	}
	return f.result, nil
}

func (f *fakeSession) HighRisk() []evaluation.Result { return f.highRisk }
func (f *fakeSession) Cycle() monitor.CycleView    { return f.cycle }

func (f *fakeSession) FetchReport(context.Context, string) (report.Result, error) {
	return f.report, f.reportEr
}

func newTestHandlers(sess *fakeSession) *Handlers {
	h := NewHandlers(sess)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// verify_ledger
// ============================================================

func TestVerifyLedger(t *testing.T) {
	tests := []struct {
		name    string
		snap    chain.Snapshot
		isError bool
		want    string
	}{
		{"verified", chain.Snapshot{Status: chain.StatusVerified}, false, "Verified"},
		{"tampered", chain.Snapshot{Status: chain.StatusTampered, Message: "block 4 hash mismatch"}, false, "block 4 hash mismatch"},
		{"error", chain.Snapshot{Status: chain.StatusError, Message: "connection refused"}, true, "could not be checked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(&fakeSession{snap: tt.snap})
			res, err := h.HandleVerifyLedger(context.Background(), makeRequest(nil))
			require.NoError(t, err)
			assert.Equal(t, tt.isError, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
}

// ============================================================
// evaluate_transaction
// ============================================================

func TestEvaluateTransaction(t *testing.T) {
	sess := &fakeSession{result: evaluation.Result{
		TransactionID:  "TX-9",
		TotalScore:     91,
		Decision:       evaluation.DecisionGenerateSTR,
		TriggeredRules: []string{"structuring", "velocity"},
		RiskBreakdown:  map[string]float64{"velocity": 40, "graph": 51},
		CyclePath:      []string{"A", "B", "A"},
	}}
	h := newTestHandlers(sess)

	res, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"transaction_id":      "TX-9",
		"sender_account_id":   "A",
		"receiver_account_id": "B",
		"amount":              9500.0,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "Risk score:  91.0 / 100")
	assert.Contains(t, text, "Generate STR")
	assert.Contains(t, text, "structuring, velocity")
	assert.Contains(t, text, "A -> B -> A")
	assert.Contains(t, text, "get_str_report")
	assert.Less(t, strings.Index(text, "  graph"), strings.Index(text, "  velocity"), "breakdown should be sorted")

	assert.Equal(t, "2026-03-01T12:00:00Z", sess.lastReq.Timestamp)
	assert.Equal(t, 9500.0, sess.lastReq.Amount)
}

func TestEvaluateTransaction_InvalidArgs(t *testing.T) {
	sess := &fakeSession{}
	h := newTestHandlers(sess)

	res, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"transaction_id": "TX-1",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "sender account id is required")
	assert.Empty(t, sess.lastReq.TransactionID, "invalid request must not reach the session")
}

func TestEvaluateTransaction_BackendDown(t *testing.T) {
	h := newTestHandlers(&fakeSession{
		evalErr: fmt.Errorf("%w: dial tcp: connection refused", backend.ErrTransportUnavailable),
	})

	res, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"transaction_id":      "TX-1",
		"sender_account_id":   "A",
		"receiver_account_id": "B",
		"amount":              10.0,
		"timestamp":           "2026-01-01T00:00:00Z",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "scoring backend unreachable")
}

// ============================================================
// list_high_risk
// ============================================================

func TestListHighRisk(t *testing.T) {
	h := newTestHandlers(&fakeSession{highRisk: []evaluation.Result{
		{TransactionID: "TX-3", TotalScore: 95, Decision: evaluation.DecisionGenerateSTR, TriggeredRules: []string{"cycle"}},
		{TransactionID: "TX-2", TotalScore: 85, Decision: evaluation.DecisionFlagForReview},
		{TransactionID: "TX-1", TotalScore: 81, Decision: evaluation.DecisionFlagForReview},
	}})

	res, err := h.HandleListHighRisk(context.Background(), makeRequest(map[string]any{"limit": 2.0}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "3 high-risk transaction(s) above 80")
	assert.Contains(t, text, "1. TX-3  score 95.0")
	assert.Contains(t, text, "rules: cycle")
	assert.Contains(t, text, "2. TX-2")
	assert.NotContains(t, text, "TX-1")
	assert.Contains(t, text, "and 1 more")
}

func TestListHighRisk_Empty(t *testing.T) {
	h := newTestHandlers(&fakeSession{})
	res, err := h.HandleListHighRisk(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No high-risk transactions in this session.", resultText(t, res))
}

// ============================================================
// latest_cycle
// ============================================================

func TestLatestCycle(t *testing.T) {
	lay := layout.Compute([]string{"ACC-1", "ACC-2", "ACC-3"}, 600, 400)
	h := newTestHandlers(&fakeSession{cycle: monitor.CycleView{TransactionID: "TX-7", Layout: lay}})

	res, err := h.HandleLatestCycle(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Circular pattern in TX-7")
	assert.Contains(t, text, "ACC-1 -> ACC-2 -> ACC-3\n")
}

func TestLatestCycle_None(t *testing.T) {
	h := newTestHandlers(&fakeSession{cycle: monitor.CycleView{Message: layout.NoCycleText}})
	res, err := h.HandleLatestCycle(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, layout.NoCycleText, resultText(t, res))
}

// ============================================================
// get_str_report
// ============================================================

func TestGetSTRReport(t *testing.T) {
	tests := []struct {
		name    string
		sess    *fakeSession
		isError bool
		want    string
	}{
		{
			name: "ready",
			sess: &fakeSession{report: report.Result{TransactionID: "TX-1", Text: "SUSPICIOUS TRANSACTION REPORT", Status: report.StatusReady, Attempts: 2}},
			want: "SUSPICIOUS TRANSACTION REPORT",
		},
		{
			name: "pending",
			sess: &fakeSession{report: report.Result{TransactionID: "TX-1", Text: report.PendingMessage, Status: report.StatusPending, Attempts: 6}},
			want: "pending after 6 attempt(s)",
		},
		{
			name:    "unknown transaction",
			sess:    &fakeSession{reportEr: monitor.ErrUnknownTransaction},
			isError: true,
			want:    "has not been evaluated",
		},
		{
			name: "not required",
			sess: &fakeSession{reportEr: monitor.ErrNoReportRequired},
			want: "does not require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(tt.sess)
			res, err := h.HandleGetSTRReport(context.Background(), makeRequest(map[string]any{"transaction_id": "TX-1"}))
			require.NoError(t, err)
			assert.Equal(t, tt.isError, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
}

func TestGetSTRReport_MissingID(t *testing.T) {
	h := newTestHandlers(&fakeSession{})
	res, err := h.HandleGetSTRReport(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(&fakeSession{}, "test"))
}
