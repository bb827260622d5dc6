package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/regshield/internal/evaluation"
)

var exportTime = time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)

func highRiskSample() []evaluation.Result {
	return []evaluation.Result{
		{
			TransactionID:  "TX-1",
			TotalScore:     91.5,
			Decision:       evaluation.DecisionGenerateSTR,
			RiskBreakdown:  map[string]float64{"velocity": 40, "amount": 30},
			TriggeredRules: []string{"High velocity", "Large amount"},
			CyclePath:      []string{"A", "B", "C"},
			STRReportText:  "line one\nline two",
			Timestamp:      "2024-03-09T14:00:00Z",
		},
		{TransactionID: "TX-2", TotalScore: 85, Decision: evaluation.DecisionFlagForReview},
	}
}

func TestNewExport_Empty(t *testing.T) {
	_, err := NewExport(nil, exportTime)
	assert.ErrorIs(t, err, ErrNothingToExport)
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "HighRisk_Transactions_2024-03-09.txt", Filename(FormatText, exportTime))
	assert.Equal(t, "HighRisk_Transactions_2024-03-09.json", Filename(FormatJSON, exportTime))
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatText, ParseFormat("pdf"))
	assert.Equal(t, FormatText, ParseFormat(""))
	assert.Equal(t, "application/json", FormatJSON.ContentType())
}

func TestTextRenderer(t *testing.T) {
	e, err := NewExport(highRiskSample(), exportTime)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(FormatText).Render(&buf, e))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "HIGH-RISK TRANSACTIONS REPORT\n"))
	assert.Contains(t, out, "Total High-Risk Transactions: 2")
	assert.Contains(t, out, "Threshold: Score > 80")
	assert.Contains(t, out, "--- Transaction #1: TX-1 ---")
	assert.Contains(t, out, "Risk Score: 91.50")
	assert.Contains(t, out, "Decision: Generate STR")
	assert.Contains(t, out, "  * High velocity")
	assert.Contains(t, out, "Cycle: A -> B -> C")
	assert.Contains(t, out, "  line two")
	assert.Contains(t, out, "--- Transaction #2: TX-2 ---")

	// Breakdown keys are sorted so output is stable.
	assert.Less(t, strings.Index(out, "  - amount: 30.00"), strings.Index(out, "  - velocity: 40.00"))
}

func TestJSONRenderer(t *testing.T) {
	e, err := NewExport(highRiskSample(), exportTime)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(FormatJSON).Render(&buf, e))

	var back Export
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, 2, back.Total)
	assert.Equal(t, 80.0, back.Threshold)
	assert.Equal(t, "TX-1", back.Transactions[0].TransactionID)
	assert.True(t, back.GeneratedAt.Equal(exportTime))
}
