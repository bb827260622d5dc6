package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mbd888/regshield/internal/evaluation"
)

// ErrNothingToExport is returned when the high-risk set is empty.
var ErrNothingToExport = errors.New("no high-risk transactions (score > 80) available for export")

// Format of an export.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat maps a user-supplied name onto a Format, defaulting to text.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// Ext returns the file extension for f.
func (f Format) Ext() string {
	if f == FormatJSON {
		return "json"
	}
	return "txt"
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}

// Filename is the download name for an export generated at t.
func Filename(f Format, t time.Time) string {
	return fmt.Sprintf("HighRisk_Transactions_%s.%s", t.Format("2006-01-02"), f.Ext())
}

// Export is the high-risk document.
type Export struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	Threshold    float64             `json:"threshold"`
	Total        int                 `json:"total"`
	Transactions []evaluation.Result `json:"transactions"`
}

// NewExport builds an export of the given high-risk results.
func NewExport(results []evaluation.Result, now time.Time) (Export, error) {
	if len(results) == 0 {
		return Export{}, ErrNothingToExport
	}
	return Export{
		GeneratedAt:  now.UTC(),
		Threshold:    evaluation.HighRiskThreshold,
		Total:        len(results),
		Transactions: results,
	}, nil
}

// Renderer writes an export.
type Renderer interface {
	Render(w io.Writer, e Export) error
}

// NewRenderer returns the renderer for f.
func NewRenderer(f Format) Renderer {
	switch f {
	case FormatJSON:
		return &jsonRenderer{}
	default:
		return &textRenderer{}
	}
}

type jsonRenderer struct{}

func (r *jsonRenderer) Render(w io.Writer, e Export) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}

type textRenderer struct{}

func (r *textRenderer) Render(w io.Writer, e Export) error {
	fmt.Fprintf(w, "HIGH-RISK TRANSACTIONS REPORT\n")
	fmt.Fprintf(w, "Generated: %s\n\n", e.GeneratedAt.Format(time.RFC1123))
	fmt.Fprintf(w, "EXECUTIVE SUMMARY\n")
	fmt.Fprintf(w, "Total High-Risk Transactions: %d\n", e.Total)
	fmt.Fprintf(w, "Threshold: Score > %.0f\n\n", e.Threshold)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tTRANSACTION\tSCORE\tDECISION\tTIMESTAMP\n")
	for i, t := range e.Transactions {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\t%s\n", i+1, t.TransactionID, t.TotalScore, t.Decision, dash(t.Timestamp))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for i, t := range e.Transactions {
		fmt.Fprintf(w, "\n--- Transaction #%d: %s ---\n", i+1, t.TransactionID)
		fmt.Fprintf(w, "Risk Score: %.2f\n", t.TotalScore)
		fmt.Fprintf(w, "Decision: %s\n", t.Decision)
		if t.Timestamp != "" {
			fmt.Fprintf(w, "Timestamp: %s\n", t.Timestamp)
		}
		if len(t.RiskBreakdown) > 0 {
			fmt.Fprintf(w, "Risk Breakdown:\n")
			keys := make([]string, 0, len(t.RiskBreakdown))
			for k := range t.RiskBreakdown {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "  - %s: %.2f\n", k, t.RiskBreakdown[k])
			}
		}
		if rules := t.Rules(); len(rules) > 0 {
			fmt.Fprintf(w, "Triggered Rules:\n")
			for _, rule := range rules {
				fmt.Fprintf(w, "  * %s\n", rule)
			}
		}
		if t.HasCycle() {
			fmt.Fprintf(w, "Cycle: %s\n", strings.Join(t.CyclePath, " -> "))
		}
		if t.STRReportText != "" {
			fmt.Fprintf(w, "STR Report:\n%s\n", indent(t.STRReportText, "  "))
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
