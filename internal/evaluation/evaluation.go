// Package evaluation defines the canonical shape of one evaluated transaction
// as returned by the scoring backend, and the tamper event produced by the
// ledger's tamper simulation.
package evaluation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Decision is the backend's verdict on a transaction. Derived server-side
// from score thresholds; treated as opaque here.
type Decision string

const (
	DecisionClear         Decision = "Clear"
	DecisionFlagForReview Decision = "Flag for Review"
	DecisionGenerateSTR   Decision = "Generate STR"
)

// HighRiskThreshold is the score above which a transaction is high risk and
// eligible for an STR report.
const HighRiskThreshold = 80

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionClear, DecisionFlagForReview, DecisionGenerateSTR:
		return true
	}
	return false
}

// Provenance holds the opaque chain-linkage fields of a ledger record.
// Never interpreted beyond display.
type Provenance struct {
	CurrentHash string `json:"current_hash"`
	PrevHash    string `json:"prev_hash"`
	EthTxHash   string `json:"eth_tx_hash,omitempty"`
}

// Details echoes the submitted transaction when the backend includes it
// (live stream messages do).
type Details struct {
	TransactionID     string  `json:"Transaction_ID"`
	SenderAccountID   string  `json:"Sender_Account_ID"`
	ReceiverAccountID string  `json:"Receiver_Account_ID"`
	Amount            float64 `json:"Amount"`
	Timestamp         string  `json:"Timestamp"`
	Currency          string  `json:"Currency,omitempty"`
}

// Result is one evaluated transaction. Immutable once produced: methods that
// change a field return a modified copy.
type Result struct {
	TransactionID  string             `json:"transaction_id"`
	TotalScore     float64            `json:"total_score"`
	Decision       Decision           `json:"decision"`
	RiskBreakdown  map[string]float64 `json:"risk_breakdown,omitempty"`
	TriggeredRules []string           `json:"triggered_rules"`
	STRReportText  string             `json:"str_report_text,omitempty"`
	STRReportURL   string             `json:"str_report_url,omitempty"`
	CyclePath      []string           `json:"cycle_path,omitempty"`
	Provenance     *Provenance        `json:"provenance,omitempty"`
	Timestamp      string             `json:"timestamp,omitempty"`

	// Index is the 1-based position the live stream assigned, 0 otherwise.
	Index   int      `json:"index,omitempty"`
	Details *Details `json:"transaction_details,omitempty"`
}

// Decode parses a backend payload into a Result. A payload without a
// transaction id is rejected.
func Decode(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode evaluation result: %w", err)
	}
	if r.TransactionID == "" {
		return Result{}, fmt.Errorf("decode evaluation result: missing transaction_id")
	}
	return r, nil
}

// IsHighRisk reports whether the score exceeds HighRiskThreshold.
func (r Result) IsHighRisk() bool {
	return r.TotalScore > HighRiskThreshold
}

// NeedsSTR reports whether an STR report should be polled for: the decision
// must require one and the score must exceed the high-risk threshold.
func (r Result) NeedsSTR() bool {
	return r.Decision == DecisionGenerateSTR && r.IsHighRisk()
}

// HasCycle reports whether the result carries a renderable cycle path.
func (r Result) HasCycle() bool {
	return len(r.CyclePath) >= 2
}

// Rules returns the triggered rules, never nil. A non-Clear decision with no
// rules is tolerated and renders as an empty list.
func (r Result) Rules() []string {
	if r.TriggeredRules == nil {
		return []string{}
	}
	return r.TriggeredRules
}

// WithTimestamp returns a copy stamped with now when the backend omitted the
// timestamp. An existing timestamp is kept.
func (r Result) WithTimestamp(now time.Time) Result {
	if r.Timestamp != "" {
		return r.Clone()
	}
	c := r.Clone()
	c.Timestamp = now.UTC().Format(time.RFC3339Nano)
	return c
}

// Clone returns a deep copy so callers can never mutate a stored result.
func (r Result) Clone() Result {
	c := r
	if r.RiskBreakdown != nil {
		c.RiskBreakdown = make(map[string]float64, len(r.RiskBreakdown))
		for k, v := range r.RiskBreakdown {
			c.RiskBreakdown[k] = v
		}
	}
	if r.TriggeredRules != nil {
		c.TriggeredRules = append([]string(nil), r.TriggeredRules...)
	}
	if r.CyclePath != nil {
		c.CyclePath = append([]string(nil), r.CyclePath...)
	}
	if r.Provenance != nil {
		p := *r.Provenance
		c.Provenance = &p
	}
	if r.Details != nil {
		d := *r.Details
		c.Details = &d
	}
	return c
}

// TamperEvent describes the record mutated by a tamper simulation. Held only
// while the alarm is presented.
type TamperEvent struct {
	TransactionID  string  `json:"transaction_id"`
	OriginalScore  float64 `json:"original_score"`
	TamperedScore  float64 `json:"tampered_score"`
	OriginalAmount float64 `json:"original_amount"`
	TamperedAmount float64 `json:"tampered_amount"`
}

// Request is the payload submitted to the evaluate endpoint.
type Request struct {
	TransactionID     string  `json:"Transaction_ID"`
	SenderAccountID   string  `json:"Sender_Account_ID"`
	ReceiverAccountID string  `json:"Receiver_Account_ID"`
	Amount            float64 `json:"Amount"`
	Timestamp         string  `json:"Timestamp"`
	Currency          string  `json:"Currency,omitempty"`
}

// Validate checks the fields the backend requires.
func (q Request) Validate() error {
	switch {
	case q.TransactionID == "":
		return fmt.Errorf("transaction id is required")
	case q.SenderAccountID == "":
		return fmt.Errorf("sender account id is required")
	case q.ReceiverAccountID == "":
		return fmt.Errorf("receiver account id is required")
	case q.Amount <= 0:
		return fmt.Errorf("amount must be positive")
	case q.Timestamp == "":
		return fmt.Errorf("timestamp is required")
	}
	return nil
}
