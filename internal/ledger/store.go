// Package ledger is the session-scoped append log of evaluation results and
// the views derived from it.
package ledger

import (
	"sync"

	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/metrics"
)

// Store is an ordered append-only log in arrival order. All mutations are
// serialized; derived views are recomputed from the log on every read.
type Store struct {
	mu      sync.RWMutex
	entries []evaluation.Result
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Restore creates a store seeded with entries in arrival order.
func Restore(entries []evaluation.Result) *Store {
	s := &Store{entries: make([]evaluation.Result, 0, len(entries))}
	for _, e := range entries {
		s.entries = append(s.entries, e.Clone())
	}
	s.observe()
	return s
}

// Append adds a result. Repeated transaction ids are kept as distinct
// entries.
func (s *Store) Append(r evaluation.Result) {
	s.mu.Lock()
	s.entries = append(s.entries, r.Clone())
	s.mu.Unlock()
	s.observe()
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// All returns a copy of the log in arrival order.
func (s *Store) All() []evaluation.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.entries)
}

// Timeline returns the log newest first, for display.
func (s *Store) Timeline() []evaluation.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]evaluation.Result, len(s.entries))
	for i, e := range s.entries {
		out[len(s.entries)-1-i] = e.Clone()
	}
	return out
}

// HighRisk returns the entries scoring above the high-risk threshold, in
// arrival order.
func (s *Store) HighRisk() []evaluation.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return highRisk(s.entries)
}

// LatestCycle returns the cycle path of the most recent entry that carries
// one.
func (s *Store) LatestCycle() (evaluation.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestCycle(s.entries)
}

// Latest returns the most recently appended entry.
func (s *Store) Latest() (evaluation.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return evaluation.Result{}, false
	}
	return s.entries[len(s.entries)-1].Clone(), true
}

// Find returns the most recent entry for a transaction id.
func (s *Store) Find(transactionID string) (evaluation.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].TransactionID == transactionID {
			return s.entries[i].Clone(), true
		}
	}
	return evaluation.Result{}, false
}

// Views holds every derived view computed from one consistent read.
type Views struct {
	Total       int                 `json:"total"`
	HighRisk    []evaluation.Result `json:"high_risk"`
	LatestCycle []string            `json:"latest_cycle,omitempty"`
	CycleTxID   string              `json:"cycle_transaction_id,omitempty"`
	Latest      *evaluation.Result  `json:"latest,omitempty"`
}

// Views computes all derived views under one read lock.
func (s *Store) Views() Views {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := Views{Total: len(s.entries), HighRisk: highRisk(s.entries)}
	if c, ok := latestCycle(s.entries); ok {
		v.LatestCycle = c.CyclePath
		v.CycleTxID = c.TransactionID
	}
	if n := len(s.entries); n > 0 {
		l := s.entries[n-1].Clone()
		v.Latest = &l
	}
	return v
}

// Clear empties the log at session end.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	s.observe()
}

func (s *Store) observe() {
	s.mu.RLock()
	total, risky := len(s.entries), len(highRisk(s.entries))
	s.mu.RUnlock()
	metrics.LedgerEntries.Set(float64(total))
	metrics.LedgerHighRisk.Set(float64(risky))
}

func highRisk(entries []evaluation.Result) []evaluation.Result {
	out := []evaluation.Result{}
	for _, e := range entries {
		if e.IsHighRisk() {
			out = append(out, e.Clone())
		}
	}
	return out
}

func latestCycle(entries []evaluation.Result) (evaluation.Result, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if len(entries[i].CyclePath) > 0 {
			return entries[i].Clone(), true
		}
	}
	return evaluation.Result{}, false
}

func cloneAll(entries []evaluation.Result) []evaluation.Result {
	out := make([]evaluation.Result, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
