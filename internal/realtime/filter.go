package realtime

import (
	"slices"

	"github.com/mbd888/regshield/internal/evaluation"
)

// Subscription is a peer's filter, sent by the client as a JSON text
// message at any time. New peers start with AllEvents.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	// MinScore drops transaction events scoring below it.
	MinScore float64 `json:"minScore"`
	// Accounts keeps only transactions whose sender, receiver or cycle
	// touches one of these accounts.
	Accounts []string `json:"accounts"`
}

// Matches reports whether ev passes the filter. The score and account
// filters only apply to transaction events carrying a Result.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if ev.Type != EventTransaction {
		return true
	}

	res, ok := ev.Data.(evaluation.Result)
	if !ok {
		return true
	}
	if s.MinScore > 0 && res.TotalScore < s.MinScore {
		return false
	}
	return len(s.Accounts) == 0 || involves(res, s.Accounts)
}

func involves(res evaluation.Result, accounts []string) bool {
	for _, a := range accounts {
		if res.Details != nil && (res.Details.SenderAccountID == a || res.Details.ReceiverAccountID == a) {
			return true
		}
		if slices.Contains(res.CyclePath, a) {
			return true
		}
	}
	return false
}
