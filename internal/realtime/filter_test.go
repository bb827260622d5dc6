package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/regshield/internal/evaluation"
)

func txEvent(score float64, sender, receiver string, cycle ...string) *Event {
	return &Event{
		Type: EventTransaction,
		Data: evaluation.Result{
			TransactionID: "TX",
			TotalScore:    score,
			CyclePath:     cycle,
			Details:       &evaluation.Details{SenderAccountID: sender, ReceiverAccountID: receiver},
		},
	}
}

func TestSubscription_Matches(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		ev   *Event
		want bool
	}{
		{"all events ignores score", Subscription{AllEvents: true, MinScore: 99}, txEvent(10, "a", "b"), true},
		{"zero value passes transactions", Subscription{}, txEvent(10, "a", "b"), true},
		{"type listed", Subscription{EventTypes: []EventType{EventAlarm, EventChainStatus}}, &Event{Type: EventAlarm}, true},
		{"type not listed", Subscription{EventTypes: []EventType{EventAlarm}}, &Event{Type: EventStream}, false},
		{"score above minimum", Subscription{MinScore: 80}, txEvent(91, "a", "b"), true},
		{"score below minimum", Subscription{MinScore: 80}, txEvent(40, "a", "b"), false},
		{"score filter skips other types", Subscription{MinScore: 80}, &Event{Type: EventCycle, Data: "x"}, true},
		{"sender matches", Subscription{Accounts: []string{"ACC-1"}}, txEvent(10, "ACC-1", "ACC-2"), true},
		{"receiver matches", Subscription{Accounts: []string{"ACC-1"}}, txEvent(10, "ACC-3", "ACC-1"), true},
		{"cycle member matches", Subscription{Accounts: []string{"ACC-1"}}, txEvent(10, "X", "Y", "ACC-9", "ACC-1"), true},
		{"no account involved", Subscription{Accounts: []string{"ACC-1"}}, txEvent(10, "X", "Y"), false},
		{"opaque transaction data", Subscription{MinScore: 50}, &Event{Type: EventTransaction, Data: "opaque"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.ev))
		})
	}
}
