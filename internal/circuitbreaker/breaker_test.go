package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, time.Second)
	b.now = clk.now
	return b, clk
}

var errDown = errors.New("connection refused")

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if !b.Allow("evaluate") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("evaluate")
	b.RecordFailure("evaluate")
	if !b.Allow("evaluate") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("evaluate")
	if b.Allow("evaluate") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("evaluate") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("evaluate"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.RecordFailure("verify_ledger")
	b.RecordFailure("verify_ledger")

	clk.advance(500 * time.Millisecond)
	if b.Allow("verify_ledger") {
		t.Fatal("should stay open during cooldown")
	}

	clk.advance(600 * time.Millisecond)
	if !b.Allow("verify_ledger") {
		t.Fatal("should allow probe after cooldown")
	}
	if b.State("verify_ledger") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("verify_ledger"))
	}
	if b.Allow("verify_ledger") {
		t.Fatal("should reject a second request while probing")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("k")
	clk.advance(time.Second)
	b.Allow("k")
	b.RecordSuccess("k")
	if b.State("k") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State("k"))
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("k")
	clk.advance(time.Second)
	b.Allow("k")
	b.RecordFailure("k")
	if b.State("k") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("k"))
	}
	if b.Allow("k") {
		t.Fatal("reopened circuit should restart its cooldown")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	b.RecordFailure("k")
	if b.State("k") != StateClosed {
		t.Fatal("success should reset consecutive failures")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("evaluate")
	if b.Allow("evaluate") {
		t.Fatal("evaluate should be open")
	}
	if !b.Allow("get_report") {
		t.Fatal("get_report should be unaffected")
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2)
	transport := func(err error) bool { return errors.Is(err, errDown) }
	rejected := errors.New("validation failed")

	// Errors that are not transport failures leave the circuit closed.
	for i := 0; i < 5; i++ {
		if err := b.Do("k", func() error { return rejected }, transport); !errors.Is(err, rejected) {
			t.Fatalf("expected passthrough error, got %v", err)
		}
	}
	if b.State("k") != StateClosed {
		t.Fatal("non-transport errors must not trip the circuit")
	}

	calls := 0
	fail := func() error { calls++; return errDown }
	_ = b.Do("k", fail, transport)
	_ = b.Do("k", fail, transport)
	if err := b.Do("k", fail, transport); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("open circuit must not call fn, calls=%d", calls)
	}
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(100, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow("k")
			b.RecordFailure("k")
			b.RecordSuccess("k")
			_ = b.State("k")
		}()
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	cases := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestBreaker_OpenKeys(t *testing.T) {
	b, _ := newTestBreaker(1)
	if keys := b.OpenKeys(); len(keys) != 0 {
		t.Fatalf("expected no open keys, got %v", keys)
	}

	b.RecordFailure("verify_ledger")
	b.RecordFailure("evaluate")
	b.RecordSuccess("get_report")

	keys := b.OpenKeys()
	if len(keys) != 2 || keys[0] != "evaluate" || keys[1] != "verify_ledger" {
		t.Fatalf("OpenKeys = %v", keys)
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clk := newTestBreaker(2)
	var got []Transition
	b.OnTransition(func(tr Transition) {
		// Runs outside the lock, so reading state back must not deadlock.
		_ = b.State(tr.Key)
		got = append(got, tr)
	})

	b.RecordFailure("get_report")
	b.RecordFailure("get_report")
	clk.advance(2 * time.Second)
	b.Allow("get_report")
	b.RecordSuccess("get_report")

	want := []Transition{
		{Key: "get_report", From: StateClosed, To: StateOpen},
		{Key: "get_report", From: StateOpen, To: StateHalfOpen},
		{Key: "get_report", From: StateHalfOpen, To: StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestBreaker_Circuits(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("verify_ledger")
	b.RecordFailure("evaluate")
	b.RecordSuccess("evaluate")
	clk.advance(400 * time.Millisecond)

	cs := b.Circuits()
	if len(cs) != 2 {
		t.Fatalf("expected 2 circuits, got %v", cs)
	}
	if cs[0].Key != "evaluate" || cs[0].State != "closed" || cs[0].RetryIn != 0 {
		t.Errorf("unexpected evaluate circuit: %+v", cs[0])
	}
	if cs[1].Key != "verify_ledger" || cs[1].State != "open" || cs[1].Failures != 1 {
		t.Errorf("unexpected verify_ledger circuit: %+v", cs[1])
	}
	if cs[1].RetryIn != 600*time.Millisecond {
		t.Errorf("expected 600ms until retry, got %v", cs[1].RetryIn)
	}
}
