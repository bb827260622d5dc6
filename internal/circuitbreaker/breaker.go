// Package circuitbreaker stops calling a backend operation that keeps
// failing at the transport level. Each operation has its own circuit moving
// closed → open → half-open.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/regshield/internal/metrics"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected until the cooldown passes
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Transition is one state change of one circuit.
type Transition struct {
	Key      string
	From, To State
}

// Circuit is a read-only view of one key's circuit.
type Circuit struct {
	Key      string        `json:"key"`
	State    string        `json:"state"`
	Failures int           `json:"failures"`
	RetryIn  time.Duration `json:"retry_in,omitempty"`
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per key. A circuit opens after threshold
// consecutive failures and admits a single probe once cooldown has passed.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
	onChange func(Transition)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// OnTransition registers fn to run after every state change. fn runs
// outside the breaker's lock.
func (b *Breaker) OnTransition(fn func(Transition)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Do runs fn unless the circuit for key is open. isFailure decides which
// errors count against the circuit; a nil isFailure counts every error.
func (b *Breaker) Do(key string, fn func() error, isFailure func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. An open circuit past its
// cooldown moves to half-open and admits the caller as the probe.
func (b *Breaker) Allow(key string) bool {
	return b.update(key, false, func(c *circuit) (State, bool) {
		switch c.state {
		case StateOpen:
			if b.now().Sub(c.openedAt) >= b.cooldown {
				return StateHalfOpen, true
			}
			return StateOpen, false
		case StateHalfOpen:
			return StateHalfOpen, false
		}
		return StateClosed, true
	})
}

// RecordSuccess closes the circuit and resets its failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.update(key, false, func(c *circuit) (State, bool) {
		c.failures = 0
		return StateClosed, true
	})
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.update(key, true, func(c *circuit) (State, bool) {
		c.failures++
		if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
			c.openedAt = b.now()
			return StateOpen, true
		}
		return c.state, true
	})
}

// update applies fn to key's circuit, creating it when create is set.
// Unknown keys without create behave as closed.
func (b *Breaker) update(key string, create bool, fn func(*circuit) (State, bool)) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		if !create {
			b.mu.Unlock()
			return true
		}
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	from := c.state
	to, allowed := fn(c)
	c.state = to
	hook := b.onChange
	b.mu.Unlock()

	if from != to {
		metrics.BackendBreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
		if hook != nil {
			hook(Transition{Key: key, From: from, To: to})
		}
	}
	return allowed
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// OpenKeys lists the keys whose circuit is not closed, sorted.
func (b *Breaker) OpenKeys() []string {
	var keys []string
	for _, c := range b.Circuits() {
		if c.State != StateClosed.String() {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// Circuits returns every known circuit sorted by key. RetryIn is set for
// open circuits still cooling down.
func (b *Breaker) Circuits() []Circuit {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]Circuit, 0, len(b.circuits))
	for k, c := range b.circuits {
		v := Circuit{Key: k, State: c.state.String(), Failures: c.failures}
		if c.state == StateOpen {
			if left := b.cooldown - now.Sub(c.openedAt); left > 0 {
				v.RetryIn = left
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
