// Package alarm implements the tamper alarm: a tamper event arms it, a forced
// ledger re-verification decides whether it fires, and a fired alarm freezes
// the dashboard until it is acknowledged or times out.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/regshield/internal/chain"
	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/metrics"
)

// State of the alarm.
type State string

const (
	StateIdle      State = "Idle"
	StateArmed     State = "Armed"
	StateVerifying State = "Verifying"
	StateAlarmed   State = "Alarmed"
)

// DefaultDismissAfter is how long a fired alarm stays up without
// acknowledgement.
const DefaultDismissAfter = 10 * time.Second

// ErrBusy is returned when a tamper sequence is already in progress or the
// alarm is still presented.
var ErrBusy = errors.New("alarm busy")

// Tamperer runs the tamper simulation.
type Tamperer interface {
	SimulateTamper(ctx context.Context) (evaluation.TamperEvent, error)
}

// Verifier re-verifies the ledger.
type Verifier interface {
	Verify(ctx context.Context) chain.Status
}

// Presentation is what the dashboard renders for the alarm.
type Presentation struct {
	State     State                   `json:"state"`
	Frozen    bool                    `json:"frozen"`
	Event     *evaluation.TamperEvent `json:"event,omitempty"`
	Chain     chain.Status            `json:"chain_status,omitempty"`
	DismissAt *time.Time              `json:"dismiss_at,omitempty"`
}

// stopper is the part of *time.Timer the alarm needs.
type stopper interface {
	Stop() bool
}

// Listener is notified on every state transition.
type Listener func(Presentation)

// Alarm is the tamper alarm state machine. Safe for concurrent use.
type Alarm struct {
	tamperer     Tamperer
	verifier     Verifier
	dismissAfter time.Duration
	logger       *slog.Logger
	now          func() time.Time
	afterFunc    func(time.Duration, func()) stopper

	mu        sync.Mutex
	busy      bool
	state     State
	event     *evaluation.TamperEvent
	chain     chain.Status
	dismissAt time.Time
	gen       uint64
	timer     stopper
	listeners []Listener
}

// New creates an idle alarm. A non-positive dismissAfter uses
// DefaultDismissAfter.
func New(t Tamperer, v Verifier, dismissAfter time.Duration, logger *slog.Logger) *Alarm {
	if dismissAfter <= 0 {
		dismissAfter = DefaultDismissAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Alarm{
		tamperer:     t,
		verifier:     v,
		dismissAfter: dismissAfter,
		logger:       logger,
		now:          time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		state: StateIdle,
	}
}

// OnChange registers a transition listener.
func (a *Alarm) OnChange(l Listener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

// State returns the current state.
func (a *Alarm) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Event returns the held tamper event, if the alarm holds one.
func (a *Alarm) Event() (evaluation.TamperEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.event == nil {
		return evaluation.TamperEvent{}, false
	}
	return *a.event, true
}

// Presentation returns the current presentation state.
func (a *Alarm) Presentation() Presentation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.presentationLocked()
}

// Trigger runs the tamper simulation and, on success, arms the alarm with
// the resulting event. A failed simulation leaves the alarm Idle and is not
// retried.
func (a *Alarm) Trigger(ctx context.Context) (Presentation, error) {
	a.mu.Lock()
	if a.busy || a.state != StateIdle {
		a.mu.Unlock()
		return Presentation{}, ErrBusy
	}
	a.busy = true
	a.mu.Unlock()

	ev, err := a.tamperer.SimulateTamper(ctx)
	if err != nil {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
		a.logger.Warn("tamper simulation failed", "error", err)
		return a.Presentation(), fmt.Errorf("simulate tamper: %w", err)
	}
	return a.arm(ctx, ev), nil
}

// Observe arms the alarm with a tamper event that did not come from a
// simulation, e.g. one reported by another operator.
func (a *Alarm) Observe(ctx context.Context, ev evaluation.TamperEvent) (Presentation, error) {
	a.mu.Lock()
	if a.busy || a.state != StateIdle {
		a.mu.Unlock()
		return Presentation{}, ErrBusy
	}
	a.busy = true
	a.mu.Unlock()
	return a.arm(ctx, ev), nil
}

func (a *Alarm) arm(ctx context.Context, ev evaluation.TamperEvent) Presentation {
	a.transition(func() {
		a.state = StateArmed
		a.event = &ev
		a.chain = ""
	})
	a.transition(func() { a.state = StateVerifying })

	status := a.verifier.Verify(ctx)

	var p Presentation
	a.transition(func() {
		a.busy = false
		a.chain = status
		if status != chain.StatusTampered {
			a.state = StateIdle
			a.event = nil
			p = a.presentationLocked()
			return
		}
		a.state = StateAlarmed
		a.gen++
		gen := a.gen
		a.dismissAt = a.now().Add(a.dismissAfter)
		a.timer = a.afterFunc(a.dismissAfter, func() { a.dismiss(gen) })
		p = a.presentationLocked()
	})

	if status == chain.StatusTampered {
		metrics.TamperAlarmsTotal.Inc()
		a.logger.Error("tamper alarm raised",
			"transactionId", ev.TransactionID,
			"originalScore", ev.OriginalScore,
			"tamperedScore", ev.TamperedScore)
	} else {
		a.logger.Info("tamper event not confirmed", "transactionId", ev.TransactionID, "chainStatus", status)
	}
	return p
}

// Acknowledge dismisses a presented alarm immediately and cancels its
// pending auto-dismissal. Reports whether an alarm was dismissed.
func (a *Alarm) Acknowledge() bool {
	dismissed := false
	a.transition(func() {
		if a.state != StateAlarmed {
			return
		}
		a.clearLocked()
		dismissed = true
	})
	if dismissed {
		a.logger.Info("tamper alarm acknowledged")
	}
	return dismissed
}

// Close cancels any pending dismissal timer.
func (a *Alarm) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

func (a *Alarm) dismiss(gen uint64) {
	dismissed := false
	a.transition(func() {
		if a.gen != gen || a.state != StateAlarmed {
			return
		}
		a.clearLocked()
		dismissed = true
	})
	if dismissed {
		a.logger.Info("tamper alarm auto-dismissed")
	}
}

func (a *Alarm) clearLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.state = StateIdle
	a.event = nil
	a.dismissAt = time.Time{}
}

// transition applies fn under the lock and notifies listeners if the state
// changed.
func (a *Alarm) transition(fn func()) {
	a.mu.Lock()
	before := a.state
	fn()
	changed := a.state != before
	p := a.presentationLocked()
	ls := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()
	if !changed {
		return
	}
	for _, l := range ls {
		l(p)
	}
}

func (a *Alarm) presentationLocked() Presentation {
	p := Presentation{
		State:  a.state,
		Frozen: a.state == StateAlarmed,
		Chain:  a.chain,
	}
	if a.event != nil {
		ev := *a.event
		p.Event = &ev
	}
	if a.state == StateAlarmed {
		at := a.dismissAt
		p.DismissAt = &at
	}
	return p
}
