// Package chain verifies the integrity of the remote hash-chained ledger and
// reduces each response to a Status.
//
// Concurrent verifications are not coalesced. Each call is tagged with a
// monotonic sequence number and only the most recently issued call may set
// the trusted status; a call that resolves after a newer one was issued is
// discarded as stale.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/metrics"
)

// Status is the reduced outcome of a verification.
type Status string

const (
	StatusChecking Status = "Checking"
	StatusVerified Status = "Verified"
	StatusTampered Status = "Tampered"
	StatusError    Status = "Error"
)

// LedgerAPI is the backend surface the verifier needs.
type LedgerAPI interface {
	VerifyLedger(ctx context.Context) (backend.LedgerStatus, error)
}

// Snapshot is the verifier's trusted view.
type Snapshot struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Seq     uint64 `json:"seq"`
}

// Listener is notified whenever the trusted status changes. Called without
// the verifier's lock held.
type Listener func(Snapshot)

// Verifier issues verification calls and tracks the trusted status.
type Verifier struct {
	api    LedgerAPI
	logger *slog.Logger

	mu        sync.Mutex
	issued    uint64
	current   Snapshot
	listeners []Listener
}

// NewVerifier creates a verifier. The initial status is Checking until the
// first call resolves.
func NewVerifier(api LedgerAPI, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		api:     api,
		logger:  logger,
		current: Snapshot{Status: StatusChecking},
	}
}

// OnStatus registers a listener for trusted status changes.
func (v *Verifier) OnStatus(l Listener) {
	v.mu.Lock()
	v.listeners = append(v.listeners, l)
	v.mu.Unlock()
}

// Status returns the trusted status.
func (v *Verifier) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current.Status
}

// Snapshot returns the trusted status with its message and sequence.
func (v *Verifier) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Verify issues one verification call and returns this call's own outcome.
// The trusted status moves to Checking while the call is in flight and takes
// the outcome only if no newer call was issued in the meantime.
func (v *Verifier) Verify(ctx context.Context) Status {
	v.mu.Lock()
	v.issued++
	seq := v.issued
	v.current = Snapshot{Status: StatusChecking, Seq: seq}
	v.mu.Unlock()
	v.notify(Snapshot{Status: StatusChecking, Seq: seq})

	resp, err := v.api.VerifyLedger(ctx)
	status, msg := Classify(resp, err)
	metrics.ChainVerificationsTotal.WithLabelValues(string(status)).Inc()

	v.mu.Lock()
	if seq != v.issued {
		v.mu.Unlock()
		metrics.ChainStaleResolutionsTotal.Inc()
		v.logger.Debug("discarding stale verification", "seq", seq, "status", status)
		return status
	}
	snap := Snapshot{Status: status, Message: msg, Seq: seq}
	v.current = snap
	v.mu.Unlock()

	switch status {
	case StatusTampered:
		v.logger.Warn("ledger integrity check failed", "message", msg)
	case StatusError:
		v.logger.Warn("ledger verification unavailable", "error", err)
	default:
		v.logger.Debug("ledger verified", "seq", seq)
	}
	v.notify(snap)
	return status
}

func (v *Verifier) notify(s Snapshot) {
	v.mu.Lock()
	ls := append([]Listener(nil), v.listeners...)
	v.mu.Unlock()
	for _, l := range ls {
		l(s)
	}
}

// Classify reduces a verify_ledger response to a Status. Any ambiguity
// about integrity is Tampered; only a failure with no payload is Error.
func Classify(resp backend.LedgerStatus, err error) (Status, string) {
	if err == nil {
		if resp.Verified() {
			return StatusVerified, resp.Message
		}
		msg := resp.Message
		if msg == "" {
			msg = resp.Detail
		}
		if msg == "" {
			msg = "ledger reported status " + resp.Status
		}
		return StatusTampered, msg
	}
	if apiErr, ok := backend.AsAPIError(err); ok && apiErr.HasPayload() {
		return StatusTampered, apiErr.Message
	}
	if errors.Is(err, backend.ErrMalformedPayload) {
		return StatusTampered, err.Error()
	}
	return StatusError, err.Error()
}
