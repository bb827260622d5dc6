// Package report retrieves STR reports that the backend generates
// asynchronously, and renders exports of the high-risk set.
package report

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/metrics"
	"github.com/mbd888/regshield/internal/retry"
	"github.com/mbd888/regshield/internal/traces"
)

// Messages returned in place of a report when polling gives up.
const (
	PendingMessage = "STR Report is still being generated. Please try again in a moment."
	failurePrefix  = "Error loading STR report. "
)

// Status of a poll.
type Status string

const (
	StatusReady   Status = "ready"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Result is what a poll produced. Text is always renderable: the report
// itself, or a user-facing message when it could not be fetched.
type Result struct {
	TransactionID string `json:"transaction_id"`
	Text          string `json:"text"`
	Status        Status `json:"status"`
	Attempts      int    `json:"attempts"`
}

// Ready reports whether Text is the report itself.
func (r Result) Ready() bool { return r.Status == StatusReady }

// Fetcher fetches one report. backend.ErrNotFoundYet means not ready yet.
type Fetcher interface {
	GetReport(ctx context.Context, transactionID string) (string, error)
}

// Config controls the poll loop.
type Config struct {
	InitialDelay time.Duration
	RetryDelay   time.Duration
	MaxRetries   int
}

// DefaultConfig waits one second, then retries five times two seconds apart.
func DefaultConfig() Config {
	return Config{InitialDelay: time.Second, RetryDelay: 2 * time.Second, MaxRetries: 5}
}

// Poller fetches reports with a fixed initial delay and a flat retry
// interval.
type Poller struct {
	fetcher Fetcher
	cfg     Config
	logger  *slog.Logger
}

// NewPoller creates a poller.
func NewPoller(f Fetcher, cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{fetcher: f, cfg: cfg, logger: logger}
}

// Poll fetches the report for transactionID. It never returns an error:
// exhaustion yields a pending or failure message as the result text. Only
// STR-required high-risk transactions should be polled for.
func (p *Poller) Poll(ctx context.Context, transactionID string) Result {
	ctx, span := traces.StartSpan(ctx, "report.poll", traces.TransactionID(transactionID))
	defer span.End()

	out := retry.Poll(ctx, retry.PollConfig{
		InitialDelay: p.cfg.InitialDelay,
		Interval:     p.cfg.RetryDelay,
		MaxRetries:   p.cfg.MaxRetries,
	}, func(ctx context.Context) retry.Attempt[string] {
		text, err := p.fetcher.GetReport(ctx, transactionID)
		var a retry.Attempt[string]
		switch {
		case err == nil:
			a = retry.Ready(text)
		case errors.Is(err, backend.ErrNotFoundYet):
			a = retry.NotReady[string]()
		default:
			a = retry.Fail[string](err)
		}
		metrics.ReportPollAttemptsTotal.WithLabelValues(a.Outcome.String()).Inc()
		return a
	})
	span.SetAttributes(traces.Attempts(out.Attempts))

	res := Result{TransactionID: transactionID, Attempts: out.Attempts}
	switch out.Last.Outcome {
	case retry.Success:
		res.Text, res.Status = out.Last.Value, StatusReady
	case retry.Pending:
		res.Text, res.Status = PendingMessage, StatusPending
		p.logger.Info("STR report still pending", "transactionId", transactionID, "attempts", out.Attempts)
	default:
		msg := ""
		if out.Last.Err != nil {
			msg = out.Last.Err.Error()
		}
		res.Text, res.Status = failurePrefix+msg, StatusFailed
		p.logger.Warn("STR report fetch failed", "transactionId", transactionID, "attempts", out.Attempts, "error", out.Last.Err)
	}
	return res
}
