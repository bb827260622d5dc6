// Package backend is the HTTP client for the transaction-evaluation backend:
// scoring, ledger verification, tamper simulation, admin controls, STR
// reports and the live stream.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/regshield/internal/circuitbreaker"
	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/metrics"
	"github.com/mbd888/regshield/internal/traces"
)

// StatusVerified is the verify_ledger status for an intact chain.
const StatusVerified = "VERIFIED"

// Client talks to the scoring backend. Safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithStreamClient replaces the client used for the live stream. It should
// not carry a response timeout.
func WithStreamClient(hc *http.Client) Option {
	return func(c *Client) { c.streamClient = hc }
}

// WithBreaker fails request/response calls fast with ErrTransportUnavailable
// while b holds their operation's circuit open. The live stream is not
// guarded.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the backend rooted at baseURL,
// e.g. "http://127.0.0.1:8000/api".
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// LedgerStatus is the verify_ledger response.
type LedgerStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Verified reports whether the backend explicitly confirmed the chain.
func (s LedgerStatus) Verified() bool {
	return strings.EqualFold(s.Status, StatusVerified)
}

// ThresholdShift is the shift_threshold response.
type ThresholdShift struct {
	Count                int      `json:"count"`
	NewlyFlaggedAccounts []string `json:"newly_flagged_accounts"`
}

// WeightedRiskParams are the apply_weighted_risk inputs.
type WeightedRiskParams struct {
	AccountID       string
	Velocity        float64
	GeoEntropy      float64
	HopsToBlacklist int
}

// WeightedRisk is the apply_weighted_risk response.
type WeightedRisk struct {
	Message   string  `json:"message"`
	RiskScore float64 `json:"risk_score"`
	Status    string  `json:"status"`
}

type tamperResponse struct {
	Details *evaluation.TamperEvent `json:"details"`
}

type reportResponse struct {
	Report string `json:"report"`
	Status string `json:"status,omitempty"`
}

// Evaluate submits a transaction for scoring.
func (c *Client) Evaluate(ctx context.Context, req evaluation.Request) (res evaluation.Result, err error) {
	ctx, span := traces.StartSpan(ctx, "backend.evaluate", traces.TransactionID(req.TransactionID))
	done := metrics.ObserveBackend("evaluate")
	defer func() { done(resultLabel(err)); traces.End(span, err) }()

	if err := req.Validate(); err != nil {
		return evaluation.Result{}, fmt.Errorf("%w: %v", ErrRemoteValidation, err)
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	body, err := c.doRequest(ctx, "evaluate", http.MethodPost, "/evaluate", nil, req)
	if err != nil {
		return evaluation.Result{}, err
	}
	res, err = evaluation.Decode(body)
	if err != nil {
		return evaluation.Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return res, nil
}

// VerifyLedger asks the backend to recompute its hash chain. A non-2xx
// response is returned as an *APIError; callers decide how to read it.
func (c *Client) VerifyLedger(ctx context.Context) (st LedgerStatus, err error) {
	ctx, span := traces.StartSpan(ctx, "backend.verify_ledger")
	done := metrics.ObserveBackend("verify_ledger")
	defer func() { done(resultLabel(err)); traces.End(span, err) }()

	body, err := c.doRequest(ctx, "verify_ledger", http.MethodGet, "/verify_ledger", nil, nil)
	if err != nil {
		return LedgerStatus{}, err
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return LedgerStatus{}, fmt.Errorf("%w: verify_ledger: %v", ErrMalformedPayload, err)
	}
	span.SetAttributes(traces.ChainStatus(st.Status))
	return st, nil
}

// SimulateTamper asks the backend to mutate one ledger record.
func (c *Client) SimulateTamper(ctx context.Context) (ev evaluation.TamperEvent, err error) {
	ctx, span := traces.StartSpan(ctx, "backend.simulate_tamper")
	done := metrics.ObserveBackend("simulate_tamper")
	defer func() { done(resultLabel(err)); traces.End(span, err) }()

	body, err := c.doRequest(ctx, "simulate_tamper", http.MethodPost, "/simulate_tamper", nil, nil)
	if err != nil {
		return evaluation.TamperEvent{}, err
	}
	var resp tamperResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return evaluation.TamperEvent{}, fmt.Errorf("%w: simulate_tamper: %v", ErrMalformedPayload, err)
	}
	if resp.Details == nil {
		return evaluation.TamperEvent{}, fmt.Errorf("%w: simulate_tamper: missing details", ErrMalformedPayload)
	}
	span.SetAttributes(traces.TransactionID(resp.Details.TransactionID))
	return *resp.Details, nil
}

// ShiftThreshold moves the backend's flagging threshold and returns the
// accounts that became flagged.
func (c *Client) ShiftThreshold(ctx context.Context, newThreshold float64) (out ThresholdShift, err error) {
	ctx, span := traces.StartSpan(ctx, "backend.shift_threshold")
	done := metrics.ObserveBackend("shift_threshold")
	defer func() { done(resultLabel(err)); traces.End(span, err) }()

	q := url.Values{}
	q.Set("new_threshold", strconv.FormatFloat(newThreshold, 'f', -1, 64))
	body, err := c.doRequest(ctx, "shift_threshold", http.MethodPost, "/admin/shift_threshold", q, nil)
	if err != nil {
		return ThresholdShift{}, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return ThresholdShift{}, fmt.Errorf("%w: shift_threshold: %v", ErrMalformedPayload, err)
	}
	if out.NewlyFlaggedAccounts == nil {
		out.NewlyFlaggedAccounts = []string{}
	}
	return out, nil
}

// ApplyWeightedRisk scores one account from behavioural signals. An unknown
// account is reported as ErrRemoteValidation; IsAccountNotFound tells it
// apart from other rejections.
func (c *Client) ApplyWeightedRisk(ctx context.Context, p WeightedRiskParams) (out WeightedRisk, err error) {
	ctx, span := traces.StartSpan(ctx, "backend.apply_weighted_risk", traces.AccountID(p.AccountID))
	done := metrics.ObserveBackend("apply_weighted_risk")
	defer func() { done(resultLabel(err)); traces.End(span, err) }()

	if p.AccountID == "" {
		return WeightedRisk{}, fmt.Errorf("%w: account id is required", ErrRemoteValidation)
	}
	q := url.Values{}
	q.Set("account_id", p.AccountID)
	q.Set("velocity", strconv.FormatFloat(p.Velocity, 'f', -1, 64))
	q.Set("geo_entropy", strconv.FormatFloat(p.GeoEntropy, 'f', -1, 64))
	q.Set("hops_to_blacklist", strconv.Itoa(p.HopsToBlacklist))

	body, err := c.doRequest(ctx, "apply_weighted_risk", http.MethodPost, "/admin/apply_weighted_risk", q, nil)
	if err != nil {
		if IsAccountNotFound(err) {
			return WeightedRisk{}, fmt.Errorf("%w: account %s: %w", ErrRemoteValidation, p.AccountID, err)
		}
		return WeightedRisk{}, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return WeightedRisk{}, fmt.Errorf("%w: apply_weighted_risk: %v", ErrMalformedPayload, err)
	}
	return out, nil
}

// GetReport fetches the STR report for a transaction. ErrNotFoundYet means
// generation is still pending.
func (c *Client) GetReport(ctx context.Context, transactionID string) (report string, err error) {
	ctx, span := traces.StartSpan(ctx, "backend.get_report", traces.TransactionID(transactionID))
	done := metrics.ObserveBackend("get_report")
	defer func() { done(resultLabel(err)); traces.End(span, err) }()

	body, err := c.doRequest(ctx, "get_report", http.MethodGet, "/reports/"+url.PathEscape(transactionID), nil, nil)
	if err != nil {
		return "", err
	}
	var resp reportResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: report: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(resp.Report) == "" || strings.EqualFold(resp.Status, "generating") {
		return "", ErrNotFoundYet
	}
	return resp.Report, nil
}

// OpenStream opens the live server-push channel. The caller owns the
// returned body and must close it.
func (c *Client) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream/live", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	traces.Inject(ctx, req.Header)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %w", ErrTransportUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, newAPIError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// doRequest runs one backend call through the operation's circuit, if a
// breaker is configured.
func (c *Client) doRequest(ctx context.Context, op, method, path string, query url.Values, body any) ([]byte, error) {
	if c.breaker == nil {
		return c.send(ctx, method, path, query, body)
	}
	var out []byte
	err := c.breaker.Do(op, func() error {
		var err error
		out, err = c.send(ctx, method, path, query, body)
		return err
	}, isTransportFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		c.logger.Debug("backend circuit open", "op", op)
		return nil, fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, op, err)
	}
	return out, err
}

// isTransportFailure counts unreachable-backend errors against a circuit.
// Caller cancellation does not count.
func isTransportFailure(err error) bool {
	return errors.Is(err, ErrTransportUnavailable) && !errors.Is(err, context.Canceled)
}

// send makes an HTTP request to the backend and returns the response body.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	traces.Inject(ctx, req.Header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransportUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrTransportUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := newAPIError(resp.StatusCode, respBody)
		c.logger.Debug("backend error response", "method", method, "path", path, "status", resp.StatusCode)
		return nil, apiErr
	}
	return respBody, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRemoteValidation):
		return "rejected"
	case errors.Is(err, ErrNotFoundYet):
		return "not_found"
	case errors.Is(err, ErrRemoteTamperSignal):
		return "tampered"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrTransportUnavailable):
		return "unavailable"
	}
	return "error"
}
