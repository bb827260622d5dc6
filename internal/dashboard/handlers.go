// Package dashboard provides the JSON API the compliance dashboard reads:
// the session ledger, chain status, tamper alarm, live stream controls,
// reports and exports.
package dashboard

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/regshield/internal/alarm"
	"github.com/mbd888/regshield/internal/anchor"
	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/chain"
	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/ledger"
	"github.com/mbd888/regshield/internal/monitor"
	"github.com/mbd888/regshield/internal/report"
	"github.com/mbd888/regshield/internal/stream"
)

// Monitor is the session surface the handlers drive. *monitor.Monitor
// implements it.
type Monitor interface {
	SessionID() string
	Evaluate(ctx context.Context, req evaluation.Request) (evaluation.Result, error)
	Views() ledger.Views
	Timeline() []evaluation.Result
	HighRisk() []evaluation.Result
	Latest() (evaluation.Result, bool)
	Cycle() monitor.CycleView
	CycleSVG() []byte
	Verify(ctx context.Context) chain.Snapshot
	Chain() chain.Snapshot
	StartStream() *stream.Subscription
	StopStream()
	Stream() monitor.StreamState
	SimulateTamper(ctx context.Context) (alarm.Presentation, error)
	Alarm() alarm.Presentation
	Acknowledge() bool
	FetchReport(ctx context.Context, transactionID string) (report.Result, error)
	ExportHighRisk(w io.Writer, f report.Format) (string, error)
	Anchor(ctx context.Context, transactionID string) (anchor.Report, error)
	ShiftThreshold(ctx context.Context, newThreshold float64) (backend.ThresholdShift, error)
	ApplyWeightedRisk(ctx context.Context, p backend.WeightedRiskParams) (backend.WeightedRisk, error)
	End(ctx context.Context) error
}

// Handler provides dashboard API endpoints.
type Handler struct {
	mon   Monitor
	guard []gin.HandlerFunc
}

// NewHandler creates a new dashboard handler.
func NewHandler(mon Monitor) *Handler {
	return &Handler{mon: mon}
}

// WithGuard adds middleware to the routes that reach the scoring backend or
// the RPC node.
func (h *Handler) WithGuard(mw ...gin.HandlerFunc) *Handler {
	h.guard = append(h.guard, mw...)
	return h
}

// RegisterRoutes sets up dashboard routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/session", h.Session)
	r.DELETE("/session", h.EndSession)

	r.GET("/ledger", h.Ledger)
	r.GET("/ledger/high-risk", h.HighRisk)
	r.GET("/ledger/latest", h.Latest)
	r.GET("/cycle", h.Cycle)
	r.GET("/cycle.svg", h.CycleSVG)

	r.GET("/chain", h.Chain)
	r.GET("/stream", h.Stream)
	r.POST("/stream/stop", h.StopStream)
	r.GET("/alarm", h.Alarm)
	r.POST("/alarm/ack", h.Acknowledge)
	r.GET("/export/high-risk", h.ExportHighRisk)

	remote := r.Group("")
	remote.Use(h.guard...)
	remote.POST("/chain/verify", h.Verify)
	remote.POST("/evaluate", h.Evaluate)
	remote.POST("/stream/start", h.StartStream)
	remote.POST("/tamper", h.Tamper)
	remote.GET("/reports/:id", h.Report)
	remote.GET("/transactions/:id/anchor", h.Anchor)
	remote.POST("/admin/shift-threshold", h.ShiftThreshold)
	remote.POST("/admin/weighted-risk", h.WeightedRisk)
}

// Session returns the session id with the derived ledger views.
func (h *Handler) Session(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessionId": h.mon.SessionID(),
		"views":     h.mon.Views(),
		"chain":     h.mon.Chain(),
		"stream":    h.mon.Stream(),
	})
}

// EndSession clears the ledger and the stored history.
func (h *Handler) EndSession(c *gin.Context) {
	if err := h.mon.End(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Ledger returns the timeline, newest first.
func (h *Handler) Ledger(c *gin.Context) {
	txs := h.mon.Timeline()
	if limit := parseLimit(c, 0); limit > 0 && limit < len(txs) {
		txs = txs[:limit]
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// HighRisk returns results scoring above the high-risk threshold.
func (h *Handler) HighRisk(c *gin.Context) {
	txs := h.mon.HighRisk()
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
		"threshold":    evaluation.HighRiskThreshold,
	})
}

// Latest returns the most recent result.
func (h *Handler) Latest(c *gin.Context) {
	res, ok := h.mon.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no transactions in this session"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Cycle returns the layout of the latest detected cycle.
func (h *Handler) Cycle(c *gin.Context) {
	c.JSON(http.StatusOK, h.mon.Cycle())
}

// CycleSVG renders the latest cycle.
func (h *Handler) CycleSVG(c *gin.Context) {
	c.Data(http.StatusOK, "image/svg+xml", h.mon.CycleSVG())
}

// Chain returns the trusted chain status.
func (h *Handler) Chain(c *gin.Context) {
	c.JSON(http.StatusOK, h.mon.Chain())
}

// Verify re-checks the chain.
func (h *Handler) Verify(c *gin.Context) {
	c.JSON(http.StatusOK, h.mon.Verify(c.Request.Context()))
}

// Evaluate scores one transaction and ingests it.
func (h *Handler) Evaluate(c *gin.Context) {
	var req evaluation.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.mon.Evaluate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stream returns the live feed status.
func (h *Handler) Stream(c *gin.Context) {
	c.JSON(http.StatusOK, h.mon.Stream())
}

// StartStream opens the live feed. Starting a running feed is a no-op.
func (h *Handler) StartStream(c *gin.Context) {
	h.mon.StartStream()
	c.JSON(http.StatusAccepted, h.mon.Stream())
}

// StopStream closes the live feed.
func (h *Handler) StopStream(c *gin.Context) {
	h.mon.StopStream()
	c.JSON(http.StatusOK, h.mon.Stream())
}

// Tamper runs the tamper simulation and returns the alarm presentation.
func (h *Handler) Tamper(c *gin.Context) {
	p, err := h.mon.SimulateTamper(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Alarm returns the alarm presentation.
func (h *Handler) Alarm(c *gin.Context) {
	c.JSON(http.StatusOK, h.mon.Alarm())
}

// Acknowledge dismisses the alarm.
func (h *Handler) Acknowledge(c *gin.Context) {
	dismissed := h.mon.Acknowledge()
	c.JSON(http.StatusOK, gin.H{"dismissed": dismissed, "alarm": h.mon.Alarm()})
}

// Report returns the STR report. Pending and failed fetches are still 200:
// the text is meant to be shown as is.
func (h *Handler) Report(c *gin.Context) {
	res, err := h.mon.FetchReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExportHighRisk downloads the high-risk set as text or JSON.
func (h *Handler) ExportHighRisk(c *gin.Context) {
	f := report.ParseFormat(c.DefaultQuery("format", string(report.FormatText)))
	var buf bytes.Buffer
	name, err := h.mon.ExportHighRisk(&buf, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, f.ContentType(), buf.Bytes())
}

// Anchor reports a transaction's on-chain anchor status.
func (h *Handler) Anchor(c *gin.Context) {
	rep, err := h.mon.Anchor(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type shiftRequest struct {
	NewThreshold *float64 `json:"new_threshold"`
}

// ShiftThreshold moves the backend flagging threshold.
func (h *Handler) ShiftThreshold(c *gin.Context) {
	var req shiftRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NewThreshold == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "new_threshold is required"})
		return
	}
	if *req.NewThreshold < 0 || *req.NewThreshold > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "new_threshold must be between 0 and 100"})
		return
	}
	out, err := h.mon.ShiftThreshold(c.Request.Context(), *req.NewThreshold)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type weightedRiskRequest struct {
	AccountID       string  `json:"account_id"`
	Velocity        float64 `json:"velocity"`
	GeoEntropy      float64 `json:"geo_entropy"`
	HopsToBlacklist int     `json:"hops_to_blacklist"`
}

// WeightedRisk recomputes one account's weighted risk.
func (h *Handler) WeightedRisk(c *gin.Context) {
	var req weightedRiskRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AccountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "account_id is required"})
		return
	}
	out, err := h.mon.ApplyWeightedRisk(c.Request.Context(), backend.WeightedRiskParams{
		AccountID:       req.AccountID,
		Velocity:        req.Velocity,
		GeoEntropy:      req.GeoEntropy,
		HopsToBlacklist: req.HopsToBlacklist,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// writeError maps the error taxonomy onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case backend.IsAccountNotFound(err):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, monitor.ErrUnknownTransaction):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, report.ErrNothingToExport):
		status, code = http.StatusNotFound, "nothing_to_export"
	case errors.Is(err, monitor.ErrNoReportRequired):
		status, code = http.StatusUnprocessableEntity, "no_report_required"
	case errors.Is(err, alarm.ErrBusy):
		status, code = http.StatusConflict, "alarm_busy"
	case errors.Is(err, backend.ErrRemoteValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, backend.ErrRemoteTamperSignal):
		status, code = http.StatusConflict, "tamper_signal"
	case errors.Is(err, backend.ErrMalformedPayload):
		status, code = http.StatusBadGateway, "malformed_payload"
	case errors.Is(err, backend.ErrTransportUnavailable):
		status, code = http.StatusBadGateway, "backend_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func parseLimit(c *gin.Context, defaultVal int) int {
	limit := defaultVal
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}
