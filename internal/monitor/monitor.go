// Package monitor owns one monitoring session: evaluated transactions flow in
// from manual evaluation or the live stream, are appended to the session
// ledger, trigger a chain re-verification and refresh the derived views and
// the cycle layout. Every change is pushed to realtime subscribers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/regshield/internal/alarm"
	"github.com/mbd888/regshield/internal/anchor"
	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/chain"
	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/graphsink"
	"github.com/mbd888/regshield/internal/layout"
	"github.com/mbd888/regshield/internal/ledger"
	"github.com/mbd888/regshield/internal/logging"
	"github.com/mbd888/regshield/internal/realtime"
	"github.com/mbd888/regshield/internal/report"
	"github.com/mbd888/regshield/internal/session"
	"github.com/mbd888/regshield/internal/stream"
)

var (
	ErrUnknownTransaction = errors.New("transaction not in session ledger")
	ErrNoReportRequired   = errors.New("transaction does not require an STR report")
)

// Backend is the scoring backend contract the monitor drives.
type Backend interface {
	Evaluate(ctx context.Context, req evaluation.Request) (evaluation.Result, error)
	VerifyLedger(ctx context.Context) (backend.LedgerStatus, error)
	SimulateTamper(ctx context.Context) (evaluation.TamperEvent, error)
	ShiftThreshold(ctx context.Context, newThreshold float64) (backend.ThresholdShift, error)
	ApplyWeightedRisk(ctx context.Context, p backend.WeightedRiskParams) (backend.WeightedRisk, error)
	GetReport(ctx context.Context, transactionID string) (string, error)
	OpenStream(ctx context.Context) (io.ReadCloser, error)
}

// Publisher receives every session change. *realtime.Hub implements it.
type Publisher interface {
	Publish(t realtime.EventType, data any)
}

// Config tunes the session components.
type Config struct {
	Report       report.Config
	DismissAfter time.Duration
	CanvasWidth  float64
	CanvasHeight float64
}

// DefaultConfig returns the stock polling, alarm and canvas settings.
func DefaultConfig() Config {
	return Config{
		Report:       report.DefaultConfig(),
		DismissAfter: alarm.DefaultDismissAfter,
		CanvasWidth:  600,
		CanvasHeight: 400,
	}
}

// StreamState is the live feed as the dashboard shows it.
type StreamState struct {
	Status   stream.Status   `json:"status"`
	Progress stream.Progress `json:"progress"`
}

// CycleView is the rendered latest cycle.
type CycleView struct {
	TransactionID string        `json:"transaction_id,omitempty"`
	Layout        layout.Layout `json:"layout"`
	Message       string        `json:"message,omitempty"`
}

// Monitor coordinates one session. Safe for concurrent use.
type Monitor struct {
	backend  Backend
	session  *session.Session
	ledger   *ledger.Store
	verifier *chain.Verifier
	alarm    *alarm.Alarm
	stream   *stream.Consumer
	poller   *report.Poller
	graph    *graphsink.Exporter
	anchor   *anchor.Checker
	pub      Publisher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	// Long-lived context for work that outlives a single request, such as
	// the stream forwarder.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	persistMu sync.Mutex

	streamMu    sync.Mutex
	forwarding  *stream.Subscription
	forwardDone chan struct{}

	mu        sync.RWMutex
	cyclePath []string
	cycleTxID string
	cycle     layout.Layout
}

// New creates a monitor over b for sess. Call Open before use.
func New(b Backend, sess *session.Session, cfg Config, logger *slog.Logger) *Monitor {
	logger = logging.OrDefault(logger).With("session_id", sess.ID())
	if cfg.CanvasWidth <= 0 || cfg.CanvasHeight <= 0 {
		d := DefaultConfig()
		cfg.CanvasWidth, cfg.CanvasHeight = d.CanvasWidth, d.CanvasHeight
	}

	ctx, cancel := context.WithCancel(logging.WithSessionID(context.Background(), sess.ID()))
	m := &Monitor{
		backend: b,
		session: sess,
		ledger:  ledger.NewStore(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		baseCtx: ctx,
		cancel:  cancel,
		anchor:  anchor.NewChecker(nil, logger),
	}
	m.verifier = chain.NewVerifier(b, logger.With("component", "chain"))
	m.alarm = alarm.New(b, m.verifier, cfg.DismissAfter, logger.With("component", "alarm"))
	m.stream = stream.NewConsumer(stream.OpenerFunc(b.OpenStream), logger)
	m.poller = report.NewPoller(b, cfg.Report, logger.With("component", "report"))

	m.verifier.OnStatus(func(s chain.Snapshot) { m.publish(realtime.EventChainStatus, s) })
	m.alarm.OnChange(func(p alarm.Presentation) { m.publish(realtime.EventAlarm, p) })
	return m
}

// WithPublisher pushes session changes to p.
func (m *Monitor) WithPublisher(p Publisher) *Monitor {
	m.pub = p
	return m
}

// WithGraph exports newly detected cycles through e.
func (m *Monitor) WithGraph(e *graphsink.Exporter) *Monitor {
	m.graph = e
	return m
}

// WithAnchor resolves provenance anchors through c.
func (m *Monitor) WithAnchor(c *anchor.Checker) *Monitor {
	if c != nil {
		m.anchor = c
	}
	return m
}

// Open restores the session history, lays out its latest cycle and runs a
// first chain verification. A store failure still leaves an empty, usable
// session and is returned for logging.
func (m *Monitor) Open(ctx context.Context) error {
	snap, err := m.session.Restore(ctx)
	m.ledger = ledger.Restore(snap.Arrival())
	if err != nil {
		m.logger.Warn("session history unavailable, starting empty", "error", err)
	} else if n := m.ledger.Len(); n > 0 {
		m.logger.Info("session history restored", "entries", n)
	}
	m.refreshCycle(ctx, false)
	m.verifier.Verify(ctx)
	return err
}

// SessionID returns the session identifier.
func (m *Monitor) SessionID() string { return m.session.ID() }

// Ingest appends a result to the ledger and runs the downstream reactions.
// It returns the result as stored, stamped if the backend left the
// timestamp empty.
func (m *Monitor) Ingest(ctx context.Context, res evaluation.Result) evaluation.Result {
	res = res.WithTimestamp(m.now())
	m.ledger.Append(res)
	m.persist(ctx)
	m.publish(realtime.EventTransaction, res)

	m.logger.Debug("transaction ingested",
		"transactionId", res.TransactionID,
		"score", res.TotalScore,
		"decision", res.Decision)

	m.verifier.Verify(ctx)
	m.refreshCycle(ctx, true)
	return res
}

// Evaluate scores a transaction on the backend and ingests the result.
func (m *Monitor) Evaluate(ctx context.Context, req evaluation.Request) (evaluation.Result, error) {
	res, err := m.backend.Evaluate(ctx, req)
	if err != nil {
		return evaluation.Result{}, err
	}
	return m.Ingest(ctx, res), nil
}

func (m *Monitor) persist(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.session.Persist(ctx, m.ledger); err != nil {
		m.logger.Warn("failed to persist session history", "error", err)
	}
}

// refreshCycle recomputes the layout when the latest cycle path changed.
func (m *Monitor) refreshCycle(ctx context.Context, export bool) {
	latest, ok := m.ledger.LatestCycle()

	m.mu.Lock()
	if !ok {
		m.mu.Unlock()
		return
	}
	if latest.TransactionID == m.cycleTxID && slices.Equal(latest.CyclePath, m.cyclePath) {
		m.mu.Unlock()
		return
	}
	m.cyclePath = latest.CyclePath
	m.cycleTxID = latest.TransactionID
	m.cycle = layout.Compute(latest.CyclePath, m.cfg.CanvasWidth, m.cfg.CanvasHeight)
	view := CycleView{TransactionID: m.cycleTxID, Layout: m.cycle}
	m.mu.Unlock()

	m.publish(realtime.EventCycle, view)
	if !export || !m.graph.Enabled() {
		return
	}
	if err := m.graph.Export(ctx, m.session.ID(), latest); err != nil {
		m.logger.Warn("cycle export failed", "transactionId", latest.TransactionID, "error", err)
	}
}

func (m *Monitor) publish(t realtime.EventType, data any) {
	if m.pub != nil {
		m.pub.Publish(t, data)
	}
}

// StartStream opens the live feed, or returns the subscription already
// running. Results are ingested in arrival order by a single forwarder.
func (m *Monitor) StartStream() *stream.Subscription {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()

	sub := m.stream.Start(m.baseCtx)
	if sub == m.forwarding {
		return sub
	}
	m.forwarding = sub
	m.forwardDone = make(chan struct{})
	m.wg.Add(1)
	go m.forward(sub, m.forwardDone)
	return sub
}

func (m *Monitor) forward(sub *stream.Subscription, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)
	for ev := range sub.Events() {
		if ev.Kind == stream.KindData && ev.Result != nil {
			if sub.Stopped() {
				continue
			}
			m.Ingest(m.baseCtx, *ev.Result)
			ev.Result = nil
		}
		if ev.Message != "" {
			m.logger.Warn("stream notice", "status", ev.Status, "message", ev.Message, "transactionId", ev.TransactionID)
		}
		m.publish(realtime.EventStream, ev)
	}
}

// StopStream closes the live feed. Safe to call at any time. Results still
// buffered when the feed stops are not ingested.
func (m *Monitor) StopStream() {
	m.stream.Stop()
}

// waitForwarder blocks until the current forwarder, if any, has exited.
func (m *Monitor) waitForwarder(ctx context.Context) error {
	m.streamMu.Lock()
	done := m.forwardDone
	m.streamMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stream reports the live feed's status and progress.
func (m *Monitor) Stream() StreamState {
	sub := m.stream.Active()
	if sub == nil {
		return StreamState{Status: stream.StatusIdle}
	}
	return StreamState{Status: sub.Status(), Progress: sub.Progress()}
}

// Verify re-checks the chain and returns the trusted status afterwards.
func (m *Monitor) Verify(ctx context.Context) chain.Snapshot {
	m.verifier.Verify(ctx)
	return m.verifier.Snapshot()
}

// Chain returns the trusted chain status without a new call.
func (m *Monitor) Chain() chain.Snapshot {
	return m.verifier.Snapshot()
}

// SimulateTamper runs the tamper sequence through the alarm.
func (m *Monitor) SimulateTamper(ctx context.Context) (alarm.Presentation, error) {
	return m.alarm.Trigger(ctx)
}

// Alarm returns the alarm presentation.
func (m *Monitor) Alarm() alarm.Presentation {
	return m.alarm.Presentation()
}

// Acknowledge dismisses a presented alarm.
func (m *Monitor) Acknowledge() bool {
	return m.alarm.Acknowledge()
}

// FetchReport returns the STR text for a transaction in the ledger. Text
// already delivered with the result is used as is; otherwise the report is
// polled, but only for results that require one.
func (m *Monitor) FetchReport(ctx context.Context, transactionID string) (report.Result, error) {
	res, ok := m.ledger.Find(transactionID)
	if !ok {
		return report.Result{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	if res.STRReportText != "" {
		return report.Result{TransactionID: transactionID, Text: res.STRReportText, Status: report.StatusReady}, nil
	}
	if !res.NeedsSTR() {
		return report.Result{}, fmt.Errorf("%w: %s", ErrNoReportRequired, transactionID)
	}
	return m.poller.Poll(ctx, transactionID), nil
}

// Views returns the derived ledger views.
func (m *Monitor) Views() ledger.Views {
	return m.ledger.Views()
}

// Timeline returns the ledger newest first.
func (m *Monitor) Timeline() []evaluation.Result {
	return m.ledger.Timeline()
}

// HighRisk returns results scoring above the high-risk threshold in arrival
// order.
func (m *Monitor) HighRisk() []evaluation.Result {
	return m.ledger.HighRisk()
}

// Latest returns the most recent result.
func (m *Monitor) Latest() (evaluation.Result, bool) {
	return m.ledger.Latest()
}

// Cycle returns the laid out latest cycle.
func (m *Monitor) Cycle() CycleView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cycle.Empty() {
		return CycleView{Message: layout.NoCycleText}
	}
	return CycleView{TransactionID: m.cycleTxID, Layout: m.cycle}
}

// CycleSVG renders the latest cycle, or the placeholder when none exists.
func (m *Monitor) CycleSVG() []byte {
	m.mu.RLock()
	l := m.cycle
	m.mu.RUnlock()
	if l.Empty() {
		l = layout.Compute(nil, m.cfg.CanvasWidth, m.cfg.CanvasHeight)
	}
	return layout.RenderSVG(l)
}

// ExportHighRisk writes the high-risk set to w and returns the suggested
// filename.
func (m *Monitor) ExportHighRisk(w io.Writer, f report.Format) (string, error) {
	now := m.now()
	exp, err := report.NewExport(m.ledger.HighRisk(), now)
	if err != nil {
		return "", err
	}
	if err := report.NewRenderer(f).Render(w, exp); err != nil {
		return "", fmt.Errorf("render export: %w", err)
	}
	return report.Filename(f, now), nil
}

// Anchor reports the on-chain status of a transaction's provenance anchor.
func (m *Monitor) Anchor(ctx context.Context, transactionID string) (anchor.Report, error) {
	res, ok := m.ledger.Find(transactionID)
	if !ok {
		return anchor.Report{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	hash := ""
	if res.Provenance != nil {
		hash = res.Provenance.EthTxHash
	}
	return m.anchor.Check(ctx, hash), nil
}

// ShiftThreshold moves the backend's flagging threshold.
func (m *Monitor) ShiftThreshold(ctx context.Context, newThreshold float64) (backend.ThresholdShift, error) {
	out, err := m.backend.ShiftThreshold(ctx, newThreshold)
	if err != nil {
		return out, err
	}
	m.logger.Info("risk threshold shifted", "threshold", newThreshold, "newlyFlagged", out.Count)
	return out, nil
}

// ApplyWeightedRisk recomputes one account's weighted risk on the backend.
func (m *Monitor) ApplyWeightedRisk(ctx context.Context, p backend.WeightedRiskParams) (backend.WeightedRisk, error) {
	out, err := m.backend.ApplyWeightedRisk(ctx, p)
	if err != nil {
		return out, err
	}
	m.logger.Info("weighted risk applied", "accountId", p.AccountID, "riskScore", out.RiskScore)
	return out, nil
}

// End clears the session: the live feed is stopped, any in-flight ingest
// finishes, then the ledger is emptied and the stored history deleted.
func (m *Monitor) End(ctx context.Context) error {
	m.StopStream()
	if err := m.waitForwarder(ctx); err != nil {
		return fmt.Errorf("wait for stream forwarder: %w", err)
	}
	m.ledger.Clear()
	m.mu.Lock()
	m.cyclePath, m.cycleTxID, m.cycle = nil, "", layout.Layout{}
	m.mu.Unlock()
	return m.session.End(ctx)
}

// Close stops the stream, waits for the forwarder and cancels alarm timers.
// The stored history is kept.
func (m *Monitor) Close() {
	m.StopStream()
	m.cancel()
	m.wg.Wait()
	m.alarm.Close()
}
