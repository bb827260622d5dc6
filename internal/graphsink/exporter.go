package graphsink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/logging"
	"github.com/mbd888/regshield/internal/metrics"
	"github.com/mbd888/regshield/internal/retry"
)

const mergeCycle = `
UNWIND $hops AS hop
MERGE (src:Account {accountId: hop.from})
MERGE (dst:Account {accountId: hop.to})
MERGE (src)-[t:CYCLE_TRANSFER {transactionId: $transactionId, position: hop.position}]->(dst)
SET t.totalScore = $totalScore,
	t.decision = $decision,
	t.sessionId = $sessionId,
	t.exportedAt = $exportedAt
`

// Exporter writes cycles to a graph Client. A nil client disables export.
type Exporter struct {
	client   Client
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// NewExporter creates an exporter.
func NewExporter(client Client, logger *slog.Logger) *Exporter {
	logger = logging.Component(logger, "graphsink")
	return &Exporter{client: client, logger: logger, attempts: 3, backoff: 200 * time.Millisecond, now: time.Now}
}

// Enabled reports whether a graph client is configured.
func (e *Exporter) Enabled() bool { return e != nil && e.client != nil }

// Export writes one hop per consecutive pair in the result's cycle path.
// Results without a renderable cycle are skipped.
func (e *Exporter) Export(ctx context.Context, sessionID string, r evaluation.Result) error {
	if !e.Enabled() {
		return nil
	}
	if !r.HasCycle() {
		metrics.CycleExportsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	hops := make([]map[string]any, 0, len(r.CyclePath)-1)
	for i := 0; i < len(r.CyclePath)-1; i++ {
		hops = append(hops, map[string]any{
			"from":     r.CyclePath[i],
			"to":       r.CyclePath[i+1],
			"position": int64(i),
		})
	}
	params := map[string]any{
		"hops":          hops,
		"transactionId": r.TransactionID,
		"totalScore":    r.TotalScore,
		"decision":      string(r.Decision),
		"sessionId":     sessionID,
		"exportedAt":    e.now().UTC().Format(time.RFC3339),
	}

	err := retry.Do(ctx, e.attempts, e.backoff, func() error {
		return e.client.ExecuteWrite(ctx, mergeCycle, params)
	})
	if err != nil {
		metrics.CycleExportsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("export cycle %s: %w", r.TransactionID, err)
	}
	metrics.CycleExportsTotal.WithLabelValues("ok").Inc()
	e.logger.Info("cycle exported to graph", "transactionId", r.TransactionID, "hops", len(hops))
	return nil
}

// Ping checks the graph connection.
func (e *Exporter) Ping(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	return e.client.VerifyConnectivity(ctx)
}

// Close closes the underlying client.
func (e *Exporter) Close(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	return e.client.Close(ctx)
}
