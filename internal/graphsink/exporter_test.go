package graphsink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/regshield/internal/evaluation"
)

func cycleResult() evaluation.Result {
	return evaluation.Result{
		TransactionID: "TX-7",
		TotalScore:    93,
		Decision:      evaluation.DecisionGenerateSTR,
		CyclePath:     []string{"ACC-1", "ACC-2", "ACC-3", "ACC-1"},
	}
}

func newTestExporter(c Client) *Exporter {
	e := NewExporter(c, nil)
	e.backoff = time.Millisecond
	e.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return e
}

func TestExporter_WritesHops(t *testing.T) {
	mem := NewMemoryClient()
	e := newTestExporter(mem)
	require.NoError(t, e.Export(context.Background(), "sess-1", cycleResult()))

	writes := mem.Writes()
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0].Query, "MERGE (src)-[t:CYCLE_TRANSFER")

	p := writes[0].Params
	assert.Equal(t, "TX-7", p["transactionId"])
	assert.Equal(t, "sess-1", p["sessionId"])
	assert.Equal(t, "Generate STR", p["decision"])
	assert.Equal(t, "2024-01-02T03:04:05Z", p["exportedAt"])

	hops := p["hops"].([]map[string]any)
	require.Len(t, hops, 3)
	assert.Equal(t, "ACC-1", hops[0]["from"])
	assert.Equal(t, "ACC-2", hops[0]["to"])
	assert.Equal(t, "ACC-3", hops[2]["from"])
	assert.Equal(t, "ACC-1", hops[2]["to"])
	assert.Equal(t, int64(2), hops[2]["position"])
}

func TestExporter_SkipsWithoutCycle(t *testing.T) {
	mem := NewMemoryClient()
	e := newTestExporter(mem)
	require.NoError(t, e.Export(context.Background(), "s", evaluation.Result{TransactionID: "TX-1", CyclePath: []string{"A"}}))
	assert.Empty(t, mem.Writes())
}

func TestExporter_RetriesTransientFailure(t *testing.T) {
	mem := NewMemoryClient().FailNext(2, errors.New("leader switch"))
	e := newTestExporter(mem)
	require.NoError(t, e.Export(context.Background(), "s", cycleResult()))
	assert.Len(t, mem.Writes(), 1)
}

func TestExporter_GivesUp(t *testing.T) {
	mem := NewMemoryClient().FailNext(10, errors.New("unreachable"))
	e := newTestExporter(mem)
	err := e.Export(context.Background(), "s", cycleResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TX-7")
	assert.Empty(t, mem.Writes())
}

func TestExporter_Disabled(t *testing.T) {
	e := NewExporter(nil, nil)
	assert.False(t, e.Enabled())
	assert.NoError(t, e.Export(context.Background(), "s", cycleResult()))
	assert.NoError(t, e.Close(context.Background()))
	assert.NoError(t, e.Ping(context.Background()))

	var nilExporter *Exporter
	assert.False(t, nilExporter.Enabled())
}

func TestNewNeo4jClient_MissingURI(t *testing.T) {
	_, err := NewNeo4jClient(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrMissingURI)
}
