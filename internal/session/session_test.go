package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/evaluation"
	"github.com/mbd888/regshield/internal/ledger"
)

func seededLedger() *ledger.Store {
	l := ledger.NewStore()
	l.Append(evaluation.Result{TransactionID: "TX-1", TotalScore: 20, Decision: evaluation.DecisionClear})
	l.Append(evaluation.Result{TransactionID: "TX-2", TotalScore: 92, Decision: evaluation.DecisionGenerateSTR, CyclePath: []string{"A", "B"}})
	return l
}

func TestSnapshot_FromLedgerNewestFirst(t *testing.T) {
	snap := FromLedger(seededLedger())
	require.Len(t, snap.History, 2)
	assert.Equal(t, "TX-2", snap.History[0].TransactionID)
	require.NotNil(t, snap.Latest)
	assert.Equal(t, "TX-2", snap.Latest.TransactionID)

	arrival := snap.Arrival()
	assert.Equal(t, "TX-1", arrival[0].TransactionID)
	assert.Equal(t, "TX-2", arrival[1].TransactionID)
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(FromLedger(seededLedger()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"history":[`)
	assert.Contains(t, string(data), `"latest":{`)

	snap, err := Decode(data)
	require.NoError(t, err)
	assert.Len(t, snap.History, 2)
	assert.Equal(t, []string{"A", "B"}, snap.History[0].CyclePath)

	empty, err := Encode(Snapshot{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"history":[]}`, string(empty))
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{`not json`, `{"history":{}}`, `{"history":[{"total_score":1}]}`} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, backend.ErrMalformedPayload, in)
	}
}

func TestSession_PersistRestoreEnd(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := New("", store, nil)
	require.NotEmpty(t, s.ID())

	snap, err := s.Restore(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.History)
	assert.NotNil(t, snap.History)

	require.NoError(t, s.Persist(ctx, seededLedger()))
	assert.Equal(t, 1, store.Len())

	again := New(s.ID(), store, nil)
	snap, err = again.Restore(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.History, 2)

	require.NoError(t, again.End(ctx))
	assert.Equal(t, 0, store.Len())
	require.NoError(t, again.End(ctx))
}

func TestSession_CorruptSnapshotDiscarded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, "sess-1", []byte(`{"history": [`)))

	s := New("sess-1", store, nil)
	snap, err := s.Restore(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.History)
	assert.Nil(t, snap.Latest)

	_, err = store.Load(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewID_Unique(t *testing.T) {
	assert.NotEqual(t, NewID(), NewID())
	assert.Len(t, NewID(), 36)
}
