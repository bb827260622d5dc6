package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/regshield/internal/circuitbreaker"
	"github.com/mbd888/regshield/internal/evaluation"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL+"/api", 5*time.Second)
}

func validRequest() evaluation.Request {
	return evaluation.Request{
		TransactionID:     "TX-1",
		SenderAccountID:   "ACC-001",
		ReceiverAccountID: "ACC-003",
		Amount:            1000,
		Timestamp:         "2024-01-01 10:00:00",
	}
}

func TestClient_Evaluate(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/evaluate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"transaction_id":"TX-1","total_score":91,"decision":"Generate STR",
			"risk_breakdown":{"velocity":40},"triggered_rules":["Velocity spike"],
			"cycle_path":["A","B","C"],"provenance":{"current_hash":"h1","prev_hash":"h0","eth_tx_hash":"0xabc"}}`))
	}))

	res, err := c.Evaluate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "TX-1", res.TransactionID)
	assert.Equal(t, evaluation.DecisionGenerateSTR, res.Decision)
	assert.Equal(t, []string{"A", "B", "C"}, res.CyclePath)
	require.NotNil(t, res.Provenance)
	assert.Equal(t, "h1", res.Provenance.CurrentHash)

	assert.Equal(t, "TX-1", got["Transaction_ID"])
	assert.Equal(t, "ACC-001", got["Sender_Account_ID"])
	assert.Equal(t, "USD", got["Currency"])
}

func TestClient_Evaluate_InvalidRequestNotSent(t *testing.T) {
	called := false
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := validRequest()
	req.Amount = 0
	_, err := c.Evaluate(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteValidation)
	assert.False(t, called)
}

func TestClient_Evaluate_MalformedPayload(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"total_score":10}`))
	}))
	_, err := c.Evaluate(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestClient_Evaluate_ValidationError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":[{"loc":["body","Amount"],"msg":"field required"}]}`))
	}))
	_, err := c.Evaluate(context.Background(), validRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteValidation)
	assert.Contains(t, err.Error(), "field required")
}

func TestClient_VerifyLedger_Verified(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/verify_ledger", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"VERIFIED","message":"Ledger integrity verified"}`))
	}))
	st, err := c.VerifyLedger(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Verified())
	assert.Equal(t, "Ledger integrity verified", st.Message)
}

func TestClient_VerifyLedger_Conflict(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"detail":"CRITICAL: Ledger integrity compromised! TAMPERED"}`))
	}))
	_, err := c.VerifyLedger(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteTamperSignal)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.True(t, apiErr.HasPayload())
	assert.Contains(t, apiErr.Message, "TAMPERED")
}

func TestClient_TransportUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	c := New(url, time.Second)
	_, err := c.VerifyLedger(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	_, isAPI := AsAPIError(err)
	assert.False(t, isAPI)
}

func TestClient_SimulateTamper(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/simulate_tamper", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"TAMPERED","details":{"transaction_id":"TX-9","original_score":92,
			"tampered_score":10,"original_amount":50000,"tampered_amount":50}}`))
	}))
	ev, err := c.SimulateTamper(context.Background())
	require.NoError(t, err)
	assert.Equal(t, evaluation.TamperEvent{
		TransactionID: "TX-9", OriginalScore: 92, TamperedScore: 10,
		OriginalAmount: 50000, TamperedAmount: 50,
	}, ev)
}

func TestClient_SimulateTamper_MissingDetails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	_, err := c.SimulateTamper(context.Background())
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestClient_ShiftThreshold(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/admin/shift_threshold", r.URL.Path)
		assert.Equal(t, "7000", r.URL.Query().Get("new_threshold"))
		_, _ = w.Write([]byte(`{"count":2,"newly_flagged_accounts":["ACC-002","ACC-005"]}`))
	}))
	out, err := c.ShiftThreshold(context.Background(), 7000)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, []string{"ACC-002", "ACC-005"}, out.NewlyFlaggedAccounts)
}

func TestClient_ApplyWeightedRisk(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "ACC-001", q.Get("account_id"))
		assert.Equal(t, "8.5", q.Get("velocity"))
		assert.Equal(t, "9500", q.Get("geo_entropy"))
		assert.Equal(t, "1", q.Get("hops_to_blacklist"))
		_, _ = w.Write([]byte(`{"message":"Weighted risk applied","risk_score":87.5,"status":"HIGH_RISK"}`))
	}))
	out, err := c.ApplyWeightedRisk(context.Background(), WeightedRiskParams{
		AccountID: "ACC-001", Velocity: 8.5, GeoEntropy: 9500, HopsToBlacklist: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 87.5, out.RiskScore)
	assert.Equal(t, "HIGH_RISK", out.Status)
}

func TestClient_ApplyWeightedRisk_UnknownAccount(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Account not found"}`))
	}))
	_, err := c.ApplyWeightedRisk(context.Background(), WeightedRiskParams{AccountID: "ACC-404"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteValidation)
	assert.True(t, IsAccountNotFound(err))
	assert.Contains(t, err.Error(), "ACC-404")
}

func TestClient_ApplyWeightedRisk_OtherRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"velocity must be positive"}`))
	}))
	_, err := c.ApplyWeightedRisk(context.Background(), WeightedRiskParams{AccountID: "ACC-001"})
	assert.ErrorIs(t, err, ErrRemoteValidation)
	assert.False(t, IsAccountNotFound(err))
}

func TestClient_GetReport(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/reports/TX 1", r.URL.Path)
		_, _ = w.Write([]byte(`{"report":"SUSPICIOUS TRANSACTION REPORT"}`))
	}))
	report, err := c.GetReport(context.Background(), "TX 1")
	require.NoError(t, err)
	assert.Equal(t, "SUSPICIOUS TRANSACTION REPORT", report)
}

func TestClient_GetReport_NotFoundYet(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Report not found"}`))
	}))
	_, err := c.GetReport(context.Background(), "TX-1")
	assert.ErrorIs(t, err, ErrNotFoundYet)
}

func TestClient_GetReport_StillGeneratingMarker(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"report":"","status":"generating"}`))
	}))
	_, err := c.GetReport(context.Background(), "TX-1")
	assert.ErrorIs(t, err, ErrNotFoundYet)
}

func TestClient_OpenStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stream/live", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"status\":\"completed\"}\n\n"))
	}))
	body, err := c.OpenStream(context.Background())
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"completed"`)
}

func TestClient_OpenStream_HTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, err := c.OpenStream(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestClient_BreakerOpensOnTransportFailures(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close() // nothing listens any more

	b := circuitbreaker.New(2, time.Minute)
	c := New(addr+"/api", time.Second, WithBreaker(b))

	for i := 0; i < 2; i++ {
		_, err := c.VerifyLedger(context.Background())
		require.ErrorIs(t, err, ErrTransportUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, b.State("verify_ledger"))

	_, err := c.VerifyLedger(context.Background())
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, circuitbreaker.StateClosed, b.State("evaluate"))
}

func TestClient_BreakerIgnoresPayloadErrors(t *testing.T) {
	b := circuitbreaker.New(1, time.Minute)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"detail":"tampered"}`))
	}))
	t.Cleanup(ts.Close)
	c := New(ts.URL+"/api", time.Second, WithBreaker(b))

	for i := 0; i < 3; i++ {
		_, err := c.VerifyLedger(context.Background())
		require.ErrorIs(t, err, ErrRemoteTamperSignal)
	}
	assert.Equal(t, circuitbreaker.StateClosed, b.State("verify_ledger"))
}

func TestAPIError_Unwrap(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusNotFound, `{}`, ErrNotFoundYet},
		{http.StatusConflict, `{"detail":"x"}`, ErrRemoteTamperSignal},
		{http.StatusBadRequest, `{}`, ErrRemoteValidation},
		{http.StatusUnprocessableEntity, `{}`, ErrRemoteValidation},
		{http.StatusBadGateway, ``, ErrTransportUnavailable},
	}
	for _, tt := range tests {
		err := error(newAPIError(tt.status, []byte(tt.body)))
		assert.True(t, errors.Is(err, tt.want), "status %d", tt.status)
	}

	err := error(newAPIError(http.StatusInternalServerError, []byte(`{"error":"boom"}`)))
	assert.False(t, errors.Is(err, ErrTransportUnavailable))
	assert.Equal(t, "API error (500): boom", err.Error())
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "not_found", resultLabel(ErrNotFoundYet))
	assert.Equal(t, "tampered", resultLabel(ErrRemoteTamperSignal))
	assert.Equal(t, "rejected", resultLabel(ErrRemoteValidation))
	assert.Equal(t, "malformed", resultLabel(ErrMalformedPayload))
	assert.Equal(t, "unavailable", resultLabel(ErrTransportUnavailable))
	assert.Equal(t, "error", resultLabel(errors.New("x")))
}
