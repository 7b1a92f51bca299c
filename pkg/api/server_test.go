package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	feed "github.com/hed1ad/tokenwise/pkg/io"
	"github.com/hed1ad/tokenwise/pkg/observability"
	"github.com/hed1ad/tokenwise/pkg/refresh"
	"github.com/hed1ad/tokenwise/pkg/scoring"
	"github.com/hed1ad/tokenwise/pkg/store"
	"github.com/hed1ad/tokenwise/pkg/store/memory"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

var t0 = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	records   []txn.Transaction
	refresher *refresh.Refresher
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	for i, amount := range []float64{10, 12, 11, 1000} {
		f.records = append(f.records, txn.Transaction{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Wallet:    "W",
			Amount:    amount,
			Direction: txn.Buy,
			Protocol:  "jupiter",
		})
	}
	f.records = append(f.records, txn.Transaction{
		Timestamp: t0.Add(30 * time.Minute), Wallet: "small", Amount: 2, Direction: txn.Sell, Protocol: "orca",
	})

	src := feed.SourceFunc(func(context.Context) ([]txn.Transaction, error) {
		return append([]txn.Transaction(nil), f.records...), nil
	})
	m := observability.NewMetrics("test")
	f.refresher = refresh.New(src, scoring.New(memory.New(), scoring.WithMetrics(m)),
		refresh.WithLogger(discard()), refresh.WithMetrics(m))
	f.handler = New(f.refresher, m, 1000, discard()).Router()
	return f
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestNotReadyBeforeFirstCycle(t *testing.T) {
	f := newFixture(t)

	var health healthResponse
	assert.Equal(t, http.StatusOK, f.get(t, "/healthz", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Empty(t, health.CycleID)

	for _, path := range []string{"/api/v1/summary", "/api/v1/whales", "/api/v1/wallets/W/anomalies", "/api/v1/wallets/W/history"} {
		var e ErrorResponse
		assert.Equal(t, http.StatusServiceUnavailable, f.get(t, path, &e), path)
		assert.Equal(t, "not_ready", e.Error)
	}
}

func TestAnomalyFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.refresher.Run(ctx)
	require.NoError(t, err)

	var anomalies anomaliesResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/wallets/W/anomalies", &anomalies))
	assert.True(t, anomalies.Trained)
	assert.Equal(t, first.CycleID, anomalies.CycleID)
	assert.Empty(t, anomalies.Anomalies)

	f.records = append(f.records, txn.Transaction{
		Timestamp: t0.Add(time.Hour), Wallet: "W", Amount: 5000, Direction: txn.Buy, Protocol: "jupiter",
	})
	_, err = f.refresher.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/wallets/W/anomalies", &anomalies))
	assert.False(t, anomalies.Trained)
	assert.Equal(t, 1, anomalies.Scored)
	require.Len(t, anomalies.Anomalies, 1)
	assert.Equal(t, 5000.0, anomalies.Anomalies[0].Amount)

	var history historyResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/wallets/W/history", &history))
	assert.Equal(t, 5, history.Count)
	assert.Equal(t, 2, history.Anomalies)

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/wallets/small/anomalies", &e))
	assert.Equal(t, "not_modeled", e.Error)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/wallets/small/history", &e))
	assert.Equal(t, "not_modeled", e.Error)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/wallets/ghost/history", &e))
	assert.Equal(t, "unknown_wallet", e.Error)
}

func TestSummaryAndWhales(t *testing.T) {
	f := newFixture(t)
	_, err := f.refresher.Run(context.Background())
	require.NoError(t, err)

	var sum summaryResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/summary", &sum))
	assert.Equal(t, 5, sum.Report.Records)
	assert.Equal(t, "W", sum.Report.MostActive)
	assert.Equal(t, "1033", sum.Report.Totals.Bought.String())

	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/summary?wallet=small", &sum))
	assert.Equal(t, 1, sum.Report.Records)
	assert.Equal(t, "small", sum.Report.MostActive)

	from := t0.Add(2 * time.Minute).Format(time.RFC3339)
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/summary?from="+from, &sum))
	assert.Equal(t, 3, sum.Report.Records)

	var e ErrorResponse
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/summary?to=yesterday", &e))

	var whales whalesResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/whales", &whales))
	assert.Equal(t, 1000.0, whales.Threshold)
	assert.Equal(t, 0, whales.Count)
	assert.NotNil(t, whales.Transactions)

	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/whales?threshold=11.5", &whales))
	assert.Equal(t, 11.5, whales.Threshold)
	assert.Equal(t, 2, whales.Count)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/whales?threshold=-1", &e))
	assert.Equal(t, "invalid_parameter", e.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.refresher.Run(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_scorer_models_trained_total 1"))
	assert.True(t, strings.Contains(rec.Body.String(), "test_refresh_cycles_total"))
}

// stubResults returns fixed errors.
type stubResults struct {
	err error
}

func (s stubResults) Latest() (*refresh.Result, error) { return nil, refresh.ErrNoResult }

func (s stubResults) ScoreWallet(context.Context, string) ([]txn.Scored, error) {
	return nil, s.err
}

func TestHistoryErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrCorruptState, http.StatusInternalServerError, "corrupt_state"},
		{store.ErrNotFound, http.StatusNotFound, "not_modeled"},
		{refresh.ErrNoResult, http.StatusServiceUnavailable, "not_ready"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			h := New(stubResults{err: tt.err}, nil, 1000, discard()).Router()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/W/history", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.Equal(t, tt.code, e.Error)
		})
	}
}

func TestMetricsNotMountedWithoutRegistry(t *testing.T) {
	h := New(stubResults{}, nil, 1000, discard()).Router()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
