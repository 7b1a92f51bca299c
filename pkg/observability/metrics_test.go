package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsAreIndependent(t *testing.T) {
	a := NewMetrics("")
	b := NewMetrics("")

	a.ModelsTrained.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ModelsTrained))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ModelsTrained))
}

func TestHandler(t *testing.T) {
	m := NewMetrics("tw")
	m.RecordError("load")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `tw_scorer_errors_total{stage="load"} 1`))
}
