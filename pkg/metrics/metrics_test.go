package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	level, _ := log.ToLevel("debug")
	return New("margin_test", log.NewTestLogger(level))
}

func TestRecorders(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordOpen("long", "margin")
	m.RecordOpen("long", "margin")
	m.RecordClose("liquidate")
	m.RecordLiquidationFailure()
	m.RecordOracleError("stale")
	m.SetOpenPositions(3)
	m.SetLedger("USDC", 500, 0.25)
	m.ObserveOperation("open", time.Now(), nil)
	m.ObserveOperation("close", time.Now(), errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.positionsOpened.WithLabelValues("long", "margin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.positionsClosed.WithLabelValues("liquidate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidationFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.oracleErrors.WithLabelValues("stale")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.openPositions))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.ledgerUtilization.WithLabelValues("USDC")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOpen("short", "margin")
		m.RecordClose("close")
		m.RecordLiquidationFailure()
		m.RecordOracleError("mismatch")
		m.SetOpenPositions(1)
		m.SetLedger("WETH", 1, 1)
		m.ObserveOperation("open", time.Now(), nil)
	})
}

func TestHandler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordClose("close")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "margin_test_positions_closed_total"))
}
