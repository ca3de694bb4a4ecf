package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes engine, ledger and oracle instrumentation to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Position lifecycle
	positionsOpened     *prometheus.CounterVec
	positionsClosed     *prometheus.CounterVec
	liquidationFailures prometheus.Counter
	openPositions       prometheus.Gauge
	operationLatency    *prometheus.HistogramVec

	// Liquidity ledger
	ledgerBorrowed    *prometheus.GaugeVec
	ledgerUtilization *prometheus.GaugeVec

	// Oracle
	oracleErrors *prometheus.CounterVec

	// System
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates and registers all collectors under namespace.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		positionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened by direction and funding path",
		}, []string{"direction", "path"}),

		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed by mode (close, liquidate)",
		}, []string{"mode"}),

		liquidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidation_failures_total",
			Help:      "Batch liquidation items that failed",
		}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions currently held by the engine",
		}),

		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Lifecycle operation latency",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"op", "outcome"}),

		ledgerBorrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_borrowed_units",
			Help:      "Borrowed funds per ledger entry in smallest units",
		}, []string{"asset"}),

		ledgerUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_utilization_ratio",
			Help:      "Borrowed funds over total assets per ledger entry",
		}, []string{"asset"}),

		oracleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_errors_total",
			Help:      "Aggregated price requests rejected, by reason",
		}, []string{"reason"}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.positionsOpened,
		m.positionsClosed,
		m.liquidationFailures,
		m.openPositions,
		m.operationLatency,
		m.ledgerBorrowed,
		m.ledgerUtilization,
		m.oracleErrors,
		m.memoryUsage,
		m.goroutines,
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Prometheus metrics available", "endpoint", "http://"+addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Metrics) RecordOpen(direction, path string) {
	if m == nil {
		return
	}
	m.positionsOpened.WithLabelValues(direction, path).Inc()
}

func (m *Metrics) RecordClose(mode string) {
	if m == nil {
		return
	}
	m.positionsClosed.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordLiquidationFailure() {
	if m == nil {
		return
	}
	m.liquidationFailures.Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

// ObserveOperation records how long a lifecycle operation took.
func (m *Metrics) ObserveOperation(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operationLatency.WithLabelValues(op, outcome).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetLedger(asset string, borrowed, utilization float64) {
	if m == nil {
		return
	}
	m.ledgerBorrowed.WithLabelValues(asset).Set(borrowed)
	m.ledgerUtilization.WithLabelValues(asset).Set(utilization)
}

func (m *Metrics) RecordOracleError(reason string) {
	if m == nil {
		return
	}
	m.oracleErrors.WithLabelValues(reason).Inc()
}

// CollectSystemMetrics samples runtime stats until ctx is cancelled.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
