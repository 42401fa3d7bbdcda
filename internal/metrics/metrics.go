// Package metrics exposes the Prometheus instrumentation shared across the
// processor, patcher, resampler, gap-fix orchestrator, and rate-limit
// scheduler. The recovery adapters take no *Metrics, so the adapter fetch
// series are registered but nothing records to them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all counters/histograms emitted by the pipeline.
type Metrics struct {
	GapsDetected   *prometheus.CounterVec
	GapSizes       *prometheus.HistogramVec
	GapFixOutcomes *prometheus.CounterVec
	CandlesPatched *prometheus.CounterVec

	CandlesWritten *prometheus.CounterVec
	ParseRejects   *prometheus.CounterVec
	ProcessLatency *prometheus.HistogramVec

	FetchLatency    *prometheus.HistogramVec
	FetchErrors     *prometheus.CounterVec
	RateLimiterWait *prometheus.HistogramVec

	server *http.Server
}

// New registers all metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		GapsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestore_gaps_detected_total",
			Help: "Total number of gap events emitted by the gap tracker.",
		}, []string{"exchange", "symbol"}),

		GapSizes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlestore_gap_ms",
			Help:    "Distribution of detected gap spans in milliseconds.",
			Buckets: []float64{1000, 5000, 30000, 60000, 300000, 3600000, 86400000},
		}, []string{"exchange", "symbol"}),

		GapFixOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestore_gapfix_outcomes_total",
			Help: "Gap-fix group outcomes by final status.",
		}, []string{"status"}),

		CandlesPatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestore_candles_patched_total",
			Help: "Total number of candle binaries back-patched.",
		}, []string{"exchange", "symbol", "timeframe"}),

		CandlesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestore_candles_written_total",
			Help: "Total number of candle slots written by the processor.",
		}, []string{"exchange", "symbol", "timeframe"}),

		ParseRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestore_parse_rejects_total",
			Help: "Total number of rejected trade lines by reason.",
		}, []string{"exchange", "symbol", "reason"}),

		ProcessLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlestore_process_seconds",
			Help:    "Per-market processing latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange"}),

		FetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlestore_adapter_fetch_seconds",
			Help:    "Recovery adapter fetch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"adapter"}),

		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlestore_adapter_fetch_errors_total",
			Help: "Recovery adapter fetch errors.",
		}, []string{"adapter", "kind"}),

		RateLimiterWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlestore_ratelimiter_wait_seconds",
			Help:    "Time spent waiting on the per-host rate limiter.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
	}

	prometheus.MustRegister(
		m.GapsDetected, m.GapSizes, m.GapFixOutcomes, m.CandlesPatched,
		m.CandlesWritten, m.ParseRejects, m.ProcessLatency,
		m.FetchLatency, m.FetchErrors, m.RateLimiterWait,
	)
	return m
}

// Serve starts the /metrics HTTP endpoint in the background.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	m.server = &http.Server{Addr: addr, Handler: mux}
	go m.server.ListenAndServe()
}

// Shutdown stops the metrics HTTP endpoint.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.server.Shutdown(shutdownCtx)
}
