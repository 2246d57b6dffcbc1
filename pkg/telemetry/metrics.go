package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scan outcomes.
const (
	ScanOutcomeFound   = "found"
	ScanOutcomeAbsent  = "absent"
	ScanOutcomeAnomaly = "anomaly"
	ScanOutcomeError   = "error"
)

// Metrics holds the Prometheus collectors for the cache, the store and the
// lifecycle listener. A Metrics built with metrics disabled, or a nil
// *Metrics, accepts every call and records nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	cacheEntries prometheus.Gauge

	storeScans     *prometheus.CounterVec
	scanAnomalies  prometheus.Counter
	storeOps       *prometheus.CounterVec
	storeDurations *prometheus.HistogramVec

	lifecycleEvents *prometheus.CounterVec
	policyDenials   *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
}

// NewMetrics registers the factsync collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m.registry = prometheus.NewRegistry()
	auto := promauto.With(m.registry)
	ns := cfg.Namespace

	m.cacheHits = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "cache_hits_total",
		Help: "Handle lookups answered from the sync cache.",
	})
	m.cacheMisses = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "cache_misses_total",
		Help: "Handle lookups that fell back to a store scan.",
	})
	m.cacheEntries = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "cache_entries",
		Help: "Process instances currently held in the sync cache.",
	})

	m.storeScans = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "store_scans_total",
		Help: "Fallback scans by outcome.",
	}, []string{"outcome"})
	m.scanAnomalies = auto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "scan_anomalies_total",
		Help: "Scans that found more than one fact for a process instance.",
	})
	m.storeOps = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "store_operations_total",
		Help: "Knowledge store calls by operation and status.",
	}, []string{"operation", "status"})
	m.storeDurations = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "store_operation_duration_seconds",
		Help:    "Knowledge store call latency.",
		Buckets: buckets,
	}, []string{"operation"})

	m.lifecycleEvents = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "lifecycle_events_total",
		Help: "Process lifecycle events handled by outcome.",
	}, []string{"event", "outcome"})
	m.policyDenials = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "policy_denials_total",
		Help: "Process instances kept out of the store by policy.",
	}, []string{"policy"})

	m.errorsByClass = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "errors_by_class_total",
		Help: "Store errors by class.",
	}, []string{"class"})

	return m, nil
}

func (m *Metrics) on() bool {
	return m != nil && m.registry != nil
}

// RecordCacheHit counts a lookup answered from the cache.
func (m *Metrics) RecordCacheHit() {
	if m.on() {
		m.cacheHits.Inc()
	}
}

// RecordCacheMiss counts a lookup that needed a scan.
func (m *Metrics) RecordCacheMiss() {
	if m.on() {
		m.cacheMisses.Inc()
	}
}

// SetCacheEntries sets the current cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m.on() {
		m.cacheEntries.Set(float64(n))
	}
}

// RecordScan counts a fallback scan by outcome.
func (m *Metrics) RecordScan(outcome string) {
	if !m.on() {
		return
	}
	m.storeScans.WithLabelValues(outcome).Inc()
	if outcome == ScanOutcomeAnomaly {
		m.scanAnomalies.Inc()
	}
}

// RecordStoreOperation records a store call with its duration.
func (m *Metrics) RecordStoreOperation(operation string, took time.Duration, err error) {
	if !m.on() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.storeOps.WithLabelValues(operation, status).Inc()
	m.storeDurations.WithLabelValues(operation).Observe(took.Seconds())
}

func (m *Metrics) RecordLifecycleEvent(event, outcome string) {
	if m.on() {
		m.lifecycleEvents.WithLabelValues(event, outcome).Inc()
	}
}

func (m *Metrics) RecordPolicyDenial(policy string) {
	if m.on() {
		m.policyDenials.WithLabelValues(policy).Inc()
	}
}

// RecordError counts an error under its class; an empty class is counted as
// "unclassified".
func (m *Metrics) RecordError(class string) {
	if !m.on() {
		return
	}
	if class == "" {
		class = "unclassified"
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on the configured address and path in
// the background. Serve errors are reported on errc, which may be nil.
func (m *Metrics) StartMetricsServer(errc chan<- error) error {
	if !m.on() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	srv := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.server = srv

	go func() {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) || errc == nil {
			return
		}
		errc <- err
	}()
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
