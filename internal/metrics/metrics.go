package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache engine method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache lookups.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache store attempts.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationInvalidate records tag invalidation sweeps.
	CacheOperationInvalidate CacheOperation = "invalidate"
)

// CacheOutcome captures the result of a cache engine operation.
type CacheOutcome string

const (
	CacheOutcomeHit     CacheOutcome = "hit"
	CacheOutcomeMiss    CacheOutcome = "miss"
	CacheOutcomeStored  CacheOutcome = "stored"
	CacheOutcomeSkipped CacheOutcome = "skipped"
	CacheOutcomePurged  CacheOutcome = "purged"
	CacheOutcomeError   CacheOutcome = "error"
)

// Recorder publishes Prometheus metrics for pipeline activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	compressed  *prometheus.CounterVec
	probeHealth *prometheus.GaugeVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "speedgate",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Requests processed by the pipeline.",
	}, []string{"outcome", "status_code", "from_cache"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "speedgate",
		Subsystem: "pipeline",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "speedgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the engine.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "speedgate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "speedgate",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions per scope.",
	}, []string{"scope", "from", "to"})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "speedgate",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Current circuit state per scope (0 closed, 1 open, 2 half-open).",
	}, []string{"scope"})

	compressed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "speedgate",
		Subsystem: "compression",
		Name:      "responses_total",
		Help:      "Responses emitted per negotiated content encoding.",
	}, []string{"encoding"})

	probeHealth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "speedgate",
		Subsystem: "health",
		Name:      "probe_healthy",
		Help:      "Latest probe outcome (1 healthy, 0 unhealthy).",
	}, []string{"probe"})

	reg.MustRegister(requests, requestLatency, cacheOperations, cacheLatency,
		breakerTransitions, breakerState, compressed, probeHealth)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		requests:           requests,
		requestLatency:     requestLatency,
		cacheOperations:    cacheOperations,
		cacheLatency:       cacheLatency,
		breakerTransitions: breakerTransitions,
		breakerState:       breakerState,
		compressed:         compressed,
		probeHealth:        probeHealth,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency of a completed request.
func (r *Recorder) ObserveRequest(outcome string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.requests.WithLabelValues(outcomeLabel, statusLabel, cacheLabel).Inc()
	r.requestLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a cache engine operation.
func (r *Recorder) ObserveCache(op CacheOperation, result CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(op)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resultLabel := normalizeLabel(string(result))
	r.cacheOperations.WithLabelValues(opLabel, resultLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resultLabel).Observe(duration.Seconds())
}

// ObserveBreakerTransition records a circuit state transition.
func (r *Recorder) ObserveBreakerTransition(scope, from, to string, state int) {
	if r == nil {
		return
	}
	scopeLabel := normalizeLabel(scope)
	r.breakerTransitions.WithLabelValues(scopeLabel, normalizeLabel(from), normalizeLabel(to)).Inc()
	r.breakerState.WithLabelValues(scopeLabel).Set(float64(state))
}

// ObserveCompression records the encoding negotiated for a response.
func (r *Recorder) ObserveCompression(encoding string) {
	if r == nil {
		return
	}
	r.compressed.WithLabelValues(normalizeLabel(encoding)).Inc()
}

// ObserveProbe records the latest result of a health probe.
func (r *Recorder) ObserveProbe(name string, healthy bool) {
	if r == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	r.probeHealth.WithLabelValues(normalizeLabel(name)).Set(value)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
