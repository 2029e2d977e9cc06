package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	settledMetricsOnce sync.Once
	settledRegistry    *SettledMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record API
// activity per module and route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "guardian",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// SettledMetrics wraps collectors tracking settlement coordinator health.
type SettledMetrics struct {
	submitLatency  *prometheus.HistogramVec
	outcomes       *prometheus.CounterVec
	compensations  *prometheus.CounterVec
	capRemaining   *prometheus.GaugeVec
	capUtilization *prometheus.GaugeVec
	errors         *prometheus.CounterVec
	pending        *prometheus.GaugeVec
	pauseEngaged   prometheus.Gauge
}

// Settled exposes the metrics registry for the settlement daemon.
func Settled() *SettledMetrics {
	settledMetricsOnce.Do(func() {
		settledRegistry = &SettledMetrics{
			submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "guardian",
				Subsystem: "settled",
				Name:      "submit_latency_seconds",
				Help:      "Latency distribution for transfer submissions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "settled",
				Name:      "intent_outcomes_total",
				Help:      "Transfer intent transitions segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "settled",
				Name:      "compensations_total",
				Help:      "Compensating transitions segmented by kind and reason.",
			}, []string{"kind", "reason"}),
			capRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "settled",
				Name:      "cap_remaining",
				Help:      "Remaining outbound allowance for the current window per intent kind.",
			}, []string{"kind"}),
			capUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "settled",
				Name:      "cap_utilization_ratio",
				Help:      "Ratio of consumed cap for the current window (0-1).",
			}, []string{"kind"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "settled",
				Name:      "errors_total",
				Help:      "Count of coordinator failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "settled",
				Name:      "intents",
				Help:      "Transfer intents per status as of the last sweep.",
			}, []string{"status"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "settled",
				Name:      "pause_engaged",
				Help:      "Indicates whether the coordinator pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			settledRegistry.submitLatency,
			settledRegistry.outcomes,
			settledRegistry.compensations,
			settledRegistry.capRemaining,
			settledRegistry.capUtilization,
			settledRegistry.errors,
			settledRegistry.pending,
			settledRegistry.pauseEngaged,
		)
	})
	return settledRegistry
}

// ObserveSubmit records the latency of a transfer submission.
func (m *SettledMetrics) ObserveSubmit(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.WithLabelValues(label(kind)).Observe(d.Seconds())
}

// RecordOutcome counts an intent transition such as submitted or confirmed.
func (m *SettledMetrics) RecordOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(label(kind), label(outcome)).Inc()
}

// RecordCompensation counts a compensating transition.
func (m *SettledMetrics) RecordCompensation(kind, reason string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(label(kind), label(reason)).Inc()
}

// RecordCap updates the remaining cap and utilisation gauge for a kind.
func (m *SettledMetrics) RecordCap(kind string, remaining, total *big.Int) {
	if m == nil {
		return
	}
	key := label(kind)
	remainingVal := bigToFloat(remaining)
	m.capRemaining.WithLabelValues(key).Set(remainingVal)
	totalVal := bigToFloat(total)
	utilisation := 0.0
	if totalVal > 0 {
		used := totalVal - remainingVal
		if used < 0 {
			used = 0
		}
		utilisation = used / totalVal
		if utilisation > 1 {
			utilisation = 1
		}
	}
	m.capUtilization.WithLabelValues(key).Set(utilisation)
}

// RecordError increments the error counter for the supplied reason.
func (m *SettledMetrics) RecordError(operation, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(label(operation), label(reason)).Inc()
}

// SetIntentCount publishes the number of intents in a status.
func (m *SettledMetrics) SetIntentCount(status string, count int64) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(label(status)).Set(float64(count))
}

// SetPause toggles the pause_engaged gauge.
func (m *SettledMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func label(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unspecified"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
