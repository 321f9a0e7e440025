package authkit

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricAuthRegistration     = "auth.registration"
	metricAuthLoginSuccess     = "auth.login.success"
	metricAuthLoginFailure     = "auth.login.failure"
	metricAuthGoogleSuccess    = "auth.google.success"
	metricAuthGoogleFailure    = "auth.google.failure"
	metricAuthRefreshSuccess   = "auth.refresh.success"
	metricAuthRefreshFailure   = "auth.refresh.failure"
	metricAuthLogout           = "auth.logout"
	metricAuthRevocations      = "auth.revocations"
	metricAuthRoleAssigned     = "auth.role.assigned"
	metricValidateAccepted     = "auth.validate.accepted"
	metricValidateRejected     = "auth.validate.rejected"
	metricCodeIssued           = "code.issued"
	metricCodeVerified         = "code.verified"
	metricCodeRejected         = "code.rejected"
	metricCodeDeliveryFailures = "code.delivery_failure"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports events as a labelled counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers "<namespace>_events_total" with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer, namespace string) *PrometheusMetrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Credential lifecycle events by kind.",
	}, []string{"event"})
	registerer.MustRegister(events)
	return &PrometheusMetrics{events: events}
}

// Increment bumps the counter labelled with event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// MetricsHandler serves the Prometheus exposition format for gatherer.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
