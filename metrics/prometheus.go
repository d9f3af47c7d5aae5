package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Collector backed by github.com/prometheus/client_golang.
type Prometheus struct {
	allowed       *prometheus.CounterVec
	denied        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	storageErrors *prometheus.CounterVec
}

// NewPrometheus constructs a Prometheus collector and registers its metrics
// with reg. Passing prometheus.DefaultRegisterer registers globally.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	p := &Prometheus{
		allowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "allowed_total",
			Help:      "Requests allowed by the rate limiter.",
		}, []string{"route", "algorithm"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Requests denied by the rate limiter.",
		}, []string{"route", "algorithm"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Time spent evaluating a rate limit decision.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "algorithm"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "storage_errors_total",
			Help:      "Storage backend errors surfaced to the rate limiter.",
		}, []string{"backend", "op"}),
	}

	reg.MustRegister(p.allowed, p.denied, p.checkDuration, p.storageErrors)
	return p
}

// IncAllowed implements Collector.
func (p *Prometheus) IncAllowed(route, algorithm string) {
	p.allowed.WithLabelValues(route, algorithm).Inc()
}

// IncDenied implements Collector.
func (p *Prometheus) IncDenied(route, algorithm string) {
	p.denied.WithLabelValues(route, algorithm).Inc()
}

// ObserveCheckDuration implements Collector.
func (p *Prometheus) ObserveCheckDuration(route, algorithm string, d time.Duration) {
	p.checkDuration.WithLabelValues(route, algorithm).Observe(d.Seconds())
}

// ObserveStorageError implements Collector.
func (p *Prometheus) ObserveStorageError(backend, op string) {
	p.storageErrors.WithLabelValues(backend, op).Inc()
}
