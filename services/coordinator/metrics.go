package coordinator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks authorization issuance segmented by operation and outcome.
type Metrics struct {
	issued   *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsReg  *Metrics
)

// CoordinatorMetrics returns the lazily-initialised metrics registry.
func CoordinatorMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsReg = &Metrics{
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bitmordca",
				Subsystem: "coordinator",
				Name:      "authorizations_issued_total",
				Help:      "Authorizations issued segmented by operation.",
			}, []string{"operation"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bitmordca",
				Subsystem: "coordinator",
				Name:      "authorizations_rejected_total",
				Help:      "Authorization requests rejected segmented by operation and reason.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(metricsReg.issued, metricsReg.rejected)
	})
	return metricsReg
}

// ObserveIssued records a successfully issued authorization.
func (m *Metrics) ObserveIssued(op string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(op).Inc()
}

// ObserveRejected records a rejected authorization request.
func (m *Metrics) ObserveRejected(op, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(op, reason).Inc()
}
