package entra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives validation and key fetch outcomes.
// All methods must be safe for concurrent use.
// Implementations must never log or store tokens or claims.
type MetricsCollector interface {
	ValidationOK()
	ValidationFailed(kind Kind)
	KeySetFetched(ok bool)
}

// PrometheusMetrics exports the collector counters to a Prometheus registry.
type PrometheusMetrics struct {
	validations *prometheus.CounterVec
	fetches     *prometheus.CounterVec
}

// NewPrometheusMetrics registers the entra counters with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entra_token_validations_total",
			Help: "Token validations by result (ok or failure kind).",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entra_jwks_fetches_total",
			Help: "Signing key set fetches by result.",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{m.validations, m.fetches} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) ValidationOK() {
	m.validations.WithLabelValues("ok").Inc()
}

func (m *PrometheusMetrics) ValidationFailed(kind Kind) {
	m.validations.WithLabelValues(string(kind)).Inc()
}

func (m *PrometheusMetrics) KeySetFetched(ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	m.fetches.WithLabelValues(result).Inc()
}
