package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes application-level instruments on a dedicated
// registry so construction stays safe under repeated test setup.
type Metrics struct {
	Registry *prometheus.Registry

	reservations *prometheus.CounterVec
	refunds      *prometheus.CounterVec
	grants       *prometheus.CounterVec
	sweepRefunds prometheus.Counter
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		Registry: registry,
		reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_reservations_total",
			Help: "Credit reservation attempts by operation kind and outcome.",
		}, []string{"kind", "outcome"}),
		refunds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_refunds_total",
			Help: "Credit refunds by reason class.",
		}, []string{"reason"}),
		grants: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_grants_total",
			Help: "Balance increases by grant type.",
		}, []string{"type"}),
		sweepRefunds: factory.NewCounter(prometheus.CounterOpts{
			Name: "credits_sweep_refunds_total",
			Help: "Expired pending reservations refunded by the sweep job.",
		}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) IncReservation(kind, outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncRefund(reason string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncGrant(grantType string) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(grantType).Inc()
}

func (m *Metrics) AddSweepRefunds(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRefunds.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
