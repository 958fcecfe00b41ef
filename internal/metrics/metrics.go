// Package metrics exposes the operator-facing counters for routing and
// provisioning outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Binds counts resolve-and-bind outcomes by result
	// (bound, unknown_tenant, not_ready, suspended, retired,
	// store_unavailable, pool_exhausted, cancelled).
	Binds        *prometheus.CounterVec
	BindDuration prometheus.Histogram

	ProvisionSucceeded prometheus.Counter
	ProvisionRetried   prometheus.Counter
	// ProvisionFailedPermanent fires when a tenant exhausts its retry
	// budget. Alert on any increase.
	ProvisionFailedPermanent prometheus.Counter
	StoresDestroyed          prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Binds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_binds_total",
			Help: "Resolve-and-bind attempts by outcome",
		}, []string{"outcome"}),
		BindDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchyard_bind_duration_seconds",
			Help:    "Duration of resolve-and-bind (request critical path)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
		}),
		ProvisionSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_provision_succeeded_total",
			Help: "Tenants provisioned to active",
		}),
		ProvisionRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_provision_retried_total",
			Help: "Provisioning attempts that failed and will be retried",
		}),
		ProvisionFailedPermanent: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_provision_failed_permanent_total",
			Help: "Tenants whose provisioning exhausted the retry budget",
		}),
		StoresDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_stores_destroyed_total",
			Help: "Retired tenant stores destroyed after retention",
		}),
	}
}

// RegisterPoolGauge exposes the number of open tenant pools. The callback is
// read at scrape time.
func RegisterPoolGauge(reg prometheus.Registerer, open func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "switchyard_open_tenant_pools",
		Help: "Open per-tenant connection pools",
	}, func() float64 {
		return float64(open())
	})
}

func (m *Metrics) ObserveBind(outcome string, start time.Time) {
	m.Binds.WithLabelValues(outcome).Inc()
	m.BindDuration.Observe(time.Since(start).Seconds())
}
