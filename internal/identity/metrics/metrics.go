package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for identity resolution.
type Metrics struct {
	// Resolutions by mode and outcome ("authenticated" / "rejected")
	Resolutions *prometheus.CounterVec

	// Rejections by failure kind and the collaborator that produced them
	Failures *prometheus.CounterVec

	// Cache lookups by mode and result ("hit" / "miss" / "error")
	CacheLookups *prometheus.CounterVec

	// Upstream latency by source ("verifier", "store", "provider", "cache")
	UpstreamLatency *prometheus.HistogramVec

	// End-to-end resolution latency by mode
	ResolveLatency *prometheus.HistogramVec
}

// New creates and registers identity metrics with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers identity metrics with reg. Tests pass a fresh registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worldgate_identity_resolutions_total",
			Help: "Identity resolutions by deployment mode and outcome",
		}, []string{"mode", "outcome"}),

		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worldgate_identity_failures_total",
			Help: "Rejected resolutions by failure kind and source",
		}, []string{"kind", "source"}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worldgate_identity_cache_lookups_total",
			Help: "Profile cache lookups by mode and result",
		}, []string{"mode", "result"}),

		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worldgate_identity_upstream_duration_seconds",
			Help:    "Duration of calls to identity collaborators",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"source"}),

		ResolveLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worldgate_identity_resolve_duration_seconds",
			Help:    "Duration of full identity resolution",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"mode"}),
	}
}

// IncrementResolution records a resolution outcome.
func (m *Metrics) IncrementResolution(mode, outcome string) {
	if m != nil {
		m.Resolutions.WithLabelValues(mode, outcome).Inc()
	}
}

// IncrementFailure records a rejected resolution.
func (m *Metrics) IncrementFailure(kind, source string) {
	if m != nil {
		m.Failures.WithLabelValues(kind, source).Inc()
	}
}

// IncrementCacheLookup records a cache lookup result.
func (m *Metrics) IncrementCacheLookup(mode, result string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(mode, result).Inc()
	}
}

// ObserveUpstream records the duration of a collaborator call.
func (m *Metrics) ObserveUpstream(source string, d time.Duration) {
	if m != nil {
		m.UpstreamLatency.WithLabelValues(source).Observe(d.Seconds())
	}
}

// ObserveResolve records the total resolution duration.
func (m *Metrics) ObserveResolve(mode string, d time.Duration) {
	if m != nil {
		m.ResolveLatency.WithLabelValues(mode).Observe(d.Seconds())
	}
}
