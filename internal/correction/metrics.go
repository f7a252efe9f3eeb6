package correction

import (
	"github.com/prometheus/client_golang/prometheus"

	"soundspeed/pkg/domain"
)

// Metrics holds the correction cache counters. A nil *Metrics records nothing.
type Metrics struct {
	computations *prometheus.CounterVec
	hits         *prometheus.CounterVec
	misses       prometheus.Counter
	invalidation prometheus.Counter
	tierErrors   *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		computations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soundspeed",
			Subsystem: "correction",
			Name:      "computations_total",
			Help:      "Corrections traced, by scheme.",
		}, []string{"scheme"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soundspeed",
			Subsystem: "correction",
			Name:      "cache_hits_total",
			Help:      "Correction cache hits, by tier.",
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "soundspeed",
			Subsystem: "correction",
			Name:      "cache_misses_total",
			Help:      "Correction lookups not served from the in-process cache.",
		}),
		invalidation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "soundspeed",
			Subsystem: "correction",
			Name:      "invalidations_total",
			Help:      "Profiles whose cached corrections were dropped.",
		}),
		tierErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soundspeed",
			Subsystem: "correction",
			Name:      "shared_cache_errors_total",
			Help:      "Shared cache tier failures, by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.computations, m.hits, m.misses, m.invalidation, m.tierErrors} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) computed(s domain.Scheme) {
	if m != nil {
		m.computations.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) hit(tier string) {
	if m != nil {
		m.hits.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *Metrics) invalidated() {
	if m != nil {
		m.invalidation.Inc()
	}
}

func (m *Metrics) tierError(op string) {
	if m != nil {
		m.tierErrors.WithLabelValues(op).Inc()
	}
}
