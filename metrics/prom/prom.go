// Package prom exports cache outcomes and tier evictions as Prometheus counters.
package prom

import (
	"github.com/IvanBrykalov/tieredcache/cache"
	"github.com/IvanBrykalov/tieredcache/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements cache.Metrics and exports Prometheus counters.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	outcomes *prometheus.CounterVec
	evicts   *prometheus.CounterVec

	reg         prometheus.Registerer
	ns, sub     string
	constLabels prometheus.Labels
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "operations_total",
				Help:        "Cache operations by outcome",
				ConstLabels: constLabels,
			},
			[]string{"op", "outcome"},
		),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Tier evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"tier", "reason"},
		),
		reg:         reg,
		ns:          ns,
		sub:         sub,
		constLabels: constLabels,
	}
	reg.MustRegister(a.outcomes, a.evicts)
	return a
}

// Outcome increments the operation counter for op and o.
func (a *Adapter) Outcome(op cache.Op, o cache.Outcome) {
	a.outcomes.WithLabelValues(op.String(), o.String()).Inc()
}

// Evict increments the eviction counter with tier and reason labels.
func (a *Adapter) Evict(tier string, r store.EvictReason) {
	a.evicts.WithLabelValues(tier, r.String()).Inc()
}

// WatchEntries registers a gauge reading the resident entry count from fn on
// every scrape.
func (a *Adapter) WatchEntries(fn func() int) error {
	return a.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   a.ns,
		Subsystem:   a.sub,
		Name:        "size_entries",
		Help:        "Number of mappings held by the authoritative tier",
		ConstLabels: a.constLabels,
	}, func() float64 { return float64(fn()) }))
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
