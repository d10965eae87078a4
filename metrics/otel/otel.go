// Package otel records cache outcomes and tier evictions with OpenTelemetry
// counters.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/IvanBrykalov/tieredcache/cache"
	"github.com/IvanBrykalov/tieredcache/store"
)

const meterName = "github.com/IvanBrykalov/tieredcache"

// Metrics implements cache.Metrics on top of an OpenTelemetry meter.
type Metrics struct {
	operations metric.Int64Counter
	evictions  metric.Int64Counter
	base       []attribute.KeyValue
}

// New creates the instruments on mp. A nil mp uses the global provider.
// alias is attached to every data point as the "cache" attribute.
func New(mp metric.MeterProvider, alias string) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	ops, err := meter.Int64Counter("tieredcache_operations_total",
		metric.WithDescription("Cache operations by outcome"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}
	ev, err := meter.Int64Counter("tieredcache_evictions_total",
		metric.WithDescription("Tier evictions by reason"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create evictions counter: %w", err)
	}
	return &Metrics{
		operations: ops,
		evictions:  ev,
		base:       []attribute.KeyValue{attribute.String("cache", alias)},
	}, nil
}

// Outcome implements cache.Metrics.
func (m *Metrics) Outcome(op cache.Op, o cache.Outcome) {
	m.operations.Add(context.Background(), 1, metric.WithAttributes(
		append(m.base[:len(m.base):len(m.base)],
			attribute.String("op", op.String()),
			attribute.String("outcome", o.String()))...))
}

// Evict implements cache.Metrics.
func (m *Metrics) Evict(tier string, reason store.EvictReason) {
	m.evictions.Add(context.Background(), 1, metric.WithAttributes(
		append(m.base[:len(m.base):len(m.base)],
			attribute.String("tier", tier),
			attribute.String("reason", reason.String()))...))
}

var _ cache.Metrics = (*Metrics)(nil)
