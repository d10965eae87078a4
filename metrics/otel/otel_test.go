package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/IvanBrykalov/tieredcache/cache"
	"github.com/IvanBrykalov/tieredcache/store"
)

func setup(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := New(mp, "users")
	require.NoError(t, err)
	return m, reader
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func valueFor(points []metricdata.DataPoint[int64], attrs ...attribute.KeyValue) int64 {
	want := attribute.NewSet(attrs...)
	for _, p := range points {
		if p.Attributes.Equals(&want) {
			return p.Value
		}
	}
	return 0
}

func TestMetrics_Outcome(t *testing.T) {
	t.Parallel()
	m, reader := setup(t)

	m.Outcome(cache.OpGet, cache.Hit)
	m.Outcome(cache.OpGet, cache.Hit)
	m.Outcome(cache.OpRemove, cache.Noop)

	points := counter(t, reader, "tieredcache_operations_total")
	require.Len(t, points, 2)
	assert.Equal(t, int64(2), valueFor(points,
		attribute.String("cache", "users"), attribute.String("op", "get"), attribute.String("outcome", "HIT")))
	assert.Equal(t, int64(1), valueFor(points,
		attribute.String("cache", "users"), attribute.String("op", "remove"), attribute.String("outcome", "NOOP")))
}

func TestMetrics_Evict(t *testing.T) {
	t.Parallel()
	m, reader := setup(t)

	m.Evict("offheap", store.EvictTTL)
	m.Evict("heap", store.EvictCapacity)
	m.Evict("heap", store.EvictCapacity)

	points := counter(t, reader, "tieredcache_evictions_total")
	require.Len(t, points, 2)
	assert.Equal(t, int64(2), valueFor(points,
		attribute.String("cache", "users"), attribute.String("tier", "heap"), attribute.String("reason", "capacity")))
	assert.Equal(t, int64(1), valueFor(points,
		attribute.String("cache", "users"), attribute.String("tier", "offheap"), attribute.String("reason", "ttl")))
}
