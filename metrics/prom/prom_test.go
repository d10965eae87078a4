package prom

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tieredcache/cache"
	"github.com/IvanBrykalov/tieredcache/store"
)

func TestAdapter_CountsOutcomesAndEvictions(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := New(reg, "tc", "test", nil)

	a.Outcome(cache.OpGet, cache.Hit)
	a.Outcome(cache.OpGet, cache.Hit)
	a.Outcome(cache.OpGet, cache.Miss)
	a.Outcome(cache.OpPut, cache.Failure)
	a.Evict("heap", store.EvictCapacity)

	assert.InDelta(t, 2, testutil.ToFloat64(a.outcomes.WithLabelValues("get", "HIT")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(a.outcomes.WithLabelValues("get", "MISS")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(a.outcomes.WithLabelValues("put", "FAILURE")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(a.evicts.WithLabelValues("heap", "capacity")), 0)

	expected := `
# HELP tc_test_evictions_total Tier evictions by reason
# TYPE tc_test_evictions_total counter
tc_test_evictions_total{reason="capacity",tier="heap"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tc_test_evictions_total"))
}

func TestAdapter_WatchEntries(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := New(reg, "tc", "", prometheus.Labels{"cache": "users"})

	n := 3
	require.NoError(t, a.WatchEntries(func() int { return n }))
	n = 7

	expected := `
# HELP tc_size_entries Number of mappings held by the authoritative tier
# TYPE tc_size_entries gauge
tc_size_entries{cache="users"} 7
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "tc_size_entries"))
}
