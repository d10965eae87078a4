package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"

	"github.com/IvanBrykalov/tieredcache/cache"
	"github.com/IvanBrykalov/tieredcache/event"
	"github.com/IvanBrykalov/tieredcache/eviction"
	"github.com/IvanBrykalov/tieredcache/internal/util"
	"github.com/IvanBrykalov/tieredcache/metrics/otel"
	"github.com/IvanBrykalov/tieredcache/metrics/prom"
	"github.com/IvanBrykalov/tieredcache/policy"
	"github.com/IvanBrykalov/tieredcache/policy/twoq"
	"github.com/IvanBrykalov/tieredcache/resilience"
	"github.com/IvanBrykalov/tieredcache/serialize"
	"github.com/IvanBrykalov/tieredcache/store"
	"github.com/IvanBrykalov/tieredcache/store/heap"
	"github.com/IvanBrykalov/tieredcache/store/offheap"
	"github.com/IvanBrykalov/tieredcache/store/tiered"
)

// Deps carries what a YAML file cannot: codecs, callbacks and sinks.
type Deps[K comparable, V any] struct {
	// Keys and Values are required with an offheap section.
	Keys   serialize.Serializer[K]
	Values serialize.Serializer[V]
	// Sizer is required when the heap is sized in bytes.
	Sizer heap.Sizer[K, V]
	// Hasher overrides the heap shard hash.
	Hasher func(K) uint64

	Advisor    eviction.Advisor[K, V]
	Loader     func(ctx context.Context, k K) (V, error)
	Resilience resilience.Strategy[K, V]

	// Registerer receives the prometheus collectors (nil => default registry).
	Registerer prometheus.Registerer
	// MeterProvider backs the otel sink (nil => global provider).
	MeterProvider metric.MeterProvider

	Clock  store.Clock
	Logger *slog.Logger
}

// Built is a configured cache and the handles needed to operate it.
type Built[K comparable, V any] struct {
	Cache *cache.Cache[K, V]
	// Advisor is shared by every tier; switch it off to ignore advice.
	Advisor *eviction.Switchable[K, V]
	// Counters is set when metrics is "counters".
	Counters *cache.Counters
	// Events is nil when event_buffer is 0.
	Events *event.Dispatcher[K, V]
}

// Build wires the tiers described by cfg into an uninitialized cache.
func Build[K comparable, V any](cfg *Config, deps Deps[K, V]) (*Built[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := &Built[K, V]{Advisor: eviction.NewSwitchable(deps.Advisor)}

	metrics, err := buildMetrics(cfg, deps, out)
	if err != nil {
		return nil, err
	}
	onEvict := func(tier string) store.EvictionListener[K, V] {
		return func(_ K, _ *store.ValueHolder[V], r store.EvictReason) { metrics.Evict(tier, r) }
	}

	if cfg.EventBuffer > 0 {
		out.Events = event.NewDispatcher[K, V](event.Options{Buffer: cfg.EventBuffer, Logger: logger})
	}
	// Only the tier holding the data of record publishes events.
	var sink store.EventSink[K, V]
	if out.Events != nil {
		sink = out.Events
	}

	var (
		caching   *heap.Tier[K, V]
		authority *offheap.Tier[K, V]
	)
	if o := cfg.Offheap; o != nil {
		if deps.Keys == nil || deps.Values == nil {
			return nil, errors.New("config: offheap tier needs key and value serializers")
		}
		authority, err = offheap.New(offheap.Options[K, V]{
			Pool:            store.BytePool(int64(o.Size)),
			PageSize:        int(o.PageSize),
			Segments:        o.Segments,
			Keys:            deps.Keys,
			Values:          deps.Values,
			Advisor:         out.Advisor,
			DefaultTTL:      cfg.TTL,
			OnEvict:         onEvict("offheap"),
			Events:          sink,
			Clock:           deps.Clock,
			BulkParallelism: cfg.BulkParallelism,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("config: offheap: %w", err)
		}
	}
	if h := cfg.Heap; h != nil {
		opt := heap.Options[K, V]{
			Pool:               store.EntryPool(h.Entries),
			Sizer:              deps.Sizer,
			Shards:             h.Shards,
			Policy:             heapPolicy[K, V](h),
			Hasher:             deps.Hasher,
			Advisor:            out.Advisor,
			EvictionSampleSize: h.EvictionSample,
			DefaultTTL:         cfg.TTL,
			OnEvict:            onEvict("heap"),
			Clock:              deps.Clock,
			BulkParallelism:    cfg.BulkParallelism,
			Logger:             logger,
		}
		if h.Size > 0 {
			opt.Pool = store.BytePool(int64(h.Size))
		}
		if authority == nil {
			opt.Events = sink
		}
		caching, err = heap.New(opt)
		if err != nil {
			if authority != nil {
				_ = authority.Close()
			}
			return nil, fmt.Errorf("config: heap: %w", err)
		}
	}

	var st store.Store[K, V]
	switch {
	case caching != nil && authority != nil:
		st = tiered.New[K, V](caching, authority, tiered.Options{Clock: deps.Clock, Logger: logger})
	case caching != nil:
		st = caching
	default:
		st = authority
	}

	strategy := deps.Resilience
	if strategy == nil {
		strategy = resilience.NewRobust[K, V](resilience.StoreRecovery(st),
			resilience.RobustOptions{Logger: logger, LogEvery: cfg.LogEvery})
	}
	c, err := cache.New(cache.Options[K, V]{
		Alias:      cfg.Alias,
		Store:      st,
		Resilience: strategy,
		Events:     out.Events,
		Loader:     deps.Loader,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	out.Cache = c

	if a, ok := metrics.(*prom.Adapter); ok {
		if err := a.WatchEntries(c.Len); err != nil {
			logger.Warn("config: entry gauge not registered", "cache", c.Alias(), "error", err)
		}
	}
	logger.Debug("config: cache built", "cache", c.Alias(),
		"heap", cfg.Heap != nil, "offheap", cfg.Offheap != nil, "metrics", cfg.Metrics)
	return out, nil
}

func heapPolicy[K comparable, V any](h *HeapConfig) policy.Policy[K, V] {
	if h.Policy != Policy2Q {
		return nil
	}
	// 2Q queues are sized per shard; byte-sized heaps fall back to a
	// nominal per-shard entry count.
	perShard := 1024
	if h.Entries > 0 {
		shards := h.Shards
		if shards <= 0 {
			shards = util.ReasonableShardCount()
		}
		perShard = int((h.Entries + int64(shards) - 1) / int64(shards))
	}
	return twoq.New[K, V](perShard/4, perShard/2)
}

func buildMetrics[K comparable, V any](cfg *Config, deps Deps[K, V], out *Built[K, V]) (cache.Metrics, error) {
	labels := prometheus.Labels{}
	if cfg.Alias != "" {
		labels["cache"] = cfg.Alias
	}
	switch cfg.Metrics {
	case MetricsCounters:
		out.Counters = &cache.Counters{}
		return out.Counters, nil
	case MetricsPrometheus:
		return prom.New(deps.Registerer, "tieredcache", "", labels), nil
	case MetricsOTel:
		m, err := otel.New(deps.MeterProvider, cfg.Alias)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return m, nil
	default:
		return cache.NoopMetrics{}, nil
	}
}
