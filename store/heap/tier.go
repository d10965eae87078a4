// Package heap implements the on-heap tier: a sharded, in-process map of
// value holders ordered by a pluggable recency policy.
//
// The tier works either as a standalone Store (single-tier caches) or as the
// caching tier in front of an authoritative tier, where entries are only
// copies faulted in through GetOrComputeIfAbsent.
//
// Capacity is an entry pool or a byte pool (with a Sizer) split evenly
// across shards. Eviction takes the least recently used node the advisor does
// not protect among the sampled tail nodes, and falls back to the tail itself
// so the capacity bound always holds.
package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/tieredcache/eviction"
	"github.com/IvanBrykalov/tieredcache/internal/util"
	"github.com/IvanBrykalov/tieredcache/policy"
	"github.com/IvanBrykalov/tieredcache/policy/lru"
	"github.com/IvanBrykalov/tieredcache/store"
)

// Sizer estimates the weight of one mapping for byte pools.
type Sizer[K comparable, V any] func(k K, v V) int64

// Options configures a Tier. Zero values are safe except for Pool; defaults
// are applied in New:
//   - Shards <= 0      => util.ReasonableShardCount(), clamped to entry capacity
//   - Policy == nil    => LRU
//   - Hasher == nil    => util.Hash
//   - Sizer == nil     => required for byte pools
//   - Logger == nil    => slog.Default()
type Options[K comparable, V any] struct {
	Pool   store.ResourcePool
	Sizer  Sizer[K, V]
	Shards int
	Policy policy.Policy[K, V]
	Hasher func(K) uint64

	// Advisor is consulted on every write; toggle it through its switch.
	Advisor *eviction.Switchable[K, V]
	// EvictionSampleSize bounds how many tail nodes a capacity eviction
	// inspects looking for one the advisor does not protect.
	EvictionSampleSize int

	// Name identifies the tier in errors (default "heap").
	Name            string
	DefaultTTL      time.Duration
	OnEvict         store.EvictionListener[K, V]
	Events          store.EventSink[K, V]
	Clock           store.Clock
	BulkParallelism int
	Logger          *slog.Logger
}

// Stats is a snapshot of the tier's lookup counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions uint64
}

// Tier is the on-heap tier.
type Tier[K comparable, V any] struct {
	*store.Base[K, V]
	eng *engine[K, V]
}

var (
	_ store.Store[string, string]       = (*Tier[string, string])(nil)
	_ store.CachingTier[string, string] = (*Tier[string, string])(nil)
)

// New builds a tier.
func New[K comparable, V any](opt Options[K, V]) (*Tier[K, V], error) {
	if err := opt.Pool.Validate(); err != nil {
		return nil, err
	}
	if opt.Pool.Unit == store.Bytes && opt.Sizer == nil {
		return nil, fmt.Errorf("heap: a sizer is required for a %s pool", opt.Pool)
	}
	if opt.Policy == nil {
		opt.Policy = lru.New[K, V]()
	}
	if opt.Hasher == nil {
		opt.Hasher = util.Hash[K]
	}
	if opt.Advisor == nil {
		opt.Advisor = eviction.NewSwitchable[K, V](nil)
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Name == "" {
		opt.Name = "heap"
	}

	n := util.ShardCount(opt.Shards, opt.Pool.Size)

	e := &engine[K, V]{
		shards:  make([]*shard[K, V], n),
		hash:    opt.Hasher,
		policy:  opt.Policy,
		advisor: opt.Advisor,
		sizer:   opt.Sizer,
		sample:  opt.EvictionSampleSize,
		logger:  opt.Logger,
		name:    opt.Name,
	}
	// Distribute capacity exactly: the first Size%n shards take one extra unit.
	per, rem := opt.Pool.Size/int64(n), opt.Pool.Size%int64(n)
	for i := range e.shards {
		c := per
		if int64(i) < rem {
			c++
		}
		e.shards[i] = newShard[K, V](c, e)
	}

	opt.Logger.Debug("heap: tier created", "name", opt.Name, "shards", n, "pool", opt.Pool.String())

	base := store.NewBase[K, V](e, store.Config[K, V]{
		Name:            opt.Name,
		DefaultTTL:      opt.DefaultTTL,
		Clock:           opt.Clock,
		Events:          opt.Events,
		OnEvict:         opt.OnEvict,
		BulkParallelism: opt.BulkParallelism,
	})
	return &Tier[K, V]{Base: base, eng: e}, nil
}

// Advisor returns the switchable advisor consulted by the tier.
func (t *Tier[K, V]) Advisor() *eviction.Switchable[K, V] { return t.eng.advisor }

// Shards returns the number of shards.
func (t *Tier[K, V]) Shards() int { return len(t.eng.shards) }

// Stats sums the per-shard counters.
func (t *Tier[K, V]) Stats() Stats {
	var st Stats
	for _, s := range t.eng.shards {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
		st.Evictions += s.evicts.Load()
	}
	return st
}

// SetInvalidationListener implements store.CachingTier.
func (t *Tier[K, V]) SetInvalidationListener(fn store.InvalidationListener[K, V]) {
	t.eng.invalidation = fn
}

// GetOrComputeIfAbsent implements store.CachingTier. source runs outside
// the shard lock; callers racing on the same key share one call. A fault
// invalidated while source runs is not installed and its holder goes to the
// invalidation listener, but the caller still receives it.
func (t *Tier[K, V]) GetOrComputeIfAbsent(k K, source func(K) (*store.ValueHolder[V], error)) (*store.ValueHolder[V], error) {
	if t.eng.closed.Load() {
		return nil, store.NewAccessError("getOrComputeIfAbsent", t.eng.name, store.ErrClosed)
	}
	s := t.eng.shardFor(k)
	now := t.Now()

	s.mu.Lock()
	if n, ok := s.m[k]; ok {
		s.pol.OnGet(n)
		n.holder.Accessed(now)
		s.hits.Add(1)
		h := n.holder
		s.mu.Unlock()
		return h, nil
	}
	s.misses.Add(1)
	if f, ok := s.faults[k]; ok {
		s.mu.Unlock()
		<-f.done
		if f.err != nil {
			return nil, store.NewAccessError("getOrComputeIfAbsent", t.eng.name, f.err)
		}
		return f.h, nil
	}
	f := &fault[V]{done: make(chan struct{})}
	s.faults[k] = f
	s.mu.Unlock()

	h, err := source(k)

	s.mu.Lock()
	if s.faults[k] == f {
		delete(s.faults, k)
		if err == nil && h != nil {
			s.installLocked(k, s.holderLocked(k), h)
		}
	} else if err == nil && h != nil {
		if cb := t.eng.invalidation; cb != nil {
			cb(k, h)
		}
	}
	f.h, f.err = h, err
	close(f.done)
	s.mu.Unlock()

	if err != nil {
		return nil, store.NewAccessError("getOrComputeIfAbsent", t.eng.name, err)
	}
	return h, nil
}

// Invalidate implements store.CachingTier.
func (t *Tier[K, V]) Invalidate(k K) error {
	if t.eng.closed.Load() {
		return store.NewAccessError("invalidate", t.eng.name, store.ErrClosed)
	}
	s := t.eng.shardFor(k)
	s.mu.Lock()
	s.invalidateLocked(k)
	s.mu.Unlock()
	return nil
}

// InvalidateAll implements store.CachingTier.
func (t *Tier[K, V]) InvalidateAll() error {
	if t.eng.closed.Load() {
		return store.NewAccessError("invalidateAll", t.eng.name, store.ErrClosed)
	}
	for _, s := range t.eng.shards {
		s.mu.Lock()
		s.resetLocked(true)
		s.mu.Unlock()
	}
	return nil
}

// engine implements store.Engine over the shards.
type engine[K comparable, V any] struct {
	shards  []*shard[K, V]
	hash    func(K) uint64
	policy  policy.Policy[K, V]
	advisor *eviction.Switchable[K, V]
	sizer   Sizer[K, V]
	sample  int
	logger  *slog.Logger
	name    string
	closed  atomic.Bool

	listener     store.EvictionListener[K, V]
	invalidation store.InvalidationListener[K, V]
}

func (e *engine[K, V]) shardFor(k K) *shard[K, V] {
	return e.shards[util.ShardIndex(e.hash(k), len(e.shards))]
}

func (e *engine[K, V]) costOf(k K, v V) int64 {
	if e.sizer == nil {
		return 1
	}
	if c := e.sizer(k, v); c > 0 {
		return c
	}
	return 1
}

func (e *engine[K, V]) Lookup(k K, now int64) (*store.ValueHolder[V], error) {
	if e.closed.Load() {
		return nil, store.ErrClosed
	}
	return e.shardFor(k).lookup(k, now), nil
}

func (e *engine[K, V]) Remap(k K, fn store.RemapFunc[K, V]) (*store.ValueHolder[V], error) {
	if e.closed.Load() {
		return nil, store.ErrClosed
	}
	s := e.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.holderLocked(k)
	next := fn(k, old)
	s.installLocked(k, old, next)
	return s.holderLocked(k), nil
}

func (e *engine[K, V]) RemapAll(keys []K, fn store.RemapAllFunc[K, V]) ([]*store.ValueHolder[V], error) {
	if e.closed.Load() {
		return nil, store.ErrClosed
	}
	if len(keys) == 0 {
		return nil, nil
	}
	s := e.shardFor(keys[0])
	for _, k := range keys[1:] {
		if e.shardFor(k) != s {
			return nil, errors.New("heap: bulk partition spans shards")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	olds := make([]*store.ValueHolder[V], len(keys))
	for i, k := range keys {
		olds[i] = s.holderLocked(k)
	}
	next := fn(keys, olds)
	if len(next) != len(keys) {
		return nil, fmt.Errorf("heap: bulk function returned %d holders for %d keys", len(next), len(keys))
	}
	for i, k := range keys {
		s.installLocked(k, olds[i], next[i])
	}
	out := make([]*store.ValueHolder[V], len(keys))
	for i, k := range keys {
		out[i] = s.holderLocked(k)
	}
	return out, nil
}

// Partition groups keys by shard, keeping their relative order.
func (e *engine[K, V]) Partition(keys []K) [][]K {
	byShard := make(map[int]int)
	var parts [][]K
	for _, k := range keys {
		idx := util.ShardIndex(e.hash(k), len(e.shards))
		p, ok := byShard[idx]
		if !ok {
			p = len(parts)
			byShard[idx] = p
			parts = append(parts, nil)
		}
		parts[p] = append(parts[p], k)
	}
	return parts
}

func (e *engine[K, V]) SetEvictionListener(fn store.EvictionListener[K, V]) { e.listener = fn }

func (e *engine[K, V]) Clear() error {
	if e.closed.Load() {
		return store.ErrClosed
	}
	for _, s := range e.shards {
		s.mu.Lock()
		s.resetLocked(false)
		s.mu.Unlock()
	}
	return nil
}

func (e *engine[K, V]) Len() int {
	total := 0
	for _, s := range e.shards {
		s.mu.Lock()
		total += s.len
		s.mu.Unlock()
	}
	return total
}

// Close drops every mapping; later operations fail with store.ErrClosed.
func (e *engine[K, V]) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, s := range e.shards {
		s.mu.Lock()
		s.resetLocked(false)
		s.mu.Unlock()
	}
	return nil
}
