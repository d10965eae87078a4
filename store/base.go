package store

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RemapFunc receives the holder currently installed for k (nil if none) and
// returns the holder to install. Returning old unchanged leaves the mapping
// as is; returning nil removes it.
type RemapFunc[K comparable, V any] func(k K, old *ValueHolder[V]) *ValueHolder[V]

// RemapAllFunc is RemapFunc for a partition of keys: olds[i] belongs to keys[i]
// and the result must have the same length.
type RemapAllFunc[K comparable, V any] func(keys []K, olds []*ValueHolder[V]) []*ValueHolder[V]

// Engine is what a tier implements; Base derives the Store surface from it.
//
// Remap and RemapAll must be atomic with respect to every other operation on
// the same keys. Any failure to install a result is returned as an error and
// leaves the previous mapping in place.
type Engine[K comparable, V any] interface {
	// Lookup returns the installed holder for k (expired or not) and records
	// a read at now.
	Lookup(k K, now int64) (*ValueHolder[V], error)
	// Remap atomically applies fn to k and returns the installed holder.
	Remap(k K, fn RemapFunc[K, V]) (*ValueHolder[V], error)
	// RemapAll applies fn to one partition (as returned by Partition) in a
	// single critical section and returns the installed holders.
	RemapAll(keys []K, fn RemapAllFunc[K, V]) ([]*ValueHolder[V], error)
	// Partition groups keys by the unit of mutual exclusion of the engine.
	Partition(keys []K) [][]K
	// SetEvictionListener is called once, before the engine is used.
	SetEvictionListener(fn EvictionListener[K, V])
	Clear() error
	Len() int
	Close() error
}

// Config configures a Base. Zero values are safe.
type Config[K comparable, V any] struct {
	// Name identifies the tier in errors and logs.
	Name string
	// DefaultTTL bounds the life of every mapping (0 = no expiration).
	DefaultTTL time.Duration
	// Clock overrides the time source (tests). Nil => SystemClock.
	Clock Clock
	// Events receives mapping changes. Nil => NoopSink.
	Events EventSink[K, V]
	// OnEvict is called for every eviction, before the event is dispatched.
	OnEvict EvictionListener[K, V]
	// BulkParallelism is how many partitions a bulk operation may process
	// concurrently. Values <= 1 process partitions one at a time, in which
	// case bulk functions are never called concurrently.
	BulkParallelism int
}

// Base implements Store on top of an Engine.
type Base[K comparable, V any] struct {
	engine Engine[K, V]
	cfg    Config[K, V]
}

var _ Store[string, string] = (*Base[string, string])(nil)

// NewBase wraps engine into a Store.
func NewBase[K comparable, V any](engine Engine[K, V], cfg Config[K, V]) *Base[K, V] {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Events == nil {
		cfg.Events = NoopSink[K, V]{}
	}
	if cfg.BulkParallelism < 1 {
		cfg.BulkParallelism = 1
	}
	b := &Base[K, V]{engine: engine, cfg: cfg}
	engine.SetEvictionListener(b.evicted)
	return b
}

// Engine returns the underlying engine.
func (b *Base[K, V]) Engine() Engine[K, V] { return b.engine }

// Now returns the current time of the store clock.
func (b *Base[K, V]) Now() int64 { return b.cfg.Clock.NowUnixNano() }

// Get implements Store.
func (b *Base[K, V]) Get(k K) (*ValueHolder[V], error) {
	now := b.Now()
	h, err := b.engine.Lookup(k, now)
	if err != nil {
		return nil, NewAccessError("get", b.cfg.Name, err)
	}
	if h == nil {
		return nil, nil
	}
	if h.IsExpired(now) {
		if err := b.Expire(k, h); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return h, nil
}

// ContainsKey implements Store.
func (b *Base[K, V]) ContainsKey(k K) (bool, error) {
	h, err := b.Get(k)
	return h != nil, err
}

// Expire removes h for k if it is still the installed holder, firing an
// expiration event. The identity id guards against removing a fresher write.
func (b *Base[K, V]) Expire(k K, h *ValueHolder[V]) error {
	var expired bool
	_, err := b.engine.Remap(k, func(_ K, old *ValueHolder[V]) *ValueHolder[V] {
		if old == nil || old.ID() != h.ID() {
			return old
		}
		expired = true
		return nil
	})
	if err != nil {
		return NewAccessError("expire", b.cfg.Name, err)
	}
	if expired {
		b.cfg.Events.Dispatch(Event[K, V]{Kind: EventExpired, Key: k, Old: h})
	}
	return nil
}

// Put implements Store.
func (b *Base[K, V]) Put(k K, v V) (PutStatus, error) {
	now := b.Now()
	var (
		status PutStatus
		evs    events[K, V]
	)
	_, err := b.engine.Remap(k, func(k K, old *ValueHolder[V]) *ValueHolder[V] {
		evs.reset()
		old = b.live(k, old, now, &evs)
		nh := b.newHolder(v, now)
		if old == nil {
			status = PutCreated
			evs.add(Event[K, V]{Kind: EventCreated, Key: k, New: nh})
		} else {
			status = PutUpdated
			evs.add(Event[K, V]{Kind: EventUpdated, Key: k, Old: old, New: nh})
		}
		return nh
	})
	if err != nil {
		return status, NewAccessError("put", b.cfg.Name, err)
	}
	evs.flush(b.cfg.Events)
	return status, nil
}

// PutIfAbsent implements Store.
func (b *Base[K, V]) PutIfAbsent(k K, v V) (*ValueHolder[V], error) {
	now := b.Now()
	var (
		existing *ValueHolder[V]
		evs      events[K, V]
	)
	_, err := b.engine.Remap(k, func(k K, old *ValueHolder[V]) *ValueHolder[V] {
		evs.reset()
		existing = b.live(k, old, now, &evs)
		if existing != nil {
			return old
		}
		nh := b.newHolder(v, now)
		evs.add(Event[K, V]{Kind: EventCreated, Key: k, New: nh})
		return nh
	})
	if err != nil {
		return nil, NewAccessError("putIfAbsent", b.cfg.Name, err)
	}
	evs.flush(b.cfg.Events)
	return existing, nil
}

// Remove implements Store.
func (b *Base[K, V]) Remove(k K) (bool, error) {
	now := b.Now()
	var (
		removed bool
		evs     events[K, V]
	)
	_, err := b.engine.Remap(k, func(k K, old *ValueHolder[V]) *ValueHolder[V] {
		evs.reset()
		removed = false
		if live := b.live(k, old, now, &evs); live != nil {
			removed = true
			evs.add(Event[K, V]{Kind: EventRemoved, Key: k, Old: live})
		}
		return nil
	})
	if err != nil {
		return false, NewAccessError("remove", b.cfg.Name, err)
	}
	evs.flush(b.cfg.Events)
	return removed, nil
}

// Replace implements Store.
func (b *Base[K, V]) Replace(k K, v V) (*ValueHolder[V], error) {
	now := b.Now()
	var (
		prev *ValueHolder[V]
		evs  events[K, V]
	)
	_, err := b.engine.Remap(k, func(k K, old *ValueHolder[V]) *ValueHolder[V] {
		evs.reset()
		prev = b.live(k, old, now, &evs)
		if prev == nil {
			if old != nil {
				return nil // drop the expired holder
			}
			return old
		}
		nh := b.newHolder(v, now)
		evs.add(Event[K, V]{Kind: EventUpdated, Key: k, Old: prev, New: nh})
		return nh
	})
	if err != nil {
		return nil, NewAccessError("replace", b.cfg.Name, err)
	}
	evs.flush(b.cfg.Events)
	return prev, nil
}

// Compute implements Store.
func (b *Base[K, V]) Compute(k K, fn ComputeFunc[K, V]) (*ValueHolder[V], error) {
	now := b.Now()
	var evs events[K, V]
	h, err := b.engine.Remap(k, func(k K, old *ValueHolder[V]) *ValueHolder[V] {
		evs.reset()
		return b.apply(k, b.live(k, old, now, &evs), fn, now, &evs)
	})
	if err != nil {
		return nil, NewAccessError("compute", b.cfg.Name, err)
	}
	evs.flush(b.cfg.Events)
	return h, nil
}

// ComputeIfAbsent implements Store.
func (b *Base[K, V]) ComputeIfAbsent(k K, fn LoadFunc[K, V]) (*ValueHolder[V], error) {
	now := b.Now()
	var evs events[K, V]
	h, err := b.engine.Remap(k, func(k K, old *ValueHolder[V]) *ValueHolder[V] {
		evs.reset()
		if live := b.live(k, old, now, &evs); live != nil {
			return old
		}
		v, ok := fn(k)
		if !ok {
			return nil
		}
		nh := b.newHolder(v, now)
		evs.add(Event[K, V]{Kind: EventCreated, Key: k, New: nh})
		return nh
	})
	if err != nil {
		return nil, NewAccessError("computeIfAbsent", b.cfg.Name, err)
	}
	evs.flush(b.cfg.Events)
	return h, nil
}

// BulkCompute implements Store.
func (b *Base[K, V]) BulkCompute(keys []K, fn BulkFunc[K, V]) (map[K]*ValueHolder[V], error) {
	now := b.Now()
	return b.bulk("bulkCompute", keys, func(part []K, olds []*ValueHolder[V], evs *events[K, V]) []*ValueHolder[V] {
		in := make([]Entry[K, V], len(part))
		live := make([]*ValueHolder[V], len(part))
		for i, k := range part {
			live[i] = b.live(k, olds[i], now, evs)
			in[i] = Entry[K, V]{Key: k}
			if live[i] != nil {
				in[i].Value, in[i].Present = live[i].Value(), true
			}
		}
		out := fn(in)
		results := indexEntries(out)
		next := make([]*ValueHolder[V], len(part))
		for i, k := range part {
			e, ok := results[k]
			switch {
			case !ok:
				next[i] = keepOrDrop(olds[i], live[i])
			case !e.Present:
				if live[i] != nil {
					evs.add(Event[K, V]{Kind: EventRemoved, Key: k, Old: live[i]})
				}
				next[i] = nil
			default:
				next[i] = b.install(k, live[i], e.Value, now, evs)
			}
		}
		return next
	})
}

// BulkComputeIfAbsent implements Store.
func (b *Base[K, V]) BulkComputeIfAbsent(keys []K, fn BulkLoadFunc[K, V]) (map[K]*ValueHolder[V], error) {
	now := b.Now()
	return b.bulk("bulkComputeIfAbsent", keys, func(part []K, olds []*ValueHolder[V], evs *events[K, V]) []*ValueHolder[V] {
		next := make([]*ValueHolder[V], len(part))
		var missing []K
		for i, k := range part {
			live := b.live(k, olds[i], now, evs)
			next[i] = keepOrDrop(olds[i], live)
			if live == nil {
				missing = append(missing, k)
			}
		}
		if len(missing) == 0 {
			return next
		}
		results := indexEntries(fn(missing))
		for i, k := range part {
			if next[i] != nil {
				continue
			}
			if e, ok := results[k]; ok && e.Present {
				next[i] = b.install(k, nil, e.Value, now, evs)
			}
		}
		return next
	})
}

// Clear implements Store.
func (b *Base[K, V]) Clear() error {
	return NewAccessError("clear", b.cfg.Name, b.engine.Clear())
}

// Len implements Store.
func (b *Base[K, V]) Len() int { return b.engine.Len() }

// Close implements Store.
func (b *Base[K, V]) Close() error { return b.engine.Close() }

// ---- helpers ----

type bulkStep[K comparable, V any] func(part []K, olds []*ValueHolder[V], evs *events[K, V]) []*ValueHolder[V]

// bulk runs step over every partition of keys and merges the installed holders.
func (b *Base[K, V]) bulk(op string, keys []K, step bulkStep[K, V]) (map[K]*ValueHolder[V], error) {
	keys = dedupe(keys)
	result := make(map[K]*ValueHolder[V], len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(b.cfg.BulkParallelism)
	for _, part := range b.engine.Partition(keys) {
		g.Go(func() error {
			var evs events[K, V]
			installed, err := b.engine.RemapAll(part, func(part []K, olds []*ValueHolder[V]) []*ValueHolder[V] {
				evs.reset()
				return step(part, olds, &evs)
			})
			if err != nil {
				return err
			}
			evs.flush(b.cfg.Events)
			mu.Lock()
			for i, k := range part {
				result[k] = installed[i]
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, NewAccessError(op, b.cfg.Name, err)
	}
	return result, nil
}

// live returns old unless it is expired at now, in which case an expiration
// event is queued and nil is returned.
func (b *Base[K, V]) live(k K, old *ValueHolder[V], now int64, evs *events[K, V]) *ValueHolder[V] {
	if old != nil && old.IsExpired(now) {
		evs.add(Event[K, V]{Kind: EventExpired, Key: k, Old: old})
		return nil
	}
	return old
}

func (b *Base[K, V]) apply(k K, live *ValueHolder[V], fn ComputeFunc[K, V], now int64, evs *events[K, V]) *ValueHolder[V] {
	var cur V
	if live != nil {
		cur = live.Value()
	}
	v, keep := fn(k, cur, live != nil)
	if !keep {
		if live != nil {
			evs.add(Event[K, V]{Kind: EventRemoved, Key: k, Old: live})
		}
		return nil
	}
	return b.install(k, live, v, now, evs)
}

func (b *Base[K, V]) install(k K, live *ValueHolder[V], v V, now int64, evs *events[K, V]) *ValueHolder[V] {
	nh := b.newHolder(v, now)
	if live == nil {
		evs.add(Event[K, V]{Kind: EventCreated, Key: k, New: nh})
	} else {
		evs.add(Event[K, V]{Kind: EventUpdated, Key: k, Old: live, New: nh})
	}
	return nh
}

func (b *Base[K, V]) newHolder(v V, now int64) *ValueHolder[V] {
	exp := NoExpiration
	if b.cfg.DefaultTTL > 0 {
		exp = now + int64(b.cfg.DefaultTTL)
	}
	return NewValueHolder(v, now, exp)
}

func (b *Base[K, V]) evicted(k K, h *ValueHolder[V], reason EvictReason) {
	if cb := b.cfg.OnEvict; cb != nil {
		cb(k, h, reason)
	}
	kind := EventEvicted
	if reason == EvictTTL {
		kind = EventExpired
	}
	b.cfg.Events.Dispatch(Event[K, V]{Kind: kind, Key: k, Old: h})
}

// keepOrDrop leaves old installed if it is live, and drops it if it expired.
func keepOrDrop[V any](old, live *ValueHolder[V]) *ValueHolder[V] {
	if live == nil {
		return nil
	}
	return old
}

func indexEntries[K comparable, V any](out []Entry[K, V]) map[K]Entry[K, V] {
	m := make(map[K]Entry[K, V], len(out))
	for _, e := range out {
		m[e.Key] = e
	}
	return m
}

func dedupe[K comparable](keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// events buffers the events produced inside a critical section so they are
// only dispatched once the engine has installed the result.
type events[K comparable, V any] struct{ buf []Event[K, V] }

func (e *events[K, V]) add(ev Event[K, V]) { e.buf = append(e.buf, ev) }
func (e *events[K, V]) reset()             { e.buf = e.buf[:0] }

func (e *events[K, V]) flush(sink EventSink[K, V]) {
	for _, ev := range e.buf {
		sink.Dispatch(ev)
	}
	e.buf = e.buf[:0]
}
