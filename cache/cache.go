package cache

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/IvanBrykalov/tieredcache/event"
	"github.com/IvanBrykalov/tieredcache/internal/singleflight"
	"github.com/IvanBrykalov/tieredcache/resilience"
	"github.com/IvanBrykalov/tieredcache/store"
)

// Cache is the facade over a Store. All methods are safe for concurrent use.
//
// Every well-formed call on an available cache returns a normal result:
// store failures are resolved by exactly one call to the resilience strategy
// and recorded as a FAILURE outcome. The only errors returned are usage
// errors (ErrNilKey, ErrNilValue, ErrNotAvailable, ErrNoLoader), and for
// GetOrLoad, loader and context errors.
type Cache[K comparable, V any] struct {
	alias      string
	store      store.Store[K, V]
	resilience resilience.Strategy[K, V]
	events     *event.Dispatcher[K, V]
	loader     func(ctx context.Context, k K) (V, error)
	metrics    Metrics
	logger     *slog.Logger

	// Whether K and V have kinds that can hold nil.
	keyNillable, valNillable bool

	status atomic.Int32
	sf     singleflight.Group[K, loadResult[V]]
}

// loadResult is what a coalesced load hands every caller. storeErr is the
// failure to install the loaded value; each caller resolves it on its own.
type loadResult[V any] struct {
	v        V
	outcome  Outcome
	storeErr error
}

// New constructs an uninitialized cache; call Init before use.
func New[K comparable, V any](opt Options[K, V]) (*Cache[K, V], error) {
	if opt.Store == nil {
		return nil, errors.New("cache: a store is required")
	}
	if opt.Alias == "" {
		opt.Alias = uuid.NewString()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	opt.Logger = opt.Logger.With("cache", opt.Alias)
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Resilience == nil {
		opt.Resilience = resilience.NewRobust[K, V](
			resilience.StoreRecovery(opt.Store),
			resilience.RobustOptions{Logger: opt.Logger},
		)
	}
	return &Cache[K, V]{
		alias:      opt.Alias,
		store:      opt.Store,
		resilience: opt.Resilience,
		events:     opt.Events,
		loader:     opt.Loader,
		metrics:    opt.Metrics,
		logger:     opt.Logger,

		keyNillable: nillable[K](),
		valNillable: nillable[V](),
	}, nil
}

// Alias returns the cache name.
func (c *Cache[K, V]) Alias() string { return c.alias }

// Status returns the lifecycle state.
func (c *Cache[K, V]) Status() Status { return Status(c.status.Load()) }

// Init makes an uninitialized cache available.
func (c *Cache[K, V]) Init() error {
	if !c.status.CompareAndSwap(int32(StatusUninitialized), int32(StatusAvailable)) {
		return ErrState
	}
	c.logger.Debug("cache: available")
	return nil
}

// Close makes the cache unavailable for good and closes its store and
// event dispatcher. Closing an unavailable cache is a no-op.
func (c *Cache[K, V]) Close() error {
	for {
		cur := c.status.Load()
		if Status(cur) == StatusUnavailable {
			return nil
		}
		if c.status.CompareAndSwap(cur, int32(StatusUnavailable)) {
			break
		}
	}
	err := c.store.Close()
	if c.events != nil {
		err = errors.Join(err, c.events.Close())
	}
	c.logger.Debug("cache: closed", "error", err)
	return err
}

// Events returns the dispatcher listeners register with, or nil.
func (c *Cache[K, V]) Events() *event.Dispatcher[K, V] { return c.events }

// Len returns the number of mappings held by the store.
func (c *Cache[K, V]) Len() int { return c.store.Len() }

// Get returns the value mapped to k.
func (c *Cache[K, V]) Get(k K) (V, bool, error) {
	var zero V
	if err := c.checkKey(k); err != nil {
		return zero, false, err
	}
	h, err := c.store.Get(k)
	if err != nil {
		v, ok := c.resilience.GetFailure(k, c.failed(OpGet, err))
		return v, ok, nil
	}
	if h == nil {
		c.metrics.Outcome(OpGet, Miss)
		return zero, false, nil
	}
	c.metrics.Outcome(OpGet, Hit)
	return h.Value(), true, nil
}

// ContainsKey reports whether k is mapped.
func (c *Cache[K, V]) ContainsKey(k K) (bool, error) {
	if err := c.checkKey(k); err != nil {
		return false, err
	}
	ok, err := c.store.ContainsKey(k)
	if err != nil {
		return c.resilience.ContainsKeyFailure(k, c.failed(OpContainsKey, err)), nil
	}
	c.metrics.Outcome(OpContainsKey, pick(ok, Hit, Miss))
	return ok, nil
}

// Put maps k to v.
func (c *Cache[K, V]) Put(k K, v V) error {
	if err := c.checkEntry(k, v); err != nil {
		return err
	}
	if _, err := c.store.Put(k, v); err != nil {
		c.resilience.PutFailure(k, v, c.failed(OpPut, err))
		return nil
	}
	c.metrics.Outcome(OpPut, Put)
	return nil
}

// PutIfAbsent maps k to v unless k is mapped, in which case it returns the
// existing value and true.
func (c *Cache[K, V]) PutIfAbsent(k K, v V) (V, bool, error) {
	var zero V
	if err := c.checkEntry(k, v); err != nil {
		return zero, false, err
	}
	existing, err := c.store.PutIfAbsent(k, v)
	if err != nil {
		prev, ok := c.resilience.PutIfAbsentFailure(k, v, c.failed(OpPutIfAbsent, err))
		return prev, ok, nil
	}
	if existing == nil {
		c.metrics.Outcome(OpPutIfAbsent, Put)
		return zero, false, nil
	}
	c.metrics.Outcome(OpPutIfAbsent, Hit)
	return existing.Value(), true, nil
}

// Remove unmaps k and reports whether it was mapped.
func (c *Cache[K, V]) Remove(k K) (bool, error) {
	if err := c.checkKey(k); err != nil {
		return false, err
	}
	removed, err := c.store.Remove(k)
	if err != nil {
		return c.resilience.RemoveFailure(k, c.failed(OpRemove, err)), nil
	}
	c.metrics.Outcome(OpRemove, pick(removed, Success, Noop))
	return removed, nil
}

// Replace maps k to v only if k is mapped, and returns the previous value.
// Nothing is written when k is absent.
func (c *Cache[K, V]) Replace(k K, v V) (V, bool, error) {
	var zero V
	if err := c.checkEntry(k, v); err != nil {
		return zero, false, err
	}
	prev, err := c.store.Replace(k, v)
	if err != nil {
		pv, ok := c.resilience.ReplaceFailure(k, v, c.failed(OpReplace, err))
		return pv, ok, nil
	}
	if prev == nil {
		c.metrics.Outcome(OpReplace, MissNotPresent)
		return zero, false, nil
	}
	c.metrics.Outcome(OpReplace, Hit)
	return prev.Value(), true, nil
}

// Clear removes every mapping.
func (c *Cache[K, V]) Clear() error {
	if !c.available() {
		return ErrNotAvailable
	}
	if err := c.store.Clear(); err != nil {
		c.resilience.ClearFailure(c.failed(OpClear, err))
		return nil
	}
	c.metrics.Outcome(OpClear, Success)
	return nil
}

// GetAll returns an entry for every requested key; keys without a mapping
// are reported with Present=false.
func (c *Cache[K, V]) GetAll(keys []K) (map[K]Optional[V], error) {
	if err := c.checkKeys(keys); err != nil {
		return nil, err
	}
	out := make(map[K]Optional[V], len(keys))
	found, err := c.store.BulkComputeIfAbsent(keys, func([]K) []store.Entry[K, V] { return nil })
	if err != nil {
		known := c.resilience.GetAllFailure(keys, c.failed(OpGetAll, err))
		for _, k := range keys {
			v, ok := known[k]
			out[k] = Optional[V]{Value: v, Present: ok}
		}
		return out, nil
	}
	for _, k := range keys {
		if h := found[k]; h != nil {
			out[k] = Optional[V]{Value: h.Value(), Present: true}
		} else {
			out[k] = Optional[V]{}
		}
	}
	c.metrics.Outcome(OpGetAll, Success)
	return out, nil
}

// PutAll maps every entry. The whole batch is validated first.
func (c *Cache[K, V]) PutAll(entries map[K]V) error {
	if !c.available() {
		return ErrNotAvailable
	}
	keys := make([]K, 0, len(entries))
	for k, v := range entries {
		if c.keyNillable && isNil(k) {
			return ErrNilKey
		}
		if c.valNillable && isNil(v) {
			return ErrNilValue
		}
		keys = append(keys, k)
	}
	_, err := c.store.BulkCompute(keys, func(in []store.Entry[K, V]) []store.Entry[K, V] {
		out := make([]store.Entry[K, V], len(in))
		for i, e := range in {
			out[i] = store.Entry[K, V]{Key: e.Key, Value: entries[e.Key], Present: true}
		}
		return out
	})
	if err != nil {
		c.resilience.PutAllFailure(entries, c.failed(OpPutAll, err))
		return nil
	}
	c.metrics.Outcome(OpPutAll, Success)
	return nil
}

// RemoveAll unmaps every key.
func (c *Cache[K, V]) RemoveAll(keys []K) error {
	if err := c.checkKeys(keys); err != nil {
		return err
	}
	_, err := c.store.BulkCompute(keys, func(in []store.Entry[K, V]) []store.Entry[K, V] {
		out := make([]store.Entry[K, V], len(in))
		for i, e := range in {
			out[i] = store.Entry[K, V]{Key: e.Key}
		}
		return out
	})
	if err != nil {
		c.resilience.RemoveAllFailure(keys, c.failed(OpRemoveAll, err))
		return nil
	}
	c.metrics.Outcome(OpRemoveAll, Success)
	return nil
}

// GetOrLoad returns the value for k, loading it with Options.Loader on a
// miss. Concurrent loads of the same key are coalesced. The loader runs
// outside any store lock; its result is installed unless another writer got
// there first, in which case that writer's value is returned.
//
// When the store fails, the resilience strategy answers first; if it has no
// value, the loader's value is returned without being cached. Coalesced
// callers share the load but each goes through the strategy.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, k K) (V, error) {
	var zero V
	if err := c.checkKey(k); err != nil {
		return zero, err
	}
	if c.loader == nil {
		return zero, ErrNoLoader
	}
	h, err := c.store.Get(k)
	if err == nil && h != nil {
		c.metrics.Outcome(OpGetOrLoad, Hit)
		return h.Value(), nil
	}
	if err != nil {
		return c.loadAfterFailure(ctx, k, err)
	}

	res, _, err := c.sf.Do(ctx, k, func() (loadResult[V], error) {
		if h, err := c.store.Get(k); err == nil && h != nil {
			return loadResult[V]{v: h.Value(), outcome: Hit}, nil
		}
		v, err := c.loader(ctx, k)
		if err != nil {
			return loadResult[V]{outcome: Failure}, err
		}
		h, err := c.store.ComputeIfAbsent(k, func(K) (V, bool) { return v, true })
		if err != nil {
			return loadResult[V]{v: v, storeErr: err}, nil
		}
		if h != nil {
			v = h.Value()
		}
		return loadResult[V]{v: v, outcome: Loaded}, nil
	})
	if err != nil {
		c.metrics.Outcome(OpGetOrLoad, Failure)
		return zero, err
	}
	if res.storeErr != nil {
		if v, ok := c.resilience.GetFailure(k, c.failed(OpGetOrLoad, res.storeErr)); ok {
			return v, nil
		}
		return res.v, nil
	}
	c.metrics.Outcome(OpGetOrLoad, res.outcome)
	return res.v, nil
}

// loadAfterFailure resolves a failed lookup: the strategy answers first,
// then the loader.
func (c *Cache[K, V]) loadAfterFailure(ctx context.Context, k K, err error) (V, error) {
	if v, ok := c.resilience.GetFailure(k, c.failed(OpGetOrLoad, err)); ok {
		return v, nil
	}
	return c.loader(ctx, k)
}

// ---- helpers ----

// failed records a FAILURE outcome and converts err for the strategy.
func (c *Cache[K, V]) failed(op Op, err error) *store.StoreAccessError {
	c.metrics.Outcome(op, Failure)
	return c.accessError(op, err)
}

func (c *Cache[K, V]) accessError(op Op, err error) *store.StoreAccessError {
	sae := store.AsAccessError(err)
	c.logger.Debug("cache: store failure", "op", op.String(), "error", sae)
	return sae
}

func (c *Cache[K, V]) available() bool {
	return Status(c.status.Load()) == StatusAvailable
}

func (c *Cache[K, V]) checkKey(k K) error {
	if !c.available() {
		return ErrNotAvailable
	}
	if c.keyNillable && isNil(k) {
		return ErrNilKey
	}
	return nil
}

func (c *Cache[K, V]) checkEntry(k K, v V) error {
	if err := c.checkKey(k); err != nil {
		return err
	}
	if c.valNillable && isNil(v) {
		return ErrNilValue
	}
	return nil
}

func (c *Cache[K, V]) checkKeys(keys []K) error {
	if !c.available() {
		return ErrNotAvailable
	}
	if !c.keyNillable {
		return nil
	}
	for _, k := range keys {
		if isNil(k) {
			return ErrNilKey
		}
	}
	return nil
}

// isNil reports whether x is a nil interface, pointer, map, slice, channel
// or func. Values of other kinds are never nil.
func isNil[T any](x T) bool {
	v := reflect.ValueOf(any(x))
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return v.IsNil()
	default:
		return false
	}
}

func nillable[T any]() bool {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return true
	default:
		return false
	}
}

func pick(cond bool, yes, no Outcome) Outcome {
	if cond {
		return yes
	}
	return no
}
