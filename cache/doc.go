// Package cache is the public face of tieredcache: a key/value cache over a
// store.Store, which may be a single heap tier, an off-heap tier, or a heap
// tier caching an off-heap one.
//
// Design
//
//   - Lifecycle: New returns an UNINITIALIZED cache; Init makes it AVAILABLE;
//     Close makes it UNAVAILABLE for good and closes the store and the event
//     dispatcher. Operations outside AVAILABLE return ErrNotAvailable.
//
//   - Usage errors (nil keys or values, no loader) are rejected before the
//     store is touched. Bulk calls validate the whole batch first.
//
//   - Failures: the store reports every tier fault as *store.StoreAccessError.
//     The cache hands it to exactly one method of its resilience.Strategy and
//     returns whatever that method returns. Raw store failures never reach the
//     caller. The default strategy, resilience.Robust, removes the affected
//     keys and answers as if they were absent.
//
//   - Outcomes: every operation records exactly one Outcome with Metrics
//     (HIT, MISS, PUT, FAILURE, ...). Counters keeps them in memory; the
//     metrics/prom and metrics/otel packages export them.
//
//   - GetOrLoad coalesces concurrent loads of a key and runs the loader
//     outside any store lock.
//
// Basic usage
//
//	tier, _ := heap.New(heap.Options[string, []byte]{Pool: store.EntryPool(10_000)})
//	c, _ := cache.New(cache.Options[string, []byte]{Store: tier})
//	_ = c.Init()
//	defer c.Close()
//
//	_ = c.Put("a", []byte("1"))
//	if v, ok, _ := c.Get("a"); ok {
//	    _ = v
//	}
//
// The config package builds tiered caches from YAML.
package cache
