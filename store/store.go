// Package store defines the storage contracts shared by every tier of the
// cache: value holders, the Store operation surface, the caching and
// authoritative tier roles, bulk compute types, resource pools, events and
// the StoreAccessError failure type.
//
// Every single-key operation of a Store is derived from one atomic compute
// primitive (see Base), so tiers only implement an Engine.
package store

import "time"

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// SystemClock reads the wall clock.
type SystemClock struct{}

// NowUnixNano implements Clock.
func (SystemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Entry is one key of a bulk compute. Present=false means "no value".
type Entry[K comparable, V any] struct {
	Key     K
	Value   V
	Present bool
}

// ComputeFunc remaps the current value of k. present reports whether a live
// mapping exists. Returning keep=false removes the mapping (or leaves it absent).
type ComputeFunc[K comparable, V any] func(k K, old V, present bool) (v V, keep bool)

// LoadFunc produces a value for an absent key; ok=false installs nothing.
type LoadFunc[K comparable, V any] func(k K) (v V, ok bool)

// BulkFunc is invoked once per partition with the current state of each key
// in key order. Returned entries with Present=false remove the key; keys
// missing from the result keep their current mapping.
type BulkFunc[K comparable, V any] func(in []Entry[K, V]) []Entry[K, V]

// BulkLoadFunc is invoked once per partition with the keys that have no live
// mapping. Keys missing from the result, or returned with Present=false, stay absent.
type BulkLoadFunc[K comparable, V any] func(keys []K) []Entry[K, V]

// PutStatus tells whether Put created or replaced a mapping.
type PutStatus int

const (
	// PutCreated means no live mapping existed before the put.
	PutCreated PutStatus = iota
	// PutUpdated means an existing mapping was replaced.
	PutUpdated
)

// Store is the tier façade used by the cache. All methods are safe for
// concurrent use. Tier faults are reported as *StoreAccessError and are never
// retried at this layer.
type Store[K comparable, V any] interface {
	// Get returns the live holder for k, or nil.
	Get(k K) (*ValueHolder[V], error)
	// ContainsKey reports whether k has a live mapping.
	ContainsKey(k K) (bool, error)
	// Put installs v for k.
	Put(k K, v V) (PutStatus, error)
	// PutIfAbsent installs v only if k is absent. It returns the existing
	// holder, or nil if v was installed.
	PutIfAbsent(k K, v V) (*ValueHolder[V], error)
	// Remove deletes k and reports whether a live mapping was removed.
	Remove(k K) (bool, error)
	// Replace installs v only if k is present and returns the previous holder.
	// A nil result means nothing was written.
	Replace(k K, v V) (*ValueHolder[V], error)
	// Compute atomically remaps k and returns the resulting holder (nil if absent).
	Compute(k K, fn ComputeFunc[K, V]) (*ValueHolder[V], error)
	// ComputeIfAbsent returns the live holder for k, or installs the value
	// produced by fn.
	ComputeIfAbsent(k K, fn LoadFunc[K, V]) (*ValueHolder[V], error)
	// BulkCompute remaps every key; the result holds an entry (possibly nil)
	// for each requested key.
	BulkCompute(keys []K, fn BulkFunc[K, V]) (map[K]*ValueHolder[V], error)
	// BulkComputeIfAbsent loads every absent key; the result holds an entry
	// (possibly nil) for each requested key.
	BulkComputeIfAbsent(keys []K, fn BulkLoadFunc[K, V]) (map[K]*ValueHolder[V], error)
	// Clear removes every mapping.
	Clear() error
	// Len returns the number of resident mappings (expired ones included).
	Len() int
	// Close releases the tier's resources.
	Close() error
}

// InvalidationListener is told about holders leaving a caching tier.
type InvalidationListener[K comparable, V any] func(k K, h *ValueHolder[V])

// CachingTier is a tier that only holds copies of another tier's data.
type CachingTier[K comparable, V any] interface {
	// GetOrComputeIfAbsent returns the cached holder, or faults it in from source.
	// Concurrent faults for the same key are coalesced.
	GetOrComputeIfAbsent(k K, source func(K) (*ValueHolder[V], error)) (*ValueHolder[V], error)
	// Invalidate drops k; the invalidation listener sees the dropped holder.
	Invalidate(k K) error
	// InvalidateAll drops everything.
	InvalidateAll() error
	// SetInvalidationListener must be called before the tier is used.
	SetInvalidationListener(fn InvalidationListener[K, V])
	Len() int
	Close() error
}

// AuthoritativeTier is the tier that owns the data behind a caching tier.
type AuthoritativeTier[K comparable, V any] interface {
	Store[K, V]
	// GetAndFault returns the live holder for k and protects it from eviction
	// while a caching tier holds it.
	GetAndFault(k K) (*ValueHolder[V], error)
	// Flush lifts the protection set by GetAndFault if h is still the
	// installed holder. It reports whether it did.
	Flush(k K, h *ValueHolder[V]) bool
}
