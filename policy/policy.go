// Package policy defines the recency policies that order entries of the
// on-heap tier and pick its eviction victims.
package policy

import "github.com/IvanBrykalov/tieredcache/store"

// Node is the minimal contract a resident entry satisfies for a policy.
type Node[K comparable, V any] interface {
	Key() K
	// Holder returns the installed holder; policies may read its access
	// statistics but never replace it.
	Holder() *store.ValueHolder[V]
}

// Hooks expose O(1) operations on the shard's intrusive MRU/LRU list and the
// shard's view of which nodes may currently be evicted.
//
// Concurrency: all hook calls happen under the shard lock.
// Hooks manage only the list; the shard owns the key->node map.
type Hooks[K comparable, V any] interface {
	// MoveToFront promotes the node to MRU.
	MoveToFront(Node[K, V])
	// PushFront inserts the node at MRU (used on admission).
	PushFront(Node[K, V])
	// Remove detaches the node from the list.
	Remove(Node[K, V])
	// Back returns the current LRU node (or nil if empty).
	Back() Node[K, V]
	// Prev returns the node one step towards MRU from n (or nil).
	Prev(Node[K, V]) Node[K, V]
	// Len returns the number of resident nodes in the shard.
	Len() int
	// Evictable reports whether n may be chosen by a normal eviction,
	// i.e. it is not protected by the eviction advisor.
	Evictable(Node[K, V]) bool
}

// ShardPolicy is a per-shard policy instance bound to shard hooks.
// All methods are invoked under the shard lock.
//
// Semantics:
//   - OnAdd may return an eviction candidate (e.g. LRU of a probation queue).
//     The shard decides whether to evict it and calls OnRemove if it does.
//   - OnGet/OnUpdate typically promote the node.
//   - OnRemove updates policy-internal state; the shard performs deletion.
type ShardPolicy[K comparable, V any] interface {
	OnAdd(Node[K, V]) (evict Node[K, V])
	OnGet(Node[K, V])
	OnUpdate(Node[K, V])
	OnRemove(Node[K, V])
}

// Policy is a factory that creates shard-local policy instances.
type Policy[K comparable, V any] interface {
	New(Hooks[K, V]) ShardPolicy[K, V]
}

// DefaultSampleSize is how many LRU-end nodes Victim inspects.
const DefaultSampleSize = 8

// Victim picks the node to evict for capacity: the least recently used of
// the sample LRU-end nodes that h reports evictable. When every sampled node
// is protected it degrades to the LRU node itself, so a capacity bound is
// always enforceable. It returns nil only for an empty list.
func Victim[K comparable, V any](h Hooks[K, V], sample int) Node[K, V] {
	if sample < 1 {
		sample = DefaultSampleSize
	}
	tail := h.Back()
	for n, i := tail, 0; n != nil && i < sample; n, i = h.Prev(n), i+1 {
		if h.Evictable(n) {
			return n
		}
	}
	return tail
}
