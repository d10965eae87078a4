// Package lru orders the on-heap tier by recency of access.
//
// Reads and updates both move an entry to the front. Capacity victims are
// picked by policy.Victim from the tail; the policy never proposes one.
package lru

import "github.com/IvanBrykalov/tieredcache/policy"

// New returns the LRU policy. It keeps no per-shard state beyond the hooks.
func New[K comparable, V any]() policy.Policy[K, V] { return factory[K, V]{} }

type factory[K comparable, V any] struct{}

func (factory[K, V]) New(h policy.Hooks[K, V]) policy.ShardPolicy[K, V] { return order[K, V]{h} }

// order is bound to one shard's list.
type order[K comparable, V any] struct{ h policy.Hooks[K, V] }

func (o order[K, V]) OnAdd(n policy.Node[K, V]) policy.Node[K, V] {
	o.h.PushFront(n)
	return nil
}

func (o order[K, V]) OnGet(n policy.Node[K, V])    { o.h.MoveToFront(n) }
func (o order[K, V]) OnUpdate(n policy.Node[K, V]) { o.h.MoveToFront(n) }
func (order[K, V]) OnRemove(policy.Node[K, V])     {}
