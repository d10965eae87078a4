package heap

import "github.com/IvanBrykalov/tieredcache/store"

// node is an intrusive doubly linked list element owned by a shard.
type node[K comparable, V any] struct {
	key    K
	holder *store.ValueHolder[V]

	// Intrusive list links: head is MRU, tail is LRU.
	prev *node[K, V]
	next *node[K, V]

	// cost is the node's share of the shard capacity: 1 for entry pools,
	// the sizer's estimate for byte pools.
	cost int64

	// advised is the advisor's verdict for holder, taken at write time.
	advised bool
}

// Key implements policy.Node.
func (n *node[K, V]) Key() K { return n.key }

// Holder implements policy.Node. Callers must hold the shard lock.
func (n *node[K, V]) Holder() *store.ValueHolder[V] { return n.holder }
