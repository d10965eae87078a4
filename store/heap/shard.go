package heap

import (
	"sync"

	"github.com/IvanBrykalov/tieredcache/internal/util"
	"github.com/IvanBrykalov/tieredcache/policy"
	"github.com/IvanBrykalov/tieredcache/store"
)

// fault is an in-flight load of a key into the caching tier. Callers racing
// on the same key wait on done. Invalidation detaches the fault from the
// shard, which stops its result from being installed.
type fault[V any] struct {
	done chan struct{}
	h    *store.ValueHolder[V]
	err  error
}

// shard is an independent partition of the tier with its own lock, map,
// and an intrusive doubly linked list (head=MRU, tail=LRU).
type shard[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu      sync.Mutex
	m       map[K]*node[K, V]
	faults  map[K]*fault[V]
	head    *node[K, V] // MRU
	tail    *node[K, V] // LRU
	len     int
	cost    int64
	maxCost int64 // capacity in the pool's unit

	pol policy.ShardPolicy[K, V]
	e   *engine[K, V]

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

func newShard[K comparable, V any](maxCost int64, e *engine[K, V]) *shard[K, V] {
	s := &shard[K, V]{
		m:       make(map[K]*node[K, V]),
		faults:  make(map[K]*fault[V]),
		maxCost: maxCost,
		e:       e,
	}
	s.pol = e.policy.New(shardHooks[K, V]{s: s})
	return s
}

// lookup returns the holder for k and promotes it.
func (s *shard[K, V]) lookup(k K, now int64) *store.ValueHolder[V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		s.misses.Add(1)
		return nil
	}
	s.pol.OnGet(n)
	n.holder.Accessed(now)
	s.hits.Add(1)
	return n.holder
}

// -------------------- internals (mu held) --------------------

func (s *shard[K, V]) holderLocked(k K) *store.ValueHolder[V] {
	if n, ok := s.m[k]; ok {
		return n.holder
	}
	return nil
}

// installLocked moves k from old to next: no-op when unchanged, removal when
// next is nil, insert or update otherwise. Capacity is enforced afterwards.
func (s *shard[K, V]) installLocked(k K, old, next *store.ValueHolder[V]) {
	if next == old {
		return
	}
	n, exists := s.m[k]
	if next == nil {
		if exists {
			s.unlinkLocked(n)
		}
		return
	}

	cost := s.e.costOf(k, next.Value())
	advised := s.e.advisor.AdviseAgainstEviction(k, next.Value())
	if exists {
		s.cost += cost - n.cost
		n.holder, n.cost, n.advised = next, cost, advised
		s.pol.OnUpdate(n)
	} else {
		n = &node[K, V]{key: k, holder: next, cost: cost, advised: advised}
		s.m[k] = n
		if ev := s.pol.OnAdd(n); ev != nil {
			if victim := ev.(*node[K, V]); victim != n {
				s.evictLocked(victim, store.EvictPolicy)
			}
		}
	}
	if cost > s.maxCost {
		s.e.logger.Warn("heap: entry larger than shard capacity", "cost", cost, "capacity", s.maxCost)
	}
	s.enforceLimitsLocked()
}

// unlinkLocked removes n without notifying anyone.
func (s *shard[K, V]) unlinkLocked(n *node[K, V]) {
	s.pol.OnRemove(n)
	s.removeNode(n)
	delete(s.m, n.key)
}

// evictLocked removes n and notifies the eviction and invalidation listeners.
func (s *shard[K, V]) evictLocked(n *node[K, V], reason store.EvictReason) {
	s.unlinkLocked(n)
	s.evicts.Add(1)
	if cb := s.e.listener; cb != nil {
		cb(n.key, n.holder, reason)
	}
	if cb := s.e.invalidation; cb != nil {
		cb(n.key, n.holder)
	}
}

// enforceLimitsLocked evicts until the shard is within capacity.
func (s *shard[K, V]) enforceLimitsLocked() {
	for s.cost > s.maxCost {
		victim := policy.Victim[K, V](shardHooks[K, V]{s: s}, s.e.sample)
		if victim == nil {
			break
		}
		s.evictLocked(victim.(*node[K, V]), store.EvictCapacity)
	}
}

// invalidateLocked drops k (and any fault in flight for it) and hands the
// dropped holder to the invalidation listener.
func (s *shard[K, V]) invalidateLocked(k K) {
	delete(s.faults, k)
	n, ok := s.m[k]
	if !ok {
		return
	}
	s.unlinkLocked(n)
	if cb := s.e.invalidation; cb != nil {
		cb(n.key, n.holder)
	}
}

// resetLocked drops everything, notifying the invalidation listener if notify.
func (s *shard[K, V]) resetLocked(notify bool) {
	if notify && s.e.invalidation != nil {
		for n := s.head; n != nil; n = n.next {
			s.e.invalidation(n.key, n.holder)
		}
	}
	s.m = make(map[K]*node[K, V])
	s.faults = make(map[K]*fault[V])
	s.head, s.tail = nil, nil
	s.len, s.cost = 0, 0
	s.pol = s.e.policy.New(shardHooks[K, V]{s: s})
}

// insertFront inserts n at MRU in O(1).
func (s *shard[K, V]) insertFront(n *node[K, V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
	s.cost += n.cost
}

// moveToFront promotes n to MRU in O(1).
func (s *shard[K, V]) moveToFront(n *node[K, V]) {
	if n == s.head {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

// removeNode unlinks n from the list and updates counters in O(1).
func (s *shard[K, V]) removeNode(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
	s.len--
	s.cost -= n.cost
	if s.cost < 0 {
		s.cost = 0
	}
}

// -------------------- policy hooks --------------------

// shardHooks adapts the shard's list operations to policy.Hooks.
type shardHooks[K comparable, V any] struct{ s *shard[K, V] }

func (h shardHooks[K, V]) MoveToFront(x policy.Node[K, V]) { h.s.moveToFront(x.(*node[K, V])) }
func (h shardHooks[K, V]) PushFront(x policy.Node[K, V])   { h.s.insertFront(x.(*node[K, V])) }
func (h shardHooks[K, V]) Remove(x policy.Node[K, V])      { h.s.removeNode(x.(*node[K, V])) }
func (h shardHooks[K, V]) Len() int                        { return h.s.len }

func (h shardHooks[K, V]) Back() policy.Node[K, V] {
	if h.s.tail == nil {
		return nil
	}
	return h.s.tail
}

func (h shardHooks[K, V]) Prev(x policy.Node[K, V]) policy.Node[K, V] {
	if p := x.(*node[K, V]).prev; p != nil {
		return p
	}
	return nil
}

// Evictable is false for nodes advised against eviction while the advisor is on.
func (h shardHooks[K, V]) Evictable(x policy.Node[K, V]) bool {
	return !h.s.e.advisor.Protected(x.(*node[K, V]).advised)
}
