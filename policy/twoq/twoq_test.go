package twoq

import (
	"testing"

	"github.com/IvanBrykalov/tieredcache/policy"
	"github.com/IvanBrykalov/tieredcache/store"
)

// --- test doubles ---

type testNode[K comparable, V any] struct {
	k K
	h *store.ValueHolder[V]
}

func (n *testNode[K, V]) Key() K                        { return n.k }
func (n *testNode[K, V]) Holder() *store.ValueHolder[V] { return n.h }

type mockHooks[K comparable, V any] struct {
	moveToFrontCnt int
	protected      map[policy.Node[K, V]]bool
}

func (h *mockHooks[K, V]) MoveToFront(policy.Node[K, V])            { h.moveToFrontCnt++ }
func (h *mockHooks[K, V]) PushFront(policy.Node[K, V])              {}
func (h *mockHooks[K, V]) Remove(policy.Node[K, V])                 {}
func (h *mockHooks[K, V]) Back() policy.Node[K, V]                  { return nil }
func (h *mockHooks[K, V]) Prev(policy.Node[K, V]) policy.Node[K, V] { return nil }
func (h *mockHooks[K, V]) Len() int                                 { return 0 }
func (h *mockHooks[K, V]) Evictable(n policy.Node[K, V]) bool       { return !h.protected[n] }

func newNode(k string) *testNode[string, int] {
	return &testNode[string, int]{k: k, h: store.NewValueHolder(0, 0, store.NoExpiration)}
}

func newTwoQ(capIn, capGhost int) (*twoQ[string, int], *mockHooks[string, int]) {
	h := &mockHooks[string, int]{protected: map[policy.Node[string, int]]bool{}}
	return New[string, int](capIn, capGhost).New(h).(*twoQ[string, int]), h
}

// --- tests ---

func TestTwoQ_AddGoesToA1in(t *testing.T) {
	t.Parallel()

	p, _ := newTwoQ(2, 4)
	n1 := newNode("a")
	if ev := p.OnAdd(n1); ev != nil {
		t.Fatalf("OnAdd should not evict yet")
	}
	if p.inList.Len() != 1 {
		t.Fatalf("A1in must have 1 element, got %d", p.inList.Len())
	}
	if _, ok := p.inIdx[n1]; !ok {
		t.Fatalf("n1 must be present in A1in index")
	}
}

func TestTwoQ_OverflowReturnsLRUOfA1in(t *testing.T) {
	t.Parallel()

	p, _ := newTwoQ(2, 4)
	n1, n2, n3 := newNode("a"), newNode("b"), newNode("c")

	p.OnAdd(n1)
	p.OnAdd(n2)
	if ev := p.OnAdd(n3); ev != n1 {
		t.Fatalf("expected evict candidate n1 (LRU of A1in), got %v", ev)
	}
}

func TestTwoQ_OverflowSkipsProtected(t *testing.T) {
	t.Parallel()

	p, h := newTwoQ(1, 4)
	n1, n2, n3 := newNode("a"), newNode("b"), newNode("c")
	h.protected[n1] = true

	p.OnAdd(n1)
	if ev := p.OnAdd(n2); ev != nil {
		t.Fatalf("the only older A1in node is protected, got proposal %v", ev)
	}
	if ev := p.OnAdd(n3); ev != n2 {
		t.Fatalf("expected n2 (oldest unprotected), got %v", ev)
	}
}

func TestTwoQ_OnRemoveFromA1inGoesToGhost(t *testing.T) {
	t.Parallel()

	p, _ := newTwoQ(2, 2)
	n1 := newNode("a")
	p.OnAdd(n1)
	p.OnRemove(n1)
	if _, ok := p.inIdx[n1]; ok {
		t.Fatal("n1 must be removed from A1in")
	}
	if _, ok := p.ghostIdx["a"]; !ok {
		t.Fatal("key 'a' must be in ghost (A1out)")
	}
}

func TestTwoQ_GhostCapacity(t *testing.T) {
	t.Parallel()

	p, _ := newTwoQ(4, 2)
	for _, k := range []string{"a", "b", "c"} {
		n := newNode(k)
		p.OnAdd(n)
		p.OnRemove(n)
	}
	if p.ghostList.Len() != 2 {
		t.Fatalf("ghosts must be capped at 2, got %d", p.ghostList.Len())
	}
	if _, ok := p.ghostIdx["a"]; ok {
		t.Fatal("oldest ghost must be dropped")
	}
}

func TestTwoQ_AddFromGhostGoesToAm(t *testing.T) {
	t.Parallel()

	p, _ := newTwoQ(1, 2)
	n1 := newNode("a")
	p.OnAdd(n1)
	p.OnRemove(n1)

	n2 := newNode("a")
	if ev := p.OnAdd(n2); ev != nil {
		t.Fatalf("OnAdd from ghost must not evict (got %v)", ev)
	}
	if _, ok := p.inIdx[n2]; ok {
		t.Fatalf("n2 must not be in A1in")
	}
}

func TestTwoQ_GetPromotesFromA1inToAm(t *testing.T) {
	t.Parallel()

	p, h := newTwoQ(2, 2)
	n1 := newNode("a")
	p.OnAdd(n1)
	p.OnGet(n1)
	if _, ok := p.inIdx[n1]; ok {
		t.Fatal("n1 must be promoted out of A1in after Get")
	}
	if h.moveToFrontCnt != 1 {
		t.Fatalf("OnGet must call MoveToFront once")
	}
}
