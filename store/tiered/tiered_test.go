package tiered

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/tieredcache/internal/pages"
	"github.com/IvanBrykalov/tieredcache/serialize"
	"github.com/IvanBrykalov/tieredcache/store"
	"github.com/IvanBrykalov/tieredcache/store/heap"
	"github.com/IvanBrykalov/tieredcache/store/offheap"
)

type fakeClock struct{ t atomic.Int64 }

func (c *fakeClock) NowUnixNano() int64      { return c.t.Load() }
func (c *fakeClock) Advance(d time.Duration) { c.t.Add(int64(d)) }

type fixture struct {
	store     *Store[string, string]
	caching   *heap.Tier[string, string]
	authority *offheap.Tier[string, string]
}

func (f *fixture) pinned(t *testing.T, k string) bool {
	t.Helper()
	bits, ok := f.authority.Segments()[0].GetMetadata(k, offheap.Pinned)
	require.True(t, ok, "key %q must be in the authority", k)
	return bits == offheap.Pinned
}

func newFixture(t *testing.T, heapEntries int64, clk store.Clock) *fixture {
	t.Helper()
	caching, err := heap.New(heap.Options[string, string]{
		Pool: store.EntryPool(heapEntries), Shards: 1, Clock: clk,
	})
	require.NoError(t, err)
	authority, err := offheap.New(offheap.Options[string, string]{
		Pool:     store.BytePool(64 * pages.MinPageSize),
		PageSize: pages.MinPageSize,
		Segments: 1,
		Keys:     serialize.String(),
		Values:   serialize.String(),
		Clock:    clk,
	})
	require.NoError(t, err)
	s := New[string, string](caching, authority, Options{Clock: clk})
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{store: s, caching: caching, authority: authority}
}

func TestStore_ReadFaultsAndPins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 4, nil)

	_, err := f.store.Put("k", "v")
	require.NoError(t, err)
	assert.Zero(t, f.caching.Len(), "writes do not populate the caching tier")
	assert.False(t, f.pinned(t, "k"))

	h, err := f.store.Get("k")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "v", h.Value())
	assert.Equal(t, 1, f.caching.Len())
	assert.True(t, f.pinned(t, "k"), "a faulted entry stays pinned in the authority")

	h, err = f.store.Get("absent")
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Equal(t, 1, f.caching.Len())
}

func TestStore_WriteInvalidates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 4, nil)

	_, _ = f.store.Put("k", "v1")
	_, _ = f.store.Get("k")
	require.Equal(t, 1, f.caching.Len())

	_, err := f.store.Put("k", "v2")
	require.NoError(t, err)
	assert.Zero(t, f.caching.Len())
	assert.False(t, f.pinned(t, "k"))

	h, err := f.store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", h.Value())

	removed, err := f.store.Remove("k")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Zero(t, f.caching.Len())
	h, err = f.store.Get("k")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestStore_CachingEvictionUnpins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, nil)

	for _, k := range []string{"a", "b", "c"} {
		_, err := f.store.Put(k, k)
		require.NoError(t, err)
		_, err = f.store.Get(k)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.caching.Len())
	assert.False(t, f.pinned(t, "a"), "evicted from the caching tier, so flushed")
	assert.True(t, f.pinned(t, "b"))
	assert.True(t, f.pinned(t, "c"))
}

func TestStore_Expiry(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{}
	clk.t.Store(1)

	caching, err := heap.New(heap.Options[string, string]{Pool: store.EntryPool(4), Clock: clk})
	require.NoError(t, err)
	authority, err := offheap.New(offheap.Options[string, string]{
		Pool: store.BytePool(16 * pages.MinPageSize), PageSize: pages.MinPageSize, Segments: 1,
		Keys: serialize.String(), Values: serialize.String(),
		Clock: clk, DefaultTTL: time.Second,
	})
	require.NoError(t, err)
	s := New[string, string](caching, authority, Options{Clock: clk})
	t.Cleanup(func() { _ = s.Close() })

	_, _ = s.Put("k", "v")
	h, err := s.Get("k")
	require.NoError(t, err)
	require.NotNil(t, h)

	clk.Advance(2 * time.Second)
	h, err = s.Get("k")
	require.NoError(t, err)
	assert.Nil(t, h, "the cached copy expires with its authority holder")
	assert.Zero(t, caching.Len())
}

func TestStore_ComputeIfAbsentAndBulk(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 8, nil)

	var loads int
	load := func(k string) (string, bool) { loads++; return "loaded-" + k, true }

	h, err := f.store.ComputeIfAbsent("k", load)
	require.NoError(t, err)
	assert.Equal(t, "loaded-k", h.Value())
	_, _ = f.store.Get("k")

	h, err = f.store.ComputeIfAbsent("k", load)
	require.NoError(t, err)
	assert.Equal(t, "loaded-k", h.Value())
	assert.Equal(t, 1, loads, "a cached mapping is not reloaded")

	keys := []string{"a", "b", "k"}
	out, err := f.store.BulkCompute(keys, func(in []store.Entry[string, string]) []store.Entry[string, string] {
		res := make([]store.Entry[string, string], len(in))
		for i, e := range in {
			res[i] = store.Entry[string, string]{Key: e.Key, Value: fmt.Sprint(e.Present), Present: true}
		}
		return res
	})
	require.NoError(t, err)
	assert.Equal(t, "false", out["a"].Value())
	assert.Equal(t, "true", out["k"].Value())
	assert.Zero(t, f.caching.Len(), "bulk writes invalidate every key")

	require.NoError(t, f.store.Clear())
	assert.Zero(t, f.store.Len())
}

type failingAuthority struct {
	store.AuthoritativeTier[string, string]
	err error
}

func (f failingAuthority) GetAndFault(string) (*store.ValueHolder[string], error) { return nil, f.err }
func (f failingAuthority) Put(string, string) (store.PutStatus, error)           { return 0, f.err }
func (f failingAuthority) Flush(string, *store.ValueHolder[string]) bool        { return false }

func TestStore_FailuresPropagate(t *testing.T) {
	t.Parallel()

	caching, err := heap.New(heap.Options[string, string]{Pool: store.EntryPool(4)})
	require.NoError(t, err)
	boom := store.NewAccessError("get", "authority", errors.New("boom"))
	s := New[string, string](caching, failingAuthority{err: boom}, Options{})

	_, err = s.Get("k")
	var sae *store.StoreAccessError
	require.ErrorAs(t, err, &sae)
	assert.Zero(t, caching.Len())

	_, err = s.Put("k", "v")
	assert.ErrorIs(t, err, boom)
}

func TestStore_ConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 16, nil)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 300; i++ {
				k := fmt.Sprintf("k%d", (w+i)%20)
				if i%3 == 0 {
					if _, err := f.store.Put(k, k); err != nil {
						return err
					}
					continue
				}
				h, err := f.store.Get(k)
				if err != nil {
					return err
				}
				if h != nil && h.Value() != k {
					return fmt.Errorf("key %s holds %q", k, h.Value())
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, f.caching.Len(), 16)
}
