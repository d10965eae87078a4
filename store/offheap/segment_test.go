package offheap

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tieredcache/eviction"
	"github.com/IvanBrykalov/tieredcache/internal/pages"
	"github.com/IvanBrykalov/tieredcache/serialize"
	"github.com/IvanBrykalov/tieredcache/store"
)

type evicted struct {
	key   string
	value string
}

// segFixture is a segment over its own allocator plus a log of evictions.
type segFixture struct {
	seg     *Segment[string, string]
	alloc   *pages.Allocator
	advisor *eviction.Switchable[string, string]
	evicted []evicted
}

// newSegFixture builds a segment limited to quota 4 KiB pages. Values equal
// to "advised" (or with that prefix) are advised against eviction.
func newSegFixture(t *testing.T, quota int) *segFixture {
	t.Helper()
	alloc, err := pages.New(pages.Config{MaxBytes: int64(quota * pages.MinPageSize), PageSize: pages.MinPageSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = alloc.Close() })

	f := &segFixture{alloc: alloc}
	f.advisor = eviction.NewSwitchable[string, string](eviction.AdvisorFunc[string, string](func(_, v string) bool {
		return strings.HasPrefix(v, "advised")
	}))
	f.seg, err = NewSegment(SegmentConfig[string, string]{
		Allocator: alloc,
		PageQuota: quota,
		Keys:      serialize.String(),
		Values:    serialize.String(),
		Advisor:   f.advisor,
		OnEvict: func(k string, h *store.ValueHolder[string], reason store.EvictReason) {
			assert.Equal(t, store.EvictCapacity, reason)
			f.evicted = append(f.evicted, evicted{key: k, value: h.Value()})
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.seg.Destroy() })
	return f
}

func holder(v string) *store.ValueHolder[string] {
	return store.NewValueHolder(v, 1, store.NoExpiration)
}

// slotOf returns the table slot of k, or -1.
func slotOf(s *Segment[string, string], k string) int {
	r, _ := encodeKey(s.keys, k)
	s.mu.Lock()
	defer s.mu.Unlock()
	i, _ := s.findLocked(r)
	return i
}

// padded returns a value whose record lands in the 256 byte class.
func padded(prefix string) string {
	return prefix + strings.Repeat("x", 150-len(prefix))
}

func TestSegment_PutComputesAdvice(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 4)

	require.NoError(t, f.seg.Put("plain", holder("value")))
	require.NoError(t, f.seg.Put("advised", holder("advised")))
	require.NoError(t, f.seg.PutPinned("pinned", holder("advised")))

	bits, ok := f.seg.GetMetadata("plain", AdvisedAgainstEviction)
	require.True(t, ok)
	assert.Zero(t, bits)

	bits, ok = f.seg.GetMetadata("advised", AdvisedAgainstEviction|Pinned)
	require.True(t, ok)
	assert.Equal(t, AdvisedAgainstEviction, bits)

	bits, ok = f.seg.GetMetadata("pinned", AdvisedAgainstEviction|Pinned)
	require.True(t, ok)
	assert.Equal(t, AdvisedAgainstEviction|Pinned, bits)

	// A plain Put clears the pin and recomputes advice for the new value.
	require.NoError(t, f.seg.Put("pinned", holder("plain now")))
	bits, ok = f.seg.GetMetadata("pinned", AdvisedAgainstEviction|Pinned)
	require.True(t, ok)
	assert.Zero(t, bits)

	_, ok = f.seg.GetMetadata("missing", StatusUsed)
	assert.False(t, ok)
}

func TestSegment_Evictable(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 1)

	assert.True(t, f.seg.Evictable(StatusUsed))
	assert.False(t, f.seg.Evictable(StatusUsed|AdvisedAgainstEviction))
	assert.False(t, f.seg.Evictable(StatusUsed|Pinned))
	assert.False(t, f.seg.Evictable(0))

	f.advisor.SetSwitchedOn(false)
	assert.True(t, f.seg.Evictable(StatusUsed|AdvisedAgainstEviction))
	assert.False(t, f.seg.Evictable(StatusUsed|Pinned))
}

func TestSegment_EvictionOrder(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 4)

	require.NoError(t, f.seg.PutPinned("A", holder("a")))
	require.NoError(t, f.seg.Put("B", holder("advised")))
	require.NoError(t, f.seg.Put("C", holder("c")))

	idx := f.seg.EvictionIndex()
	require.Equal(t, slotOf(f.seg, "C"), idx)
	require.True(t, f.seg.Evict(idx, false))
	assert.Equal(t, []evicted{{key: "C", value: "c"}}, f.evicted)

	assert.Equal(t, -1, f.seg.EvictionIndex(), "only pinned and advised entries remain")

	b := slotOf(f.seg, "B")
	assert.False(t, f.seg.Evict(b, false), "advice holds for a normal eviction")
	assert.True(t, f.seg.Evict(b, true), "a forced eviction ignores advice")

	a := slotOf(f.seg, "A")
	assert.False(t, f.seg.Evict(a, true), "pinned entries are never evicted")
	assert.Equal(t, 1, f.seg.Len())
}

func TestSegment_SwitchOffExposesAdvised(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 4)

	require.NoError(t, f.seg.Put("B", holder("advised")))
	assert.Equal(t, -1, f.seg.EvictionIndex())

	f.advisor.SetSwitchedOn(false)
	assert.Equal(t, slotOf(f.seg, "B"), f.seg.EvictionIndex())
}

func TestSegment_SetMetadata(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 1)

	require.NoError(t, f.seg.Put("k", holder("v")))
	require.True(t, f.seg.SetMetadata("k", Pinned, Pinned))
	bits, _ := f.seg.GetMetadata("k", Pinned)
	assert.Equal(t, Pinned, bits)

	// StatusUsed is not user settable.
	require.True(t, f.seg.SetMetadata("k", StatusUsed|Pinned, 0))
	bits, _ = f.seg.GetMetadata("k", StatusUsed|Pinned)
	assert.Equal(t, StatusUsed, bits)

	assert.False(t, f.seg.SetMetadata("missing", Pinned, Pinned))
}

func TestSegment_GetRecordsAccess(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 1)

	require.NoError(t, f.seg.Put("k", holder("v")))
	h, err := f.seg.Get("k", 10)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "v", h.Value())
	assert.EqualValues(t, 1, h.Hits())
	assert.EqualValues(t, 10, h.LastAccessTime())

	h, err = f.seg.Get("k", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.Hits())
	assert.EqualValues(t, 10, h.LastAccessTime(), "last access never goes backwards")

	h, err = f.seg.Get("missing", 10)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestSegment_CapacityEvicts(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 1) // 16 records of 256 bytes

	for i := 0; i < 40; i++ {
		require.NoError(t, f.seg.Put(fmt.Sprintf("k%02d", i), holder(padded("v"))))
	}
	assert.Equal(t, 16, f.seg.Len())
	assert.Len(t, f.evicted, 24)
	assert.Equal(t, 1, f.seg.Pages())
}

func TestSegment_AdvisedEvictedAsLastResort(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 1)

	for i := 0; i < 16; i++ {
		require.NoError(t, f.seg.Put(fmt.Sprintf("a%02d", i), holder(padded("advised"))))
	}
	require.NoError(t, f.seg.Put("plain", holder(padded("p"))))
	assert.Equal(t, 16, f.seg.Len())
	require.Len(t, f.evicted, 1)
	assert.True(t, strings.HasPrefix(f.evicted[0].key, "a"))
}

func TestSegment_PinnedNeverEvicted(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 1)

	for i := 0; i < 16; i++ {
		require.NoError(t, f.seg.PutPinned(fmt.Sprintf("p%02d", i), holder(padded("v"))))
	}
	err := f.seg.Put("one-too-many", holder(padded("v")))
	require.ErrorIs(t, err, ErrAllocation)
	assert.Empty(t, f.evicted)
	assert.Equal(t, 16, f.seg.Len())
}

func TestSegment_LargerClassEmptiesFewestPage(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 2)

	// 64 small records fill one page of the 64 byte class, 10 more start a
	// second page of the same class.
	for i := 0; i < 74; i++ {
		require.NoError(t, f.seg.Put(fmt.Sprintf("s%02d", i), holder("v")))
	}
	require.Equal(t, 2, f.seg.Pages())
	require.Empty(t, f.evicted)

	// A 128 byte record needs a fresh page: only the sparser page is emptied.
	require.NoError(t, f.seg.Put("big", holder(strings.Repeat("x", 40))))
	assert.Len(t, f.evicted, 10)
	assert.Equal(t, 65, f.seg.Len())
	for i := 0; i < 64; i++ {
		assert.GreaterOrEqual(t, slotOf(f.seg, fmt.Sprintf("s%02d", i)), 0, "s%02d", i)
	}
	for _, e := range f.evicted {
		assert.GreaterOrEqual(t, e.key, "s64")
	}
}

func TestSegment_SameClassEvictsSingleEntry(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 2)

	for i := 0; i < 16; i++ {
		require.NoError(t, f.seg.Put(fmt.Sprintf("m%02d", i), holder(padded("v"))))
	}
	for i := 0; i < 64; i++ {
		require.NoError(t, f.seg.Put(fmt.Sprintf("s%02d", i), holder("v")))
	}
	require.Equal(t, 2, f.seg.Pages())

	require.NoError(t, f.seg.Put("s64", holder("v")))
	require.Len(t, f.evicted, 1)
	assert.True(t, strings.HasPrefix(f.evicted[0].key, "s"))
	assert.Equal(t, 80, f.seg.Len())
}

func TestSegment_PinnedSharingPageFailsWithoutEvicting(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 1)

	require.NoError(t, f.seg.PutPinned("pinned", holder("v")))
	for i := 0; i < 10; i++ {
		require.NoError(t, f.seg.Put(fmt.Sprintf("k%02d", i), holder("v")))
	}

	err := f.seg.Put("big", holder(strings.Repeat("x", 40)))
	require.ErrorIs(t, err, ErrAllocation)
	assert.Empty(t, f.evicted)
	assert.Equal(t, 11, f.seg.Len())
}

func TestSegment_RecordTooLarge(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 1)

	err := f.seg.Put("big", holder(strings.Repeat("x", pages.MinPageSize)))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestSegment_ComputeAndRemove(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 2)

	h, err := f.seg.Compute("k", func(_ string, old *store.ValueHolder[string]) *store.ValueHolder[string] {
		assert.Nil(t, old)
		return holder("v1")
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", h.Value())

	// Returning old leaves the mapping untouched.
	h, err = f.seg.Compute("k", func(_ string, old *store.ValueHolder[string]) *store.ValueHolder[string] {
		return old
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", h.Value())

	removed, err := f.seg.Remove("k")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.seg.Remove("k")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Zero(t, f.seg.Pages(), "empty pages go back to the allocator")
}

func TestSegment_ComputeAll(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 2)
	require.NoError(t, f.seg.Put("a", holder("1")))

	out, err := f.seg.ComputeAll([]string{"a", "b"}, func(keys []string, olds []*store.ValueHolder[string]) []*store.ValueHolder[string] {
		require.Equal(t, []string{"a", "b"}, keys)
		assert.Equal(t, "1", olds[0].Value())
		assert.Nil(t, olds[1])
		return []*store.ValueHolder[string]{nil, holder("2")}
	})
	require.NoError(t, err)
	assert.Nil(t, out[0])
	assert.Equal(t, "2", out[1].Value())
	assert.Equal(t, 1, f.seg.Len())
}

func TestSegment_ManyKeysSurviveRehash(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 16)

	for i := 0; i < 200; i++ {
		require.NoError(t, f.seg.Put(fmt.Sprintf("k%d", i), holder(fmt.Sprint(i))))
	}
	for i := 0; i < 200; i += 2 {
		_, err := f.seg.Remove(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}
	for i := 0; i < 200; i++ {
		h, err := f.seg.Get(fmt.Sprintf("k%d", i), 1)
		require.NoError(t, err)
		if i%2 == 0 {
			assert.Nil(t, h)
		} else {
			require.NotNil(t, h)
			assert.Equal(t, fmt.Sprint(i), h.Value())
		}
	}
}

func TestSegment_DestroyReleasesPages(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 4)

	for i := 0; i < 50; i++ {
		require.NoError(t, f.seg.Put(fmt.Sprintf("k%d", i), holder(padded("v"))))
	}
	require.Positive(t, f.alloc.Stats().UsedPages)

	require.NoError(t, f.seg.Destroy())
	require.NoError(t, f.seg.Destroy())
	assert.Zero(t, f.alloc.Stats().UsedPages)

	require.ErrorIs(t, f.seg.Put("k", holder("v")), store.ErrClosed)
	_, err := f.seg.Get("k", 1)
	require.ErrorIs(t, err, store.ErrClosed)
}

func TestSegment_ClearReleasesPages(t *testing.T) {
	t.Parallel()
	f := newSegFixture(t, 4)

	for i := 0; i < 20; i++ {
		require.NoError(t, f.seg.Put(fmt.Sprintf("k%d", i), holder(padded("v"))))
	}
	require.NoError(t, f.seg.Clear())
	assert.Zero(t, f.seg.Len())
	assert.Zero(t, f.alloc.Stats().UsedPages)
	assert.Empty(t, f.evicted, "clear does not evict")

	require.NoError(t, f.seg.Put("again", holder("v")))
	assert.Equal(t, 1, f.seg.Len())
}
