// Package offheap implements the authoritative tier: entries are serialized
// into native memory pages shared by independently locked segments.
//
// Capacity is a byte pool carved into pages; each segment may hold an equal
// share of them. When a segment is full it evicts with a CLOCK hand that
// skips pinned entries and, while the advisor is on, entries advised against
// eviction. Advised entries are evicted as a last resort; pinned ones never.
package offheap

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IvanBrykalov/tieredcache/eviction"
	"github.com/IvanBrykalov/tieredcache/internal/pages"
	"github.com/IvanBrykalov/tieredcache/internal/util"
	"github.com/IvanBrykalov/tieredcache/serialize"
	"github.com/IvanBrykalov/tieredcache/store"
)

// Options configures a Tier. Zero values are safe except for Pool, Keys and
// Values; defaults are applied in New:
//   - Segments <= 0 => util.ReasonableShardCount(), clamped to the page count
//   - PageSize <= 0 => pages.DefaultPageSize
//   - nil Advisor   => no advice
//   - nil Logger    => slog.Default()
type Options[K comparable, V any] struct {
	// Pool is the byte capacity of the tier. Ignored when Allocator is set.
	Pool store.ResourcePool
	// Allocator shares pages with other tiers. The tier does not close it.
	Allocator *pages.Allocator
	Segments  int
	PageSize  int

	Keys   serialize.Serializer[K]
	Values serialize.Serializer[V]

	// Advisor is consulted on every write; toggle it through its switch.
	Advisor *eviction.Switchable[K, V]

	// Name identifies the tier in errors (default "offheap").
	Name string
	// DefaultTTL bounds the life of every mapping (0 = no expiration).
	DefaultTTL time.Duration
	// OnEvict is called for every eviction under the segment lock; keep it light.
	OnEvict         store.EvictionListener[K, V]
	Events          store.EventSink[K, V]
	Clock           store.Clock
	BulkParallelism int
	Logger          *slog.Logger
}

// Tier is the off-heap authoritative tier.
type Tier[K comparable, V any] struct {
	*store.Base[K, V]
	eng *engine[K, V]
}

var _ store.AuthoritativeTier[string, string] = (*Tier[string, string])(nil)

// New builds a tier. The returned tier owns its allocator unless one was passed in.
func New[K comparable, V any](opt Options[K, V]) (*Tier[K, V], error) {
	if opt.Keys == nil || opt.Values == nil {
		return nil, errors.New("offheap: key and value serializers are required")
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Advisor == nil {
		opt.Advisor = eviction.NewSwitchable[K, V](nil)
	}
	if opt.Name == "" {
		opt.Name = "offheap"
	}

	alloc, owns := opt.Allocator, false
	if alloc == nil {
		if err := opt.Pool.Validate(); err != nil {
			return nil, err
		}
		if opt.Pool.Unit != store.Bytes {
			return nil, fmt.Errorf("offheap: pool must be sized in bytes, got %s", opt.Pool)
		}
		var err error
		alloc, err = pages.New(pages.Config{MaxBytes: opt.Pool.Size, PageSize: opt.PageSize, Logger: opt.Logger})
		if err != nil {
			return nil, err
		}
		owns = true
	}

	total := alloc.TotalPages()
	n := util.ShardCount(opt.Segments, int64(total))
	// Quotas add up to exactly the allocator's pages.
	per, extra := total/n, total%n

	e := &engine[K, V]{
		segs:      make([]*Segment[K, V], n),
		keys:      opt.Keys,
		alloc:     alloc,
		ownsAlloc: owns,
		advisor:   opt.Advisor,
		name:      opt.Name,
	}
	for i := range e.segs {
		quota := per
		if i < extra {
			quota++
		}
		seg, err := NewSegment(SegmentConfig[K, V]{
			Allocator: alloc,
			PageQuota: quota,
			Keys:      opt.Keys,
			Values:    opt.Values,
			Advisor:   opt.Advisor,
			Logger:    opt.Logger.With("segment", i),
		})
		if err != nil {
			return nil, err
		}
		e.segs[i] = seg
	}

	opt.Logger.Debug("offheap: tier created",
		"name", opt.Name,
		"segments", n,
		"pages", total,
		"page_size", alloc.PageSize(),
		"page_quota", per,
	)

	base := store.NewBase[K, V](e, store.Config[K, V]{
		Name:            opt.Name,
		DefaultTTL:      opt.DefaultTTL,
		Clock:           opt.Clock,
		Events:          opt.Events,
		OnEvict:         opt.OnEvict,
		BulkParallelism: opt.BulkParallelism,
	})
	return &Tier[K, V]{Base: base, eng: e}, nil
}

// Advisor returns the switchable advisor consulted by the tier.
func (t *Tier[K, V]) Advisor() *eviction.Switchable[K, V] { return t.eng.advisor }

// Segments exposes the segments (tests, diagnostics).
func (t *Tier[K, V]) Segments() []*Segment[K, V] { return t.eng.segs }

// Allocator returns the page allocator backing the tier.
func (t *Tier[K, V]) Allocator() *pages.Allocator { return t.eng.alloc }

// GetAndFault returns the live holder for k and pins it until Flush.
func (t *Tier[K, V]) GetAndFault(k K) (*store.ValueHolder[V], error) {
	r, err := encodeKey(t.eng.keys, k)
	if err != nil {
		return nil, store.NewAccessError("getAndFault", t.eng.name, err)
	}
	now := t.Now()
	h, err := t.eng.segmentFor(r).get(r, now, Pinned)
	if err != nil {
		return nil, store.NewAccessError("getAndFault", t.eng.name, err)
	}
	if h == nil {
		return nil, nil
	}
	if h.IsExpired(now) {
		return nil, t.Expire(k, h)
	}
	return h, nil
}

// Flush unpins k if h is still its installed holder.
func (t *Tier[K, V]) Flush(k K, h *store.ValueHolder[V]) bool {
	if h == nil {
		return false
	}
	r, err := encodeKey(t.eng.keys, k)
	if err != nil {
		return false
	}
	return t.eng.segmentFor(r).unpinIf(r, h.ID())
}

// engine implements store.Engine over the segments.
type engine[K comparable, V any] struct {
	segs      []*Segment[K, V]
	keys      serialize.Serializer[K]
	alloc     *pages.Allocator
	ownsAlloc bool
	advisor   *eviction.Switchable[K, V]
	name      string
}

func (e *engine[K, V]) segmentFor(r keyRef[K]) *Segment[K, V] {
	return e.segs[util.ShardIndex(r.hash, len(e.segs))]
}

func (e *engine[K, V]) Lookup(k K, now int64) (*store.ValueHolder[V], error) {
	r, err := encodeKey(e.keys, k)
	if err != nil {
		return nil, err
	}
	return e.segmentFor(r).get(r, now, 0)
}

func (e *engine[K, V]) Remap(k K, fn store.RemapFunc[K, V]) (*store.ValueHolder[V], error) {
	r, err := encodeKey(e.keys, k)
	if err != nil {
		return nil, err
	}
	seg := e.segmentFor(r)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if seg.destroyed {
		return nil, store.ErrClosed
	}
	return seg.computeLocked(r, fn)
}

func (e *engine[K, V]) RemapAll(keys []K, fn store.RemapAllFunc[K, V]) ([]*store.ValueHolder[V], error) {
	if len(keys) == 0 {
		return nil, nil
	}
	refs := make([]keyRef[K], len(keys))
	for i, k := range keys {
		r, err := encodeKey(e.keys, k)
		if err != nil {
			return nil, err
		}
		refs[i] = r
	}
	seg := e.segmentFor(refs[0])
	for _, r := range refs[1:] {
		if e.segmentFor(r) != seg {
			return nil, errors.New("offheap: bulk partition spans segments")
		}
	}
	return seg.computeAll(refs, fn)
}

// Partition groups keys by segment, keeping their relative order. Keys that
// cannot be encoded form their own partition so the failure surfaces in RemapAll.
func (e *engine[K, V]) Partition(keys []K) [][]K {
	bySeg := make(map[int]int)
	var parts [][]K
	for _, k := range keys {
		idx := -1
		if r, err := encodeKey(e.keys, k); err == nil {
			idx = util.ShardIndex(r.hash, len(e.segs))
		}
		if idx < 0 {
			parts = append(parts, []K{k})
			continue
		}
		p, ok := bySeg[idx]
		if !ok {
			p = len(parts)
			bySeg[idx] = p
			parts = append(parts, nil)
		}
		parts[p] = append(parts[p], k)
	}
	return parts
}

func (e *engine[K, V]) SetEvictionListener(fn store.EvictionListener[K, V]) {
	for _, s := range e.segs {
		s.SetEvictionListener(fn)
	}
}

func (e *engine[K, V]) Clear() error {
	var errs []error
	for _, s := range e.segs {
		errs = append(errs, s.Clear())
	}
	return errors.Join(errs...)
}

func (e *engine[K, V]) Len() int {
	n := 0
	for _, s := range e.segs {
		n += s.Len()
	}
	return n
}

func (e *engine[K, V]) Close() error {
	var errs []error
	for _, s := range e.segs {
		errs = append(errs, s.Destroy())
	}
	if e.ownsAlloc {
		errs = append(errs, e.alloc.Close())
	}
	return errors.Join(errs...)
}
