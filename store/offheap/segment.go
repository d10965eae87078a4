package offheap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/IvanBrykalov/tieredcache/eviction"
	"github.com/IvanBrykalov/tieredcache/internal/pages"
	"github.com/IvanBrykalov/tieredcache/serialize"
	"github.com/IvanBrykalov/tieredcache/store"
)

// ErrAllocation is returned when no eviction in the segment can make room for
// a record, for instance when every page holds a pinned entry.
var ErrAllocation = errors.New("offheap: cannot allocate record")

// SegmentConfig configures a Segment.
type SegmentConfig[K comparable, V any] struct {
	// Allocator provides pages. Required.
	Allocator *pages.Allocator
	// PageQuota caps the pages this segment may hold (0 => all of Allocator).
	PageQuota int
	// Keys and Values encode entries. Required.
	Keys   serialize.Serializer[K]
	Values serialize.Serializer[V]
	// Advisor is consulted on every write (nil => no advice).
	Advisor *eviction.Switchable[K, V]
	// OnEvict is told about every capacity eviction, before the record is freed.
	OnEvict store.EvictionListener[K, V]
	// Logger (nil => slog.Default()).
	Logger *slog.Logger
}

// keyRef is a key together with its encoded form and hash.
type keyRef[K comparable] struct {
	k    K
	enc  []byte
	hash uint64
}

func encodeKey[K comparable](keys serialize.Serializer[K], k K) (keyRef[K], error) {
	enc, err := keys.Encode(k)
	if err != nil {
		return keyRef[K]{}, fmt.Errorf("offheap: encoding key: %w", err)
	}
	return keyRef[K]{k: k, enc: enc, hash: xxhash.Sum64(enc)}, nil
}

// Segment is one independently locked partition of off-heap storage: a slab
// of pages holding the records and an open-addressing table indexing them.
//
// Every operation, eviction included, runs under the segment mutex. The
// eviction listener is invoked under that mutex too, so it must not call
// back into the segment.
type Segment[K comparable, V any] struct {
	mu        sync.Mutex
	table     table
	slab      *slab
	hand      int // CLOCK cursor into table.slots
	destroyed bool

	keys     serialize.Serializer[K]
	values   serialize.Serializer[V]
	advisor  *eviction.Switchable[K, V]
	listener store.EvictionListener[K, V]
	logger   *slog.Logger

	destroyOnce sync.Once
}

// NewSegment returns an empty segment.
func NewSegment[K comparable, V any](cfg SegmentConfig[K, V]) (*Segment[K, V], error) {
	if cfg.Allocator == nil {
		return nil, errors.New("offheap: segment needs an allocator")
	}
	if cfg.Keys == nil || cfg.Values == nil {
		return nil, errors.New("offheap: segment needs key and value serializers")
	}
	if cfg.PageQuota <= 0 {
		cfg.PageQuota = cfg.Allocator.TotalPages()
	}
	if cfg.Advisor == nil {
		cfg.Advisor = eviction.NewSwitchable[K, V](nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Segment[K, V]{
		table:    newTable(),
		slab:     newSlab(cfg.Allocator, cfg.PageQuota),
		keys:     cfg.Keys,
		values:   cfg.Values,
		advisor:  cfg.Advisor,
		listener: cfg.OnEvict,
		logger:   cfg.Logger,
	}, nil
}

// SetEvictionListener replaces the eviction listener.
func (s *Segment[K, V]) SetEvictionListener(fn store.EvictionListener[K, V]) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

// Put stores h for k. Metadata is reset: only AdvisedAgainstEviction is set,
// from the advisor's verdict on the new value.
func (s *Segment[K, V]) Put(k K, h *store.ValueHolder[V]) error {
	return s.put(k, h, 0)
}

// PutPinned is Put that also pins the entry.
func (s *Segment[K, V]) PutPinned(k K, h *store.ValueHolder[V]) error {
	return s.put(k, h, Pinned)
}

func (s *Segment[K, V]) put(k K, h *store.ValueHolder[V], meta uint32) error {
	r, err := encodeKey(s.keys, k)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return store.ErrClosed
	}
	return s.writeLocked(r, h, meta)
}

// Get returns the holder for k (nil if absent) and records the read in place.
func (s *Segment[K, V]) Get(k K, now int64) (*store.ValueHolder[V], error) {
	r, err := encodeKey(s.keys, k)
	if err != nil {
		return nil, err
	}
	return s.get(r, now, 0)
}

// get reads r, records the access and ORs extra into the slot metadata.
func (s *Segment[K, V]) get(r keyRef[K], now int64, extra uint32) (*store.ValueHolder[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, store.ErrClosed
	}
	i, _ := s.findLocked(r)
	if i < 0 {
		return nil, nil
	}
	sl := &s.table.slots[i]
	b := s.slab.bytes(sl.addr)
	touchRecord(b, now)
	sl.meta |= accessed | extra
	return readHolder(b, s.values)
}

// Remove deletes k and reports whether it was present.
func (s *Segment[K, V]) Remove(k K) (bool, error) {
	r, err := encodeKey(s.keys, k)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false, store.ErrClosed
	}
	i, _ := s.findLocked(r)
	if i < 0 {
		return false, nil
	}
	s.releaseSlotLocked(i)
	return true, nil
}

// Compute atomically remaps k: fn sees the current holder (nil if absent)
// and returns the holder to store, old itself to leave it, or nil to remove.
func (s *Segment[K, V]) Compute(k K, fn store.RemapFunc[K, V]) (*store.ValueHolder[V], error) {
	r, err := encodeKey(s.keys, k)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, store.ErrClosed
	}
	return s.computeLocked(r, fn)
}

// ComputeAll remaps keys in one critical section. Keys are applied in order;
// on error the keys before the failing one stay applied.
func (s *Segment[K, V]) ComputeAll(keys []K, fn store.RemapAllFunc[K, V]) ([]*store.ValueHolder[V], error) {
	refs := make([]keyRef[K], len(keys))
	for i, k := range keys {
		r, err := encodeKey(s.keys, k)
		if err != nil {
			return nil, err
		}
		refs[i] = r
	}
	return s.computeAll(refs, fn)
}

func (s *Segment[K, V]) computeAll(refs []keyRef[K], fn store.RemapAllFunc[K, V]) ([]*store.ValueHolder[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, store.ErrClosed
	}

	keys := make([]K, len(refs))
	olds := make([]*store.ValueHolder[V], len(refs))
	for i, r := range refs {
		keys[i] = r.k
		old, err := s.readLocked(r)
		if err != nil {
			return nil, err
		}
		olds[i] = old
	}
	next := fn(keys, olds)
	if len(next) != len(refs) {
		return nil, fmt.Errorf("offheap: bulk function returned %d holders for %d keys", len(next), len(refs))
	}
	for i, r := range refs {
		if err := s.installLocked(r, olds[i], next[i]); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// GetMetadata returns the metadata bits of k selected by mask.
func (s *Segment[K, V]) GetMetadata(k K, mask uint32) (uint32, bool) {
	r, err := encodeKey(s.keys, k)
	if err != nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0, false
	}
	i, _ := s.findLocked(r)
	if i < 0 {
		return 0, false
	}
	return s.table.slots[i].meta & mask, true
}

// SetMetadata replaces the bits of k selected by mask with bits. Only Pinned
// and AdvisedAgainstEviction can be changed. It reports whether k was present.
func (s *Segment[K, V]) SetMetadata(k K, mask, bits uint32) bool {
	r, err := encodeKey(s.keys, k)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	i, _ := s.findLocked(r)
	if i < 0 {
		return false
	}
	mask &= userBits
	sl := &s.table.slots[i]
	sl.meta = sl.meta&^mask | bits&mask
	return true
}

// unpinIf clears Pinned on r if its record still carries identity id.
func (s *Segment[K, V]) unpinIf(r keyRef[K], id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	i, _ := s.findLocked(r)
	if i < 0 {
		return false
	}
	sl := &s.table.slots[i]
	if recordID(s.slab.bytes(sl.addr)) != id {
		return false
	}
	sl.meta &^= Pinned
	return true
}

// Evictable reports whether an entry with the given metadata may be chosen by
// a normal eviction pass: used, not pinned, and not protected by advice.
func (s *Segment[K, V]) Evictable(status uint32) bool {
	return status&StatusUsed != 0 &&
		status&Pinned == 0 &&
		!s.advisor.Protected(status&AdvisedAgainstEviction != 0)
}

// EvictionIndex returns the slot the CLOCK hand picks next, or -1 if no
// entry is evictable.
func (s *Segment[K, V]) EvictionIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return -1
	}
	return s.evictionIndexLocked(-1, -1)
}

// Evict removes the entry in slot index, notifying the eviction listener.
// A forced eviction ignores advice; pinned entries are never evicted.
func (s *Segment[K, V]) Evict(index int, forced bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || index < 0 || index >= len(s.table.slots) {
		return false
	}
	return s.evictLocked(index, forced)
}

// PageQuota returns the most pages the segment may hold.
func (s *Segment[K, V]) PageQuota() int { return s.slab.quota }

// Len returns the number of entries.
func (s *Segment[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.size
}

// Pages returns the number of pages held.
func (s *Segment[K, V]) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slab.pageCount()
}

// Clear drops every entry without notifying the eviction listener and
// returns all pages to the allocator.
func (s *Segment[K, V]) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return store.ErrClosed
	}
	s.table.reset()
	s.hand = 0
	return s.slab.releaseAll()
}

// Destroy releases every page exactly once. The segment is unusable afterwards.
func (s *Segment[K, V]) Destroy() error {
	var err error
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.destroyed = true
		s.table = table{}
		err = s.slab.releaseAll()
	})
	return err
}

// ---- internals (mu held) ----

func (s *Segment[K, V]) findLocked(r keyRef[K]) (found, insert int) {
	return s.table.find(r.hash, func(a blockAddr) bool {
		return keyEquals(s.slab.bytes(a), r.enc)
	})
}

func (s *Segment[K, V]) readLocked(r keyRef[K]) (*store.ValueHolder[V], error) {
	i, _ := s.findLocked(r)
	if i < 0 {
		return nil, nil
	}
	return readHolder(s.slab.bytes(s.table.slots[i].addr), s.values)
}

func (s *Segment[K, V]) computeLocked(r keyRef[K], fn store.RemapFunc[K, V]) (*store.ValueHolder[V], error) {
	old, err := s.readLocked(r)
	if err != nil {
		return nil, err
	}
	next := fn(r.k, old)
	if err := s.installLocked(r, old, next); err != nil {
		return nil, err
	}
	return next, nil
}

// installLocked moves r from old to next: no-op when unchanged, removal when
// next is nil, a write otherwise.
func (s *Segment[K, V]) installLocked(r keyRef[K], old, next *store.ValueHolder[V]) error {
	switch {
	case next == old:
		return nil
	case next == nil:
		if i, _ := s.findLocked(r); i >= 0 {
			s.releaseSlotLocked(i)
		}
		return nil
	default:
		return s.writeLocked(r, next, 0)
	}
}

// writeLocked stores h for r with meta plus the advisor's verdict.
func (s *Segment[K, V]) writeLocked(r keyRef[K], h *store.ValueHolder[V], meta uint32) error {
	val, err := s.values.Encode(h.Value())
	if err != nil {
		return fmt.Errorf("offheap: encoding value: %w", err)
	}
	if s.advisor.AdviseAgainstEviction(r.k, h.Value()) {
		meta |= AdvisedAgainstEviction
	}

	s.table.reserve()
	found, insert := s.findLocked(r)
	addr, err := s.allocateLocked(recordSize(r.enc, val), found)
	if err != nil {
		return err
	}
	writeRecord(s.slab.bytes(addr), r.enc, val, h)

	if found < 0 {
		s.table.put(insert, r.hash, addr, meta)
		return nil
	}
	sl := &s.table.slots[found]
	prev := sl.addr
	sl.addr = addr
	sl.meta = meta | StatusUsed
	if err := s.slab.free(prev); err != nil {
		s.logger.Error("offheap: freeing replaced record", "error", err)
	}
	return nil
}

// allocateLocked gets a block of n bytes, evicting other entries while the
// segment is full. Slot exclude (the entry being written) is never evicted.
func (s *Segment[K, V]) allocateLocked(n int, exclude int) (blockAddr, error) {
	for {
		addr, err := s.slab.allocate(n)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, errNoSpace) {
			return 0, err
		}
		if !s.makeRoomLocked(s.slab.classOf(n), exclude) {
			return 0, fmt.Errorf("%w: %d byte record", ErrAllocation, n)
		}
	}
}

// makeRoomLocked evicts so that a block of class c can be allocated. Every
// page of class c is full at this point, so one entry on such a page frees a
// block; otherwise a whole page has to be emptied. Advised entries go last
// and pinned entries are never touched. It reports false, having evicted
// nothing, when no eviction can produce the block.
func (s *Segment[K, V]) makeRoomLocked(c, exclude int) bool {
	if i := s.evictionIndexLocked(exclude, c); i >= 0 {
		return s.evictLocked(i, false)
	}
	byPage := s.pageEntriesLocked(exclude)
	if s.emptyPageLocked(byPage, false) {
		return true
	}
	for i := range s.table.slots {
		sl := &s.table.slots[i]
		if i == exclude || !sl.used() || sl.meta&Pinned != 0 || s.slab.classAt(sl.addr) != c {
			continue
		}
		s.logger.Debug("offheap: evicting entry advised against eviction", "slot", i)
		return s.evictLocked(i, true)
	}
	return s.emptyPageLocked(byPage, true)
}

// pageEntries lists the slots whose records live on one page.
type pageEntries struct {
	slots []int
	// protected is set when a slot is advised against eviction.
	protected bool
	// stuck is set when the page holds a pinned entry or the entry being
	// written, so evictions cannot empty it.
	stuck bool
}

func (s *Segment[K, V]) pageEntriesLocked(exclude int) map[pages.Page]*pageEntries {
	byPage := make(map[pages.Page]*pageEntries, s.slab.pageCount())
	for i := range s.table.slots {
		sl := &s.table.slots[i]
		if !sl.used() {
			continue
		}
		pe := byPage[sl.addr.page()]
		if pe == nil {
			pe = &pageEntries{}
			byPage[sl.addr.page()] = pe
		}
		switch {
		case i == exclude || sl.meta&Pinned != 0:
			pe.stuck = true
		case !s.Evictable(sl.meta):
			pe.protected = true
		}
		pe.slots = append(pe.slots, i)
	}
	return byPage
}

// emptyPageLocked evicts every entry of the page with the fewest entries,
// skipping stuck pages and, unless advised is set, protected ones. Emptying
// the page returns it to the allocator.
func (s *Segment[K, V]) emptyPageLocked(byPage map[pages.Page]*pageEntries, advised bool) bool {
	var victim *pageEntries
	for _, pe := range byPage {
		if pe.stuck || (pe.protected && !advised) {
			continue
		}
		if victim == nil || len(pe.slots) < len(victim.slots) {
			victim = pe
		}
	}
	if victim == nil {
		return false
	}
	for _, i := range victim.slots {
		s.evictLocked(i, true)
	}
	return true
}

// evictionIndexLocked runs the CLOCK hand over evictable entries, restricted
// to records in size class c unless c is negative.
func (s *Segment[K, V]) evictionIndexLocked(exclude, c int) int {
	n := len(s.table.slots)
	if s.hand >= n {
		s.hand = 0
	}
	// Two sweeps: the first may only clear reference bits.
	for step := 0; step < 2*n; step++ {
		i := s.hand
		s.hand = (s.hand + 1) % n
		sl := &s.table.slots[i]
		if i == exclude || !s.Evictable(sl.meta) {
			continue
		}
		if c >= 0 && s.slab.classAt(sl.addr) != c {
			continue
		}
		if sl.meta&accessed != 0 {
			sl.meta &^= accessed
			continue
		}
		return i
	}
	return -1
}

func (s *Segment[K, V]) evictLocked(i int, forced bool) bool {
	sl := &s.table.slots[i]
	if !sl.used() || sl.meta&Pinned != 0 {
		return false
	}
	if !forced && !s.Evictable(sl.meta) {
		return false
	}
	s.notifyLocked(s.slab.bytes(sl.addr))
	s.releaseSlotLocked(i)
	return true
}

// notifyLocked hands the record in b to the eviction listener.
func (s *Segment[K, V]) notifyLocked(b []byte) {
	if s.listener == nil {
		return
	}
	k, err := s.keys.Decode(recordKey(b))
	if err != nil {
		s.logger.Warn("offheap: evicted record has an undecodable key", "error", err)
		return
	}
	h, err := readHolder(b, s.values)
	if err != nil {
		s.logger.Warn("offheap: evicted record has an undecodable value", "error", err)
		return
	}
	s.listener(k, h, store.EvictCapacity)
}

func (s *Segment[K, V]) releaseSlotLocked(i int) {
	addr := s.table.slots[i].addr
	s.table.remove(i)
	if err := s.slab.free(addr); err != nil {
		s.logger.Error("offheap: freeing record", "error", err)
	}
}
