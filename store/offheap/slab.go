package offheap

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/IvanBrykalov/tieredcache/internal/pages"
)

// minBlock is the smallest slab block; it fits the record header.
const minBlock = 64

var (
	// errNoSpace means the segment is at its page quota (or the shared
	// allocator is exhausted) and no block of the needed class is free.
	errNoSpace = errors.New("offheap: no space")
	// ErrTooLarge is returned for a record bigger than one page.
	ErrTooLarge = errors.New("offheap: record larger than a page")
)

// blockAddr locates a block: page handle in the high 32 bits, offset in the low.
type blockAddr uint64

func makeAddr(p pages.Page, off int) blockAddr { return blockAddr(uint64(p)<<32 | uint64(uint32(off))) }
func (a blockAddr) page() pages.Page            { return pages.Page(a >> 32) }
func (a blockAddr) offset() int                 { return int(uint32(a)) }

// slabPage is one allocator page cut into equal blocks of a size class.
type slabPage struct {
	id    pages.Page
	data  []byte
	class int
	free  []uint32 // offsets of free blocks
	used  int
	// partial reports whether the page is on its class's partial list.
	partial bool
}

// slab is a per-segment block allocator over pages of a shared
// pages.Allocator. Blocks come in power-of-two size classes from minBlock up
// to the page size. A page whose blocks are all free is returned to the
// allocator. Not safe for concurrent use; the owning segment's lock guards it.
type slab struct {
	alloc    *pages.Allocator
	pageSize int
	quota    int
	minShift uint

	pages   map[pages.Page]*slabPage
	partial [][]*slabPage // per class, pages with at least one free block
}

func newSlab(alloc *pages.Allocator, quota int) *slab {
	minShift := uint(bits.Len(uint(minBlock - 1)))
	maxShift := uint(bits.Len(uint(alloc.PageSize() - 1)))
	return &slab{
		alloc:    alloc,
		pageSize: alloc.PageSize(),
		quota:    quota,
		minShift: minShift,
		pages:    make(map[pages.Page]*slabPage),
		partial:  make([][]*slabPage, maxShift-minShift+1),
	}
}

// classOf returns the size class index for an n-byte block.
func (s *slab) classOf(n int) int {
	if n <= minBlock {
		return 0
	}
	return int(uint(bits.Len(uint(n-1))) - s.minShift)
}

func (s *slab) classSize(c int) int { return minBlock << c }

// allocate returns a block of at least n bytes, or errNoSpace when a new page
// would be needed and none can be obtained.
func (s *slab) allocate(n int) (blockAddr, error) {
	if n > s.pageSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, s.pageSize)
	}
	c := s.classOf(n)
	if len(s.partial[c]) == 0 {
		if err := s.grow(c); err != nil {
			return 0, err
		}
	}
	list := s.partial[c]
	p := list[len(list)-1]
	off := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used++
	if len(p.free) == 0 {
		s.partial[c] = list[:len(list)-1]
		p.partial = false
	}
	return makeAddr(p.id, int(off)), nil
}

// grow takes a fresh page from the allocator for class c.
func (s *slab) grow(c int) error {
	if len(s.pages) >= s.quota {
		return errNoSpace
	}
	id, err := s.alloc.Allocate()
	if errors.Is(err, pages.ErrExhausted) {
		return errNoSpace
	}
	if err != nil {
		return err
	}
	size := s.classSize(c)
	n := s.pageSize / size
	p := &slabPage{id: id, data: s.alloc.Bytes(id), class: c, free: make([]uint32, n), partial: true}
	// Hand out low offsets first.
	for i := 0; i < n; i++ {
		p.free[i] = uint32((n - 1 - i) * size)
	}
	s.pages[id] = p
	s.partial[c] = append(s.partial[c], p)
	return nil
}

// classAt returns the size class of the block at a.
func (s *slab) classAt(a blockAddr) int { return s.pages[a.page()].class }

// bytes returns the whole block at a.
func (s *slab) bytes(a blockAddr) []byte {
	p := s.pages[a.page()]
	off := a.offset()
	size := s.classSize(p.class)
	return p.data[off : off+size : off+size]
}

// free returns the block at a. A page left without used blocks goes back to
// the allocator.
func (s *slab) free(a blockAddr) error {
	p, ok := s.pages[a.page()]
	if !ok {
		return fmt.Errorf("offheap: free of unknown page %d", a.page())
	}
	p.free = append(p.free, uint32(a.offset()))
	p.used--
	if p.used > 0 {
		if !p.partial {
			p.partial = true
			s.partial[p.class] = append(s.partial[p.class], p)
		}
		return nil
	}
	if p.partial {
		s.dropPartial(p)
	}
	delete(s.pages, p.id)
	return s.alloc.Release(p.id)
}

func (s *slab) dropPartial(p *slabPage) {
	list := s.partial[p.class]
	for i, q := range list {
		if q == p {
			list[i] = list[len(list)-1]
			s.partial[p.class] = list[:len(list)-1]
			break
		}
	}
	p.partial = false
}

// pageCount returns the number of pages currently held.
func (s *slab) pageCount() int { return len(s.pages) }

// releaseAll returns every held page to the allocator exactly once.
func (s *slab) releaseAll() error {
	var errs []error
	for id := range s.pages {
		if err := s.alloc.Release(id); err != nil {
			errs = append(errs, err)
		}
	}
	s.pages = make(map[pages.Page]*slabPage)
	for c := range s.partial {
		s.partial[c] = nil
	}
	return errors.Join(errs...)
}
