// Package pages implements the page allocator shared by the segments of an
// off-heap tier: a fixed-capacity pool of native memory handed out as
// fixed-size pages behind opaque handles.
//
// Native memory is carved lazily in chunks (anonymous mmap on unix) up to the
// configured capacity and is only returned to the OS on Close. Pages released
// by their owner go back to the pool for reuse.
package pages

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

var (
	// ErrExhausted is returned when every page of the pool is allocated.
	ErrExhausted = errors.New("pages: allocator exhausted")
	// ErrDoubleRelease is returned when a page is released that is not allocated.
	ErrDoubleRelease = errors.New("pages: page released twice or never allocated")
	// ErrClosed is returned by an allocator used after Close.
	ErrClosed = errors.New("pages: allocator closed")
)

const (
	// DefaultPageSize is the page size used when Config.PageSize is 0.
	DefaultPageSize = 64 << 10
	// MinPageSize is the smallest accepted page size.
	MinPageSize = 4 << 10
	// DefaultChunkSize is how much native memory is mapped at a time.
	DefaultChunkSize = 4 << 20
)

// Page is an opaque handle to one page of an Allocator.
type Page uint32

// Config configures an Allocator.
type Config struct {
	// MaxBytes is the capacity of the pool. Rounded down to whole pages.
	MaxBytes int64
	// PageSize is rounded up to a power of two (0 => DefaultPageSize).
	PageSize int
	// ChunkSize is the unit of native allocation, rounded to whole pages
	// (0 => DefaultChunkSize).
	ChunkSize int
	// Logger for chunk carving (nil => slog.Default()).
	Logger *slog.Logger
}

// Stats is a snapshot of allocator usage.
type Stats struct {
	PageSize      int
	TotalPages    uint32
	CarvedPages   uint32
	UsedPages     uint64
	FreePages     uint64
	Chunks        int
	ReservedBytes int64
}

type chunk struct {
	data  []byte
	unmap func([]byte) error
}

// Allocator is a fixed-capacity page pool. It is safe for concurrent use;
// chunk carving and page acquisition are serialized by one mutex.
type Allocator struct {
	pageSize      int
	pageShift     uint
	pagesPerChunk uint32
	maxPages      uint32
	logger        *slog.Logger

	// chunks is sized up front and only ever has elements assigned, so Bytes
	// can read an element without the lock once the page was handed out.
	chunks []chunk

	mu     sync.Mutex
	free   *roaring.Bitmap // carved pages not handed out
	used   *roaring.Bitmap // pages handed out
	carved uint32
	closed bool
}

// New validates cfg and returns an empty allocator. No memory is mapped yet.
func New(cfg Config) (*Allocator, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PageSize < MinPageSize {
		cfg.PageSize = MinPageSize
	}
	shift := uint(bits.Len(uint(cfg.PageSize - 1)))
	cfg.PageSize = 1 << shift

	if cfg.MaxBytes < int64(cfg.PageSize) {
		return nil, fmt.Errorf("pages: capacity %d is smaller than one page (%d)", cfg.MaxBytes, cfg.PageSize)
	}
	maxPages := cfg.MaxBytes / int64(cfg.PageSize)
	if maxPages > int64(^uint32(0)) {
		return nil, fmt.Errorf("pages: capacity %d needs more than 2^32 pages", cfg.MaxBytes)
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	perChunk := int64(cfg.ChunkSize / cfg.PageSize)
	if perChunk < 1 {
		perChunk = 1
	}
	if perChunk > maxPages {
		perChunk = maxPages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Allocator{
		pageSize:      cfg.PageSize,
		pageShift:     shift,
		pagesPerChunk: uint32(perChunk),
		maxPages:      uint32(maxPages),
		logger:        cfg.Logger,
		chunks:        make([]chunk, (maxPages+perChunk-1)/perChunk),
		free:          roaring.New(),
		used:          roaring.New(),
	}, nil
}

// PageSize returns the size of every page.
func (a *Allocator) PageSize() int { return a.pageSize }

// TotalPages returns the capacity in pages.
func (a *Allocator) TotalPages() int { return int(a.maxPages) }

// Allocate hands out a free page, mapping a new chunk if needed.
// It returns ErrExhausted when the pool is full; callers must not retry
// without first releasing pages.
func (a *Allocator) Allocate() (Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}
	if a.free.IsEmpty() {
		if err := a.carveLocked(); err != nil {
			return 0, err
		}
	}
	id := a.free.Minimum()
	a.free.Remove(id)
	a.used.Add(id)
	return Page(id), nil
}

// Release returns p to the pool. Each page must be released exactly once per
// Allocate; a second release returns ErrDoubleRelease.
func (a *Allocator) Release(p Page) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	id := uint32(p)
	if !a.used.Contains(id) {
		return fmt.Errorf("%w: page %d", ErrDoubleRelease, id)
	}
	a.used.Remove(id)
	a.free.Add(id)
	return nil
}

// Bytes returns the memory of an allocated page. The slice stays valid until
// the page is released or the allocator is closed.
func (a *Allocator) Bytes(p Page) []byte {
	id := uint32(p)
	c := a.chunks[id/a.pagesPerChunk]
	off := int(id%a.pagesPerChunk) << a.pageShift
	return c.data[off : off+a.pageSize : off+a.pageSize]
}

// Stats returns a usage snapshot.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		PageSize:    a.pageSize,
		TotalPages:  a.maxPages,
		CarvedPages: a.carved,
		UsedPages:   a.used.GetCardinality(),
		FreePages:   a.free.GetCardinality(),
	}
	for _, c := range a.chunks {
		if c.data != nil {
			s.Chunks++
			s.ReservedBytes += int64(len(c.data))
		}
	}
	return s
}

// Close unmaps every chunk. Pages still handed out become invalid.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for i := range a.chunks {
		c := &a.chunks[i]
		if c.data == nil || c.unmap == nil {
			continue
		}
		if err := c.unmap(c.data); err != nil {
			errs = append(errs, fmt.Errorf("pages: unmapping chunk %d: %w", i, err))
		}
	}
	if n := a.used.GetCardinality(); n > 0 {
		a.logger.Warn("pages: allocator closed with pages still in use", "pages", n)
	}
	return errors.Join(errs...)
}

// carveLocked maps the next chunk and adds its pages to the free set.
func (a *Allocator) carveLocked() error {
	if a.carved >= a.maxPages {
		return ErrExhausted
	}
	n := a.pagesPerChunk
	if rest := a.maxPages - a.carved; rest < n {
		n = rest
	}
	data, unmap, err := mapAnon(int(n) << a.pageShift)
	if err != nil {
		return fmt.Errorf("pages: mapping %d pages: %w", n, err)
	}
	idx := a.carved / a.pagesPerChunk
	a.chunks[idx] = chunk{data: data, unmap: unmap}
	a.free.AddRange(uint64(a.carved), uint64(a.carved+n))
	a.carved += n

	a.logger.Debug("pages: carved chunk",
		"chunk", idx,
		"pages", n,
		"bytes", len(data),
		"carved_pages", a.carved,
		"max_pages", a.maxPages,
	)
	return nil
}
