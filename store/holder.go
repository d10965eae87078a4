package store

import (
	"math"
	"sync/atomic"
	"time"
)

// NoExpiration marks a holder that never expires.
const NoExpiration int64 = math.MaxInt64

// holderIDs hands out identity ids. Zero is never issued.
var holderIDs atomic.Uint64

// ValueHolder wraps a stored value with its access metadata.
//
// A holder is immutable after construction except for lastAccess and hits,
// which readers update in place through Accessed. Both are atomics so that
// concurrent readers of the same holder never observe a torn value.
type ValueHolder[V any] struct {
	value      V
	id         uint64
	creation   int64
	expiration int64

	lastAccess atomic.Int64
	hits       atomic.Int64
}

// NewValueHolder creates a holder with a fresh identity id.
// A finite expiration earlier than now is clamped to now (already expired).
func NewValueHolder[V any](v V, now, expiration int64) *ValueHolder[V] {
	return RestoreValueHolder(holderIDs.Add(1), v, now, expiration, now, 0)
}

// RestoreValueHolder rebuilds a holder whose metadata was kept elsewhere
// (e.g. decoded from off-heap memory). The id is preserved.
func RestoreValueHolder[V any](id uint64, v V, creation, expiration, lastAccess, hits int64) *ValueHolder[V] {
	if expiration < creation {
		expiration = creation
	}
	h := &ValueHolder[V]{
		value:      v,
		id:         id,
		creation:   creation,
		expiration: expiration,
	}
	h.lastAccess.Store(lastAccess)
	h.hits.Store(hits)
	return h
}

// Value returns the held value.
func (h *ValueHolder[V]) Value() V { return h.value }

// ID returns the identity id of this holder.
func (h *ValueHolder[V]) ID() uint64 { return h.id }

// CreationTime returns the creation time in UnixNano.
func (h *ValueHolder[V]) CreationTime() int64 { return h.creation }

// ExpirationTime returns the expiration time in UnixNano, or NoExpiration.
func (h *ValueHolder[V]) ExpirationTime() int64 { return h.expiration }

// LastAccessTime returns the last access time in UnixNano.
func (h *ValueHolder[V]) LastAccessTime() int64 { return h.lastAccess.Load() }

// Hits returns the number of recorded reads.
func (h *ValueHolder[V]) Hits() int64 { return h.hits.Load() }

// IsExpired reports whether the holder is expired at now.
func (h *ValueHolder[V]) IsExpired(now int64) bool {
	return h.expiration != NoExpiration && now >= h.expiration
}

// Accessed records a read at now.
func (h *ValueHolder[V]) Accessed(now int64) {
	for {
		prev := h.lastAccess.Load()
		if now <= prev || h.lastAccess.CompareAndSwap(prev, now) {
			break
		}
	}
	h.hits.Add(1)
}

// HitRate returns hits per second since creation.
func (h *ValueHolder[V]) HitRate(now int64) float64 {
	elapsed := time.Duration(now - h.creation).Seconds()
	if elapsed <= 0 {
		return float64(h.Hits())
	}
	return float64(h.Hits()) / elapsed
}

// WithExpiration returns a copy of h (same id and counters) expiring at exp.
func (h *ValueHolder[V]) WithExpiration(exp int64) *ValueHolder[V] {
	return RestoreValueHolder(h.id, h.value, h.creation, exp, h.LastAccessTime(), h.Hits())
}
