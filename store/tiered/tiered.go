// Package tiered composes a caching tier over an authoritative tier into a
// single Store.
//
// Reads fault entries from the authority into the caching tier, pinning them
// in the authority until the caching tier drops them. Writes always go to the
// authority first and then invalidate the caching tier.
package tiered

import (
	"errors"
	"log/slog"

	"github.com/IvanBrykalov/tieredcache/store"
)

// Options configures a Store. Zero values are safe.
type Options struct {
	// Clock is used to check expiry of cached holders. Nil => SystemClock.
	// Use the same clock as the tiers.
	Clock  store.Clock
	Logger *slog.Logger
}

// Store is a two-tier store.
type Store[K comparable, V any] struct {
	caching   store.CachingTier[K, V]
	authority store.AuthoritativeTier[K, V]
	clock     store.Clock
	logger    *slog.Logger
}

var _ store.Store[string, string] = (*Store[string, string])(nil)

// New wires caching over authority. It takes ownership of both tiers and
// installs the caching tier's invalidation listener.
func New[K comparable, V any](caching store.CachingTier[K, V], authority store.AuthoritativeTier[K, V], opt Options) *Store[K, V] {
	if opt.Clock == nil {
		opt.Clock = store.SystemClock{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	s := &Store[K, V]{caching: caching, authority: authority, clock: opt.Clock, logger: opt.Logger}
	caching.SetInvalidationListener(func(k K, h *store.ValueHolder[V]) {
		authority.Flush(k, h)
	})
	return s
}

// Get implements store.Store.
func (s *Store[K, V]) Get(k K) (*store.ValueHolder[V], error) {
	h, err := s.caching.GetOrComputeIfAbsent(k, s.authority.GetAndFault)
	if err != nil || h == nil {
		return nil, err
	}
	if h.IsExpired(s.clock.NowUnixNano()) {
		return nil, s.caching.Invalidate(k)
	}
	return h, nil
}

// ContainsKey implements store.Store. It asks the authority only.
func (s *Store[K, V]) ContainsKey(k K) (bool, error) { return s.authority.ContainsKey(k) }

// Put implements store.Store.
func (s *Store[K, V]) Put(k K, v V) (store.PutStatus, error) {
	st, err := s.authority.Put(k, v)
	return st, s.invalidate(k, err)
}

// PutIfAbsent implements store.Store.
func (s *Store[K, V]) PutIfAbsent(k K, v V) (*store.ValueHolder[V], error) {
	h, err := s.authority.PutIfAbsent(k, v)
	return h, s.invalidate(k, err)
}

// Remove implements store.Store.
func (s *Store[K, V]) Remove(k K) (bool, error) {
	ok, err := s.authority.Remove(k)
	return ok, s.invalidate(k, err)
}

// Replace implements store.Store.
func (s *Store[K, V]) Replace(k K, v V) (*store.ValueHolder[V], error) {
	h, err := s.authority.Replace(k, v)
	return h, s.invalidate(k, err)
}

// Compute implements store.Store.
func (s *Store[K, V]) Compute(k K, fn store.ComputeFunc[K, V]) (*store.ValueHolder[V], error) {
	h, err := s.authority.Compute(k, fn)
	return h, s.invalidate(k, err)
}

// ComputeIfAbsent implements store.Store. A cached mapping is returned
// without touching the authority.
func (s *Store[K, V]) ComputeIfAbsent(k K, fn store.LoadFunc[K, V]) (*store.ValueHolder[V], error) {
	if h, err := s.Get(k); err != nil || h != nil {
		return h, err
	}
	h, err := s.authority.ComputeIfAbsent(k, fn)
	return h, s.invalidate(k, err)
}

// BulkCompute implements store.Store.
func (s *Store[K, V]) BulkCompute(keys []K, fn store.BulkFunc[K, V]) (map[K]*store.ValueHolder[V], error) {
	out, err := s.authority.BulkCompute(keys, fn)
	return out, s.invalidateAll(keys, err)
}

// BulkComputeIfAbsent implements store.Store.
func (s *Store[K, V]) BulkComputeIfAbsent(keys []K, fn store.BulkLoadFunc[K, V]) (map[K]*store.ValueHolder[V], error) {
	out, err := s.authority.BulkComputeIfAbsent(keys, fn)
	return out, s.invalidateAll(keys, err)
}

// Clear implements store.Store.
func (s *Store[K, V]) Clear() error {
	err := s.authority.Clear()
	if ierr := s.caching.InvalidateAll(); ierr != nil && err == nil {
		err = ierr
	}
	return err
}

// Len returns the number of mappings in the authority.
func (s *Store[K, V]) Len() int { return s.authority.Len() }

// Close closes the caching tier, then the authority.
func (s *Store[K, V]) Close() error {
	return errors.Join(s.caching.Close(), s.authority.Close())
}

// invalidate drops k from the caching tier whether or not the write
// succeeded. The write error wins over an invalidation error.
func (s *Store[K, V]) invalidate(k K, err error) error {
	if ierr := s.caching.Invalidate(k); ierr != nil {
		if err == nil {
			return ierr
		}
		s.logger.Warn("tiered: invalidation failed after a failed write", "error", ierr)
	}
	return err
}

func (s *Store[K, V]) invalidateAll(keys []K, err error) error {
	for _, k := range keys {
		err = s.invalidate(k, err)
	}
	return err
}
