// Package resilience turns store failures into the results a cache returns
// to its callers.
//
// The cache calls exactly one Strategy method for every operation that failed
// in its store. Whatever the method returns is what the caller sees; the raw
// failure never escapes the cache. Retrying, cleaning up, or logging is up to
// the strategy.
package resilience

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/tieredcache/store"
)

// Strategy resolves store failures, one method per cache operation. Each
// method gets the operation's arguments and the failure, and returns the
// operation's normal result. Implementations are shared by every goroutine
// using the cache and must be safe for concurrent use.
type Strategy[K comparable, V any] interface {
	GetFailure(k K, err *store.StoreAccessError) (v V, ok bool)
	ContainsKeyFailure(k K, err *store.StoreAccessError) bool
	PutFailure(k K, v V, err *store.StoreAccessError)
	// PutIfAbsentFailure returns the value the caller should see as already
	// mapped (ok=true), or ok=false if the put should look successful.
	PutIfAbsentFailure(k K, v V, err *store.StoreAccessError) (existing V, ok bool)
	RemoveFailure(k K, err *store.StoreAccessError) bool
	ReplaceFailure(k K, v V, err *store.StoreAccessError) (prev V, ok bool)
	ClearFailure(err *store.StoreAccessError)
	// GetAllFailure returns the values known for keys. Keys missing from the
	// result are reported as absent.
	GetAllFailure(keys []K, err *store.StoreAccessError) map[K]V
	PutAllFailure(entries map[K]V, err *store.StoreAccessError)
	RemoveAllFailure(keys []K, err *store.StoreAccessError)
}

// Recovery removes whatever a failed operation may have left behind.
type Recovery[K comparable] interface {
	Obliterate(keys ...K) error
	ObliterateAll() error
}

// StoreRecovery obliterates through a store's Remove and Clear.
func StoreRecovery[K comparable, V any](s store.Store[K, V]) Recovery[K] {
	return storeRecovery[K, V]{s: s}
}

type storeRecovery[K comparable, V any] struct{ s store.Store[K, V] }

func (r storeRecovery[K, V]) Obliterate(keys ...K) error {
	var errs []error
	for _, k := range keys {
		if _, err := r.s.Remove(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r storeRecovery[K, V]) ObliterateAll() error { return r.s.Clear() }

// RobustOptions configures Robust. Zero values are safe.
type RobustOptions struct {
	Logger *slog.Logger
	// LogEvery is the minimum interval between failure logs (default 1s).
	// Failures in between are counted and reported with the next log.
	LogEvery time.Duration
}

// Robust is the default strategy: it tries to remove the affected keys from
// the store and answers as if they were absent. Cleanup failures are ignored.
type Robust[K comparable, V any] struct {
	recovery   Recovery[K]
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

var _ Strategy[string, string] = (*Robust[string, string])(nil)

// NewRobust builds a Robust strategy cleaning up through recovery.
func NewRobust[K comparable, V any](recovery Recovery[K], opt RobustOptions) *Robust[K, V] {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.LogEvery <= 0 {
		opt.LogEvery = time.Second
	}
	return &Robust[K, V]{
		recovery: recovery,
		logger:   opt.Logger,
		limiter:  rate.NewLimiter(rate.Every(opt.LogEvery), 1),
	}
}

func (r *Robust[K, V]) GetFailure(k K, err *store.StoreAccessError) (V, bool) {
	r.cleanup("get", err, k)
	var zero V
	return zero, false
}

func (r *Robust[K, V]) ContainsKeyFailure(k K, err *store.StoreAccessError) bool {
	r.cleanup("containsKey", err, k)
	return false
}

func (r *Robust[K, V]) PutFailure(k K, _ V, err *store.StoreAccessError) {
	r.cleanup("put", err, k)
}

func (r *Robust[K, V]) PutIfAbsentFailure(k K, _ V, err *store.StoreAccessError) (V, bool) {
	r.cleanup("putIfAbsent", err, k)
	var zero V
	return zero, false
}

func (r *Robust[K, V]) RemoveFailure(k K, err *store.StoreAccessError) bool {
	r.cleanup("remove", err, k)
	return false
}

func (r *Robust[K, V]) ReplaceFailure(k K, _ V, err *store.StoreAccessError) (V, bool) {
	r.cleanup("replace", err, k)
	var zero V
	return zero, false
}

func (r *Robust[K, V]) ClearFailure(err *store.StoreAccessError) {
	r.log("clear", err)
	if r.recovery != nil {
		_ = r.recovery.ObliterateAll()
	}
}

func (r *Robust[K, V]) GetAllFailure(keys []K, err *store.StoreAccessError) map[K]V {
	r.cleanup("getAll", err, keys...)
	return map[K]V{}
}

func (r *Robust[K, V]) PutAllFailure(entries map[K]V, err *store.StoreAccessError) {
	keys := make([]K, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	r.cleanup("putAll", err, keys...)
}

func (r *Robust[K, V]) RemoveAllFailure(keys []K, err *store.StoreAccessError) {
	r.cleanup("removeAll", err, keys...)
}

func (r *Robust[K, V]) cleanup(op string, err *store.StoreAccessError, keys ...K) {
	r.log(op, err)
	if r.recovery != nil {
		_ = r.recovery.Obliterate(keys...)
	}
}

func (r *Robust[K, V]) log(op string, err *store.StoreAccessError) {
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	r.logger.Warn("resilience: store failure, entries obliterated",
		"op", op,
		"error", err,
		"suppressed", r.suppressed.Swap(0),
	)
}
