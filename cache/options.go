package cache

import (
	"context"
	"log/slog"

	"github.com/IvanBrykalov/tieredcache/event"
	"github.com/IvanBrykalov/tieredcache/resilience"
	"github.com/IvanBrykalov/tieredcache/store"
)

// Options configures a Cache. Store is required; other zero values are
// safe and defaults are applied in New():
//   - Alias == ""      => a random UUID
//   - nil Resilience   => resilience.Robust over Store
//   - nil Metrics      => NoopMetrics
//   - nil Logger       => slog.Default()
type Options[K comparable, V any] struct {
	// Alias names the cache in logs and metrics.
	Alias string

	// Store holds the data; the cache owns it and closes it on Close.
	Store store.Store[K, V]

	// Resilience resolves every store failure.
	Resilience resilience.Strategy[K, V]

	// Events is the dispatcher the store sends its events to. The cache
	// closes it on Close. Nil means no listeners can be registered.
	Events *event.Dispatcher[K, V]

	// Loader fetches a value on a miss. Used by GetOrLoad.
	Loader func(ctx context.Context, k K) (V, error)

	Metrics Metrics
	Logger  *slog.Logger
}
