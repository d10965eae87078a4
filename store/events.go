package store

// EvictReason explains why an entry was removed without a user request.
type EvictReason int

const (
	// EvictPolicy: removed by the active eviction policy (e.g. a 2Q proposal).
	EvictPolicy EvictReason = iota
	// EvictTTL: expired.
	EvictTTL
	// EvictCapacity: removed to satisfy a capacity bound.
	EvictCapacity

	// NumEvictReasons is the number of eviction reasons.
	NumEvictReasons int = iota
)

func (r EvictReason) String() string {
	switch r {
	case EvictTTL:
		return "ttl"
	case EvictCapacity:
		return "capacity"
	default:
		return "policy"
	}
}

// EvictionListener is called for every evicted entry before its storage is reclaimed.
type EvictionListener[K comparable, V any] func(k K, h *ValueHolder[V], reason EvictReason)

// EventKind is the type of a store event.
type EventKind int

const (
	EventCreated EventKind = iota
	EventUpdated
	EventRemoved
	EventEvicted
	EventExpired
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventEvicted:
		return "evicted"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event describes one mapping change. Old is nil for creations and New is
// nil for removals, evictions and expirations.
type Event[K comparable, V any] struct {
	Kind EventKind
	Key  K
	Old  *ValueHolder[V]
	New  *ValueHolder[V]
}

// EventSink receives store events. Dispatch must not block on delivery.
type EventSink[K comparable, V any] interface {
	Dispatch(ev Event[K, V])
}

// NoopSink drops every event.
type NoopSink[K comparable, V any] struct{}

// Dispatch implements EventSink.
func (NoopSink[K, V]) Dispatch(Event[K, V]) {}
