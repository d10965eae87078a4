// Package event delivers store events to cache listeners asynchronously.
package event

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/IvanBrykalov/tieredcache/store"
)

// Kind aliases the store event kinds.
type Kind = store.EventKind

const (
	Created = store.EventCreated
	Updated = store.EventUpdated
	Removed = store.EventRemoved
	Evicted = store.EventEvicted
	Expired = store.EventExpired
)

// Listener receives events on the dispatcher goroutine; it must not block.
type Listener[K comparable, V any] func(ev store.Event[K, V])

// Options configures a Dispatcher. Zero values are safe.
type Options struct {
	// Buffer is the number of queued events (default 1024). Events
	// dispatched while the queue is full are dropped.
	Buffer int
	Logger *slog.Logger
}

type registration[K comparable, V any] struct {
	id    uuid.UUID
	fn    Listener[K, V]
	kinds uint32 // bit per Kind
}

// Dispatcher is a fire-and-forget store.EventSink. A single goroutine
// delivers events in dispatch order.
type Dispatcher[K comparable, V any] struct {
	mu        sync.RWMutex
	listeners []registration[K, V]
	closed    bool

	ch      chan store.Event[K, V]
	done    chan struct{}
	dropped atomic.Int64
	logger  *slog.Logger
}

var _ store.EventSink[string, string] = (*Dispatcher[string, string])(nil)

// NewDispatcher starts a dispatcher.
func NewDispatcher[K comparable, V any](opt Options) *Dispatcher[K, V] {
	if opt.Buffer <= 0 {
		opt.Buffer = 1024
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	d := &Dispatcher[K, V]{
		ch:     make(chan store.Event[K, V], opt.Buffer),
		done:   make(chan struct{}),
		logger: opt.Logger,
	}
	go d.run()
	return d
}

// Register adds fn for the given kinds (all kinds if none) and returns its id.
func (d *Dispatcher[K, V]) Register(fn Listener[K, V], kinds ...Kind) uuid.UUID {
	var mask uint32
	for _, k := range kinds {
		mask |= 1 << uint(k)
	}
	if mask == 0 {
		mask = ^uint32(0)
	}
	reg := registration[K, V]{id: uuid.New(), fn: fn, kinds: mask}

	d.mu.Lock()
	// Copy on write: run iterates the slice without holding the lock.
	next := make([]registration[K, V], len(d.listeners), len(d.listeners)+1)
	copy(next, d.listeners)
	d.listeners = append(next, reg)
	d.mu.Unlock()
	return reg.id
}

// Deregister removes the listener registered under id.
func (d *Dispatcher[K, V]) Deregister(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.listeners {
		if r.id == id {
			next := make([]registration[K, V], 0, len(d.listeners)-1)
			next = append(next, d.listeners[:i]...)
			d.listeners = append(next, d.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch queues ev without blocking.
func (d *Dispatcher[K, V]) Dispatch(ev store.Event[K, V]) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || len(d.listeners) == 0 {
		return
	}
	select {
	case d.ch <- ev:
	default:
		if n := d.dropped.Add(1); n&(n-1) == 0 {
			d.logger.Warn("event: queue full, dropping events", "kind", ev.Kind.String(), "dropped", n)
		}
	}
}

// Dropped returns how many events were dropped on a full queue.
func (d *Dispatcher[K, V]) Dropped() int64 { return d.dropped.Load() }

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher[K, V]) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *Dispatcher[K, V]) run() {
	defer close(d.done)
	for ev := range d.ch {
		d.mu.RLock()
		ls := d.listeners
		d.mu.RUnlock()
		bit := uint32(1) << uint(ev.Kind)
		for _, r := range ls {
			if r.kinds&bit != 0 {
				d.deliver(r, ev)
			}
		}
	}
}

func (d *Dispatcher[K, V]) deliver(r registration[K, V], ev store.Event[K, V]) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("event: listener panicked", "listener", r.id.String(), "panic", p)
		}
	}()
	r.fn(ev)
}
