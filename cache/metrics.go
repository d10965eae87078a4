package cache

import (
	"sync"
	"sync/atomic"

	"github.com/IvanBrykalov/tieredcache/store"
)

// Metrics receives the raw signals of a cache: one outcome per facade
// operation and one call per tier eviction. Implementations must be safe for
// concurrent use and cheap; they run on the caller's goroutine, evictions
// under a tier lock.
type Metrics interface {
	Outcome(op Op, o Outcome)
	Evict(tier string, reason store.EvictReason)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is used when no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Outcome(Op, Outcome)             {}
func (NoopMetrics) Evict(string, store.EvictReason) {}

var _ Metrics = NoopMetrics{}

// Counters is an in-memory Metrics sink. The zero value is ready to use.
type Counters struct {
	outcomes [numOps][numOutcomes]atomic.Int64

	mu     sync.Mutex
	evicts map[string]*[store.NumEvictReasons]atomic.Int64
}

var _ Metrics = (*Counters)(nil)

// Outcome implements Metrics.
func (c *Counters) Outcome(op Op, o Outcome) {
	if op < 0 || op >= numOps || o < 0 || o >= numOutcomes {
		return
	}
	c.outcomes[op][o].Add(1)
}

// Evict implements Metrics.
func (c *Counters) Evict(tier string, reason store.EvictReason) {
	if reason < 0 || int(reason) >= store.NumEvictReasons {
		return
	}
	c.mu.Lock()
	if c.evicts == nil {
		c.evicts = make(map[string]*[store.NumEvictReasons]atomic.Int64)
	}
	ctr := c.evicts[tier]
	if ctr == nil {
		ctr = new([store.NumEvictReasons]atomic.Int64)
		c.evicts[tier] = ctr
	}
	c.mu.Unlock()
	ctr[reason].Add(1)
}

// Count returns how many times op ended with o.
func (c *Counters) Count(op Op, o Outcome) int64 {
	if op < 0 || op >= numOps || o < 0 || o >= numOutcomes {
		return 0
	}
	return c.outcomes[op][o].Load()
}

// Total returns how many outcomes op recorded.
func (c *Counters) Total(op Op) int64 {
	var n int64
	for o := Outcome(0); o < numOutcomes; o++ {
		n += c.Count(op, o)
	}
	return n
}

// Evictions returns the evictions of tier for reason.
func (c *Counters) Evictions(tier string, reason store.EvictReason) int64 {
	c.mu.Lock()
	ctr := c.evicts[tier]
	c.mu.Unlock()
	if ctr == nil || reason < 0 || int(reason) >= store.NumEvictReasons {
		return 0
	}
	return ctr[reason].Load()
}
