// Package eviction holds the eviction advisor contracts shared by the on-heap
// and off-heap tiers.
//
// An Advisor only hints: tiers skip advised entries while they can, and fall
// back to evicting them when a capacity bound would otherwise be violated.
// Pinning is a separate, hard, tier-level flag.
package eviction

import "sync/atomic"

// Advisor hints which entries should survive eviction.
// Implementations must be safe for concurrent use and cheap: tiers call them
// on every write.
type Advisor[K comparable, V any] interface {
	AdviseAgainstEviction(k K, v V) bool
}

// AdvisorFunc adapts a function to Advisor.
type AdvisorFunc[K comparable, V any] func(k K, v V) bool

// AdviseAgainstEviction implements Advisor.
func (f AdvisorFunc[K, V]) AdviseAgainstEviction(k K, v V) bool { return f(k, v) }

type noAdvice[K comparable, V any] struct{}

func (noAdvice[K, V]) AdviseAgainstEviction(K, V) bool { return false }

// NoAdvice returns an Advisor that never advises against eviction.
func NoAdvice[K comparable, V any]() Advisor[K, V] { return noAdvice[K, V]{} }

// Switchable wraps an Advisor with an on/off flag. While switched off,
// entries tagged as advised against eviction are evictable like any other,
// without re-tagging them.
//
// The flag is an atomic: an eviction decision made after SetSwitchedOn
// returns observes the new state; decisions already in flight may see either.
type Switchable[K comparable, V any] struct {
	advisor Advisor[K, V]
	off     atomic.Bool // zero value = switched on
}

// NewSwitchable wraps a (nil => NoAdvice). The result starts switched on.
func NewSwitchable[K comparable, V any](a Advisor[K, V]) *Switchable[K, V] {
	if a == nil {
		a = NoAdvice[K, V]()
	}
	return &Switchable[K, V]{advisor: a}
}

// AdviseAgainstEviction delegates to the wrapped advisor regardless of the switch:
// advice is recorded at write time and the switch is consulted at eviction time.
func (s *Switchable[K, V]) AdviseAgainstEviction(k K, v V) bool {
	return s.advisor.AdviseAgainstEviction(k, v)
}

// SwitchedOn reports whether advice is currently honoured.
func (s *Switchable[K, V]) SwitchedOn() bool { return !s.off.Load() }

// SetSwitchedOn toggles whether advice is honoured.
func (s *Switchable[K, V]) SetSwitchedOn(on bool) { s.off.Store(!on) }

// Protected reports whether an entry tagged advised at write time is currently
// protected from non-forced eviction.
func (s *Switchable[K, V]) Protected(advised bool) bool {
	return advised && s.SwitchedOn()
}
