package store

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by tiers used after Close.
var ErrClosed = errors.New("store: closed")

// StoreAccessError is the single failure type a Store reports: allocation
// exhaustion, decode failures and other tier faults all surface as one.
//
//revive:disable-next-line:exported  // StoreAccessError reads better than AccessError at call sites
type StoreAccessError struct {
	Op   string // operation, e.g. "put"
	Tier string // tier name, e.g. "offheap"
	Err  error
}

func (e *StoreAccessError) Error() string {
	if e.Tier == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s on %s: %v", e.Op, e.Tier, e.Err)
}

func (e *StoreAccessError) Unwrap() error { return e.Err }

// NewAccessError wraps err unless it already is a *StoreAccessError.
// A nil err yields nil.
func NewAccessError(op, tier string, err error) error {
	if err == nil {
		return nil
	}
	var sae *StoreAccessError
	if errors.As(err, &sae) {
		return sae
	}
	return &StoreAccessError{Op: op, Tier: tier, Err: err}
}

// AsAccessError returns err as a *StoreAccessError. Errors of any other type
// are wrapped so the caller always gets a non-nil failure for a non-nil err.
func AsAccessError(err error) *StoreAccessError {
	if err == nil {
		return nil
	}
	var sae *StoreAccessError
	if errors.As(err, &sae) {
		return sae
	}
	return &StoreAccessError{Op: "unknown", Err: err}
}
