package cache

import (
	"errors"
	"fmt"
)

// Usage errors. They are returned before the store is touched and are never
// routed through the resilience strategy.
var (
	ErrNilKey       = errors.New("cache: nil key")
	ErrNilValue     = errors.New("cache: nil value")
	ErrNotAvailable = errors.New("cache: not available")
	ErrNoLoader     = errors.New("cache: no Loader provided")
	ErrState        = errors.New("cache: invalid state transition")
)

// Status is the lifecycle state of a Cache.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusAvailable
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "UNINITIALIZED"
	case StatusAvailable:
		return "AVAILABLE"
	case StatusUnavailable:
		return "UNAVAILABLE"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Op is a facade operation kind.
type Op int

const (
	OpGet Op = iota
	OpContainsKey
	OpPut
	OpPutIfAbsent
	OpRemove
	OpReplace
	OpClear
	OpGetAll
	OpPutAll
	OpRemoveAll
	OpGetOrLoad
	numOps
)

var opNames = [numOps]string{
	"get", "containsKey", "put", "putIfAbsent", "remove", "replace",
	"clear", "getAll", "putAll", "removeAll", "getOrLoad",
}

func (o Op) String() string {
	if o < 0 || o >= numOps {
		return fmt.Sprintf("Op(%d)", int(o))
	}
	return opNames[o]
}

// Outcome tags the result of one facade operation. Each Op records exactly
// one outcome per call, from its own closed set:
//
//	get, containsKey          HIT, MISS, FAILURE
//	put                       PUT, FAILURE
//	putIfAbsent               PUT, HIT, FAILURE
//	remove                    SUCCESS, NOOP, FAILURE
//	replace                   HIT, MISS_NOT_PRESENT, FAILURE
//	clear, getAll, putAll,
//	removeAll                 SUCCESS, FAILURE
//	getOrLoad                 HIT, LOADED, FAILURE
type Outcome int

const (
	Hit Outcome = iota
	Miss
	MissNotPresent
	Put
	Success
	Noop
	Loaded
	Failure
	numOutcomes
)

var outcomeNames = [numOutcomes]string{
	"HIT", "MISS", "MISS_NOT_PRESENT", "PUT", "SUCCESS", "NOOP", "LOADED", "FAILURE",
}

func (o Outcome) String() string {
	if o < 0 || o >= numOutcomes {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// Optional is a GetAll result: Present=false marks a requested key that has
// no mapping.
type Optional[V any] struct {
	Value   V
	Present bool
}
