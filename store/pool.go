package store

import "fmt"

// Unit is the unit a ResourcePool is measured in.
type Unit int

const (
	// Entries counts mappings.
	Entries Unit = iota
	// Bytes counts encoded or estimated bytes.
	Bytes
)

func (u Unit) String() string {
	if u == Bytes {
		return "bytes"
	}
	return "entries"
}

// ResourcePool is the capacity ceiling of one tier. It is fixed for the
// lifetime of the tier built from it.
type ResourcePool struct {
	Size int64
	Unit Unit
}

// EntryPool returns a pool of n entries.
func EntryPool(n int64) ResourcePool { return ResourcePool{Size: n, Unit: Entries} }

// BytePool returns a pool of n bytes.
func BytePool(n int64) ResourcePool { return ResourcePool{Size: n, Unit: Bytes} }

// Validate checks that the pool is usable.
func (p ResourcePool) Validate() error {
	if p.Size <= 0 {
		return fmt.Errorf("store: resource pool size must be > 0, got %d %s", p.Size, p.Unit)
	}
	return nil
}

func (p ResourcePool) String() string { return fmt.Sprintf("%d %s", p.Size, p.Unit) }
