package offheap

// Metadata bits kept per slot.
const (
	// StatusUsed marks a slot holding a live record.
	StatusUsed uint32 = 1 << 0
	// StatusRemoved marks a tombstone left by a removal.
	StatusRemoved uint32 = 1 << 1
	// Pinned entries are never evicted, forced or not.
	Pinned uint32 = 1 << 2
	// AdvisedAgainstEviction records the advisor's verdict at write time.
	AdvisedAgainstEviction uint32 = 1 << 3

	// accessed is the CLOCK reference bit.
	accessed uint32 = 1 << 4

	// userBits are the bits SetMetadata may change.
	userBits = Pinned | AdvisedAgainstEviction
)

const minTableSize = 16

type slot struct {
	hash uint64
	addr blockAddr
	meta uint32
}

func (s *slot) used() bool { return s.meta&StatusUsed != 0 }

// table is an open-addressing hash table with linear probing. Slots hold the
// key hash, the block address of the record and the metadata bits; keys are
// compared against the record bytes through a match callback.
type table struct {
	slots []slot
	size  int // used slots
	tombs int // removed slots
}

func newTable() table { return table{slots: make([]slot, minTableSize)} }

// find returns the index of the used slot whose record matches, or -1, and
// the first slot a new mapping for hash may go to.
func (t *table) find(hash uint64, match func(blockAddr) bool) (found, insert int) {
	mask := uint64(len(t.slots) - 1)
	insert = -1
	i := hash & mask
	for probes := 0; probes < len(t.slots); probes++ {
		s := &t.slots[i]
		switch {
		case s.used():
			if s.hash == hash && match(s.addr) {
				return int(i), insert
			}
		case s.meta&StatusRemoved != 0:
			if insert < 0 {
				insert = int(i)
			}
		default:
			if insert < 0 {
				insert = int(i)
			}
			return -1, insert
		}
		i = (i + 1) & mask
	}
	return -1, insert
}

// put fills slot i. It must be a slot returned as insert by find.
func (t *table) put(i int, hash uint64, addr blockAddr, meta uint32) {
	s := &t.slots[i]
	if s.meta&StatusRemoved != 0 {
		t.tombs--
	}
	*s = slot{hash: hash, addr: addr, meta: meta | StatusUsed}
	t.size++
}

// remove turns used slot i into a tombstone.
func (t *table) remove(i int) {
	t.slots[i] = slot{meta: StatusRemoved}
	t.size--
	t.tombs++
}

// reserve makes room for one more mapping, rehashing when the load (used
// plus tombstones) would pass 3/4. Slot indexes are invalidated by a rehash.
func (t *table) reserve() {
	if (t.size+t.tombs+1)*4 <= len(t.slots)*3 {
		return
	}
	n := len(t.slots)
	if (t.size+1)*2 > n {
		n *= 2
	}
	old := t.slots
	t.slots = make([]slot, n)
	t.tombs = 0
	mask := uint64(n - 1)
	for _, s := range old {
		if !s.used() {
			continue
		}
		i := s.hash & mask
		for t.slots[i].used() {
			i = (i + 1) & mask
		}
		t.slots[i] = s
	}
}

func (t *table) reset() { *t = newTable() }
