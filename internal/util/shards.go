package util

import (
	"math/bits"
	"runtime"
)

const maxShards = 256

// ReasonableShardCount is nextPow2(2*GOMAXPROCS) clamped to [1..256].
func ReasonableShardCount() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	return min(int(NextPow2(uint64(p*2))), maxShards)
}

// ShardCount resolves a requested shard or segment count: requested <= 0
// picks ReasonableShardCount, and the result never exceeds limit, the number
// of capacity units the shards split between them.
func ShardCount(requested int, limit int64) int {
	n := requested
	if n <= 0 {
		n = ReasonableShardCount()
	}
	if limit > 0 && int64(n) > limit {
		n = int(limit)
	}
	return max(n, 1)
}

// NextPow2 returns the smallest power of two >= x, 1 for x == 0 and 1<<63
// when the next power would overflow.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	if x > 1<<63 {
		return 1 << 63
	}
	return 1 << (64 - bits.LeadingZeros64(x-1))
}

// ShardIndex maps a hash to one of n shards, masking when n is a power of two.
func ShardIndex(hash uint64, n int) int {
	if n <= 1 {
		return 0
	}
	if n&(n-1) == 0 {
		return int(hash & uint64(n-1))
	}
	return int(hash % uint64(n))
}
