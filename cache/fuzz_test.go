package cache

import (
	"strings"
	"testing"
)

// Fuzz Put/Get/PutIfAbsent/Remove through both tiers under arbitrary
// strings, including ones that do not fit a page.
func FuzzCache_PutGetRemove(f *testing.F) {
	f.Add("", "")
	f.Add("a", "1")
	f.Add("αβγ", "δ")
	f.Add("emoji🙂", "🙂🙂")
	f.Add("long", strings.Repeat("x", 1024))
	f.Add("huge", strings.Repeat("y", 8192))

	f.Fuzz(func(t *testing.T, k, v string) {
		const limit = 1 << 14
		if len(k) > limit {
			k = k[:limit]
		}
		if len(v) > limit {
			v = v[:limit]
		}

		c := newTieredCache(t, 16, 256<<10, nil)

		// A record larger than a page cannot be stored: the failure is
		// resolved by the resilience strategy and nothing is mapped.
		if err := c.Put(k, v); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, ok, err := c.Get(k)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !ok {
			if len(k)+len(v) < 3000 {
				t.Fatalf("small entry %d+%d bytes was not stored", len(k), len(v))
			}
			return
		}
		if got != v {
			t.Fatalf("after Put/Get: want %q, got %q", v, got)
		}

		if prev, present, _ := c.PutIfAbsent(k, "other"); !present || prev != v {
			t.Fatalf("PutIfAbsent on a mapped key: prev=%q present=%v", prev, present)
		}
		if removed, _ := c.Remove(k); !removed {
			t.Fatalf("Remove must return true")
		}
		if _, ok, _ := c.Get(k); ok {
			t.Fatalf("key must be absent after Remove")
		}
		if _, present, _ := c.PutIfAbsent(k, v); present {
			t.Fatalf("PutIfAbsent after Remove must install")
		}
	})
}
