package resilience

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tieredcache/store"
	"github.com/IvanBrykalov/tieredcache/store/heap"
)

type recordingRecovery struct {
	mu    sync.Mutex
	keys  []string
	all   int
	fails bool
}

func (r *recordingRecovery) Obliterate(keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, keys...)
	if r.fails {
		return errors.New("cleanup failed")
	}
	return nil
}

func (r *recordingRecovery) ObliterateAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all++
	return nil
}

var failure = &store.StoreAccessError{Op: "get", Tier: "test", Err: errors.New("boom")}

func TestRobust_CleansUpAndAnswersAbsent(t *testing.T) {
	t.Parallel()

	rec := &recordingRecovery{fails: true}
	r := NewRobust[string, int](rec, RobustOptions{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})

	v, ok := r.GetFailure("a", failure)
	assert.False(t, ok)
	assert.Zero(t, v)
	assert.False(t, r.ContainsKeyFailure("b", failure))
	r.PutFailure("c", 1, failure)
	_, ok = r.PutIfAbsentFailure("d", 1, failure)
	assert.False(t, ok)
	assert.False(t, r.RemoveFailure("e", failure))
	_, ok = r.ReplaceFailure("f", 1, failure)
	assert.False(t, ok)
	assert.Empty(t, r.GetAllFailure([]string{"g", "h"}, failure))
	r.PutAllFailure(map[string]int{"i": 1}, failure)
	r.RemoveAllFailure([]string{"j"}, failure)
	r.ClearFailure(failure)

	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, rec.keys)
	assert.Equal(t, 1, rec.all)
}

func TestRobust_LogsAreThrottled(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewRobust[string, int](nil, RobustOptions{
		Logger:   slog.New(slog.NewTextHandler(&buf, nil)),
		LogEvery: time.Hour,
	})
	for i := 0; i < 10; i++ {
		r.GetFailure("k", failure)
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "store failure"))
	assert.EqualValues(t, 9, r.suppressed.Load())
}

func TestStoreRecovery(t *testing.T) {
	t.Parallel()

	s, err := heap.New(heap.Options[string, int]{Pool: store.EntryPool(8)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	for i, k := range []string{"a", "b", "c"} {
		_, err := s.Put(k, i)
		require.NoError(t, err)
	}

	rec := StoreRecovery[string, int](s)
	require.NoError(t, rec.Obliterate("a", "missing"))
	assert.Equal(t, 2, s.Len())
	require.NoError(t, rec.ObliterateAll())
	assert.Zero(t, s.Len())
}

func TestFallback(t *testing.T) {
	t.Parallel()

	var zero Fallback[string, int]
	_, ok := zero.GetFailure("k", failure)
	assert.False(t, ok)
	assert.Nil(t, zero.GetAllFailure([]string{"k"}, failure))
	zero.ClearFailure(failure)

	var seen *store.StoreAccessError
	f := Fallback[string, int]{
		Replace: func(k string, v int, err *store.StoreAccessError) (int, bool) {
			seen = err
			return v * 10, true
		},
	}
	v, ok := f.ReplaceFailure("k", 4, failure)
	assert.True(t, ok)
	assert.Equal(t, 40, v)
	assert.Same(t, failure, seen)
}
