package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValueHolder_Identity(t *testing.T) {
	t.Parallel()

	a := NewValueHolder("a", 10, NoExpiration)
	b := NewValueHolder("b", 10, NoExpiration)
	assert.NotZero(t, a.ID())
	assert.Greater(t, b.ID(), a.ID())

	c := a.WithExpiration(20)
	assert.Equal(t, a.ID(), c.ID())
	assert.EqualValues(t, 20, c.ExpirationTime())
}

func TestValueHolder_ExpirationClamped(t *testing.T) {
	t.Parallel()

	h := NewValueHolder("v", 100, 50)
	assert.EqualValues(t, 100, h.ExpirationTime())
	assert.True(t, h.IsExpired(100))
}

func TestValueHolder_IsExpired(t *testing.T) {
	t.Parallel()

	h := NewValueHolder("v", 0, 10)
	assert.False(t, h.IsExpired(9))
	assert.True(t, h.IsExpired(10))

	forever := NewValueHolder("v", 0, NoExpiration)
	assert.False(t, forever.IsExpired(1<<62))
}

func TestValueHolder_AccessedConcurrently(t *testing.T) {
	t.Parallel()

	h := NewValueHolder(1, 0, NoExpiration)
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(now int64) {
			defer wg.Done()
			h.Accessed(now)
		}(int64(i))
	}
	wg.Wait()

	assert.EqualValues(t, 50, h.Hits())
	assert.EqualValues(t, 50, h.LastAccessTime())
}

func TestValueHolder_HitRate(t *testing.T) {
	t.Parallel()

	h := NewValueHolder("v", 0, NoExpiration)
	for i := 0; i < 10; i++ {
		h.Accessed(int64(i))
	}
	assert.InDelta(t, 5.0, h.HitRate(int64(2*time.Second)), 1e-9)
}
