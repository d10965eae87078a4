package eviction

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoAdvice(t *testing.T) {
	t.Parallel()

	a := NoAdvice[string, int]()
	assert.False(t, a.AdviseAgainstEviction("k", 1))
}

func TestSwitchable_ToggleWithoutRetagging(t *testing.T) {
	t.Parallel()

	s := NewSwitchable[string, string](AdvisorFunc[string, string](func(k, _ string) bool {
		return k == "keep"
	}))

	advised := s.AdviseAgainstEviction("keep", "v")
	assert.True(t, advised)
	assert.True(t, s.SwitchedOn())
	assert.True(t, s.Protected(advised))

	s.SetSwitchedOn(false)
	assert.False(t, s.Protected(advised), "switching off must lift protection")
	assert.True(t, s.AdviseAgainstEviction("keep", "v"), "advice itself is unaffected")

	s.SetSwitchedOn(true)
	assert.True(t, s.Protected(advised))
	assert.False(t, s.Protected(false))
}

func TestSwitchable_NilAdvisor(t *testing.T) {
	t.Parallel()

	s := NewSwitchable[int, int](nil)
	assert.False(t, s.AdviseAgainstEviction(1, 1))
}

func TestSwitchable_ConcurrentToggle(t *testing.T) {
	t.Parallel()

	s := NewSwitchable[int, int](AdvisorFunc[int, int](func(int, int) bool { return true }))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(on bool) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.SetSwitchedOn(on)
				_ = s.Protected(true)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	s.SetSwitchedOn(false)
	assert.False(t, s.SwitchedOn())
}
