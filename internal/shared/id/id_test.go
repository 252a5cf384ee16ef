package id

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterMonotonic(t *testing.T) {
	var c Counter

	prev := uint64(0)
	for i := 0; i < 1000; i++ {
		n := c.Next()
		assert.Greater(t, n, prev)
		prev = n
	}
}

func TestCounterNeverReturnsZero(t *testing.T) {
	var c Counter
	assert.Equal(t, uint64(1), c.Next())
}

func TestCounterConcurrentUnique(t *testing.T) {
	var c Counter
	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				n := c.Next()
				mu.Lock()
				if seen[n] {
					t.Errorf("id %d allocated twice", n)
				}
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 8*500)
}

func TestBootIDRoundTrip(t *testing.T) {
	boot := NewBootID()

	parsed, err := ParseBootID(boot)
	assert.NoError(t, err)
	assert.Equal(t, boot, parsed.String())
}
