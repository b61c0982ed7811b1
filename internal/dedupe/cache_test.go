// ABOUTME: Tests for the webhook dedupe cache
// ABOUTME: Covers TTL expiry, refresh on re-mark, bounded eviction, and concurrent access

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheck_UnknownKey(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Check("never-marked"))
}

func TestMarkThenCheck(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Mark("ev-1")
	assert.True(t, cache.Check("ev-1"))
	assert.False(t, cache.Check("ev-2"))
}

func TestCheck_ExpiredKey(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("ev-1")
	assert.True(t, cache.Check("ev-1"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.Check("ev-1"))
}

func TestMark_RefreshesTTL(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("ev-1")
	time.Sleep(30 * time.Millisecond)
	cache.Mark("ev-1")

	// Past the original deadline but within the refreshed one.
	time.Sleep(30 * time.Millisecond)
	assert.True(t, cache.Check("ev-1"))
}

func TestEviction_OldestFirst(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("ev-1")
	cache.Mark("ev-2")
	cache.Mark("ev-3")
	cache.Mark("ev-4")

	assert.False(t, cache.Check("ev-1"))
	assert.True(t, cache.Check("ev-2"))
	assert.True(t, cache.Check("ev-3"))
	assert.True(t, cache.Check("ev-4"))

	cache.Mark("ev-5")
	assert.False(t, cache.Check("ev-2"))
	assert.True(t, cache.Check("ev-5"))
}

func TestEviction_ReMarkMovesToBack(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("ev-1")
	cache.Mark("ev-2")
	cache.Mark("ev-3")

	// Re-marking ev-1 makes ev-2 the oldest.
	cache.Mark("ev-1")
	cache.Mark("ev-4")

	assert.True(t, cache.Check("ev-1"))
	assert.False(t, cache.Check("ev-2"))
}

func TestRemoveExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("ev-1")
	cache.Mark("ev-2")
	time.Sleep(20 * time.Millisecond)

	cache.removeExpired()

	cache.mu.RLock()
	remaining := len(cache.seen)
	cache.mu.RUnlock()
	assert.Equal(t, 0, remaining)
}

func TestConcurrentMarkAndCheck(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("ev-%d-%d", i%10, j%20)
				cache.Mark(key)
				cache.Check(key)
			}
		}(i)
	}
	wg.Wait()

	cache.Mark("ev-final")
	assert.True(t, cache.Check("ev-final"))
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Mark("ev-1")
	assert.True(t, cache.Check("ev-1"))

	cache.Close()
	cache.Close()
}
