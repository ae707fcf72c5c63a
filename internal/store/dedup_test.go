package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("12345@s.whatsapp.net", "hello", 1700000000)
	b := Fingerprint("12345@s.whatsapp.net", "hello", 1700000000)
	assert.Equal(t, a, b)

	// Any component changing yields a different identity
	assert.NotEqual(t, a, Fingerprint("67890@s.whatsapp.net", "hello", 1700000000))
	assert.NotEqual(t, a, Fingerprint("12345@s.whatsapp.net", "hello!", 1700000000))
	assert.NotEqual(t, a, Fingerprint("12345@s.whatsapp.net", "hello", 1700000001))
}

func TestMediaFingerprint(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	a := MediaFingerprint("U123", data, 1700000000)
	b := MediaFingerprint("U123", data, 1700000000)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, MediaFingerprint("U123", []byte{0x00}, 1700000000))
}

func TestDedupCache_CheckAndInsert(t *testing.T) {
	c := NewDedupCache(10)

	assert.False(t, c.CheckAndInsert("fp-1"))
	assert.True(t, c.CheckAndInsert("fp-1"))
	assert.False(t, c.CheckAndInsert("fp-2"))
	assert.Equal(t, 2, c.Len())
}

func TestDedupCache_EvictsOldestFirst(t *testing.T) {
	c := NewDedupCache(3)

	require.False(t, c.CheckAndInsert("a"))
	require.False(t, c.CheckAndInsert("b"))
	require.False(t, c.CheckAndInsert("c"))

	// "d" pushes out "a", the oldest entry
	require.False(t, c.CheckAndInsert("d"))
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndInsert("a"))

	// The recent entries survive
	assert.True(t, c.CheckAndInsert("c"))
	assert.True(t, c.CheckAndInsert("d"))
}

func TestDedupCache_BoundedUnderChurn(t *testing.T) {
	c := NewDedupCache(50)

	for i := 0; i < 1000; i++ {
		c.CheckAndInsert(fmt.Sprintf("fp-%d", i))
	}
	assert.Equal(t, 50, c.Len())

	// The newest fingerprints are still recognized
	for i := 950; i < 1000; i++ {
		assert.True(t, c.CheckAndInsert(fmt.Sprintf("fp-%d", i)))
	}
}

func TestDedupCache_ConcurrentSameFingerprint(t *testing.T) {
	c := NewDedupCache(100)

	const workers = 32
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.CheckAndInsert("same")
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for dup := range results {
		if !dup {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestDedupCache_DefaultCapacity(t *testing.T) {
	c := NewDedupCache(0)
	assert.Equal(t, DefaultDedupCapacity, c.capacity)
}
