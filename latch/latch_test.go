package latch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrySetFirstWriterWins(t *testing.T) {
	l := New[int]()

	assert.True(t, l.TrySet(1))
	assert.False(t, l.TrySet(2))

	v, ok := l.Peek()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestWaitBlocksUntilSet(t *testing.T) {
	l := New[string]()
	var wg sync.WaitGroup
	wg.Add(1)

	var got string
	go func() {
		defer wg.Done()
		got = l.Wait()
	}()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, l.TrySet("value"))
	wg.Wait()
	assert.Equal(t, "value", got)
}

func TestMultipleReadersObserveSameValue(t *testing.T) {
	l := New[int]()
	const readers = 8
	results := make([]int, readers)
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = l.Wait()
		}()
	}
	l.TrySet(42)
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, 42, r)
	}
}
