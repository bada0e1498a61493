package idpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolReuse(t *testing.T) {
	p := New()
	p.Next()
	p.Next()
	p.Free(0)
	require.Equal(t, uint32(0), p.Next())
}

func TestPoolActiveCount(t *testing.T) {
	p := New()
	a := p.Next()
	b := p.Next()
	require.Equal(t, uint32(2), p.Active())
	p.Free(a)
	require.Equal(t, uint32(1), p.Active())
	_ = b
}

func TestPoolSmallestFreedReused(t *testing.T) {
	p := New()
	for i := 0; i < 5; i++ {
		p.Next()
	}
	p.Free(3)
	p.Free(1)
	require.Equal(t, uint32(1), p.Next())
	require.Equal(t, uint32(3), p.Next())
}

func TestPoolConcurrentUse(t *testing.T) {
	p := New()
	var wg sync.WaitGroup
	ids := make(chan uint32, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- p.Next()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	require.Len(t, seen, 100)
}
