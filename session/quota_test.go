package session

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotQuota(t *testing.T) {
	t.Parallel()

	q := NewSlotQuota(2)
	require.True(t, q.Acquire())
	require.True(t, q.Acquire())
	require.False(t, q.Acquire())
	require.Equal(t, 2, q.InUse())

	q.Release()
	q.Release()
	q.Release()
	require.Equal(t, 0, q.InUse(), "extra releases do not go negative")
	require.Equal(t, 2, q.Max())
}

func TestSlotQuota_Concurrent(t *testing.T) {
	t.Parallel()

	q := NewSlotQuota(10)
	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Acquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(10), granted.Load())
	require.Equal(t, 10, q.InUse())
}
