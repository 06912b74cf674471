package usecases

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableTryLock(t *testing.T) {
	locks := NewLockTable(4)

	require.True(t, locks.TryLock("acp:u1"))
	assert.False(t, locks.TryLock("acp:u1"))
	assert.True(t, locks.TryLock("acp:u2"))
	assert.True(t, locks.Held("acp:u1"))

	locks.Unlock("acp:u1")
	assert.False(t, locks.Held("acp:u1"))
	assert.True(t, locks.TryLock("acp:u1"))
}

// TestLockTableSingleHolder tests that concurrent callers never share a key
func TestLockTableSingleHolder(t *testing.T) {
	locks := NewLockTable(0)

	var holders, winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d", j%5)
				if !locks.TryLock(key) {
					continue
				}
				if holders.Add(1) > 5 {
					t.Errorf("more holders than keys")
				}
				winners.Add(1)
				holders.Add(-1)
				locks.Unlock(key)
			}
		}()
	}
	wg.Wait()

	assert.Greater(t, winners.Load(), int32(0))
}

func TestTransferLimiter(t *testing.T) {
	limiter := NewTransferLimiter(1)
	ctx := context.Background()

	require.NoError(t, limiter.Acquire(ctx))
	assert.Equal(t, 1, limiter.InUse())

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.Acquire(timeout), context.DeadlineExceeded)

	limiter.Release()
	limiter.Release()
	assert.Equal(t, 0, limiter.InUse())
	assert.NoError(t, limiter.Acquire(ctx))
}
