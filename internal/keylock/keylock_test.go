package keylock_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"lawline/internal/keylock"
)

func TestTryLockContention(t *testing.T) {
	var s keylock.Set
	unlock, ok := s.TryLock("issue-1")
	require.True(t, ok)

	_, ok = s.TryLock("issue-1")
	assert.False(t, ok)

	other, ok := s.TryLock("issue-2")
	require.True(t, ok)
	other()

	unlock()
	again, ok := s.TryLock("issue-1")
	require.True(t, ok)
	again()
	assert.Equal(t, 0, s.Held())
}

func TestLockSerializesSameKey(t *testing.T) {
	var s keylock.Set
	var inside, maxInside int32
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			unlock := s.Lock("k")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, s.Held())
}
