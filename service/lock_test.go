package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManagerConflict(t *testing.T) {
	m := NewLockManager(DefaultLockTimeouts())

	holder, err := m.TryLock("proj-1", OpGenerateSegment)
	require.NoError(t, err)
	assert.NotEmpty(t, holder)

	// 同项目再次加锁必须冲突，且错误里带上持锁操作
	_, err = m.TryLock("proj-1", OpMergeVideos)
	require.Error(t, err)
	var conflict *LockConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "proj-1", conflict.ProjectID)
	assert.Equal(t, OpGenerateSegment, conflict.Operation)

	// 不同项目互不影响
	_, err = m.TryLock("proj-2", OpGenerateSegment)
	assert.NoError(t, err)
}

func TestLockManagerReleaseAndReacquire(t *testing.T) {
	m := NewLockManager(DefaultLockTimeouts())

	_, err := m.TryLock("proj-1", OpCascadeRedo)
	require.NoError(t, err)
	assert.Equal(t, OpCascadeRedo, m.Holder("proj-1"))

	m.Release("proj-1")
	assert.Equal(t, "", m.Holder("proj-1"))

	// 重复释放是空操作
	m.Release("proj-1")

	_, err = m.TryLock("proj-1", OpMergeVideos)
	assert.NoError(t, err)
}

func TestLockManagerExpiredLockReclaimed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewLockManager(map[string]time.Duration{
		OpGenerateSegment: 600 * time.Second,
	})
	m.now = func() time.Time { return now }

	_, err := m.TryLock("proj-1", OpGenerateSegment)
	require.NoError(t, err)

	// 超时前仍冲突
	now = now.Add(599 * time.Second)
	_, err = m.TryLock("proj-1", OpGenerateSegment)
	assert.Error(t, err)

	// 超时后允许回收
	now = now.Add(2 * time.Second)
	holder, err := m.TryLock("proj-1", OpGenerateSegment)
	require.NoError(t, err)
	assert.NotEmpty(t, holder)
}

func TestLockManagerConcurrentSingleWinner(t *testing.T) {
	m := NewLockManager(DefaultLockTimeouts())

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = m.TryLock("proj-1", OpGenerateSegment)
		}(i)
	}
	close(start)
	wg.Wait()

	won := 0
	for _, err := range results {
		if err == nil {
			won++
		} else {
			var conflict *LockConflictError
			assert.True(t, errors.As(err, &conflict))
		}
	}
	assert.Equal(t, 1, won)
}
