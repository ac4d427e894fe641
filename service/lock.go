package service

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 互斥操作类型，锁超时按操作区分
const (
	OpGenerateSegment    = "generate_segment"
	OpGenerateStoryboard = "generate_storyboard"
	OpCascadeRedo        = "cascade_redo"
	OpMergeVideos        = "merge_videos"
)

// LockConflictError 锁冲突：向调用方说明是谁在持锁、从什么时候开始
type LockConflictError struct {
	ProjectID string
	Operation string
	LockedAt  time.Time
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("项目 %s 正在执行 %s (开始于 %s)，请稍后再试",
		e.ProjectID, e.Operation, e.LockedAt.Format("15:04:05"))
}

type projectLock struct {
	Operation string
	HolderID  string
	LockedAt  time.Time
	ExpiresAt time.Time
}

// LockManager 进程内项目锁表。锁不落库：记录是临时的，进程重启即全部释放。
// 过期锁允许被新请求回收，避免崩溃的执行器永久占锁。
type LockManager struct {
	mu       sync.Mutex
	locks    map[string]*projectLock
	timeouts map[string]time.Duration
	now      func() time.Time
}

func NewLockManager(timeouts map[string]time.Duration) *LockManager {
	if timeouts == nil {
		timeouts = map[string]time.Duration{}
	}
	return &LockManager{
		locks:    make(map[string]*projectLock),
		timeouts: timeouts,
		now:      time.Now,
	}
}

// DefaultLockTimeouts 各操作的默认锁超时
func DefaultLockTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		OpGenerateSegment:    600 * time.Second,
		OpGenerateStoryboard: 120 * time.Second,
		OpCascadeRedo:        60 * time.Second,
		OpMergeVideos:        300 * time.Second,
	}
}

func (m *LockManager) timeoutFor(operation string) time.Duration {
	if d, ok := m.timeouts[operation]; ok && d > 0 {
		return d
	}
	return 600 * time.Second
}

// TryLock 非阻塞获取锁。已有未过期锁时立即失败并返回 *LockConflictError；
// 已过期的锁直接回收（记一条日志）。
func (m *LockManager) TryLock(projectID, operation string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.locks[projectID]; ok {
		if now.Before(existing.ExpiresAt) {
			return "", &LockConflictError{
				ProjectID: projectID,
				Operation: existing.Operation,
				LockedAt:  existing.LockedAt,
			}
		}
		log.Printf("项目 %s 的过期锁被回收 (操作 %s, 持有 %s)",
			projectID, existing.Operation, now.Sub(existing.LockedAt))
	}

	holder := uuid.NewString()
	m.locks[projectID] = &projectLock{
		Operation: operation,
		HolderID:  holder,
		LockedAt:  now,
		ExpiresAt: now.Add(m.timeoutFor(operation)),
	}
	return holder, nil
}

// Release 释放锁，未持锁时为空操作
func (m *LockManager) Release(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, projectID)
}

// Holder 返回当前持锁的操作名，无锁或已过期时返回空串
func (m *LockManager) Holder(projectID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[projectID]; ok && m.now().Before(l.ExpiresAt) {
		return l.Operation
	}
	return ""
}
