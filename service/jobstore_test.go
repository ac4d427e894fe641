package service

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStoreNewestFirstAndCapped(t *testing.T) {
	s := NewJobStore("", 3)
	var ids []string
	for i := 0; i < 5; i++ {
		job := s.Add(fmt.Sprintf("proj-%d", i), "generate_segment", i)
		ids = append(ids, job.ID)
	}

	jobs := s.List(0)
	require.Len(t, jobs, 3)
	assert.Equal(t, "proj-4", jobs[0].ProjectID)
	assert.Equal(t, "proj-2", jobs[2].ProjectID)

	// 被挤出的旧任务查不到
	_, ok := s.Get(ids[0])
	assert.False(t, ok)
	_, ok = s.Get(ids[4])
	assert.True(t, ok)
}

func TestJobStoreSetStatus(t *testing.T) {
	s := NewJobStore("", 10)
	job := s.Add("proj-1", "merge_videos", -1)
	assert.Equal(t, "queued", job.Status)

	s.SetStatus(job.ID, "failed", "渠道生成失败")
	got, ok := s.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "渠道生成失败", got.Message)

	// 不存在的任务号是空操作
	s.SetStatus("nope", "done", "")
}

func TestJobStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")

	s := NewJobStore(path, 10)
	job := s.Add("proj-1", "cascade_redo", 2)
	s.SetStatus(job.ID, "done", "")
	require.NoError(t, s.SaveSnapshot())

	restored := NewJobStore(path, 10)
	restored.LoadSnapshot()
	got, ok := restored.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, 2, got.Segment)
}

func TestJobStoreLoadMissingSnapshot(t *testing.T) {
	s := NewJobStore(filepath.Join(t.TempDir(), "absent.json"), 10)
	s.LoadSnapshot()
	assert.Empty(t, s.List(0))
}
