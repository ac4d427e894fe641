package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"PetVideoBatch-server/models"
)

func taskWithSegments(status string, updatedAt time.Time, results map[int]models.SegmentResult, total int) *models.BatchTask {
	t := &models.BatchTask{
		ID:            "proj-1",
		Status:        status,
		TotalSegments: total,
		SegmentURLs:   models.SegmentURLMap{},
		UpdatedAt:     updatedAt,
	}
	for i, r := range results {
		t.SegmentURLs[models.SegmentKey(i)] = r
	}
	return t
}

func completedResult(path string) models.SegmentResult {
	return models.SegmentResult{
		VideoURL:      path,
		FirstFrameURL: path + "_first.jpg",
		LastFrameURL:  path + "_last.jpg",
		Status:        models.SegmentStatusCompleted,
	}
}

func TestInferDisplayStatusFinalVideoWins(t *testing.T) {
	task := taskWithSegments(models.StatusMerging, time.Now(), nil, 3)
	task.FinalVideoURL = "/storage/projects/p/final.mp4"

	got := InferDisplayStatus(task, time.Now(), 900*time.Second)
	assert.Equal(t, models.StatusCompleted, got)
}

func TestInferDisplayStatusFreshGeneratingKept(t *testing.T) {
	now := time.Now()
	task := taskWithSegments(models.GeneratingSegmentStatus(1), now.Add(-30*time.Second), nil, 3)
	task.Storyboard = models.Storyboard{{SegmentIndex: 0}, {SegmentIndex: 1}, {SegmentIndex: 2}}

	got := InferDisplayStatus(task, now, 900*time.Second)
	assert.Equal(t, models.GeneratingSegmentStatus(1), got)
}

func TestInferDisplayStatusStaleGeneratingDerived(t *testing.T) {
	now := time.Now()
	task := taskWithSegments(models.GeneratingSegmentStatus(1), now.Add(-1000*time.Second), nil, 3)
	task.Storyboard = models.Storyboard{{SegmentIndex: 0}, {SegmentIndex: 1}, {SegmentIndex: 2}}

	got := InferDisplayStatus(task, now, 900*time.Second)
	assert.Equal(t, models.StatusStoryboardReady, got)
}

func TestInferDisplayStatusGeneratingButSegmentDone(t *testing.T) {
	// 状态说第 1 段在生成，但数据里第 1 段已有视频：按数据重推
	now := time.Now()
	task := taskWithSegments(models.GeneratingSegmentStatus(1), now.Add(-5*time.Second), map[int]models.SegmentResult{
		0: completedResult("/s/0.mp4"),
		1: completedResult("/s/1.mp4"),
	}, 3)
	task.Storyboard = models.Storyboard{{SegmentIndex: 0}, {SegmentIndex: 1}, {SegmentIndex: 2}}

	got := InferDisplayStatus(task, now, 900*time.Second)
	assert.Equal(t, models.StatusStoryboardReady, got)
}

func TestInferDisplayStatusAllSegmentsDerived(t *testing.T) {
	now := time.Now()
	task := taskWithSegments(models.GeneratingSegmentStatus(2), now.Add(-1000*time.Second), map[int]models.SegmentResult{
		0: completedResult("/s/0.mp4"),
		1: completedResult("/s/1.mp4"),
		2: completedResult("/s/2.mp4"),
	}, 3)

	got := InferDisplayStatus(task, now, 900*time.Second)
	assert.Equal(t, models.StatusAllSegmentsReady, got)
}

func TestInferDisplayStatusFailedWithWorkDerived(t *testing.T) {
	now := time.Now()
	task := taskWithSegments(models.StatusFailed, now, map[int]models.SegmentResult{
		0: completedResult("/s/0.mp4"),
	}, 3)
	task.Storyboard = models.Storyboard{{SegmentIndex: 0}, {SegmentIndex: 1}, {SegmentIndex: 2}}

	got := InferDisplayStatus(task, now, 900*time.Second)
	assert.Equal(t, models.StatusStoryboardReady, got)

	// 没有成果时保留 failed
	bare := taskWithSegments(models.StatusFailed, now, nil, 3)
	assert.Equal(t, models.StatusFailed, InferDisplayStatus(bare, now, 900*time.Second))
}

func TestInferDisplayStatusStaleMergingDerived(t *testing.T) {
	now := time.Now()
	task := taskWithSegments(models.StatusMerging, now.Add(-1000*time.Second), map[int]models.SegmentResult{
		0: completedResult("/s/0.mp4"),
		1: completedResult("/s/1.mp4"),
	}, 2)

	got := InferDisplayStatus(task, now, 900*time.Second)
	assert.Equal(t, models.StatusAllSegmentsReady, got)
}

func TestDisplaySegmentsStaleGeneratingResetToPending(t *testing.T) {
	now := time.Now()
	task := taskWithSegments(models.GeneratingSegmentStatus(1), now.Add(-1000*time.Second), map[int]models.SegmentResult{
		0: completedResult("/s/0.mp4"),
	}, 3)

	segs := DisplaySegments(task, now, 900*time.Second)
	assert.Equal(t, models.SegmentStatusPending, segs[models.SegmentKey(1)].Status)
	// 其他段不受影响
	assert.Equal(t, models.SegmentStatusCompleted, segs[models.SegmentKey(0)].Status)
	// 权威记录未被修改
	_, ok := task.SegmentURLs[models.SegmentKey(1)]
	assert.False(t, ok)
}

func TestDisplaySegmentsFreshGenerating(t *testing.T) {
	now := time.Now()
	task := taskWithSegments(models.GeneratingSegmentStatus(1), now.Add(-10*time.Second), nil, 3)

	segs := DisplaySegments(task, now, 900*time.Second)
	assert.Equal(t, models.SegmentStatusGenerating, segs[models.SegmentKey(1)].Status)
}
