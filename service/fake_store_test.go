package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"PetVideoBatch-server/models"
)

// fakeStore 内存版 Store 实现，按列名应用更新，语义对齐 models.TaskStore
type fakeStore struct {
	mu         sync.Mutex
	tasks      map[string]*models.BatchTask
	historyCap int

	// 记录 UpdateSegmentResult 调用顺序，供两阶段写入断言
	segmentWrites []segmentWrite
	statusWrites  []map[string]interface{}
}

type segmentWrite struct {
	Idx      int
	VideoURL string
	Status   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:      make(map[string]*models.BatchTask),
		historyCap: 10,
	}
}

func (s *fakeStore) GetTask(projectID string) (*models.BatchTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[projectID]
	if !ok {
		return nil, errors.New("record not found")
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) CreateTask(t *models.BatchTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return errors.New("duplicate key")
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) GetStoryboard(projectID string) ([]models.SegmentSpec, error) {
	t, err := s.GetTask(projectID)
	if err != nil {
		return nil, err
	}
	if len(t.Storyboard) == 0 {
		return nil, nil
	}
	return t.Storyboard, nil
}

func (s *fakeStore) SaveStoryboard(projectID string, segments []models.SegmentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[projectID]
	if !ok {
		return errors.New("record not found")
	}
	t.Storyboard = segments
	t.TotalSegments = len(segments)
	t.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) UpdateSegmentResult(projectID string, idx int, videoURL, firstFrameURL, lastFrameURL, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[projectID]
	if !ok {
		return errors.New("record not found")
	}
	if idx < 0 || (t.TotalSegments > 0 && idx >= t.TotalSegments) {
		return fmt.Errorf("非法段号 %d", idx)
	}
	if t.SegmentURLs == nil {
		t.SegmentURLs = models.SegmentURLMap{}
	}
	t.SegmentURLs[models.SegmentKey(idx)] = models.SegmentResult{
		VideoURL:      videoURL,
		FirstFrameURL: firstFrameURL,
		LastFrameURL:  lastFrameURL,
		Status:        status,
		UpdatedAt:     time.Now().Format(time.RFC3339),
	}
	for i := range t.Storyboard {
		if t.Storyboard[i].SegmentIndex == idx {
			t.Storyboard[i].VideoURL = videoURL
			t.Storyboard[i].Status = status
			break
		}
	}
	if t.AllSegmentsCompleted() {
		t.Status = models.StatusAllSegmentsReady
	} else {
		t.Status = models.StatusStoryboardReady
	}
	t.CurrentSegment = idx
	t.UpdatedAt = time.Now()

	s.segmentWrites = append(s.segmentWrites, segmentWrite{Idx: idx, VideoURL: videoURL, Status: status})
	return nil
}

func (s *fakeStore) UpdateTaskStatus(projectID string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[projectID]
	if !ok {
		return errors.New("record not found")
	}
	for k, v := range fields {
		switch k {
		case "status":
			t.Status = v.(string)
		case "error_message":
			t.ErrorMessage = v.(string)
		case "final_video_url":
			t.FinalVideoURL = v.(string)
		case "storage_path":
			t.StoragePath = v.(string)
		case "progress":
			t.Progress = v.(int)
		case "opening_image_url":
			t.OpeningImageURL = v.(string)
		case "scene_prompt":
			t.ScenePrompt = v.(string)
		case "record_id":
			t.RecordID = v.(string)
		case "table_id":
			t.TableID = v.(string)
		case "storyboard_json":
			if b, ok := v.([]byte); ok {
				segs, _ := models.ParseStoryboardJSON(b)
				t.Storyboard = segs
			}
		case "segment_urls":
			if b, ok := v.([]byte); ok {
				var m models.SegmentURLMap
				_ = json.Unmarshal(b, &m)
				t.SegmentURLs = m
			}
		}
	}
	t.UpdatedAt = time.Now()
	s.statusWrites = append(s.statusWrites, fields)
	return nil
}

func (s *fakeStore) GetSegmentHistory(projectID string, idx int) ([]models.ArchiveEntry, error) {
	t, err := s.GetTask(projectID)
	if err != nil {
		return nil, err
	}
	if t.SegmentHistory == nil {
		return nil, nil
	}
	return t.SegmentHistory[models.SegmentKey(idx)], nil
}

func (s *fakeStore) AppendSegmentHistory(projectID string, idx int, entry models.ArchiveEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[projectID]
	if !ok {
		return errors.New("record not found")
	}
	if t.SegmentHistory == nil {
		t.SegmentHistory = models.SegmentHistoryMap{}
	}
	key := models.SegmentKey(idx)
	history := append([]models.ArchiveEntry{entry}, t.SegmentHistory[key]...)
	if len(history) > s.historyCap {
		history = history[:s.historyCap]
	}
	t.SegmentHistory[key] = history
	t.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) ResetSegmentsFrom(projectID string, fromIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[projectID]
	if !ok {
		return errors.New("record not found")
	}
	for i := fromIdx; i < t.TotalSegments; i++ {
		delete(t.SegmentURLs, models.SegmentKey(i))
	}
	for i := range t.Storyboard {
		if t.Storyboard[i].SegmentIndex >= fromIdx {
			t.Storyboard[i].VideoURL = ""
			t.Storyboard[i].FirstFrameURL = ""
			t.Storyboard[i].LastFrameURL = ""
			t.Storyboard[i].Status = models.SegmentStatusPending
		}
	}
	t.Status = models.StatusStoryboardReady
	t.FinalVideoURL = ""
	t.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) GetStoragePath(projectID string) (string, error) {
	t, err := s.GetTask(projectID)
	if err != nil {
		return "", err
	}
	return t.StoragePath, nil
}

func (s *fakeStore) SaveStoragePath(projectID, path string) error {
	return s.UpdateTaskStatus(projectID, map[string]interface{}{"storage_path": path})
}

func (s *fakeStore) mustTask(projectID string) *models.BatchTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[projectID]
}
