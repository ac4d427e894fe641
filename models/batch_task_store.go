package models

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
)

// TaskStore 项目状态的唯一写入口。其它存储（本地 storyboard.json、远端表格）
// 都是它的出库缓存，写失败不回滚这里的写入。
type TaskStore struct {
	DB         *gorm.DB
	HistoryCap int
}

func NewTaskStore(db *gorm.DB, historyCap int) *TaskStore {
	if historyCap <= 0 {
		historyCap = 10
	}
	return &TaskStore{DB: db, HistoryCap: historyCap}
}

func (s *TaskStore) GetTask(projectID string) (*BatchTask, error) {
	var t BatchTask
	if err := s.DB.First(&t, "id = ?", projectID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TaskStore) CreateTask(t *BatchTask) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	return s.DB.Create(t).Error
}

// GetStoryboard 读取分镜脚本，未设置时返回 nil（不视为错误）
func (s *TaskStore) GetStoryboard(projectID string) ([]SegmentSpec, error) {
	t, err := s.GetTask(projectID)
	if err != nil {
		return nil, err
	}
	if len(t.Storyboard) == 0 {
		return nil, nil
	}
	return t.Storyboard, nil
}

// SaveStoryboard 整体覆盖分镜脚本
func (s *TaskStore) SaveStoryboard(projectID string, segments []SegmentSpec) error {
	b, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("序列化分镜失败: %w", err)
	}
	return s.UpdateTaskStatus(projectID, map[string]interface{}{
		"storyboard_json": b,
		"total_segments":  len(segments),
	})
}

// UpdateSegmentResult 把第 idx 段的结果合入 segment_urls（唯一权威记录），
// 同步修补 storyboard_json 中对应段，然后按数据重新计算聚合状态：
// 全部 completed -> all_segments_ready，否则 -> storyboard_ready。
// 聚合状态不会写成 generating_*，过渡状态只由发起生成的调用方设置。
func (s *TaskStore) UpdateSegmentResult(projectID string, idx int, videoURL, firstFrameURL, lastFrameURL, status string) error {
	t, err := s.GetTask(projectID)
	if err != nil {
		return err
	}
	if idx < 0 || (t.TotalSegments > 0 && idx >= t.TotalSegments) {
		return fmt.Errorf("非法段号 %d (共 %d 段)", idx, t.TotalSegments)
	}

	if t.SegmentURLs == nil {
		t.SegmentURLs = SegmentURLMap{}
	}
	t.SegmentURLs[SegmentKey(idx)] = SegmentResult{
		VideoURL:      videoURL,
		FirstFrameURL: firstFrameURL,
		LastFrameURL:  lastFrameURL,
		Status:        status,
		UpdatedAt:     time.Now().Format(time.RFC3339),
	}

	// 修补分镜中对应段，保持两份视图一致
	for i := range t.Storyboard {
		if t.Storyboard[i].SegmentIndex == idx {
			t.Storyboard[i].VideoURL = videoURL
			t.Storyboard[i].FirstFrameURL = firstFrameURL
			t.Storyboard[i].LastFrameURL = lastFrameURL
			t.Storyboard[i].Status = status
			break
		}
	}

	aggregate := StatusStoryboardReady
	if t.AllSegmentsCompleted() {
		aggregate = StatusAllSegmentsReady
	}

	completed := 0
	for i := 0; i < t.TotalSegments; i++ {
		if r, ok := t.SegmentResultAt(i); ok && r.Status == SegmentStatusCompleted {
			completed++
		}
	}
	progress := 0
	if t.TotalSegments > 0 {
		progress = completed * 100 / t.TotalSegments
	}

	urlsBytes, _ := json.Marshal(t.SegmentURLs)
	storyboardBytes, _ := json.Marshal(t.Storyboard)

	return s.DB.Model(&BatchTask{ID: projectID}).Updates(map[string]interface{}{
		"segment_urls":    urlsBytes,
		"storyboard_json": storyboardBytes,
		"status":          aggregate,
		"progress":        progress,
		"current_segment": idx,
		"updated_at":      time.Now(),
	}).Error
}

// UpdateTaskStatus 通用字段更新，走 Native SQL 的动态 SET，updated_at 总是刷新
func (s *TaskStore) UpdateTaskStatus(projectID string, fields map[string]interface{}) error {
	return UpdateBatchTaskFields(projectID, fields)
}

func (s *TaskStore) GetSegmentHistory(projectID string, idx int) ([]ArchiveEntry, error) {
	t, err := s.GetTask(projectID)
	if err != nil {
		return nil, err
	}
	if t.SegmentHistory == nil {
		return nil, nil
	}
	return t.SegmentHistory[SegmentKey(idx)], nil
}

// AppendSegmentHistory 在第 idx 段的历史头部插入一条归档记录，
// 超出上限时丢弃最旧（列表尾部）
func (s *TaskStore) AppendSegmentHistory(projectID string, idx int, entry ArchiveEntry) error {
	t, err := s.GetTask(projectID)
	if err != nil {
		return err
	}
	if t.SegmentHistory == nil {
		t.SegmentHistory = SegmentHistoryMap{}
	}
	key := SegmentKey(idx)
	history := append([]ArchiveEntry{entry}, t.SegmentHistory[key]...)
	if len(history) > s.HistoryCap {
		dropped := len(history) - s.HistoryCap
		log.Printf("项目 %s 第 %d 段历史超出上限 %d，丢弃最旧 %d 条", projectID, idx, s.HistoryCap, dropped)
		history = history[:s.HistoryCap]
	}
	t.SegmentHistory[key] = history

	historyBytes, _ := json.Marshal(t.SegmentHistory)
	return s.UpdateTaskStatus(projectID, map[string]interface{}{
		"segment_history": historyBytes,
	})
}

// ResetSegmentsFrom 把第 fromIdx 段及其后继全部重置为 pending（级联重做用），
// 权威记录与分镜视图同时清空
func (s *TaskStore) ResetSegmentsFrom(projectID string, fromIdx int) error {
	t, err := s.GetTask(projectID)
	if err != nil {
		return err
	}
	for i := fromIdx; i < t.TotalSegments; i++ {
		delete(t.SegmentURLs, SegmentKey(i))
	}
	for i := range t.Storyboard {
		if t.Storyboard[i].SegmentIndex >= fromIdx {
			t.Storyboard[i].VideoURL = ""
			t.Storyboard[i].FirstFrameURL = ""
			t.Storyboard[i].LastFrameURL = ""
			t.Storyboard[i].Status = SegmentStatusPending
		}
	}

	urlsBytes, _ := json.Marshal(t.SegmentURLs)
	storyboardBytes, _ := json.Marshal(t.Storyboard)
	return s.UpdateTaskStatus(projectID, map[string]interface{}{
		"segment_urls":    urlsBytes,
		"storyboard_json": storyboardBytes,
		"status":          StatusStoryboardReady,
		"final_video_url": "",
	})
}

func (s *TaskStore) GetStoragePath(projectID string) (string, error) {
	t, err := s.GetTask(projectID)
	if err != nil {
		return "", err
	}
	return t.StoragePath, nil
}

func (s *TaskStore) SaveStoragePath(projectID, path string) error {
	return s.UpdateTaskStatus(projectID, map[string]interface{}{
		"storage_path": path,
	})
}
