package service

import (
	"PetVideoBatch-server/models"
)

// Store 项目状态的读写接口，由 models.TaskStore 实现。
// 服务层只通过该接口访问数据库，便于在不同环境下替换实现。
type Store interface {
	GetTask(projectID string) (*models.BatchTask, error)
	CreateTask(t *models.BatchTask) error
	GetStoryboard(projectID string) ([]models.SegmentSpec, error)
	SaveStoryboard(projectID string, segments []models.SegmentSpec) error
	UpdateSegmentResult(projectID string, idx int, videoURL, firstFrameURL, lastFrameURL, status string) error
	UpdateTaskStatus(projectID string, fields map[string]interface{}) error
	GetSegmentHistory(projectID string, idx int) ([]models.ArchiveEntry, error)
	AppendSegmentHistory(projectID string, idx int, entry models.ArchiveEntry) error
	ResetSegmentsFrom(projectID string, fromIdx int) error
	GetStoragePath(projectID string) (string, error)
	SaveStoragePath(projectID, path string) error
}
