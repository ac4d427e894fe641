package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 项目状态（在系统中统一使用这些状态）
const (
	// pending: 项目已建立，分镜尚未生成
	StatusPending = "pending"
	// storyboard_generating: 分镜脚本生成中（过渡状态）
	StatusStoryboardGenerating = "storyboard_generating"
	// storyboard_ready: 分镜已就绪，可以开始生成分段视频
	StatusStoryboardReady = "storyboard_ready"
	// all_segments_ready: 所有分段视频已完成，等待合并
	StatusAllSegmentsReady = "all_segments_ready"
	// merging: 正在合并最终视频（过渡状态）
	StatusMerging = "merging"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// 分段状态
const (
	SegmentStatusPending    = "pending"
	SegmentStatusGenerating = "generating"
	SegmentStatusCompleted  = "completed"
	SegmentStatusFailed     = "failed"
)

// GeneratingSegmentStatus 返回第 i 段生成中的过渡状态，如 generating_segment_2
func GeneratingSegmentStatus(i int) string {
	return fmt.Sprintf("generating_segment_%d", i)
}

// ParseGeneratingSegment 解析 generating_segment_N 状态，返回段号
func ParseGeneratingSegment(status string) (int, bool) {
	const prefix = "generating_segment_"
	if !strings.HasPrefix(status, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(status[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// IsTransientStatus 判断是否为过渡状态（生成中/合并中），这类状态需要做新鲜度校验
func IsTransientStatus(status string) bool {
	if status == StatusStoryboardGenerating || status == StatusMerging {
		return true
	}
	_, ok := ParseGeneratingSegment(status)
	return ok
}

// SegmentKey 返回 segment_urls / segment_history 中第 i 段的键名
func SegmentKey(i int) string {
	return fmt.Sprintf("segment_%d", i)
}

// SegmentSpec 分镜脚本中的一段
type SegmentSpec struct {
	SegmentIndex       int    `json:"segment_index"`
	SegmentType        string `json:"segment_type"` // intro | eating | outro
	Crucial            string `json:"crucial,omitempty"`
	CrucialZh          string `json:"crucial_zh,omitempty"`
	Action             string `json:"action,omitempty"`
	ActionZh           string `json:"action_zh,omitempty"`
	Sound              string `json:"sound,omitempty"`
	SoundZh            string `json:"sound_zh,omitempty"`
	NegativeConstraint string `json:"negative_constraint,omitempty"`
	Duration           int    `json:"duration,omitempty"`
	Prompt             string `json:"prompt,omitempty"`
	VideoURL           string `json:"video_url,omitempty"`
	FirstFrameURL      string `json:"first_frame_url,omitempty"`
	LastFrameURL       string `json:"last_frame_url,omitempty"`
	Status             string `json:"status,omitempty"`
}

// SegmentResult segment_urls 中一段的生成结果，整个系统以此为唯一权威记录
type SegmentResult struct {
	VideoURL      string `json:"video_url"`
	FirstFrameURL string `json:"first_frame_url"`
	LastFrameURL  string `json:"last_frame_url"`
	Status        string `json:"status"`
	UpdatedAt     string `json:"updated_at"`
}

// ArchiveEntry 一条归档记录（重新生成/级联重做之前的旧结果）
type ArchiveEntry struct {
	SegmentIndex   int    `json:"segment_index"`
	VideoURL       string `json:"video_url"`
	FirstFrameURL  string `json:"first_frame_url"`
	LastFrameURL   string `json:"last_frame_url"`
	LocalVideoPath string `json:"local_video_path"`
	ArchivedAt     string `json:"archived_at"`
	Reason         string `json:"reason"` // regenerate | cascade_redo | edit
}

// Storyboard 分镜脚本 JSON 列。兼容两种历史格式：
// 裸数组 [...]，或信封对象 {"segments": [...]}
type Storyboard []SegmentSpec

func (s Storyboard) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal([]SegmentSpec(s))
}

func (s *Storyboard) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	segs, err := ParseStoryboardJSON(bytes)
	if err != nil {
		return err
	}
	*s = segs
	return nil
}

// ParseStoryboardJSON 解析分镜 JSON，裸数组与信封对象均接受
func ParseStoryboardJSON(data []byte) (Storyboard, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var segs []SegmentSpec
	if err := json.Unmarshal(data, &segs); err == nil {
		return segs, nil
	}
	var envelope struct {
		Segments []SegmentSpec `json:"segments"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("解析分镜 JSON 失败: %w", err)
	}
	return envelope.Segments, nil
}

// SegmentURLMap segment_urls JSON 列（segment_i -> 结果）
type SegmentURLMap map[string]SegmentResult

func (m SegmentURLMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(SegmentURLMap{})
	}
	return json.Marshal(map[string]SegmentResult(m))
}

func (m *SegmentURLMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, m)
}

// SegmentHistoryMap segment_history JSON 列（segment_i -> 归档列表，最新在前）
type SegmentHistoryMap map[string][]ArchiveEntry

func (m SegmentHistoryMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(SegmentHistoryMap{})
	}
	return json.Marshal(map[string][]ArchiveEntry(m))
}

func (m *SegmentHistoryMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, m)
}

// BatchTask 一条生产任务记录，每个项目一行
type BatchTask struct {
	ID              string            `gorm:"primaryKey;type:varchar(64)" json:"project_id"`
	TableID         string            `json:"table_id"`
	RecordID        string            `json:"record_id"`
	TemplateID      string            `json:"template_id"`
	OpeningImageURL string            `json:"opening_image_url"`
	ScenePrompt     string            `json:"scene_prompt"`
	StoragePath     string            `json:"storage_path"`
	Status          string            `json:"status"`
	Storyboard      Storyboard        `gorm:"column:storyboard_json;type:json" json:"storyboard"`
	SegmentURLs     SegmentURLMap     `gorm:"column:segment_urls;type:json" json:"segment_urls"`
	SegmentHistory  SegmentHistoryMap `gorm:"column:segment_history;type:json" json:"segment_history"`
	TotalSegments   int               `json:"total_segments"`
	CurrentSegment  int               `json:"current_segment"`
	Progress        int               `json:"progress"`
	ErrorMessage    string            `json:"error_message"`
	FinalVideoURL   string            `json:"final_video_url"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// 强制指定表名为 "batch_task"
func (BatchTask) TableName() string {
	return "batch_task"
}

// SegmentResultAt 返回第 i 段的权威结果，不存在时 ok 为 false
func (t *BatchTask) SegmentResultAt(i int) (SegmentResult, bool) {
	if t.SegmentURLs == nil {
		return SegmentResult{}, false
	}
	r, ok := t.SegmentURLs[SegmentKey(i)]
	return r, ok
}

// AllSegmentsCompleted 判断 0..total-1 是否全部 completed
func (t *BatchTask) AllSegmentsCompleted() bool {
	if t.TotalSegments <= 0 {
		return false
	}
	for i := 0; i < t.TotalSegments; i++ {
		r, ok := t.SegmentResultAt(i)
		if !ok || r.Status != SegmentStatusCompleted || r.VideoURL == "" {
			return false
		}
	}
	return true
}
