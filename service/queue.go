package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"PetVideoBatch-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypeSegmentGenerate = "segment:generate"
	TypeCascadeRedo     = "segment:cascade_redo"
	TypeMergeVideos     = "segment:merge"
)

// SegmentPayload 生成/重做任务的入队负载
type SegmentPayload struct {
	JobID        string `json:"job_id"`
	ProjectID    string `json:"project_id"`
	SegmentIndex int    `json:"segment_index"`
	Reason       string `json:"reason,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// MergePayload 合并任务的入队负载
type MergePayload struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`
}

var QueueClient *asynq.Client

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

func enqueue(taskType string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	// 渠道生成较慢，入队时给足超时；
	// 业务失败不靠队列重试（重试是调用方的决定），MaxRetry 只兜网络层
	task := asynq.NewTask(taskType, b,
		asynq.MaxRetry(1),
		asynq.Timeout(20*time.Minute),
		asynq.Retention(24*time.Hour),
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	log.Printf("[Queue] Task Enqueued: Type=%s, ID=%s", taskType, info.ID)
	return nil
}

// EnqueueSegmentTask 分段生成任务入队
func EnqueueSegmentTask(p SegmentPayload) error {
	return enqueue(TypeSegmentGenerate, p)
}

// EnqueueCascadeRedoTask 级联重做任务入队
func EnqueueCascadeRedoTask(p SegmentPayload) error {
	return enqueue(TypeCascadeRedo, p)
}

// EnqueueMergeTask 合并任务入队
func EnqueueMergeTask(p MergePayload) error {
	return enqueue(TypeMergeVideos, p)
}
