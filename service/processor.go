package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"PetVideoBatch-server/config"

	"github.com/hibiken/asynq"
)

// poll 取消注册表（project_id:segment -> cancelFunc）。
// 渠道任务提交后无法远程中止，取消只是停止本端轮询。
var pollCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

func pollKey(projectID string, idx int) string {
	return fmt.Sprintf("%s:%d", projectID, idx)
}

// RegisterPollCancel 注册轮询的 cancelFunc（任务开始轮询时调用）
func RegisterPollCancel(projectID string, idx int, cancel context.CancelFunc) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	pollCancelRegistry.m[pollKey(projectID, idx)] = cancel
}

// UnregisterPollCancel 注销轮询的 cancelFunc（轮询结束时调用）
func UnregisterPollCancel(projectID string, idx int) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	delete(pollCancelRegistry.m, pollKey(projectID, idx))
}

// CancelPoll 外部调用以停止某段的轮询，返回是否实际找到并取消
func CancelPoll(projectID string, idx int) bool {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	if cancel, ok := pollCancelRegistry.m[pollKey(projectID, idx)]; ok {
		cancel()
		delete(pollCancelRegistry.m, pollKey(projectID, idx))
		return true
	}
	return false
}

// Processor 消费队列里的生成/重做/合并任务
type Processor struct {
	Engine *SegmentEngine
	Merge  *MergeService
	Jobs   *JobStore
}

func NewProcessor(engine *SegmentEngine, merge *MergeService, jobs *JobStore) *Processor {
	return &Processor{Engine: engine, Merge: merge, Jobs: jobs}
}

// StartProcessor 启动任务消费者。并发度同时是全批次在途生成数的上限。
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSegmentGenerate, p.HandleSegmentTask)
	mux.HandleFunc(TypeCascadeRedo, p.HandleCascadeRedoTask)
	mux.HandleFunc(TypeMergeVideos, p.HandleMergeTask)

	log.Printf("Starting Task Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

func (p *Processor) setJob(jobID, status, message string) {
	if p.Jobs != nil && jobID != "" {
		p.Jobs.SetStatus(jobID, status, message)
	}
}

// HandleSegmentTask 单段生成
func (p *Processor) HandleSegmentTask(ctx context.Context, t *asynq.Task) error {
	var payload SegmentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("Processing Segment: %s | 第 %d 段", payload.ProjectID, payload.SegmentIndex)
	p.setJob(payload.JobID, "running", "")

	pollCtx, cancel := context.WithCancel(ctx)
	RegisterPollCancel(payload.ProjectID, payload.SegmentIndex, cancel)
	defer UnregisterPollCancel(payload.ProjectID, payload.SegmentIndex)

	_, err := p.Engine.GenerateSegment(pollCtx, payload.ProjectID, payload.SegmentIndex, GenerateOptions{
		Reason:         payload.Reason,
		PromptOverride: payload.Prompt,
	})
	if err != nil {
		// 锁冲突与输入错误是调用方的事，引擎内部已做状态回滚，不触发队列重试
		log.Printf("项目 %s 第 %d 段生成失败: %v", payload.ProjectID, payload.SegmentIndex, err)
		p.setJob(payload.JobID, "failed", err.Error())
		return nil
	}
	p.setJob(payload.JobID, "done", "")
	return nil
}

// HandleCascadeRedoTask 级联重做
func (p *Processor) HandleCascadeRedoTask(ctx context.Context, t *asynq.Task) error {
	var payload SegmentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	p.setJob(payload.JobID, "running", "")
	if err := p.Engine.CascadeRedo(ctx, payload.ProjectID, payload.SegmentIndex); err != nil {
		log.Printf("项目 %s 级联重做失败: %v", payload.ProjectID, err)
		p.setJob(payload.JobID, "failed", err.Error())
		return nil
	}
	p.setJob(payload.JobID, "done", "")
	return nil
}

// HandleMergeTask 成片合并
func (p *Processor) HandleMergeTask(ctx context.Context, t *asynq.Task) error {
	var payload MergePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	p.setJob(payload.JobID, "running", "")
	finalPath, err := p.Merge.MergeVideos(ctx, payload.ProjectID)
	if err != nil {
		log.Printf("项目 %s 合并失败: %v", payload.ProjectID, err)
		p.setJob(payload.JobID, "failed", err.Error())
		return nil
	}
	p.setJob(payload.JobID, "done", finalPath)
	return nil
}

// NewProviderFromConfig 按配置选择视频生成渠道
func NewProviderFromConfig() VideoProvider {
	cfg := config.AppConfig.Provider
	switch cfg.Default {
	case "zhipu":
		return NewZhipuProvider(cfg.Zhipu.BaseURL, cfg.Zhipu.APIKey, cfg.Zhipu.Model)
	default:
		return NewVectorEngineProvider(cfg.VectorEngine.BaseURL, cfg.VectorEngine.APIKey, cfg.VectorEngine.Model)
	}
}
