package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"PetVideoBatch-server/models"
)

// MissingFrameError 前一段没有任何可用末帧。没有兜底占位图：
// 悄悄垫一张图会生成视觉断裂的视频而调用方毫不知情
type MissingFrameError struct {
	SegmentIndex int
}

func (e *MissingFrameError) Error() string {
	return fmt.Sprintf("缺少第 %d 段的末帧，无法继续生成下一段", e.SegmentIndex)
}

// RecordMirror 远端表格回写接口。出库缓存，失败只记警告
type RecordMirror interface {
	MirrorSegment(recordID string, idx int, res models.SegmentResult) error
	MirrorStatus(recordID, status, errMsg string) error
}

// GenerateOptions 一次生成调用的可选项
type GenerateOptions struct {
	// Reason 归档原因: regenerate | edit | cascade_redo | retry
	Reason string
	// PromptOverride 非空时代替分镜自带的提示词
	PromptOverride string
}

// SegmentEngine 驱动单段视频的完整生成：取锁、解析输入帧、提交渠道、
// 轮询、下载、抽帧、写回结果
type SegmentEngine struct {
	Store     Store
	Locks     *LockManager
	Archive   *ArchiveService
	Provider  VideoProvider
	Extractor FrameExtractor
	Mirror    RecordMirror
	Client    *http.Client

	PollBudget   int
	FastAttempts int
	FastInterval time.Duration
	SlowInterval time.Duration
}

func NewSegmentEngine(store Store, locks *LockManager, archive *ArchiveService,
	provider VideoProvider, extractor FrameExtractor) *SegmentEngine {
	return &SegmentEngine{
		Store:        store,
		Locks:        locks,
		Archive:      archive,
		Provider:     provider,
		Extractor:    extractor,
		Client:       &http.Client{Timeout: 5 * time.Minute},
		PollBudget:   120,
		FastAttempts: 10,
		FastInterval: time.Second,
		SlowInterval: 3 * time.Second,
	}
}

// GenerateSegment 生成第 idx 段。同一项目同一时刻只允许一个变更操作，
// 锁冲突立即返回给调用方，不排队。
func (e *SegmentEngine) GenerateSegment(ctx context.Context, projectID string, idx int, opts GenerateOptions) (models.SegmentResult, error) {
	if _, err := e.Locks.TryLock(projectID, OpGenerateSegment); err != nil {
		return models.SegmentResult{}, err
	}
	defer e.Locks.Release(projectID)
	return e.generateLocked(ctx, projectID, idx, opts)
}

func (e *SegmentEngine) generateLocked(ctx context.Context, projectID string, idx int, opts GenerateOptions) (models.SegmentResult, error) {
	task, err := e.Store.GetTask(projectID)
	if err != nil {
		return models.SegmentResult{}, fmt.Errorf("项目 %s 不存在: %w", projectID, err)
	}
	storagePath := task.StoragePath
	if storagePath == "" {
		return models.SegmentResult{}, fmt.Errorf("项目 %s 未记录存储路径", projectID)
	}

	storyboard, err := GetStoryboardWithFallback(e.Store, projectID, storagePath)
	if err != nil {
		return models.SegmentResult{}, err
	}
	total := task.TotalSegments
	if total == 0 {
		total = len(storyboard)
	}
	if idx < 0 || idx >= total {
		return models.SegmentResult{}, fmt.Errorf("非法段号 %d (共 %d 段)", idx, total)
	}

	spec := findSegmentSpec(storyboard, idx)

	// 输入帧在置过渡状态之前解析：缺前驱属于输入错误，快速失败且不动任何记录
	frameRef, err := e.resolveInputFrame(task, storyboard, idx, storagePath)
	if err != nil {
		return models.SegmentResult{}, err
	}

	// 已有旧视频时必须先归档，归档失败不允许继续调渠道
	if old, ok := task.SegmentResultAt(idx); ok && old.VideoURL != "" {
		reason := opts.Reason
		if reason == "" {
			reason = "regenerate"
		}
		if err := e.Archive.ArchiveAndPrepareForRegenerate(projectID, idx, storagePath, reason); err != nil {
			return models.SegmentResult{}, fmt.Errorf("归档旧结果失败: %w", err)
		}
	}

	if err := e.Store.UpdateTaskStatus(projectID, map[string]interface{}{
		"status":        models.GeneratingSegmentStatus(idx),
		"error_message": "",
	}); err != nil {
		return models.SegmentResult{}, fmt.Errorf("写入过渡状态失败: %w", err)
	}

	result, genErr := e.runGeneration(ctx, projectID, idx, spec, frameRef, storagePath, opts)
	if genErr != nil {
		// 失败一律回滚到 storyboard_ready，绝不停留在 generating_*
		e.rollback(projectID, task.RecordID, storagePath, idx, genErr)
		return models.SegmentResult{}, genErr
	}

	// 出库镜像：本地备份与远端表格都是尽力而为
	if segs, err := e.Store.GetStoryboard(projectID); err == nil {
		WriteStoryboardMirror(storagePath, task.RecordID, segs)
	}
	if cur, err := e.Store.GetTask(projectID); err == nil {
		WriteMetaMirror(storagePath, cur.Status, "")
	}
	if e.Mirror != nil && task.RecordID != "" {
		if err := e.Mirror.MirrorSegment(task.RecordID, idx, result); err != nil {
			log.Printf("项目 %s 第 %d 段回写远端表格失败（忽略）: %v", projectID, idx, err)
		}
	}

	log.Printf("项目 %s 第 %d 段生成完成: %s", projectID, idx, result.VideoURL)
	return result, nil
}

// runGeneration 提交渠道、轮询、下载、抽帧、落库
func (e *SegmentEngine) runGeneration(ctx context.Context, projectID string, idx int,
	spec models.SegmentSpec, frameRef ResourceRef, storagePath string, opts GenerateOptions) (models.SegmentResult, error) {

	prompt := opts.PromptOverride
	if prompt == "" {
		prompt = spec.Prompt
	}
	if prompt == "" {
		prompt = ConstructFullPrompt(spec)
	}

	providerTaskID, err := e.Provider.Submit(ctx, SubmitRequest{
		Prompt:         prompt,
		ReferenceImage: frameRef,
		DurationSec:    spec.Duration,
	})
	if err != nil {
		return models.SegmentResult{}, fmt.Errorf("提交生成请求失败: %w", err)
	}
	log.Printf("项目 %s 第 %d 段已提交渠道 %s, 任务号 %s", projectID, idx, e.Provider.Name(), providerTaskID)

	remoteURL, err := e.pollProvider(ctx, providerTaskID)
	if err != nil {
		return models.SegmentResult{}, err
	}

	// 两阶段写入第一步：先把远端 URL 记下（状态 generating）。
	// 下载中途崩溃也留有线索。UpdateSegmentResult 会重算聚合状态，
	// 生成仍在进行，随后把过渡状态写回去。
	if err := e.Store.UpdateSegmentResult(projectID, idx, remoteURL, "", "", models.SegmentStatusGenerating); err != nil {
		log.Printf("项目 %s 第 %d 段记录远端 URL 失败: %v", projectID, idx, err)
	} else if err := e.Store.UpdateTaskStatus(projectID, map[string]interface{}{
		"status": models.GeneratingSegmentStatus(idx),
	}); err != nil {
		log.Printf("项目 %s 恢复过渡状态失败: %v", projectID, err)
	}

	segType := spec.SegmentType
	if segType == "" {
		segType = "eating"
	}
	localVideo := filepath.Join(storagePath, "segments", fmt.Sprintf("segment_%d_%s.mp4", idx, segType))
	if err := e.downloadVideo(ctx, remoteURL, localVideo); err != nil {
		return models.SegmentResult{}, fmt.Errorf("下载生成结果失败: %w", err)
	}

	firstFrame := filepath.Join(storagePath, "frames", fmt.Sprintf("segment_%d_first.jpg", idx))
	lastFrame := filepath.Join(storagePath, "frames", fmt.Sprintf("segment_%d_last.jpg", idx))
	if err := e.Extractor.ExtractFirstFrame(ctx, localVideo, firstFrame); err != nil {
		return models.SegmentResult{}, fmt.Errorf("抽取首帧失败: %w", err)
	}
	if err := e.Extractor.ExtractLastFrame(ctx, localVideo, lastFrame); err != nil {
		return models.SegmentResult{}, fmt.Errorf("抽取末帧失败: %w", err)
	}

	// 两阶段写入第二步：本地路径覆盖远端 URL，状态 completed。
	// 渠道 URL 是临时的，系统记录的永远是本地路径。
	if err := e.Store.UpdateSegmentResult(projectID, idx, localVideo, firstFrame, lastFrame, models.SegmentStatusCompleted); err != nil {
		return models.SegmentResult{}, fmt.Errorf("写入生成结果失败: %w", err)
	}

	return models.SegmentResult{
		VideoURL:      localVideo,
		FirstFrameURL: firstFrame,
		LastFrameURL:  lastFrame,
		Status:        models.SegmentStatusCompleted,
		UpdatedAt:     time.Now().Format(time.RFC3339),
	}, nil
}

// resolveInputFrame 解析本段的参考图。
// 第 0 段用开场图；第 i>0 段用第 i-1 段的末帧，
// 查找顺序：数据库 segment_urls -> 分镜数据 -> 本地帧文件。
// 三处都没有时返回 MissingFrameError。
func (e *SegmentEngine) resolveInputFrame(task *models.BatchTask, storyboard []models.SegmentSpec, idx int, storagePath string) (ResourceRef, error) {
	if idx == 0 {
		if ref := ClassifyResource(task.OpeningImageURL); !ref.IsZero() {
			return ref, nil
		}
		local := filepath.Join(storagePath, "opening_image.jpg")
		if _, err := os.Stat(local); err == nil {
			return ResourceRef{Kind: ResourceLocalPath, Value: local}, nil
		}
		return ResourceRef{}, fmt.Errorf("项目 %s 缺少开场图", task.ID)
	}

	prev := idx - 1
	if r, ok := task.SegmentResultAt(prev); ok && r.LastFrameURL != "" {
		return ClassifyResource(r.LastFrameURL), nil
	}
	if s := findSegmentSpec(storyboard, prev); s.LastFrameURL != "" {
		return ClassifyResource(s.LastFrameURL), nil
	}
	onDisk := filepath.Join(storagePath, "frames", fmt.Sprintf("segment_%d_last.jpg", prev))
	if _, err := os.Stat(onDisk); err == nil {
		return ResourceRef{Kind: ResourceLocalPath, Value: onDisk}, nil
	}
	return ResourceRef{}, &MissingFrameError{SegmentIndex: prev}
}

// pollProvider 轮询渠道直到出结果。前几次间隔短，之后放慢；
// 单次请求的网络错误容忍并继续，总次数预算是硬上限。
func (e *SegmentEngine) pollProvider(ctx context.Context, providerTaskID string) (string, error) {
	started := time.Now()
	for attempt := 1; attempt <= e.PollBudget; attempt++ {
		interval := e.SlowInterval
		if attempt <= e.FastAttempts {
			interval = e.FastInterval
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("轮询被取消: %v", ctx.Err())
		case <-time.After(interval):
		}

		res, err := e.Provider.Poll(ctx, providerTaskID)
		if err != nil {
			log.Printf("轮询网络错误(第 %d 次, 重试中): %v", attempt, err)
			continue
		}
		switch res.State {
		case JobSucceeded:
			if res.VideoURL == "" {
				return "", fmt.Errorf("渠道返回成功但缺少视频 URL")
			}
			return res.VideoURL, nil
		case JobFailed:
			return "", fmt.Errorf("渠道生成失败: %s", res.Message)
		}
	}
	return "", fmt.Errorf("轮询超时，已等待 %.0fs (共 %d 次)", time.Since(started).Seconds(), e.PollBudget)
}

func (e *SegmentEngine) downloadVideo(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("下载状态码: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("写入本地文件失败: %w", err)
	}
	return nil
}

// rollback 失败善后：状态回到 storyboard_ready 并记录错误信息
func (e *SegmentEngine) rollback(projectID, recordID, storagePath string, idx int, cause error) {
	msg := cause.Error()

	// 下载或抽帧中途失败时 segment_urls 里已经有 generating 面包屑，
	// 项目状态回到 storyboard_ready 后没人会再改它，这里标成 failed
	if t, err := e.Store.GetTask(projectID); err == nil {
		if r, ok := t.SegmentResultAt(idx); ok && r.Status == models.SegmentStatusGenerating {
			if err := e.Store.UpdateSegmentResult(projectID, idx,
				r.VideoURL, r.FirstFrameURL, r.LastFrameURL, models.SegmentStatusFailed); err != nil {
				log.Printf("项目 %s 第 %d 段回滚面包屑失败: %v", projectID, idx, err)
			}
		}
	}

	if err := e.Store.UpdateTaskStatus(projectID, map[string]interface{}{
		"status":        models.StatusStoryboardReady,
		"error_message": msg,
	}); err != nil {
		log.Printf("项目 %s 状态回滚失败: %v", projectID, err)
	}
	WriteMetaMirror(storagePath, models.StatusStoryboardReady, msg)
	if e.Mirror != nil && recordID != "" {
		if err := e.Mirror.MirrorStatus(recordID, models.StatusStoryboardReady, msg); err != nil {
			log.Printf("项目 %s 失败状态回写远端表格失败（忽略）: %v", projectID, err)
		}
	}
}

// CascadeRedo 级联重做：第 fromIdx 段及其所有后继先归档再重置为 pending。
// 后继段的输入帧来自前驱末帧，前面的段一变，后面的必须全部重生成。
func (e *SegmentEngine) CascadeRedo(ctx context.Context, projectID string, fromIdx int) error {
	if _, err := e.Locks.TryLock(projectID, OpCascadeRedo); err != nil {
		return err
	}
	defer e.Locks.Release(projectID)

	task, err := e.Store.GetTask(projectID)
	if err != nil {
		return fmt.Errorf("项目 %s 不存在: %w", projectID, err)
	}
	if fromIdx < 0 || fromIdx >= task.TotalSegments {
		return fmt.Errorf("非法段号 %d (共 %d 段)", fromIdx, task.TotalSegments)
	}

	for i := fromIdx; i < task.TotalSegments; i++ {
		old, ok := task.SegmentResultAt(i)
		if !ok || (old.VideoURL == "" && old.FirstFrameURL == "" && old.LastFrameURL == "") {
			continue
		}
		oldLocal := ""
		if ref := ClassifyResource(old.VideoURL); ref.Kind == ResourceLocalPath {
			oldLocal = ref.Value
		}
		if err := e.Archive.ArchiveSegment(projectID, i, old, oldLocal, "cascade_redo"); err != nil {
			return err
		}
		if task.StoragePath != "" {
			if err := e.Archive.MoveLocalFilesToArchive(projectID, i, task.StoragePath); err != nil {
				return err
			}
		}
	}

	if err := e.Store.ResetSegmentsFrom(projectID, fromIdx); err != nil {
		return fmt.Errorf("重置分段失败: %w", err)
	}

	if segs, err := e.Store.GetStoryboard(projectID); err == nil {
		WriteStoryboardMirror(task.StoragePath, task.RecordID, segs)
	}
	WriteMetaMirror(task.StoragePath, models.StatusStoryboardReady, "")
	log.Printf("项目 %s 从第 %d 段起级联重做，后续段已重置", projectID, fromIdx)
	return nil
}

// SegmentEdit 对一段分镜的提示词修改
type SegmentEdit struct {
	Crucial            string `json:"crucial"`
	Action             string `json:"action"`
	Sound              string `json:"sound"`
	NegativeConstraint string `json:"negative_constraint"`
}

// ApplySegmentEdit 把一段分镜的提示词修改落库，
// 并返回按新字段重建的完整提示词。
// 修改分镜也是变更操作，和生成一样要独占项目锁：
// 不加锁时在途的 UpdateSegmentResult 会从旧快照整体覆写分镜，悄悄吞掉编辑。
func (e *SegmentEngine) ApplySegmentEdit(projectID string, idx int, edit SegmentEdit) (string, error) {
	if _, err := e.Locks.TryLock(projectID, OpGenerateSegment); err != nil {
		return "", err
	}
	defer e.Locks.Release(projectID)
	return e.applyEditLocked(projectID, idx, edit)
}

func (e *SegmentEngine) applyEditLocked(projectID string, idx int, edit SegmentEdit) (string, error) {
	storagePath, _ := e.Store.GetStoragePath(projectID)
	storyboard, err := GetStoryboardWithFallback(e.Store, projectID, storagePath)
	if err != nil {
		return "", err
	}

	prompt := ""
	for i := range storyboard {
		if storyboard[i].SegmentIndex != idx {
			continue
		}
		if edit.Crucial != "" {
			storyboard[i].Crucial = edit.Crucial
		}
		if edit.Action != "" {
			storyboard[i].Action = edit.Action
		}
		if edit.Sound != "" {
			storyboard[i].Sound = edit.Sound
		}
		if edit.NegativeConstraint != "" {
			storyboard[i].NegativeConstraint = edit.NegativeConstraint
		}
		storyboard[i].Prompt = ConstructFullPrompt(storyboard[i])
		prompt = storyboard[i].Prompt
		break
	}
	if prompt == "" {
		return "", fmt.Errorf("分镜中没有第 %d 段", idx)
	}

	if err := e.Store.SaveStoryboard(projectID, storyboard); err != nil {
		return "", fmt.Errorf("保存分镜修改失败: %w", err)
	}
	return prompt, nil
}

// EditAndRegenerate 修改一段的提示词并立即重新生成（同步版本）。
// 改提示词和重新生成在同一把锁里完成，中间不给并发操作插队的机会。
func (e *SegmentEngine) EditAndRegenerate(ctx context.Context, projectID string, idx int, edit SegmentEdit) (models.SegmentResult, error) {
	if _, err := e.Locks.TryLock(projectID, OpGenerateSegment); err != nil {
		return models.SegmentResult{}, err
	}
	defer e.Locks.Release(projectID)

	prompt, err := e.applyEditLocked(projectID, idx, edit)
	if err != nil {
		return models.SegmentResult{}, err
	}
	return e.generateLocked(ctx, projectID, idx, GenerateOptions{
		Reason:         "edit",
		PromptOverride: prompt,
	})
}

func findSegmentSpec(storyboard []models.SegmentSpec, idx int) models.SegmentSpec {
	for _, s := range storyboard {
		if s.SegmentIndex == idx {
			return s
		}
	}
	return models.SegmentSpec{SegmentIndex: idx}
}
