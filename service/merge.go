package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"PetVideoBatch-server/models"
)

// MergeService 把全部分段拼接为最终成片
type MergeService struct {
	Store     Store
	Locks     *LockManager
	Extractor *FFmpegExtractor
	// Upload 可选，成片生成后上传对象存储并返回外链；失败只记日志
	Upload func(localPath, projectID string) (string, error)
}

func NewMergeService(store Store, locks *LockManager, extractor *FFmpegExtractor) *MergeService {
	return &MergeService{Store: store, Locks: locks, Extractor: extractor}
}

// MergeVideos 按段序拼接 0..total-1 为 final_video.mp4。
// 要求全部段已完成且视频在本地；段数限定 1-8。
func (m *MergeService) MergeVideos(ctx context.Context, projectID string) (string, error) {
	if _, err := m.Locks.TryLock(projectID, OpMergeVideos); err != nil {
		return "", err
	}
	defer m.Locks.Release(projectID)

	task, err := m.Store.GetTask(projectID)
	if err != nil {
		return "", fmt.Errorf("项目 %s 不存在: %w", projectID, err)
	}
	if task.TotalSegments < 1 || task.TotalSegments > 8 {
		return "", fmt.Errorf("段数 %d 不在可合并范围 (1-8)", task.TotalSegments)
	}
	if task.StoragePath == "" {
		return "", fmt.Errorf("项目 %s 未记录存储路径", projectID)
	}

	localPaths, err := collectSegmentPaths(task)
	if err != nil {
		return "", err
	}

	if err := m.Store.UpdateTaskStatus(projectID, map[string]interface{}{
		"status": models.StatusMerging,
	}); err != nil {
		return "", fmt.Errorf("写入合并状态失败: %w", err)
	}

	finalPath := filepath.Join(task.StoragePath, "final_video.mp4")
	listFile := filepath.Join(task.StoragePath, "concat_list.txt")
	if err := os.WriteFile(listFile, []byte(BuildConcatList(localPaths)), 0o644); err != nil {
		m.rollback(projectID, err)
		return "", fmt.Errorf("写拼接清单失败: %w", err)
	}
	defer os.Remove(listFile)

	if err := m.Extractor.ConcatVideos(ctx, listFile, finalPath); err != nil {
		m.rollback(projectID, err)
		return "", fmt.Errorf("拼接失败: %w", err)
	}

	if err := m.Store.UpdateTaskStatus(projectID, map[string]interface{}{
		"status":          models.StatusCompleted,
		"final_video_url": finalPath,
		"progress":        100,
		"error_message":   "",
	}); err != nil {
		return "", fmt.Errorf("写入成片结果失败: %w", err)
	}
	WriteMetaMirror(task.StoragePath, models.StatusCompleted, "")

	if m.Upload != nil {
		if url, err := m.Upload(finalPath, projectID); err != nil {
			log.Printf("项目 %s 成片上传对象存储失败（忽略）: %v", projectID, err)
		} else {
			log.Printf("项目 %s 成片已上传: %s", projectID, url)
		}
	}

	log.Printf("项目 %s 合并完成: %s", projectID, finalPath)
	return finalPath, nil
}

func (m *MergeService) rollback(projectID string, cause error) {
	if err := m.Store.UpdateTaskStatus(projectID, map[string]interface{}{
		"status":        models.StatusAllSegmentsReady,
		"error_message": cause.Error(),
	}); err != nil {
		log.Printf("项目 %s 合并状态回滚失败: %v", projectID, err)
	}
}

// collectSegmentPaths 收集各段本地视频路径，任何一段缺失即失败
func collectSegmentPaths(task *models.BatchTask) ([]string, error) {
	var paths []string
	for i := 0; i < task.TotalSegments; i++ {
		r, ok := task.SegmentResultAt(i)
		if !ok || r.Status != models.SegmentStatusCompleted {
			return nil, fmt.Errorf("第 %d 段尚未完成，无法合并", i)
		}
		ref := ClassifyResource(r.VideoURL)
		if ref.Kind != ResourceLocalPath {
			return nil, fmt.Errorf("第 %d 段视频不在本地 (%s)，无法合并", i, r.VideoURL)
		}
		if _, err := os.Stat(ref.Value); err != nil {
			return nil, fmt.Errorf("第 %d 段本地视频缺失: %s", i, ref.Value)
		}
		paths = append(paths, ref.Value)
	}
	return paths, nil
}

// BuildConcatList 生成 ffmpeg concat demuxer 的清单内容，
// 单引号按其转义规则处理
func BuildConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		escaped := strings.ReplaceAll(p, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	return b.String()
}
