package service

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"PetVideoBatch-server/models"
)

// ArchiveService 在任何覆盖旧结果的操作（重新生成、级联重做）之前，
// 把旧产物挪进带时间戳的归档区并追加历史记录
type ArchiveService struct {
	Store Store
}

func NewArchiveService(store Store) *ArchiveService {
	return &ArchiveService{Store: store}
}

// ArchiveSegment 把第 idx 段的旧结果写入历史。
// 没有任何旧内容（无 URL 也无本地文件）时直接成功，归档空位不是错误。
func (a *ArchiveService) ArchiveSegment(projectID string, idx int, old models.SegmentResult, oldLocalPath, reason string) error {
	if old.VideoURL == "" && old.FirstFrameURL == "" && old.LastFrameURL == "" && oldLocalPath == "" {
		return nil
	}
	entry := models.ArchiveEntry{
		SegmentIndex:   idx,
		VideoURL:       old.VideoURL,
		FirstFrameURL:  old.FirstFrameURL,
		LastFrameURL:   old.LastFrameURL,
		LocalVideoPath: oldLocalPath,
		ArchivedAt:     time.Now().Format(time.RFC3339),
		Reason:         reason,
	}
	if err := a.Store.AppendSegmentHistory(projectID, idx, entry); err != nil {
		return fmt.Errorf("写入第 %d 段历史失败: %w", idx, err)
	}
	log.Printf("项目 %s 第 %d 段旧结果已归档 (原因: %s)", projectID, idx, reason)
	return nil
}

// MoveLocalFilesToArchive 把第 idx 段的本地视频/帧文件移动（不是复制）到
// archive/segment_{i}/{timestamp}/ 下。文件本就可能不全，缺失的跳过不报错。
func (a *ArchiveService) MoveLocalFilesToArchive(projectID string, idx int, storagePath string) error {
	ts := time.Now().Format("20060102_150405")
	archiveDir := filepath.Join(storagePath, "archive", models.SegmentKey(idx), ts)

	candidates := segmentArtifactPaths(storagePath, idx)
	moved := 0
	for _, src := range candidates {
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if moved == 0 {
			if err := os.MkdirAll(archiveDir, 0o755); err != nil {
				return fmt.Errorf("创建归档目录失败: %w", err)
			}
		}
		dst := filepath.Join(archiveDir, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("移动 %s 到归档失败: %w", src, err)
		}
		moved++
	}
	if moved == 0 {
		log.Printf("项目 %s 第 %d 段没有本地文件需要归档", projectID, idx)
	} else {
		log.Printf("项目 %s 第 %d 段 %d 个文件已移入 %s", projectID, idx, moved, archiveDir)
	}
	return nil
}

// ArchiveAndPrepareForRegenerate 重新生成前的复合操作：
// 先归档数据库记录的旧 URL，再移走本地文件。
// 任一步失败都要汇报给调用方，不能带着未归档的旧结果去调生成接口。
func (a *ArchiveService) ArchiveAndPrepareForRegenerate(projectID string, idx int, storagePath, reason string) error {
	t, err := a.Store.GetTask(projectID)
	if err != nil {
		return err
	}
	old, _ := t.SegmentResultAt(idx)

	oldLocal := ""
	if ref := ClassifyResource(old.VideoURL); ref.Kind == ResourceLocalPath {
		oldLocal = ref.Value
	}

	if err := a.ArchiveSegment(projectID, idx, old, oldLocal, reason); err != nil {
		return err
	}
	if storagePath != "" {
		if err := a.MoveLocalFilesToArchive(projectID, idx, storagePath); err != nil {
			return err
		}
	}
	return nil
}

// segmentArtifactPaths 第 idx 段的确定性产物路径（文件名从不随机，
// 查找不需要扫目录）
func segmentArtifactPaths(storagePath string, idx int) []string {
	var paths []string
	for _, segType := range []string{"intro", "eating", "outro"} {
		paths = append(paths, filepath.Join(storagePath, "segments",
			fmt.Sprintf("segment_%d_%s.mp4", idx, segType)))
	}
	paths = append(paths,
		filepath.Join(storagePath, "frames", fmt.Sprintf("segment_%d_first.jpg", idx)),
		filepath.Join(storagePath, "frames", fmt.Sprintf("segment_%d_last.jpg", idx)),
	)
	return paths
}
