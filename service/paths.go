package service

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"PetVideoBatch-server/models"
)

var (
	templateSepRe      = regexp.MustCompile(`[\s_]+`)
	templateStripRe    = regexp.MustCompile(`[^a-z0-9-]`)
	templateCollapseRe = regexp.MustCompile(`-{2,}`)
)

// SanitizeTemplateID 把模板名规整为目录安全的形式：
// 转小写，空白/下划线换连字符，去掉其它字符，连续连字符合并；
// 结果为空时用占位名
func SanitizeTemplateID(templateID string) string {
	s := strings.ToLower(strings.TrimSpace(templateID))
	s = templateSepRe.ReplaceAllString(s, "-")
	s = templateStripRe.ReplaceAllString(s, "")
	s = templateCollapseRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "default"
	}
	return s
}

// PathResolver 项目存储目录的唯一出处。路径在创建时计算一次并落库，
// 之后一律读库取回，绝不重新拼接（命名规则一旦调整，重算会悄悄分叉）。
type PathResolver struct {
	Store Store
	Root  string
}

func NewPathResolver(store Store, root string) *PathResolver {
	return &PathResolver{Store: store, Root: root}
}

func (r *PathResolver) buildPath(projectID, templateID string, createdAt time.Time) string {
	return filepath.Join(r.Root, "projects",
		createdAt.Format("2006-01-02"), SanitizeTemplateID(templateID), projectID)
}

// CreateOrGet 幂等地建立项目目录。已有记录时原样返回其路径；
// 否则建目录（含 segments/ frames/ 子目录）并插入记录。
// 同一条外部记录可能重复触发本调用（瞬时失败后的重试），不能分叉出两个目录。
func (r *PathResolver) CreateOrGet(projectID, templateID string, createdAt time.Time) (string, error) {
	if t, err := r.Store.GetTask(projectID); err == nil {
		if t.StoragePath != "" {
			return t.StoragePath, nil
		}
		// 记录存在但路径缺失（旧数据），补齐一次
		path := r.buildPath(projectID, templateID, createdAt)
		if err := r.mkdirs(path); err != nil {
			return "", err
		}
		if err := r.Store.SaveStoragePath(projectID, path); err != nil {
			return "", fmt.Errorf("写入存储路径失败: %w", err)
		}
		return path, nil
	}

	path := r.buildPath(projectID, templateID, createdAt)
	if err := r.mkdirs(path); err != nil {
		return "", err
	}
	task := &models.BatchTask{
		ID:            projectID,
		TemplateID:    templateID,
		StoragePath:   path,
		Status:        models.StatusPending,
		TotalSegments: 0,
	}
	if err := r.Store.CreateTask(task); err != nil {
		return "", fmt.Errorf("创建项目记录失败: %w", err)
	}
	log.Printf("项目 %s 目录已建立: %s", projectID, path)
	return path, nil
}

func (r *PathResolver) mkdirs(path string) error {
	for _, dir := range []string{path, filepath.Join(path, "segments"), filepath.Join(path, "frames")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建目录 %s 失败: %w", dir, err)
		}
	}
	return nil
}

// StoragePathFor 读取已落库的存储路径，缺失即错误，不做重算兜底
func (r *PathResolver) StoragePathFor(projectID string) (string, error) {
	path, err := r.Store.GetStoragePath(projectID)
	if err != nil {
		return "", fmt.Errorf("项目 %s 不存在: %w", projectID, err)
	}
	if path == "" {
		return "", fmt.Errorf("项目 %s 未记录存储路径", projectID)
	}
	return path, nil
}
