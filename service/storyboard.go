package service

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"PetVideoBatch-server/models"
)

// GetStoryboardWithFallback 读取分镜脚本：数据库优先，缺失时退回本地
// storyboard.json。绝不查远端表格——表格数据可能落后于用户在途编辑，
// 从它重建会覆盖掉用户的改动。
func GetStoryboardWithFallback(store Store, projectID, storagePath string) ([]models.SegmentSpec, error) {
	segs, err := store.GetStoryboard(projectID)
	if err == nil && len(segs) > 0 {
		return segs, nil
	}
	if err != nil {
		log.Printf("项目 %s 数据库分镜读取失败，尝试本地文件: %v", projectID, err)
	}

	if storagePath == "" {
		return nil, fmt.Errorf("项目 %s 没有分镜脚本", projectID)
	}
	localPath := filepath.Join(storagePath, "storyboard.json")
	data, readErr := os.ReadFile(localPath)
	if readErr != nil {
		return nil, fmt.Errorf("项目 %s 没有分镜脚本 (数据库与本地文件均无)", projectID)
	}
	local, parseErr := models.ParseStoryboardJSON(data)
	if parseErr != nil || len(local) == 0 {
		return nil, fmt.Errorf("项目 %s 本地分镜文件不可用: %v", projectID, parseErr)
	}
	log.Printf("项目 %s 从本地 storyboard.json 读到分镜 (%d 段)", projectID, len(local))
	return local, nil
}

// ConstructFullPrompt 由分镜字段组装完整的生成提示词：
// 关键画面 + 动作 + 音效，加一致性约束，负面约束附在末尾
func ConstructFullPrompt(seg models.SegmentSpec) string {
	var parts []string
	if seg.Crucial != "" {
		parts = append(parts, seg.Crucial)
	}
	if seg.Action != "" {
		parts = append(parts, seg.Action)
	}
	if seg.Sound != "" {
		parts = append(parts, "Sound: "+seg.Sound)
	}
	parts = append(parts, "Keep the same pet, same scene and same lighting as the reference image.")
	prompt := strings.Join(parts, " ")
	if seg.NegativeConstraint != "" {
		prompt += " Avoid: " + seg.NegativeConstraint
	}
	return prompt
}

// WriteStoryboardMirror 把分镜写到本地 storyboard.json 备份。
// 出库缓存，失败只记日志
func WriteStoryboardMirror(storagePath, recordID string, segments []models.SegmentSpec) {
	if storagePath == "" {
		return
	}
	payload := map[string]interface{}{
		"segments":  segments,
		"record_id": recordID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Printf("序列化分镜备份失败: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(storagePath, "storyboard.json"), b, 0o644); err != nil {
		log.Printf("写本地分镜备份失败: %v", err)
	}
}

// WriteMetaMirror 把状态/错误写到本地 meta.json 备份，同样只记日志
func WriteMetaMirror(storagePath, status, errMsg string) {
	if storagePath == "" {
		return
	}
	payload := map[string]interface{}{
		"status":     status,
		"error":      errMsg,
		"updated_at": time.Now().Format(time.RFC3339),
	}
	b, _ := json.Marshal(payload)
	if err := os.WriteFile(filepath.Join(storagePath, "meta.json"), b, 0o644); err != nil {
		log.Printf("写本地 meta.json 失败: %v", err)
	}
}
