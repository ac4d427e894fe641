package service

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SyncFileEntry 一个已上传文件的指纹记录
type SyncFileEntry struct {
	Mtime       int64  `json:"mtime"`
	Size        int64  `json:"size"`
	RemoteToken string `json:"remote_token"`
	SyncedAt    string `json:"synced_at"`
}

// SyncFolderEntry 一个远端文件夹的缓存：文件夹令牌 + 文件指纹表
type SyncFolderEntry struct {
	FolderToken          string                   `json:"folder_token"`
	SegmentsFolderToken  string                   `json:"segments_folder_token"`
	LastSync             string                   `json:"last_sync"`
	Files                map[string]SyncFileEntry `json:"files"`
}

// SyncStateStore 增量同步缓存。按 (mtime, size) 指纹判断文件是否变化，
// 没变的文件跳过远端调用；变了的只标记"需要对远端复核"，不直接视为已同步。
// 快照落在一个 JSON 文件里，进程启停时显式 Load/Save。
type SyncStateStore struct {
	mu      sync.Mutex
	path    string
	folders map[string]*SyncFolderEntry
}

func NewSyncStateStore(path string) *SyncStateStore {
	return &SyncStateStore{
		path:    path,
		folders: make(map[string]*SyncFolderEntry),
	}
}

// Load 从快照文件恢复，文件不存在时从空表开始
func (s *SyncStateStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	folders := make(map[string]*SyncFolderEntry)
	if err := json.Unmarshal(data, &folders); err != nil {
		log.Printf("同步缓存快照损坏，重新开始: %v", err)
		return nil
	}
	s.folders = folders
	return nil
}

// Save 写出快照
func (s *SyncStateStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *SyncStateStore) saveLocked() error {
	b, err := json.MarshalIndent(s.folders, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o644)
}

func (s *SyncStateStore) folder(key string) *SyncFolderEntry {
	f, ok := s.folders[key]
	if !ok {
		f = &SyncFolderEntry{Files: make(map[string]SyncFileEntry)}
		s.folders[key] = f
	}
	if f.Files == nil {
		f.Files = make(map[string]SyncFileEntry)
	}
	return f
}

// IsFileChanged 判断本地文件相对上次同步是否变化：
// 无记录视为变化；(mtime, size) 任一不同视为变化
func (s *SyncStateStore) IsFileChanged(folderKey, relPath, localPath string) bool {
	info, err := os.Stat(localPath)
	if err != nil {
		// 本地文件都不在了，交给 RefreshProjectCache 清理记录
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.folder(folderKey).Files[relPath]
	if !ok {
		return true
	}
	return entry.Mtime != info.ModTime().Unix() || entry.Size != info.Size()
}

// RecordSynced 登记一次成功上传
func (s *SyncStateStore) RecordSynced(folderKey, relPath, localPath, remoteToken string) {
	info, err := os.Stat(localPath)
	if err != nil {
		log.Printf("登记同步记录失败，无法读取 %s: %v", localPath, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folder(folderKey)
	f.Files[relPath] = SyncFileEntry{
		Mtime:       info.ModTime().Unix(),
		Size:        info.Size(),
		RemoteToken: remoteToken,
		SyncedAt:    time.Now().Format(time.RFC3339),
	}
	f.LastSync = time.Now().Format(time.RFC3339)
}

// RemoveEntry 删除一条文件记录（本地文件消失时）
func (s *SyncStateStore) RemoveEntry(folderKey, relPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folder(folderKey).Files, relPath)
}

// SetFolderTokens / FolderTokens 远端文件夹令牌缓存
func (s *SyncStateStore) SetFolderTokens(folderKey, folderToken, segmentsToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folder(folderKey)
	f.FolderToken = folderToken
	f.SegmentsFolderToken = segmentsToken
}

func (s *SyncStateStore) FolderTokens(folderKey string) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folder(folderKey)
	return f.FolderToken, f.SegmentsFolderToken
}

// RemoteToken 返回某文件上次上传的远端令牌
func (s *SyncStateStore) RemoteToken(folderKey, relPath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folder(folderKey).Files[relPath].RemoteToken
}

// RefreshProjectCache 扫描某文件夹的全部缓存记录：
// 指纹变化的文件返回给调用方（需要对远端复核后再决定是否重传），
// 本地已消失的文件直接清掉记录。
func (s *SyncStateStore) RefreshProjectCache(folderKey, projectRoot string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.folder(folderKey)
	var changed []string
	for relPath, entry := range f.Files {
		localPath := filepath.Join(projectRoot, relPath)
		info, err := os.Stat(localPath)
		if err != nil {
			log.Printf("同步缓存: %s 本地已不存在，移除记录", relPath)
			delete(f.Files, relPath)
			continue
		}
		if entry.Mtime != info.ModTime().Unix() || entry.Size != info.Size() {
			changed = append(changed, relPath)
		}
	}
	if err := s.saveLocked(); err != nil {
		log.Printf("同步缓存快照写入失败: %v", err)
	}
	return changed
}
