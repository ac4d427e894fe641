package service

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApiJob 一次异步 API 操作（生成/合并/重做）的登记
type ApiJob struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"` // generate_segment | merge_videos | cascade_redo | edit_segment
	Segment   int    `json:"segment"`
	Status    string `json:"status"` // queued | running | done | failed
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// JobStore 进程内异步任务登记表，最新在前，容量有限。
// 显式在进程启停时做快照/恢复，不做环境级全局状态。
type JobStore struct {
	mu   sync.Mutex
	jobs []*ApiJob
	cap  int
	path string
}

func NewJobStore(snapshotPath string, capacity int) *JobStore {
	if capacity <= 0 {
		capacity = 200
	}
	return &JobStore{cap: capacity, path: snapshotPath}
}

// Add 登记一个新任务，返回任务号。超容时丢弃最旧。
func (s *JobStore) Add(projectID, kind string, segment int) *ApiJob {
	now := time.Now().Format(time.RFC3339)
	job := &ApiJob{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Kind:      kind,
		Segment:   segment,
		Status:    "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append([]*ApiJob{job}, s.jobs...)
	if len(s.jobs) > s.cap {
		s.jobs = s.jobs[:s.cap]
	}
	return job
}

func (s *JobStore) Get(id string) (*ApiJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			cp := *j
			return &cp, true
		}
	}
	return nil, false
}

// List 返回最近的 n 条（最新在前）
func (s *JobStore) List(n int) []ApiJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.jobs) {
		n = len(s.jobs)
	}
	out := make([]ApiJob, 0, n)
	for _, j := range s.jobs[:n] {
		out = append(out, *j)
	}
	return out
}

func (s *JobStore) SetStatus(id, status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			j.Status = status
			j.Message = message
			j.UpdatedAt = time.Now().Format(time.RFC3339)
			return
		}
	}
}

// SaveSnapshot 进程退出前落盘
func (s *JobStore) SaveSnapshot() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(s.jobs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o644)
}

// LoadSnapshot 进程启动时恢复，文件缺失或损坏时从空表开始
func (s *JobStore) LoadSnapshot() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var jobs []*ApiJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		log.Printf("任务登记快照损坏，忽略: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(jobs) > s.cap {
		jobs = jobs[:s.cap]
	}
	s.jobs = jobs
}
