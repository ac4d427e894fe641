package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"PetVideoBatch-server/models"
	"PetVideoBatch-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Server 聚合各服务的处理器载体，在 main.go 中装配后注入路由
type Server struct {
	Store      service.Store
	Locks      *service.LockManager
	Paths      *service.PathResolver
	Engine     *service.SegmentEngine
	Jobs       *service.JobStore
	Sync       *service.SyncStateStore
	StaleAfter time.Duration
}

type createProjectReq struct {
	ProjectID       string               `json:"project_id"`
	TemplateID      string               `json:"template_id" binding:"required"`
	TableID         string               `json:"table_id"`
	RecordID        string               `json:"record_id"`
	OpeningImageURL string               `json:"opening_image_url"`
	ScenePrompt     string               `json:"scene_prompt"`
	Storyboard      []models.SegmentSpec `json:"storyboard"`
}

// CreateProject 建项目：幂等建目录 + 落库，带分镜时一并写入
func (s *Server) CreateProject(c *gin.Context) {
	var req createProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = uuid.NewString()
	}

	path, err := s.Paths.CreateOrGet(projectID, req.TemplateID, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fields := map[string]interface{}{}
	if req.TableID != "" {
		fields["table_id"] = req.TableID
	}
	if req.RecordID != "" {
		fields["record_id"] = req.RecordID
	}
	if req.OpeningImageURL != "" {
		fields["opening_image_url"] = req.OpeningImageURL
	}
	if req.ScenePrompt != "" {
		fields["scene_prompt"] = req.ScenePrompt
	}
	if len(fields) > 0 {
		if err := s.Store.UpdateTaskStatus(projectID, fields); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if len(req.Storyboard) > 0 {
		if err := s.Store.SaveStoryboard(projectID, req.Storyboard); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := s.Store.UpdateTaskStatus(projectID, map[string]interface{}{
			"status": models.StatusStoryboardReady,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		service.WriteStoryboardMirror(path, req.RecordID, req.Storyboard)
	}

	c.JSON(http.StatusCreated, gin.H{"project_id": projectID, "storage_path": path})
}

// GetProject 项目详情。返回的状态是按数据推导后的展示状态，
// 不直接回显存储里的原始状态字段。
func (s *Server) GetProject(c *gin.Context) {
	projectID := c.Param("project_id")
	t, err := s.Store.GetTask(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found: " + err.Error()})
		return
	}
	now := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"project":        t,
		"display_status": service.InferDisplayStatus(t, now, s.StaleAfter),
		"segments":       service.DisplaySegments(t, now, s.StaleAfter),
	})
}

// ListProjects 项目列表（Native SQL 查询），状态同样经过推导
func (s *Server) ListProjects(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	tasks, err := models.ListBatchTasks(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	now := time.Now()
	out := make([]gin.H, 0, len(tasks))
	for i := range tasks {
		out = append(out, gin.H{
			"project":        tasks[i],
			"display_status": service.InferDisplayStatus(&tasks[i], now, s.StaleAfter),
		})
	}
	c.JSON(http.StatusOK, gin.H{"projects": out})
}

// DeleteProject 删除项目记录。只删数据库行，本地文件与对象存储副本留待清理脚本
func (s *Server) DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if s.rejectIfLocked(c, projectID) {
		return
	}
	if err := models.DeleteBatchTaskByID(projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": projectID})
}

func (s *Server) segmentIndex(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("segment_index"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法段号"})
		return 0, false
	}
	return idx, true
}

// rejectIfLocked 锁被占时直接 409，把持锁操作告诉调用方，不排队等待
func (s *Server) rejectIfLocked(c *gin.Context, projectID string) bool {
	if op := s.Locks.Holder(projectID); op != "" {
		c.JSON(http.StatusConflict, gin.H{"error": "项目正在执行 " + op + "，请稍后再试"})
		return true
	}
	return false
}

// GenerateSegment 第 idx 段生成入队
func (s *Server) GenerateSegment(c *gin.Context) {
	projectID := c.Param("project_id")
	idx, ok := s.segmentIndex(c)
	if !ok {
		return
	}
	if s.rejectIfLocked(c, projectID) {
		return
	}

	job := s.Jobs.Add(projectID, "generate_segment", idx)
	if err := service.EnqueueSegmentTask(service.SegmentPayload{
		JobID:        job.ID,
		ProjectID:    projectID,
		SegmentIndex: idx,
	}); err != nil {
		s.Jobs.SetStatus(job.ID, "failed", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// RetrySegment 失败后的重试：引擎内部会先归档旧结果
func (s *Server) RetrySegment(c *gin.Context) {
	projectID := c.Param("project_id")
	idx, ok := s.segmentIndex(c)
	if !ok {
		return
	}
	if s.rejectIfLocked(c, projectID) {
		return
	}

	job := s.Jobs.Add(projectID, "generate_segment", idx)
	if err := service.EnqueueSegmentTask(service.SegmentPayload{
		JobID:        job.ID,
		ProjectID:    projectID,
		SegmentIndex: idx,
		Reason:       "retry",
	}); err != nil {
		s.Jobs.SetStatus(job.ID, "failed", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// EditSegment 修改一段的提示词并重新生成。
// 编辑同步落库，生成走队列。
func (s *Server) EditSegment(c *gin.Context) {
	projectID := c.Param("project_id")
	idx, ok := s.segmentIndex(c)
	if !ok {
		return
	}
	var edit service.SegmentEdit
	if err := c.ShouldBindJSON(&edit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.rejectIfLocked(c, projectID) {
		return
	}

	// rejectIfLocked 只是预检，真正的互斥在引擎里：落库前还会抢一次项目锁
	prompt, err := s.Engine.ApplySegmentEdit(projectID, idx, edit)
	if err != nil {
		var conflict *service.LockConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := s.Jobs.Add(projectID, "edit_segment", idx)
	if err := service.EnqueueSegmentTask(service.SegmentPayload{
		JobID:        job.ID,
		ProjectID:    projectID,
		SegmentIndex: idx,
		Reason:       "edit",
		Prompt:       prompt,
	}); err != nil {
		s.Jobs.SetStatus(job.ID, "failed", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "prompt": prompt})
}

// CascadeRedo 从第 idx 段起级联重做
func (s *Server) CascadeRedo(c *gin.Context) {
	projectID := c.Param("project_id")
	idx, ok := s.segmentIndex(c)
	if !ok {
		return
	}
	if s.rejectIfLocked(c, projectID) {
		return
	}

	job := s.Jobs.Add(projectID, "cascade_redo", idx)
	if err := service.EnqueueCascadeRedoTask(service.SegmentPayload{
		JobID:        job.ID,
		ProjectID:    projectID,
		SegmentIndex: idx,
		Reason:       "cascade_redo",
	}); err != nil {
		s.Jobs.SetStatus(job.ID, "failed", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// MergeVideos 合并成片入队
func (s *Server) MergeVideos(c *gin.Context) {
	projectID := c.Param("project_id")
	if s.rejectIfLocked(c, projectID) {
		return
	}

	job := s.Jobs.Add(projectID, "merge_videos", -1)
	if err := service.EnqueueMergeTask(service.MergePayload{
		JobID:     job.ID,
		ProjectID: projectID,
	}); err != nil {
		s.Jobs.SetStatus(job.ID, "failed", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// CancelSegment 停止某段的本端轮询（渠道任务不可远程中止）
func (s *Server) CancelSegment(c *gin.Context) {
	projectID := c.Param("project_id")
	idx, ok := s.segmentIndex(c)
	if !ok {
		return
	}
	cancelled := service.CancelPoll(projectID, idx)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// GetSegmentHistory 某段的归档历史
func (s *Server) GetSegmentHistory(c *gin.Context) {
	projectID := c.Param("project_id")
	idx, ok := s.segmentIndex(c)
	if !ok {
		return
	}
	history, err := s.Store.GetSegmentHistory(projectID, idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if history == nil {
		history = []models.ArchiveEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// SyncProject 把项目目录增量同步到对象存储
func (s *Server) SyncProject(c *gin.Context) {
	projectID := c.Param("project_id")
	path, err := s.Paths.StoragePathFor(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	uploaded, skipped, err := service.SyncProjectToCloud(s.Sync, projectID, path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploaded": uploaded, "skipped": skipped})
}

// GetStoryboard 读取分镜（数据库优先，本地文件兜底）
func (s *Server) GetStoryboard(c *gin.Context) {
	projectID := c.Param("project_id")
	path, _ := s.Store.GetStoragePath(projectID)
	segs, err := service.GetStoryboardWithFallback(s.Store, projectID, path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"storyboard": segs})
}

// GetJob 异步任务状态
func (s *Server) GetJob(c *gin.Context) {
	job, ok := s.Jobs.Get(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ListJobs 最近的异步任务
func (s *Server) ListJobs(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	c.JSON(http.StatusOK, gin.H{"jobs": s.Jobs.List(n)})
}
