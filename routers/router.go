package routers

import (
	"PetVideoBatch-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(s *api.Server) *gin.Engine {
	r := gin.Default()
	r.Static("/storage", "./storage")
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", s.CreateProject)
		v1.GET("/projects", s.ListProjects)
		v1.GET("/projects/:project_id", s.GetProject)
		v1.DELETE("/projects/:project_id", s.DeleteProject)
		v1.GET("/projects/:project_id/storyboard", s.GetStoryboard)
		v1.POST("/projects/:project_id/segments/:segment_index/generate", s.GenerateSegment)
		v1.POST("/projects/:project_id/segments/:segment_index/retry", s.RetrySegment)
		v1.POST("/projects/:project_id/segments/:segment_index/edit", s.EditSegment)
		v1.POST("/projects/:project_id/segments/:segment_index/redo", s.CascadeRedo)
		v1.POST("/projects/:project_id/segments/:segment_index/cancel", s.CancelSegment)
		v1.GET("/projects/:project_id/segments/:segment_index/history", s.GetSegmentHistory)
		v1.POST("/projects/:project_id/merge", s.MergeVideos)
		v1.POST("/projects/:project_id/sync", s.SyncProject)
		v1.GET("/jobs", s.ListJobs)
		v1.GET("/jobs/:job_id", s.GetJob)
	}
	r.GET("/projects/:project_id/wss", s.ProjectProgressWebSocket)
	return r
}
