package api

import (
	"net/http"
	"time"

	"PetVideoBatch-server/models"
	"PetVideoBatch-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 项目进度 WebSocket 推送（以数据库为来源：循环轮询 DB 并推送推导后的状态）。
// 渠道轮询与写回由后台 worker 负责，这里只订阅 DB 中的最新数据。
func (s *Server) ProjectProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	push := func() (string, int, bool) {
		t, err := s.Store.GetTask(projectID)
		if err != nil {
			_ = conn.WriteJSON(map[string]interface{}{"error": "project not found: " + err.Error()})
			return "", 0, false
		}
		now := time.Now()
		display := service.InferDisplayStatus(t, now, s.StaleAfter)
		_ = conn.WriteJSON(map[string]interface{}{
			"project_id":     projectID,
			"display_status": display,
			"progress":       t.Progress,
			"error_message":  t.ErrorMessage,
			"segments":       service.DisplaySegments(t, now, s.StaleAfter),
		})
		return display, t.Progress, true
	}

	prevStatus, prevProgress, ok := push()
	if !ok {
		return
	}

	// 每秒查询一次直到项目完成或失败
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		t, err := s.Store.GetTask(projectID)
		if err != nil {
			continue
		}
		now := time.Now()
		display := service.InferDisplayStatus(t, now, s.StaleAfter)

		if display != prevStatus || t.Progress != prevProgress {
			if err := conn.WriteJSON(map[string]interface{}{
				"project_id":     projectID,
				"display_status": display,
				"progress":       t.Progress,
				"error_message":  t.ErrorMessage,
				"segments":       service.DisplaySegments(t, now, s.StaleAfter),
			}); err != nil {
				break
			}
			prevStatus = display
			prevProgress = t.Progress
		}

		if display == models.StatusCompleted || display == models.StatusFailed {
			break
		}
	}
}
