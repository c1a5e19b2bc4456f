package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pallet-run/palletd/internal/apperr"
	"github.com/pallet-run/palletd/internal/models"
	"github.com/pallet-run/palletd/internal/queue"
	"gorm.io/gorm"
)

func registerRoutes(router *gin.Engine, deps Deps) {
	v1 := router.Group("/v1")
	v1.POST("/tasks", handleSubmitTask(deps))
	v1.GET("/tasks/:id", handleGetTask(deps))
	v1.POST("/tasks/cancel", handleCancelTasks(deps))
	v1.GET("/health", handleHealth(deps))
	v1.GET("/config", handleConfig(deps))
}

type submitTaskRequest struct {
	UserID  int64           `json:"user_id"`
	ChatID  int64           `json:"chat_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func handleSubmitTask(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, apperr.New(apperr.KindValidation, "malformed request body"))
			return
		}
		if req.Kind != models.TaskKindAsk && req.Kind != models.TaskKindRunSkill && req.Kind != models.TaskKindAdmin {
			fail(c, http.StatusBadRequest, apperr.New(apperr.KindValidation, "unknown kind"))
			return
		}

		allowed := isAllowListed(deps.DB, req.UserID)
		task, _, err := deps.Queue.Submit(c.Request.Context(), queue.SubmitOpts{
			UserID:      req.UserID,
			ChatID:      req.ChatID,
			Kind:        req.Kind,
			PayloadJSON: string(req.Payload),
			Allowed:     allowed,
		})
		if err != nil {
			fail(c, statusFor(err), err)
			return
		}
		ok(c, http.StatusOK, gin.H{"task_id": task.ID})
	}
}

func handleGetTask(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, err := deps.Queue.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, statusFor(err), err)
			return
		}
		ok(c, http.StatusOK, gin.H{
			"task_id":     task.ID,
			"status":      task.Status,
			"result_json": task.ResultJSON,
			"error_text":  task.ErrorText,
		})
	}
}

type cancelTasksRequest struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`
}

func handleCancelTasks(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cancelTasksRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, apperr.New(apperr.KindValidation, "malformed request body"))
			return
		}
		if deps.Pool != nil {
			if err := deps.Pool.Cancel(c.Request.Context(), req.UserID, req.ChatID); err != nil {
				fail(c, statusFor(err), err)
				return
			}
		}
		ok(c, http.StatusOK, gin.H{"canceled": true})
	}
}

func handleHealth(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var queueLength, runningLength int64
		deps.DB.Model(&models.Task{}).Where("status = ?", models.TaskQueued).Count(&queueLength)
		deps.DB.Model(&models.Task{}).Where("status = ?", models.TaskRunning).Count(&runningLength)

		var oldestRunning models.Task
		oldestAge := 0.0
		if err := deps.DB.Where("status = ?", models.TaskRunning).Order("updated_at ASC").First(&oldestRunning).Error; err == nil {
			oldestAge = time.Since(oldestRunning.UpdatedAt).Seconds()
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		ok(c, http.StatusOK, gin.H{
			"version":                    deps.Version,
			"uptime_seconds":             time.Since(deps.Started).Seconds(),
			"queue_length":               queueLength,
			"running_length":             runningLength,
			"running_oldest_age_seconds": oldestAge,
			"task_timeout_seconds":       deps.TaskTimeoutSeconds,
			"worker_state":               "running",
			"memory_rss_bytes":           mem.Sys,
		})
	}
}

func handleConfig(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok(c, http.StatusOK, deps.Config.Sanitized())
	}
}

// isAllowListed looks up whether the user is known and allow-listed (spec
// §7 "Authorization: unknown user, not allow-listed").
func isAllowListed(db *gorm.DB, userID int64) bool {
	var u models.User
	if err := db.Where("id = ?", userID).First(&u).Error; err != nil {
		return false
	}
	return u.AllowListed
}

func statusFor(err error) int {
	if errors.Is(err, apperr.ErrNotFound) {
		return http.StatusNotFound
	}
	kind, ok := apperr.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindCapacity:
		return http.StatusTooManyRequests
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindExecution:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
