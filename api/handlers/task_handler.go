package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/librisync/librisync/internal/app"
	"github.com/librisync/librisync/internal/domain"
)

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	manager *app.DownloadManager
	logger  *zap.Logger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(manager *app.DownloadManager, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{manager: manager, logger: logger}
}

// AddTaskRequest represents a request to enqueue a download
type AddTaskRequest struct {
	ContentID string `json:"content_id" binding:"required"`
	Title     string `json:"title,omitempty"`
}

// AddTask handles POST /api/v1/tasks
func (h *TaskHandler) AddTask(c *gin.Context) {
	var req AddTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.manager.Enqueue(req.ContentID, req.Title)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTask) {
			// idempotent: the existing task is the answer
			c.JSON(http.StatusOK, task)
			return
		}
		h.logger.Error("Failed to enqueue task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, task)
}

// GetTask handles GET /api/v1/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	id := c.Param("id")

	task, err := h.manager.GetTask(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// ListTasks handles GET /api/v1/tasks
func (h *TaskHandler) ListTasks(c *gin.Context) {
	filters := make(map[string]interface{})

	if status := c.Query("status"); status != "" {
		if !domain.ValidStatus(domain.TaskStatus(status)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + status})
			return
		}
		filters["status"] = status
	}

	tasks, err := h.manager.ListTasks(filters)
	if err != nil {
		h.logger.Error("Failed to list tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, tasks)
}

// GetStats handles GET /api/v1/tasks/stats
func (h *TaskHandler) GetStats(c *gin.Context) {
	stats, err := h.manager.GetStats()
	if err != nil {
		h.logger.Error("Failed to get stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetProgress handles GET /api/v1/tasks/:id/progress
func (h *TaskHandler) GetProgress(c *gin.Context) {
	id := c.Param("id")

	snap, running := h.manager.Progress(id)
	if !running {
		task, err := h.manager.GetTask(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      task.Status,
			"bytes_done":  task.BytesDone,
			"bytes_total": task.BytesTotal,
		})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// PauseTask handles POST /api/v1/tasks/:id/pause
func (h *TaskHandler) PauseTask(c *gin.Context) {
	id := c.Param("id")

	if err := h.manager.Pause(id); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		h.logger.Error("Failed to pause task", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "pause requested"})
}

// ResumeTask handles POST /api/v1/tasks/:id/resume
func (h *TaskHandler) ResumeTask(c *gin.Context) {
	id := c.Param("id")

	if err := h.manager.Resume(id); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		h.logger.Error("Failed to resume task", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "task queued"})
}

// CancelTask handles POST /api/v1/tasks/:id/cancel
func (h *TaskHandler) CancelTask(c *gin.Context) {
	id := c.Param("id")

	if err := h.manager.Cancel(id); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		h.logger.Error("Failed to cancel task", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "task cancelled"})
}

// RetryTask handles POST /api/v1/tasks/:id/retry
func (h *TaskHandler) RetryTask(c *gin.Context) {
	h.ResumeTask(c)
}
