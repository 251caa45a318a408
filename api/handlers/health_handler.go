package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/librisync/librisync/internal/app"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	manager *app.DownloadManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(manager *app.DownloadManager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /ready; the service is ready when the task catalog is
// reachable
func (h *HealthHandler) Ready(c *gin.Context) {
	if _, err := h.manager.GetStats(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
