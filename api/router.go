package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/librisync/librisync/api/handlers"
	"github.com/librisync/librisync/api/middleware"
	"github.com/librisync/librisync/internal/app"
)

// SetupRouter sets up the HTTP router
func SetupRouter(manager *app.DownloadManager, log *zap.Logger) *gin.Engine {
	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(manager)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		taskHandler := handlers.NewTaskHandler(manager, log)
		progressWS := handlers.NewProgressWebSocketHandler(manager, log)
		tasks := v1.Group("/tasks")
		{
			tasks.POST("", taskHandler.AddTask)
			tasks.GET("", taskHandler.ListTasks)
			tasks.GET("/stats", taskHandler.GetStats)
			tasks.GET("/progress/ws", progressWS.HandleWebSocket)
			tasks.GET("/:id", taskHandler.GetTask)
			tasks.GET("/:id/progress", taskHandler.GetProgress)
			tasks.POST("/:id/pause", taskHandler.PauseTask)
			tasks.POST("/:id/resume", taskHandler.ResumeTask)
			tasks.POST("/:id/cancel", taskHandler.CancelTask)
			tasks.POST("/:id/retry", taskHandler.RetryTask)
		}
	}

	return router
}
