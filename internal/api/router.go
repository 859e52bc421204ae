package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures the REST and WebSocket routes
func SetupRoutes(router *gin.Engine, handler *Handler) {
	v1group := router.Group("/api/v1")
	{
		tasks := v1group.Group("/tasks")
		{
			tasks.POST("", handler.CreateTask)
			tasks.GET("", handler.ListTasks)
			tasks.GET("/:taskId", handler.GetTask)
			tasks.PUT("/:taskId/plan", handler.SetPlan)
			tasks.POST("/:taskId/run", handler.RunTask)
			tasks.POST("/:taskId/approve", handler.ApproveTask)
			tasks.POST("/:taskId/pause", handler.PauseTask)
			tasks.POST("/:taskId/resume", handler.ResumeTask)
			tasks.POST("/:taskId/cancel", handler.CancelTask)
		}

		runs := v1group.Group("/runs")
		{
			runs.POST("", handler.StartRun)
			runs.GET("", handler.ListRuns)
			runs.GET("/:runId", handler.GetRun)
			runs.POST("/:runId/approve", handler.ApproveRun)
			runs.POST("/:runId/cancel", handler.CancelRun)
		}

		v1group.GET("/observations", handler.ListObservations)
		v1group.GET("/status", handler.Status)
	}

	router.GET("/ws/collector", handler.CollectorSocket)
	router.GET("/ws/updates", handler.UpdatesSocket)
}
