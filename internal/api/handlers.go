package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/autonomy"
	"github.com/desktopai/desktopai/internal/collector/bridge"
	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	"github.com/desktopai/desktopai/internal/orchestrator"
	"github.com/desktopai/desktopai/internal/orchestrator/executor"
	"github.com/desktopai/desktopai/internal/state"
	"github.com/desktopai/desktopai/internal/store"
	"github.com/desktopai/desktopai/internal/streaming"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// Handler contains HTTP handlers for the run-control API
type Handler struct {
	orch    *orchestrator.Orchestrator
	runner  *autonomy.Runner
	state   *state.Store
	bridge  *bridge.Bridge
	hub     *streaming.Hub
	exec    executor.ActionExecutor
	durable store.Store
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(orch *orchestrator.Orchestrator, runner *autonomy.Runner, st *state.Store, br *bridge.Bridge, hub *streaming.Hub, exec executor.ActionExecutor, durable store.Store, log *logger.Logger) *Handler {
	return &Handler{
		orch:    orch,
		runner:  runner,
		state:   st,
		bridge:  br,
		hub:     hub,
		exec:    exec,
		durable: durable,
		logger:  log,
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}

// Task endpoints

// CreateTask creates a new task
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	task := h.orch.CreateTask(req.Objective)
	c.JSON(http.StatusCreated, task)
}

// SetPlan attaches a plan to a task
// PUT /api/v1/tasks/:taskId/plan
func (h *Handler) SetPlan(c *gin.Context) {
	taskID := c.Param("taskId")
	var req SetPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	task, err := h.orch.SetPlan(taskID, req.Steps)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// RunTask starts advancing a task in the background
// POST /api/v1/tasks/:taskId/run
func (h *Handler) RunTask(c *gin.Context) {
	taskID := c.Param("taskId")
	task, err := h.orch.GetTask(taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	if task.Status.IsTerminal() {
		respondError(c, errors.PreconditionFailed("task is already "+string(task.Status)))
		return
	}
	if len(task.Steps) == 0 {
		respondError(c, errors.PreconditionFailed("cannot run task with an empty plan"))
		return
	}

	go h.advanceTask(taskID)
	c.JSON(http.StatusAccepted, task)
}

// ApproveTask approves a blocked irreversible step and resumes the task
// POST /api/v1/tasks/:taskId/approve
func (h *Handler) ApproveTask(c *gin.Context) {
	taskID := c.Param("taskId")
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	task, err := h.orch.Approve(taskID, req.Token)
	if err != nil {
		respondError(c, err)
		return
	}

	go h.advanceTask(taskID)
	c.JSON(http.StatusOK, task)
}

// PauseTask pauses a task
// POST /api/v1/tasks/:taskId/pause
func (h *Handler) PauseTask(c *gin.Context) {
	task, err := h.orch.Pause(c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ResumeTask resumes a paused task and advances it in the background
// POST /api/v1/tasks/:taskId/resume
func (h *Handler) ResumeTask(c *gin.Context) {
	taskID := c.Param("taskId")
	task, err := h.orch.Resume(taskID)
	if err != nil {
		respondError(c, err)
		return
	}

	go h.advanceTask(taskID)
	c.JSON(http.StatusOK, task)
}

// CancelTask cancels a task
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	task, err := h.orch.Cancel(c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetTask retrieves a task by ID
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.orch.GetTask(c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks lists all tasks
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks := h.orch.ListTasks()
	c.JSON(http.StatusOK, TasksListResponse{Tasks: tasks, Total: len(tasks)})
}

// advanceTask drives a task from a request-scoped goroutine. Re-entry while
// another advance is in flight is rejected by the orchestrator; that is not
// an error worth surfacing here.
func (h *Handler) advanceTask(taskID string) {
	if _, err := h.orch.RunTask(context.Background(), taskID); err != nil && !errors.IsPreconditionFailed(err) {
		h.logger.Error("background task advance failed",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// Run endpoints

// StartRun starts a new autonomy run
// POST /api/v1/runs
func (h *Handler) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	run, err := h.runner.Start(c.Request.Context(), autonomy.StartRequest{
		Objective:               req.Objective,
		IterationBudget:         req.IterationBudget,
		Autonomy:                v1.AutonomyLevel(req.Autonomy),
		AutoApproveIrreversible: req.AutoApproveIrreversible,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// ApproveRun approves a run's pending irreversible step
// POST /api/v1/runs/:runId/approve
func (h *Handler) ApproveRun(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	run, err := h.runner.Approve(c.Param("runId"), req.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// CancelRun cancels a run
// POST /api/v1/runs/:runId/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	run, err := h.runner.Cancel(c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRun retrieves a run by ID
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.runner.GetRun(c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns lists all runs
// GET /api/v1/runs
func (h *Handler) ListRuns(c *gin.Context) {
	runs := h.runner.ListRuns()
	c.JSON(http.StatusOK, RunsListResponse{Runs: runs, Total: len(runs)})
}

// Observation endpoints

// ListObservations returns recent desktop observations, newest last
// GET /api/v1/observations
func (h *Handler) ListObservations(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, errors.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	observations := h.state.History(limit)
	c.JSON(http.StatusOK, ObservationsResponse{
		Observations: observations,
		Total:        len(observations),
	})
}

// Status reports backend readiness
// GET /api/v1/status
func (h *Handler) Status(c *gin.Context) {
	execStatus := h.exec.Status()
	c.JSON(http.StatusOK, StatusResponse{
		Executor:          execStatus.Name,
		ExecutorReady:     execStatus.Ready,
		ExecutorDetail:    execStatus.Detail,
		CollectorOnline:   h.bridge.IsConnected(),
		UpdateSubscribers: h.hub.ClientCount(),
		Idle:              h.state.IsIdle(),
		StateSummary:      h.state.Summary(),
	})
}
