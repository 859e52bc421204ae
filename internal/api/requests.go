// Package api provides the HTTP and WebSocket surface of the backend:
// task and run control, observation queries, the collector socket, and the
// update feed.
package api

import (
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// CreateTaskRequest for creating a task
type CreateTaskRequest struct {
	Objective string `json:"objective" binding:"required"`
}

// SetPlanRequest for attaching a plan to a task
type SetPlanRequest struct {
	Steps []*v1.PlannedStep `json:"steps" binding:"required"`
}

// ApproveRequest carries the approval token for a blocked step
type ApproveRequest struct {
	Token string `json:"token" binding:"required"`
}

// StartRunRequest for starting an autonomy run
type StartRunRequest struct {
	Objective               string `json:"objective" binding:"required"`
	IterationBudget         int    `json:"iteration_budget"`
	Autonomy                string `json:"autonomy"`
	AutoApproveIrreversible bool   `json:"auto_approve_irreversible"`
}

// TasksListResponse for listing tasks
type TasksListResponse struct {
	Tasks []*v1.TaskRecord `json:"tasks"`
	Total int              `json:"total"`
}

// RunsListResponse for listing runs
type RunsListResponse struct {
	Runs  []*v1.RunRecord `json:"runs"`
	Total int             `json:"total"`
}

// ObservationsResponse for listing recent observations
type ObservationsResponse struct {
	Observations []*v1.Observation `json:"observations"`
	Total        int               `json:"total"`
}

// StatusResponse describes backend readiness
type StatusResponse struct {
	Executor          string `json:"executor"`
	ExecutorReady     bool   `json:"executor_ready"`
	ExecutorDetail    string `json:"executor_detail,omitempty"`
	CollectorOnline   bool   `json:"collector_online"`
	UpdateSubscribers int    `json:"update_subscribers"`
	Idle              bool   `json:"idle"`
	StateSummary      string `json:"state_summary,omitempty"`
}
