// Package v1 defines the public API types for the DesktopAI backend: tasks,
// autonomy runs, plan steps, and desktop observations. These are the snapshot
// shapes persisted by the durable store and sent to WebSocket subscribers, so
// every type here must be safe to deep-clone.
package v1

import "time"

// TaskStatus represents the lifecycle status of a task
type TaskStatus string

const (
	TaskStatusCreated         TaskStatus = "created"
	TaskStatusPlanned         TaskStatus = "planned"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusWaitingApproval TaskStatus = "waiting_approval"
	TaskStatusPaused          TaskStatus = "paused"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is sticky: no transition leaves it
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// StepStatus represents the lifecycle status of a single plan step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusBlocked   StepStatus = "blocked"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// IsTerminal reports whether the step can no longer change status
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed
}

// RunStatus represents the lifecycle status of an autonomy run
type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingApproval RunStatus = "waiting_approval"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCancelled       RunStatus = "cancelled"
)

// IsTerminal reports whether the run status is sticky
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// AutonomyLevel controls whether the runner auto-approves irreversible steps
type AutonomyLevel string

const (
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomyGuided     AutonomyLevel = "guided"
	AutonomyAutonomous AutonomyLevel = "autonomous"
)

// LogSource tags an agent log entry with the component that produced it
type LogSource string

const (
	LogSourcePlanner     LogSource = "planner"
	LogSourceExecutor    LogSource = "executor"
	LogSourceVerifier    LogSource = "verifier"
	LogSourceVisionAgent LogSource = "vision-agent"
)

// Action is one abstract desktop operation dispatched to an executor
type Action struct {
	Name         string                 `json:"name"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Irreversible bool                   `json:"irreversible"`
}

// Clone returns a deep copy of the action
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.Parameters = cloneValueMap(a.Parameters)
	return &c
}

// PlannedStep is the planner's description of one step before it gains
// execution state
type PlannedStep struct {
	Action         *Action  `json:"action"`
	Preconditions  []string `json:"preconditions,omitempty"`
	Postconditions []string `json:"postconditions,omitempty"`
}

// TaskStep is one unit of a plan with its execution state
type TaskStep struct {
	ID             string                 `json:"id"`
	Index          int                    `json:"index"`
	Action         *Action                `json:"action"`
	Preconditions  []string               `json:"preconditions,omitempty"`
	Postconditions []string               `json:"postconditions,omitempty"`
	Status         StepStatus             `json:"status"`
	Approved       bool                   `json:"approved"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	FinishedAt     *time.Time             `json:"finished_at,omitempty"`
	LastResult     map[string]interface{} `json:"last_result,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Clone returns a deep copy of the step
func (s *TaskStep) Clone() *TaskStep {
	if s == nil {
		return nil
	}
	c := *s
	c.Action = s.Action.Clone()
	c.Preconditions = cloneStrings(s.Preconditions)
	c.Postconditions = cloneStrings(s.Postconditions)
	c.StartedAt = cloneTime(s.StartedAt)
	c.FinishedAt = cloneTime(s.FinishedAt)
	c.LastResult = cloneValueMap(s.LastResult)
	return &c
}

// TaskRecord is one plan with associated execution state and history
type TaskRecord struct {
	ID               string      `json:"id"`
	Objective        string      `json:"objective"`
	Steps            []*TaskStep `json:"steps"`
	Status           TaskStatus  `json:"status"`
	CurrentStepIndex *int        `json:"current_step_index,omitempty"`
	ApprovalToken    *string     `json:"approval_token,omitempty"`
	LastError        string      `json:"last_error,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the task record
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}
	c := *t
	c.Steps = make([]*TaskStep, len(t.Steps))
	for i, step := range t.Steps {
		c.Steps[i] = step.Clone()
	}
	c.CurrentStepIndex = cloneInt(t.CurrentStepIndex)
	c.ApprovalToken = cloneString(t.ApprovalToken)
	return &c
}

// AgentLogEntry is one line of the bounded per-run agent log
type AgentLogEntry struct {
	Source    LogSource `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RunRecord is one outer-loop invocation of the orchestrator over a task
type RunRecord struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	Objective       string          `json:"objective"`
	PlannerMode     string          `json:"planner_mode"`
	Status          RunStatus       `json:"status"`
	Iterations      int             `json:"iterations"`
	IterationBudget int             `json:"iteration_budget"`
	Autonomy        AutonomyLevel   `json:"autonomy"`
	ApprovalToken   *string         `json:"approval_token,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	AgentLog        []AgentLogEntry `json:"agent_log"`
	StartedAt       time.Time       `json:"started_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the run record
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ApprovalToken = cloneString(r.ApprovalToken)
	c.AgentLog = make([]AgentLogEntry, len(r.AgentLog))
	copy(c.AgentLog, r.AgentLog)
	c.FinishedAt = cloneTime(r.FinishedAt)
	return &c
}

// Observation is a snapshot of the desktop at the moment a step begins
type Observation struct {
	WindowTitle string    `json:"window_title"`
	ProcessName string    `json:"process_name"`
	PID         int       `json:"pid"`
	Timestamp   time.Time `json:"timestamp"`
	AXSummary   string    `json:"ax_summary,omitempty"`
	Screenshot  []byte    `json:"screenshot_b64,omitempty"`
}

// Clone returns a deep copy of the observation
func (o *Observation) Clone() *Observation {
	if o == nil {
		return nil
	}
	c := *o
	if o.Screenshot != nil {
		c.Screenshot = make([]byte, len(o.Screenshot))
		copy(c.Screenshot, o.Screenshot)
	}
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneValueMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return cloneValueMap(tv)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
