// Package autonomy drives the task orchestrator through iterations on behalf
// of an operator objective. Each run owns a worker goroutine that plans,
// advances the task, applies the auto-approval policy, enforces the iteration
// budget, and records the bounded agent log. Every run snapshot that leaves
// this package is a deep clone.
package autonomy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	"github.com/desktopai/desktopai/internal/orchestrator"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

const (
	budgetExhaustedReason = "maximum iteration budget reached"
	shutdownReason        = "run interrupted by backend shutdown"
	hydrateFailureReason  = "run restored as failed after process restart"
)

// Planner produces a step list for an objective. Implementations may consult
// the current desktop observation.
type Planner interface {
	BuildPlan(ctx context.Context, objective string, obs *v1.Observation) ([]*v1.PlannedStep, error)
	Mode() string
}

// ObservationSource supplies the latest desktop observation for planning
type ObservationSource interface {
	Current() *v1.Observation
}

// UpdateFunc receives a cloned run snapshot after every externally visible
// transition
type UpdateFunc func(run *v1.RunRecord)

// Config holds runner tuning options
type Config struct {
	AgentLogCap            int
	DefaultIterationBudget int
}

// DefaultConfig returns default runner configuration
func DefaultConfig() Config {
	return Config{AgentLogCap: 200, DefaultIterationBudget: 25}
}

// StartRequest describes a new autonomy run
type StartRequest struct {
	Objective               string
	IterationBudget         int
	Autonomy                v1.AutonomyLevel
	AutoApproveIrreversible bool
}

type runEntry struct {
	run    *v1.RunRecord
	cancel context.CancelFunc
	// true while a worker goroutine is driving this run
	workerActive bool
	autoApprove  bool
}

// Runner owns all autonomy runs and their worker goroutines
type Runner struct {
	mu   sync.Mutex
	runs map[string]*runEntry

	orch    *orchestrator.Orchestrator
	planner Planner
	obsrc   ObservationSource
	cfg     Config
	logger  *logger.Logger

	onUpdate UpdateFunc
	updateWG sync.WaitGroup
	workerWG sync.WaitGroup

	shuttingDown bool
}

// New creates an autonomy runner
func New(orch *orchestrator.Orchestrator, planner Planner, obsrc ObservationSource, cfg Config, log *logger.Logger) *Runner {
	if cfg.AgentLogCap <= 0 {
		cfg.AgentLogCap = 200
	}
	if cfg.DefaultIterationBudget <= 0 {
		cfg.DefaultIterationBudget = 25
	}
	return &Runner{
		runs:    make(map[string]*runEntry),
		orch:    orch,
		planner: planner,
		obsrc:   obsrc,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "autonomy-runner")),
	}
}

// SetUpdateFunc registers the transition callback. Must be called before the
// first run starts.
func (r *Runner) SetUpdateFunc(fn UpdateFunc) {
	r.onUpdate = fn
}

// Start plans the objective, creates the task and run records, and spawns
// the worker loop.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*v1.RunRecord, error) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return nil, errors.ServiceUnavailable("autonomy runner")
	}
	r.mu.Unlock()

	if req.Objective == "" {
		return nil, errors.ValidationError("objective", "must not be empty")
	}
	budget := req.IterationBudget
	if budget <= 0 {
		budget = r.cfg.DefaultIterationBudget
	}
	level := req.Autonomy
	if level == "" {
		level = v1.AutonomySupervised
	}

	task := r.orch.CreateTask(req.Objective)

	var obs *v1.Observation
	if r.obsrc != nil {
		obs = r.obsrc.Current()
	}
	steps, err := r.planner.BuildPlan(ctx, req.Objective, obs)
	if err != nil {
		return nil, errors.Wrap(err, "planner failed to build plan")
	}
	if _, err := r.orch.SetPlan(task.ID, steps); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &v1.RunRecord{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		Objective:       req.Objective,
		PlannerMode:     r.planner.Mode(),
		Status:          v1.RunStatusRunning,
		IterationBudget: budget,
		Autonomy:        level,
		StartedAt:       now,
		UpdatedAt:       now,
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	entry := &runEntry{
		run:          run,
		cancel:       cancel,
		workerActive: true,
		autoApprove:  req.AutoApproveIrreversible || level == v1.AutonomyGuided || level == v1.AutonomyAutonomous,
	}
	r.appendLogLocked(entry, v1.LogSourcePlanner,
		fmt.Sprintf("planned %d steps for objective: %s", len(steps), req.Objective))

	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		cancel()
		return nil, errors.ServiceUnavailable("autonomy runner")
	}
	r.runs[run.ID] = entry
	r.workerWG.Add(1)
	r.mu.Unlock()

	r.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("task_id", task.ID),
		zap.String("autonomy", string(level)),
		zap.Int("budget", budget))

	snapshot := run.Clone()
	r.emit(snapshot)

	go r.worker(workerCtx, entry)

	return snapshot, nil
}

// worker is the outer loop: advance the task, apply the approval policy,
// and stop on budget exhaustion or a terminal task status.
func (r *Runner) worker(ctx context.Context, entry *runEntry) {
	defer r.workerWG.Done()
	defer func() {
		r.mu.Lock()
		entry.workerActive = false
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.mu.Lock()
		run := entry.run
		if run.Status.IsTerminal() {
			r.mu.Unlock()
			return
		}
		if run.Iterations >= run.IterationBudget {
			r.failLocked(entry, budgetExhaustedReason)
			snapshot := run.Clone()
			r.mu.Unlock()
			r.emit(snapshot)
			return
		}
		run.Iterations++
		iteration := run.Iterations
		taskID := run.TaskID
		autoApprove := entry.autoApprove
		r.appendLogLocked(entry, v1.LogSourceExecutor,
			fmt.Sprintf("iteration %d/%d", iteration, run.IterationBudget))
		run.UpdatedAt = time.Now().UTC()
		snapshot := run.Clone()
		r.mu.Unlock()
		r.emit(snapshot)

		task, err := r.orch.RunTask(ctx, taskID)
		if err != nil {
			r.mu.Lock()
			r.failLocked(entry, err.Error())
			snapshot = entry.run.Clone()
			r.mu.Unlock()
			r.emit(snapshot)
			return
		}

		switch task.Status {
		case v1.TaskStatusWaitingApproval:
			if task.ApprovalToken == nil {
				r.mu.Lock()
				r.failLocked(entry, "task waiting for approval without a token")
				snapshot = entry.run.Clone()
				r.mu.Unlock()
				r.emit(snapshot)
				return
			}
			if autoApprove {
				r.mu.Lock()
				r.appendLogLocked(entry, v1.LogSourceVerifier, "auto-approving irreversible step")
				r.mu.Unlock()
				if _, err := r.orch.Approve(taskID, *task.ApprovalToken); err != nil {
					r.mu.Lock()
					r.failLocked(entry, err.Error())
					snapshot = entry.run.Clone()
					r.mu.Unlock()
					r.emit(snapshot)
					return
				}
				continue
			}
			r.mu.Lock()
			if entry.run.Status.IsTerminal() {
				// Cancelled while the lock was released; terminals are sticky
				r.mu.Unlock()
				return
			}
			entry.run.Status = v1.RunStatusWaitingApproval
			entry.run.ApprovalToken = cloneToken(task.ApprovalToken)
			entry.run.UpdatedAt = time.Now().UTC()
			r.appendLogLocked(entry, v1.LogSourceVerifier, "waiting for operator approval of irreversible step")
			snapshot = entry.run.Clone()
			r.mu.Unlock()
			r.emit(snapshot)
			return

		case v1.TaskStatusCompleted:
			r.mu.Lock()
			r.finishLocked(entry, v1.RunStatusCompleted, "")
			r.appendLogLocked(entry, v1.LogSourceExecutor, "objective completed")
			snapshot = entry.run.Clone()
			r.mu.Unlock()
			r.emit(snapshot)
			return

		case v1.TaskStatusFailed:
			r.mu.Lock()
			r.finishLocked(entry, v1.RunStatusFailed, task.LastError)
			r.appendLogLocked(entry, v1.LogSourceExecutor, "task failed: "+task.LastError)
			snapshot = entry.run.Clone()
			r.mu.Unlock()
			r.emit(snapshot)
			return

		case v1.TaskStatusCancelled:
			r.mu.Lock()
			r.finishLocked(entry, v1.RunStatusCancelled, "")
			snapshot = entry.run.Clone()
			r.mu.Unlock()
			r.emit(snapshot)
			return

		case v1.TaskStatusPaused:
			r.mu.Lock()
			r.appendLogLocked(entry, v1.LogSourceExecutor, "task paused by operator")
			snapshot = entry.run.Clone()
			r.mu.Unlock()
			r.emit(snapshot)
			return
		}
	}
}

// Approve validates the run token, forwards approval to the orchestrator,
// and restarts the worker loop if none is running.
func (r *Runner) Approve(runID, token string) (*v1.RunRecord, error) {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("run", runID)
	}
	run := entry.run
	if run.Status != v1.RunStatusWaitingApproval {
		r.mu.Unlock()
		return nil, errors.PreconditionFailed(fmt.Sprintf("run is %s, not waiting for approval", run.Status))
	}
	if run.ApprovalToken == nil || subtle.ConstantTimeCompare([]byte(*run.ApprovalToken), []byte(token)) != 1 {
		r.mu.Unlock()
		return nil, errors.Unauthorized("approval token does not match")
	}
	taskID := run.TaskID
	r.mu.Unlock()

	if _, err := r.orch.Approve(taskID, token); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if run.Status.IsTerminal() {
		// Cancelled while the lock was released; terminals are sticky
		r.mu.Unlock()
		return nil, errors.PreconditionFailed(fmt.Sprintf("run is already %s", run.Status))
	}
	run.ApprovalToken = nil
	run.Status = v1.RunStatusRunning
	run.UpdatedAt = time.Now().UTC()
	r.appendLogLocked(entry, v1.LogSourceVerifier, "irreversible step approved by operator")
	restart := !entry.workerActive && !r.shuttingDown
	var workerCtx context.Context
	if restart {
		// Reserve the worker slot under the lock so a concurrent Shutdown
		// observes both the cancel func and the WaitGroup count.
		entry.workerActive = true
		workerCtx, entry.cancel = context.WithCancel(context.Background())
		r.workerWG.Add(1)
	}
	snapshot := run.Clone()
	r.mu.Unlock()
	r.emit(snapshot)

	if restart {
		go r.worker(workerCtx, entry)
	}

	r.logger.Info("run approved", zap.String("run_id", runID))
	return snapshot, nil
}

// Cancel stops the worker and cancels the run and its underlying task
func (r *Runner) Cancel(runID string) (*v1.RunRecord, error) {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("run", runID)
	}
	run := entry.run
	if run.Status.IsTerminal() {
		r.mu.Unlock()
		return nil, errors.PreconditionFailed(fmt.Sprintf("run is already %s", run.Status))
	}
	entry.cancel()
	r.finishLocked(entry, v1.RunStatusCancelled, "")
	r.appendLogLocked(entry, v1.LogSourceExecutor, "run cancelled by operator")
	taskID := run.TaskID
	snapshot := run.Clone()
	r.mu.Unlock()

	// Best-effort: the task may already be terminal
	if _, err := r.orch.Cancel(taskID); err != nil && !errors.IsPreconditionFailed(err) {
		r.logger.Warn("failed to cancel underlying task",
			zap.String("run_id", runID),
			zap.String("task_id", taskID),
			zap.Error(err))
	}

	r.emit(snapshot)
	r.logger.Info("run cancelled", zap.String("run_id", runID))
	return snapshot, nil
}

// GetRun returns a clone of the run
func (r *Runner) GetRun(runID string) (*v1.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runs[runID]
	if !ok {
		return nil, errors.NotFound("run", runID)
	}
	return entry.run.Clone(), nil
}

// ListRuns returns clones of all runs
func (r *Runner) ListRuns() []*v1.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*v1.RunRecord, 0, len(r.runs))
	for _, entry := range r.runs {
		result = append(result, entry.run.Clone())
	}
	return result
}

// Shutdown cancels all workers, awaits their completion, and rewrites any
// still-live run to failed so the operator knows not to trust mid-run state.
func (r *Runner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.shuttingDown = true
	for _, entry := range r.runs {
		entry.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown deadline reached before workers finished")
	}

	var snapshots []*v1.RunRecord
	r.mu.Lock()
	for _, entry := range r.runs {
		run := entry.run
		if run.Status == v1.RunStatusRunning || run.Status == v1.RunStatusWaitingApproval {
			r.failLocked(entry, shutdownReason)
			r.appendLogLocked(entry, v1.LogSourceExecutor, shutdownReason)
			snapshots = append(snapshots, run.Clone())
		}
	}
	r.mu.Unlock()

	for _, snapshot := range snapshots {
		r.emit(snapshot)
	}
	r.updateWG.Wait()
	r.logger.Info("runner shut down", zap.Int("interrupted_runs", len(snapshots)))
}

// HydrateRuns replaces in-memory state from durable snapshots on startup.
// Non-terminal runs are rewritten to failed; no worker is spawned for them.
func (r *Runner) HydrateRuns(runs []*v1.RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs = make(map[string]*runEntry, len(runs))
	now := time.Now().UTC()
	for _, run := range runs {
		if run == nil || run.ID == "" {
			continue
		}
		restored := run.Clone()
		if !restored.Status.IsTerminal() {
			restored.Status = v1.RunStatusFailed
			restored.LastError = hydrateFailureReason
			restored.ApprovalToken = nil
			restored.UpdatedAt = now
			restored.FinishedAt = &now
			r.logger.Warn("run restored as failed after restart", zap.String("run_id", restored.ID))
		}
		r.runs[restored.ID] = &runEntry{run: restored, cancel: func() {}}
	}
	r.logger.Info("runs hydrated", zap.Int("count", len(r.runs)))
}

// failLocked marks a run failed unless it is already terminal
func (r *Runner) failLocked(entry *runEntry, reason string) {
	r.finishLocked(entry, v1.RunStatusFailed, reason)
}

// finishLocked applies a terminal status, keeping terminals sticky
func (r *Runner) finishLocked(entry *runEntry, status v1.RunStatus, lastError string) {
	run := entry.run
	if run.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	run.Status = status
	run.ApprovalToken = nil
	if lastError != "" {
		run.LastError = lastError
	}
	run.UpdatedAt = now
	run.FinishedAt = &now
}

// appendLogLocked appends an agent log entry, dropping the oldest past the cap
func (r *Runner) appendLogLocked(entry *runEntry, source v1.LogSource, message string) {
	run := entry.run
	run.AgentLog = append(run.AgentLog, v1.AgentLogEntry{
		Source:    source,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if len(run.AgentLog) > r.cfg.AgentLogCap {
		run.AgentLog = run.AgentLog[len(run.AgentLog)-r.cfg.AgentLogCap:]
	}
}

// emit delivers a cloned snapshot to the update callback on its own
// goroutine. Never called with the runner lock held.
func (r *Runner) emit(snapshot *v1.RunRecord) {
	if r.onUpdate == nil {
		return
	}
	r.updateWG.Add(1)
	go func() {
		defer r.updateWG.Done()
		r.onUpdate(snapshot)
	}()
}

func cloneToken(token *string) *string {
	if token == nil {
		return nil
	}
	c := *token
	return &c
}
