// Package orchestrator runs the per-task state machine: plan, step loop,
// approval gates, retries, and completion. It coordinates:
//
//   - Step selection and the pending → running → succeeded/failed transitions
//   - Approval gates for irreversible actions, keyed by one-shot tokens
//   - Retry classification for executor failures
//   - Pause, resume, and cancel transitions
//   - Hydration of durable snapshots after a restart
//
// Action dispatch always happens outside the task lock, and every snapshot
// that leaves this package is a deep clone.
package orchestrator

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	"github.com/desktopai/desktopai/internal/orchestrator/executor"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// retrySkipMarker short-circuits retries: an executor error containing this
// marker is attempted exactly once.
const retrySkipMarker = "unsupported action"

// hydrateFailureReason marks tasks that were mid-flight when the process died
const hydrateFailureReason = "task restored after restart"

// ObservationSource supplies the desktop snapshot taken when a step begins
type ObservationSource interface {
	Current() *v1.Observation
}

// UpdateFunc receives a cloned task snapshot after every externally visible
// transition. It runs on its own goroutine and must not be assumed to finish
// before the next transition.
type UpdateFunc func(task *v1.TaskRecord)

// Config holds orchestrator tuning options
type Config struct {
	RetryCount int
	RetryDelay time.Duration
}

// DefaultConfig returns default orchestrator configuration
func DefaultConfig() Config {
	return Config{RetryCount: 2, RetryDelay: 500 * time.Millisecond}
}

// taskEntry pairs a task with its own lock so independent tasks never
// serialize on each other.
type taskEntry struct {
	mu        sync.Mutex
	task      *v1.TaskRecord
	advancing bool
}

// Orchestrator owns all task records and drives their state machines
type Orchestrator struct {
	mu    sync.Mutex
	tasks map[string]*taskEntry

	executor executor.ActionExecutor
	obsrc    ObservationSource
	cfg      Config
	logger   *logger.Logger

	onUpdate UpdateFunc
	updateWG sync.WaitGroup
}

// New creates a task orchestrator
func New(exec executor.ActionExecutor, obsrc ObservationSource, cfg Config, log *logger.Logger) *Orchestrator {
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &Orchestrator{
		tasks:    make(map[string]*taskEntry),
		executor: exec,
		obsrc:    obsrc,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "task-orchestrator")),
	}
}

// SetUpdateFunc registers the transition callback. Must be called before the
// first task is created.
func (o *Orchestrator) SetUpdateFunc(fn UpdateFunc) {
	o.onUpdate = fn
}

// DrainUpdates blocks until all in-flight update callbacks have finished
func (o *Orchestrator) DrainUpdates() {
	o.updateWG.Wait()
}

// CreateTask creates a new task with the given objective
func (o *Orchestrator) CreateTask(objective string) *v1.TaskRecord {
	now := time.Now().UTC()
	task := &v1.TaskRecord{
		ID:        uuid.New().String(),
		Objective: objective,
		Status:    v1.TaskStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	entry := &taskEntry{task: task}
	o.mu.Lock()
	o.tasks[task.ID] = entry
	o.mu.Unlock()

	o.logger.Info("task created", zap.String("task_id", task.ID))
	o.emit(task.Clone())
	return task.Clone()
}

// SetPlan replaces the task's step list. Only allowed while the task is in
// created or planned status.
func (o *Orchestrator) SetPlan(taskID string, steps []*v1.PlannedStep) (*v1.TaskRecord, error) {
	entry, err := o.entry(taskID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	task := entry.task
	if task.Status != v1.TaskStatusCreated && task.Status != v1.TaskStatusPlanned {
		entry.mu.Unlock()
		return nil, errors.PreconditionFailed(fmt.Sprintf("cannot set plan while task is %s", task.Status))
	}

	now := time.Now().UTC()
	task.Steps = make([]*v1.TaskStep, len(steps))
	for i, planned := range steps {
		task.Steps[i] = &v1.TaskStep{
			ID:             uuid.New().String(),
			Index:          i,
			Action:         planned.Action.Clone(),
			Preconditions:  append([]string(nil), planned.Preconditions...),
			Postconditions: append([]string(nil), planned.Postconditions...),
			Status:         v1.StepStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	task.Status = v1.TaskStatusPlanned
	task.UpdatedAt = now
	snapshot := task.Clone()
	entry.mu.Unlock()

	o.logger.Info("plan set",
		zap.String("task_id", taskID),
		zap.Int("steps", len(steps)))
	o.emit(snapshot)
	return snapshot, nil
}

// RunTask advances the task until it reaches a terminal status, waits for
// approval, or is paused. Returns the resulting snapshot.
func (o *Orchestrator) RunTask(ctx context.Context, taskID string) (*v1.TaskRecord, error) {
	entry, err := o.entry(taskID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	task := entry.task
	switch {
	case task.Status.IsTerminal():
		entry.mu.Unlock()
		return nil, errors.PreconditionFailed(fmt.Sprintf("cannot run task in terminal status %s", task.Status))
	case len(task.Steps) == 0:
		entry.mu.Unlock()
		return nil, errors.PreconditionFailed("cannot run task with an empty plan")
	case task.Status == v1.TaskStatusWaitingApproval || task.Status == v1.TaskStatusPaused:
		snapshot := task.Clone()
		entry.mu.Unlock()
		return snapshot, nil
	case entry.advancing:
		entry.mu.Unlock()
		return nil, errors.PreconditionFailed("task is already being advanced")
	}
	entry.advancing = true
	entry.mu.Unlock()

	defer func() {
		entry.mu.Lock()
		entry.advancing = false
		entry.mu.Unlock()
	}()

	o.advance(ctx, entry)

	entry.mu.Lock()
	snapshot := entry.task.Clone()
	entry.mu.Unlock()
	return snapshot, nil
}

// advance is the single-step cycle: pick the next step, gate on approval,
// dispatch outside the lock, record the outcome, repeat.
func (o *Orchestrator) advance(ctx context.Context, entry *taskEntry) {
	for {
		entry.mu.Lock()
		task := entry.task

		if task.Status.IsTerminal() || task.Status == v1.TaskStatusPaused {
			entry.mu.Unlock()
			return
		}

		step := nextStep(task)
		if step == nil {
			task.Status = v1.TaskStatusCompleted
			task.CurrentStepIndex = nil
			task.UpdatedAt = time.Now().UTC()
			snapshot := task.Clone()
			entry.mu.Unlock()
			o.logger.Info("task completed", zap.String("task_id", task.ID))
			o.emit(snapshot)
			return
		}

		idx := step.Index
		task.CurrentStepIndex = &idx

		if step.Action.Irreversible && !step.Approved {
			now := time.Now().UTC()
			step.Status = v1.StepStatusBlocked
			step.UpdatedAt = now
			token := newApprovalToken()
			task.ApprovalToken = &token
			task.Status = v1.TaskStatusWaitingApproval
			task.UpdatedAt = now
			snapshot := task.Clone()
			entry.mu.Unlock()
			o.logger.Info("task waiting for approval",
				zap.String("task_id", task.ID),
				zap.Int("step_index", idx))
			o.emit(snapshot)
			return
		}

		now := time.Now().UTC()
		step.Status = v1.StepStatusRunning
		step.StartedAt = &now
		step.UpdatedAt = now
		task.Status = v1.TaskStatusRunning
		task.UpdatedAt = now

		action := step.Action.Clone()
		objective := task.Objective
		stepID := step.ID
		snapshot := task.Clone()
		entry.mu.Unlock()

		o.emit(snapshot)

		// Dispatch outside the lock: the executor may take seconds and
		// reads the state store, which has its own lock.
		var obs *v1.Observation
		if o.obsrc != nil {
			obs = o.obsrc.Current()
		}
		result := o.dispatchWithRetry(ctx, action, objective, obs)

		entry.mu.Lock()
		task = entry.task
		step = findStep(task, stepID)
		if step == nil || step.Status != v1.StepStatusRunning {
			// Cancelled (or otherwise moved on) during dispatch: discard
			// the result and let the next iteration observe the status.
			entry.mu.Unlock()
			continue
		}

		finished := time.Now().UTC()
		step.LastResult = result.Data
		step.LastError = result.Error
		step.FinishedAt = &finished
		step.UpdatedAt = finished
		task.UpdatedAt = finished

		if result.OK {
			step.Status = v1.StepStatusSucceeded
			snapshot = task.Clone()
			entry.mu.Unlock()
			o.emit(snapshot)
			continue
		}

		step.Status = v1.StepStatusFailed
		task.Status = v1.TaskStatusFailed
		task.LastError = result.Error
		snapshot = task.Clone()
		entry.mu.Unlock()
		o.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("step_id", stepID),
			zap.String("error", result.Error))
		o.emit(snapshot)
		return
	}
}

// dispatchWithRetry attempts the action up to the configured retry count.
// Errors carrying the unsupported-action marker are never retried. The final
// result mapping records the attempt count.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, action *v1.Action, objective string, obs *v1.Observation) *executor.Result {
	var result *executor.Result
	attempts := 0

	for attempts < o.cfg.RetryCount {
		attempts++
		result = o.executor.Execute(ctx, action, objective, obs)
		if result.OK {
			break
		}
		if strings.Contains(result.Error, retrySkipMarker) {
			break
		}
		if attempts < o.cfg.RetryCount {
			o.logger.Debug("retrying action",
				zap.String("action", action.Name),
				zap.Int("attempt", attempts),
				zap.String("error", result.Error))
			select {
			case <-time.After(o.cfg.RetryDelay):
			case <-ctx.Done():
				attempts = o.cfg.RetryCount
			}
		}
	}

	if result.Data == nil {
		result.Data = make(map[string]interface{})
	}
	result.Data["attempts"] = attempts
	return result
}

// Approve validates the token and unblocks the gated step. The task returns
// to planned so the caller can re-enter the advance loop.
func (o *Orchestrator) Approve(taskID, token string) (*v1.TaskRecord, error) {
	entry, err := o.entry(taskID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	task := entry.task
	if task.Status != v1.TaskStatusWaitingApproval {
		entry.mu.Unlock()
		return nil, errors.PreconditionFailed(fmt.Sprintf("task is %s, not waiting for approval", task.Status))
	}
	if task.ApprovalToken == nil || subtle.ConstantTimeCompare([]byte(*task.ApprovalToken), []byte(token)) != 1 {
		entry.mu.Unlock()
		return nil, errors.Unauthorized("approval token does not match")
	}

	now := time.Now().UTC()
	if task.CurrentStepIndex != nil {
		if step := stepAtIndex(task, *task.CurrentStepIndex); step != nil && step.Status == v1.StepStatusBlocked {
			step.Approved = true
			step.Status = v1.StepStatusPending
			step.UpdatedAt = now
		}
	}
	task.ApprovalToken = nil
	task.Status = v1.TaskStatusPlanned
	task.UpdatedAt = now
	snapshot := task.Clone()
	entry.mu.Unlock()

	o.logger.Info("step approved", zap.String("task_id", taskID))
	o.emit(snapshot)
	return snapshot, nil
}

// Pause transitions a non-terminal task to paused. A dispatch already in
// flight finishes; the advance loop observes the paused status on its next
// lock acquisition and returns.
func (o *Orchestrator) Pause(taskID string) (*v1.TaskRecord, error) {
	return o.transition(taskID, v1.TaskStatusPaused, func(task *v1.TaskRecord) error {
		if task.Status.IsTerminal() {
			return errors.PreconditionFailed(fmt.Sprintf("cannot pause task in terminal status %s", task.Status))
		}
		task.ApprovalToken = nil
		return nil
	})
}

// Resume transitions a paused task back to planned
func (o *Orchestrator) Resume(taskID string) (*v1.TaskRecord, error) {
	return o.transition(taskID, v1.TaskStatusPlanned, func(task *v1.TaskRecord) error {
		if task.Status != v1.TaskStatusPaused {
			return errors.PreconditionFailed(fmt.Sprintf("cannot resume task in status %s", task.Status))
		}
		return nil
	})
}

// Cancel transitions any non-terminal task to cancelled
func (o *Orchestrator) Cancel(taskID string) (*v1.TaskRecord, error) {
	return o.transition(taskID, v1.TaskStatusCancelled, func(task *v1.TaskRecord) error {
		if task.Status.IsTerminal() {
			return errors.PreconditionFailed(fmt.Sprintf("cannot cancel task in terminal status %s", task.Status))
		}
		task.ApprovalToken = nil
		return nil
	})
}

func (o *Orchestrator) transition(taskID string, to v1.TaskStatus, check func(*v1.TaskRecord) error) (*v1.TaskRecord, error) {
	entry, err := o.entry(taskID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	task := entry.task
	if err := check(task); err != nil {
		entry.mu.Unlock()
		return nil, err
	}
	task.Status = to
	task.UpdatedAt = time.Now().UTC()
	snapshot := task.Clone()
	entry.mu.Unlock()

	o.logger.Info("task transition",
		zap.String("task_id", taskID),
		zap.String("status", string(to)))
	o.emit(snapshot)
	return snapshot, nil
}

// GetTask returns a clone of the task
func (o *Orchestrator) GetTask(taskID string) (*v1.TaskRecord, error) {
	entry, err := o.entry(taskID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.task.Clone(), nil
}

// ListTasks returns clones of all tasks
func (o *Orchestrator) ListTasks() []*v1.TaskRecord {
	o.mu.Lock()
	entries := make([]*taskEntry, 0, len(o.tasks))
	for _, entry := range o.tasks {
		entries = append(entries, entry)
	}
	o.mu.Unlock()

	result := make([]*v1.TaskRecord, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		result = append(result, entry.task.Clone())
		entry.mu.Unlock()
	}
	return result
}

// HydrateTasks replaces in-memory state from durable snapshots on startup.
// Tasks caught mid-flight are rewritten to failed: a restart must never
// resurrect in-flight side effects.
func (o *Orchestrator) HydrateTasks(tasks []*v1.TaskRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.tasks = make(map[string]*taskEntry, len(tasks))
	now := time.Now().UTC()
	for _, task := range tasks {
		if task == nil || task.ID == "" {
			continue
		}
		restored := task.Clone()
		if restored.Status == v1.TaskStatusRunning || restored.Status == v1.TaskStatusWaitingApproval {
			restored.Status = v1.TaskStatusFailed
			restored.LastError = hydrateFailureReason
			restored.ApprovalToken = nil
			restored.UpdatedAt = now
			o.logger.Warn("task restored as failed after restart", zap.String("task_id", restored.ID))
		}
		o.tasks[restored.ID] = &taskEntry{task: restored}
	}
	o.logger.Info("tasks hydrated", zap.Int("count", len(o.tasks)))
}

func (o *Orchestrator) entry(taskID string) (*taskEntry, error) {
	o.mu.Lock()
	entry, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return nil, errors.NotFound("task", taskID)
	}
	return entry, nil
}

// emit delivers a cloned snapshot to the update callback on its own
// goroutine. Never called with a task lock held.
func (o *Orchestrator) emit(snapshot *v1.TaskRecord) {
	if o.onUpdate == nil {
		return
	}
	o.updateWG.Add(1)
	go func() {
		defer o.updateWG.Done()
		o.onUpdate(snapshot)
	}()
}

// nextStep picks the first pending or blocked step in index order
func nextStep(task *v1.TaskRecord) *v1.TaskStep {
	for _, step := range task.Steps {
		if step.Status == v1.StepStatusPending || step.Status == v1.StepStatusBlocked {
			return step
		}
	}
	return nil
}

func findStep(task *v1.TaskRecord, stepID string) *v1.TaskStep {
	for _, step := range task.Steps {
		if step.ID == stepID {
			return step
		}
	}
	return nil
}

func stepAtIndex(task *v1.TaskRecord, index int) *v1.TaskStep {
	if index < 0 || index >= len(task.Steps) {
		return nil
	}
	return task.Steps[index]
}

// newApprovalToken mints a URL-safe token with 128 bits of CSPRNG entropy
func newApprovalToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("approval token entropy unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
