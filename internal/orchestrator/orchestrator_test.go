package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	"github.com/desktopai/desktopai/internal/orchestrator/executor"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// scriptedExecutor returns canned results per action name, recording every
// dispatch. When a script runs out, the executor succeeds.
type scriptedExecutor struct {
	mu      sync.Mutex
	scripts map[string][]*executor.Result
	calls   []string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{scripts: make(map[string][]*executor.Result)}
}

func (e *scriptedExecutor) script(action string, results ...*executor.Result) {
	e.scripts[action] = append(e.scripts[action], results...)
}

func (e *scriptedExecutor) Execute(ctx context.Context, action *v1.Action, objective string, obs *v1.Observation) *executor.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, action.Name)
	if queue := e.scripts[action.Name]; len(queue) > 0 {
		next := queue[0]
		e.scripts[action.Name] = queue[1:]
		return &executor.Result{OK: next.OK, Error: next.Error, Data: map[string]interface{}{}}
	}
	return &executor.Result{OK: true, Data: map[string]interface{}{}}
}

func (e *scriptedExecutor) Status() executor.Status {
	return executor.Status{Name: "scripted", Ready: true}
}

func (e *scriptedExecutor) Preflight(ctx context.Context) error { return nil }

func (e *scriptedExecutor) callCount(action string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == action {
			n++
		}
	}
	return n
}

func newTestOrchestrator(exec executor.ActionExecutor) *Orchestrator {
	return New(exec, nil, Config{RetryCount: 2, RetryDelay: time.Millisecond}, logger.NewNop())
}

func plan(actions ...*v1.Action) []*v1.PlannedStep {
	steps := make([]*v1.PlannedStep, len(actions))
	for i, a := range actions {
		steps[i] = &v1.PlannedStep{Action: a}
	}
	return steps
}

func TestRunTaskCompletesPlan(t *testing.T) {
	exec := newScriptedExecutor()
	o := newTestOrchestrator(exec)

	task := o.CreateTask("open notes and read")
	if task.Status != v1.TaskStatusCreated {
		t.Fatalf("expected created, got %s", task.Status)
	}

	if _, err := o.SetPlan(task.ID, plan(
		&v1.Action{Name: "capture_state"},
		&v1.Action{Name: "focus_control"},
	)); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	result, err := o.RunTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if result.Status != v1.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.CurrentStepIndex != nil {
		t.Error("completed task must clear current_step_index")
	}
	for _, step := range result.Steps {
		if step.Status != v1.StepStatusSucceeded {
			t.Errorf("step %d: expected succeeded, got %s", step.Index, step.Status)
		}
		if step.StartedAt == nil || step.FinishedAt == nil {
			t.Errorf("step %d: missing timestamps", step.Index)
		}
	}
}

func TestRunTaskEmptyPlan(t *testing.T) {
	o := newTestOrchestrator(newScriptedExecutor())
	task := o.CreateTask("no plan")
	_, err := o.RunTask(context.Background(), task.ID)
	if !errors.IsPreconditionFailed(err) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
}

func TestIrreversibleStepBlocksForApproval(t *testing.T) {
	exec := newScriptedExecutor()
	o := newTestOrchestrator(exec)

	task := o.CreateTask("send the message")
	o.SetPlan(task.ID, plan(
		&v1.Action{Name: "capture_state"},
		&v1.Action{Name: "press_submit", Irreversible: true},
	))

	result, err := o.RunTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if result.Status != v1.TaskStatusWaitingApproval {
		t.Fatalf("expected waiting_approval, got %s", result.Status)
	}
	if result.ApprovalToken == nil || *result.ApprovalToken == "" {
		t.Fatal("expected an approval token")
	}
	if len(*result.ApprovalToken) < 16 {
		t.Errorf("token too short: %d chars", len(*result.ApprovalToken))
	}
	if result.Steps[1].Status != v1.StepStatusBlocked {
		t.Errorf("expected blocked step, got %s", result.Steps[1].Status)
	}
	if exec.callCount("press_submit") != 0 {
		t.Error("irreversible action must not be dispatched before approval")
	}
}

func TestApproveWithWrongToken(t *testing.T) {
	o := newTestOrchestrator(newScriptedExecutor())
	task := o.CreateTask("send the message")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "press_submit", Irreversible: true}))
	blocked, _ := o.RunTask(context.Background(), task.ID)

	_, err := o.Approve(task.ID, "not-the-token")
	if !errors.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	// State must be unchanged: still waiting, same token
	after, _ := o.GetTask(task.ID)
	if after.Status != v1.TaskStatusWaitingApproval {
		t.Errorf("rejected approval must not change status, got %s", after.Status)
	}
	if after.ApprovalToken == nil || *after.ApprovalToken != *blocked.ApprovalToken {
		t.Error("rejected approval must not rotate the token")
	}
}

func TestApproveUnblocksAndCompletes(t *testing.T) {
	exec := newScriptedExecutor()
	o := newTestOrchestrator(exec)
	task := o.CreateTask("send the message")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "press_submit", Irreversible: true}))
	blocked, _ := o.RunTask(context.Background(), task.ID)

	approved, err := o.Approve(task.ID, *blocked.ApprovalToken)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != v1.TaskStatusPlanned {
		t.Fatalf("expected planned after approve, got %s", approved.Status)
	}
	if approved.ApprovalToken != nil {
		t.Error("approve must clear the token")
	}
	if approved.Steps[0].Status != v1.StepStatusPending || !approved.Steps[0].Approved {
		t.Error("approved step must return to pending with approved=true")
	}

	final, err := o.RunTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("RunTask after approve: %v", err)
	}
	if final.Status != v1.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if exec.callCount("press_submit") != 1 {
		t.Errorf("expected exactly one dispatch, got %d", exec.callCount("press_submit"))
	}
}

func TestApprovalTokensAreUnique(t *testing.T) {
	o := newTestOrchestrator(newScriptedExecutor())
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		task := o.CreateTask("send")
		o.SetPlan(task.ID, plan(&v1.Action{Name: "press_submit", Irreversible: true}))
		blocked, _ := o.RunTask(context.Background(), task.ID)
		if blocked.ApprovalToken == nil {
			t.Fatal("missing token")
		}
		if seen[*blocked.ApprovalToken] {
			t.Fatal("duplicate approval token")
		}
		seen[*blocked.ApprovalToken] = true
	}
}

func TestRetryThenSuccess(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("click", &executor.Result{OK: false, Error: "transient focus loss"})
	o := newTestOrchestrator(exec)

	task := o.CreateTask("click the button")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "click"}))

	result, err := o.RunTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if result.Status != v1.TaskStatusCompleted {
		t.Fatalf("expected completed after retry, got %s", result.Status)
	}
	if exec.callCount("click") != 2 {
		t.Errorf("expected 2 attempts, got %d", exec.callCount("click"))
	}
	if got := result.Steps[0].LastResult["attempts"]; got != 2 {
		t.Errorf("expected attempts=2 in result mapping, got %v", got)
	}
}

func TestUnsupportedActionIsNotRetried(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("fly",
		&executor.Result{OK: false, Error: `unsupported action "fly" for simulated executor`},
		&executor.Result{OK: false, Error: `unsupported action "fly" for simulated executor`},
	)
	o := newTestOrchestrator(exec)

	task := o.CreateTask("do the impossible")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "fly"}))

	result, err := o.RunTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if result.Status != v1.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if exec.callCount("fly") != 1 {
		t.Errorf("unsupported action must be attempted exactly once, got %d", exec.callCount("fly"))
	}
	if got := result.Steps[0].LastResult["attempts"]; got != 1 {
		t.Errorf("expected attempts=1, got %v", got)
	}
	if result.LastError == "" {
		t.Error("failed task must carry last_error")
	}
}

func TestFailedTaskIsSticky(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("click",
		&executor.Result{OK: false, Error: "unsupported action"},
	)
	o := newTestOrchestrator(exec)
	task := o.CreateTask("click")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "click"}))
	o.RunTask(context.Background(), task.ID)

	if _, err := o.RunTask(context.Background(), task.ID); !errors.IsPreconditionFailed(err) {
		t.Errorf("run on failed task: expected precondition failure, got %v", err)
	}
	if _, err := o.Cancel(task.ID); !errors.IsPreconditionFailed(err) {
		t.Errorf("cancel on failed task: expected precondition failure, got %v", err)
	}
	if _, err := o.SetPlan(task.ID, plan(&v1.Action{Name: "click"})); !errors.IsPreconditionFailed(err) {
		t.Errorf("replan on failed task: expected precondition failure, got %v", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	o := newTestOrchestrator(newScriptedExecutor())
	task := o.CreateTask("pausable")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "capture_state"}))

	paused, err := o.Pause(task.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != v1.TaskStatusPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}

	// RunTask on a paused task is a no-op snapshot, not an error
	snap, err := o.RunTask(context.Background(), task.ID)
	if err != nil || snap.Status != v1.TaskStatusPaused {
		t.Fatalf("run on paused task: got %v, %v", snap.Status, err)
	}

	resumed, err := o.Resume(task.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != v1.TaskStatusPlanned {
		t.Fatalf("expected planned after resume, got %s", resumed.Status)
	}

	final, err := o.RunTask(context.Background(), task.ID)
	if err != nil || final.Status != v1.TaskStatusCompleted {
		t.Fatalf("expected completed, got %v, %v", final.Status, err)
	}
}

func TestCancelClearsToken(t *testing.T) {
	o := newTestOrchestrator(newScriptedExecutor())
	task := o.CreateTask("send")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "press_submit", Irreversible: true}))
	o.RunTask(context.Background(), task.ID)

	cancelled, err := o.Cancel(task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != v1.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.ApprovalToken != nil {
		t.Error("cancel must clear the approval token")
	}
}

func TestSnapshotsAreClones(t *testing.T) {
	o := newTestOrchestrator(newScriptedExecutor())
	task := o.CreateTask("clone safety")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "capture_state", Parameters: map[string]interface{}{"k": "v"}}))

	snap, _ := o.GetTask(task.ID)
	snap.Objective = "mutated"
	snap.Steps[0].Action.Parameters["k"] = "mutated"
	snap.Steps[0].Status = v1.StepStatusFailed

	fresh, _ := o.GetTask(task.ID)
	if fresh.Objective != "clone safety" {
		t.Error("mutating a snapshot leaked into internal state")
	}
	if fresh.Steps[0].Action.Parameters["k"] != "v" {
		t.Error("mutating snapshot parameters leaked into internal state")
	}
	if fresh.Steps[0].Status != v1.StepStatusPending {
		t.Error("mutating snapshot step status leaked into internal state")
	}
}

func TestUpdateCallbackReceivesTransitions(t *testing.T) {
	o := newTestOrchestrator(newScriptedExecutor())

	var mu sync.Mutex
	var statuses []v1.TaskStatus
	o.SetUpdateFunc(func(task *v1.TaskRecord) {
		mu.Lock()
		statuses = append(statuses, task.Status)
		mu.Unlock()
	})

	task := o.CreateTask("observable")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "capture_state"}))
	o.RunTask(context.Background(), task.ID)
	o.DrainUpdates()

	mu.Lock()
	defer mu.Unlock()
	var sawCompleted bool
	for _, s := range statuses {
		if s == v1.TaskStatusCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Errorf("update callback never saw completed, statuses=%v", statuses)
	}
}

func TestUpdateCallbackMayReadBack(t *testing.T) {
	// Callbacks run off the task locks, so reading orchestrator state from
	// inside one must not deadlock.
	o := newTestOrchestrator(newScriptedExecutor())

	var mu sync.Mutex
	reads := 0
	o.SetUpdateFunc(func(task *v1.TaskRecord) {
		if _, err := o.GetTask(task.ID); err != nil {
			t.Errorf("GetTask from callback: %v", err)
		}
		if len(o.ListTasks()) == 0 {
			t.Error("ListTasks from callback returned nothing")
		}
		mu.Lock()
		reads++
		mu.Unlock()
	})

	task := o.CreateTask("re-entrant reads")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "capture_state"}))
	if _, err := o.RunTask(context.Background(), task.ID); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	o.DrainUpdates()

	mu.Lock()
	defer mu.Unlock()
	if reads == 0 {
		t.Error("callback never ran")
	}
}

func TestHydrateRewritesInFlightTasks(t *testing.T) {
	o := newTestOrchestrator(newScriptedExecutor())

	token := "stale-token"
	snapshots := []*v1.TaskRecord{
		{ID: "t-running", Objective: "a", Status: v1.TaskStatusRunning},
		{ID: "t-waiting", Objective: "b", Status: v1.TaskStatusWaitingApproval, ApprovalToken: &token},
		{ID: "t-done", Objective: "c", Status: v1.TaskStatusCompleted},
		{ID: "t-planned", Objective: "d", Status: v1.TaskStatusPlanned},
	}
	o.HydrateTasks(snapshots)

	for _, id := range []string{"t-running", "t-waiting"} {
		task, err := o.GetTask(id)
		if err != nil {
			t.Fatalf("GetTask(%s): %v", id, err)
		}
		if task.Status != v1.TaskStatusFailed {
			t.Errorf("%s: expected failed, got %s", id, task.Status)
		}
		if task.LastError != "task restored after restart" {
			t.Errorf("%s: unexpected last_error %q", id, task.LastError)
		}
		if task.ApprovalToken != nil {
			t.Errorf("%s: hydration must clear the approval token", id)
		}
	}

	done, _ := o.GetTask("t-done")
	if done.Status != v1.TaskStatusCompleted {
		t.Errorf("terminal task must hydrate unchanged, got %s", done.Status)
	}
	planned, _ := o.GetTask("t-planned")
	if planned.Status != v1.TaskStatusPlanned {
		t.Errorf("planned task must hydrate unchanged, got %s", planned.Status)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	exec := newScriptedExecutor()
	o := newTestOrchestrator(exec)
	task := o.CreateTask("slow")
	o.SetPlan(task.ID, plan(&v1.Action{Name: "press_submit", Irreversible: true}))
	blocked, _ := o.RunTask(context.Background(), task.ID)
	o.Approve(task.ID, *blocked.ApprovalToken)

	// Two concurrent advances: exactly one proceeds
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.RunTask(context.Background(), task.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var rejected int
	for err := range errs {
		if errors.IsPreconditionFailed(err) {
			rejected++
		} else if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if rejected > 1 {
		t.Errorf("both advances rejected, rejected=%d", rejected)
	}
	final, _ := o.GetTask(task.ID)
	if final.Status != v1.TaskStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
}
