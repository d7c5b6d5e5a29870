package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hector/pkg/config"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "orchestrator.db")
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: dbFile}
	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore_SaveAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{
		ID:        "task-1",
		Agent:     "agent-a",
		Command:   "echo {msg}",
		Params:    map[string]string{"msg": "hi"},
		Priority:  model.PriorityNormal,
		Timeout:   30 * time.Second,
		Retry:     model.DefaultRetryPolicy(),
		State:     model.TaskPending,
		CreatedAt: time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.SaveTask(ctx, task))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, task.Agent, got.Agent)
	require.Equal(t, task.Command, got.Command)
	require.Equal(t, "hi", got.Params["msg"])
	require.Equal(t, model.TaskPending, got.State)
	require.Equal(t, model.DefaultRetryPolicy(), got.Retry)
}

func TestSQLStore_GetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_UpdateTaskStatus_TerminalIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{
		ID: "task-2", Agent: "agent-a", Command: "echo hi",
		State: model.TaskPending, CreatedAt: time.Now(),
	}
	require.NoError(t, s.SaveTask(ctx, task))
	require.NoError(t, s.UpdateTaskStatus(ctx, "task-2", model.TaskRunning, nil, "", ""))

	got, err := s.GetTask(ctx, "task-2")
	require.NoError(t, err)
	require.Equal(t, model.TaskRunning, got.State)

	result := &model.Result{RawOutput: "hi\n", Success: true}
	require.NoError(t, s.UpdateTaskStatus(ctx, "task-2", model.TaskCompleted, result, "", ""))

	got, err = s.GetTask(ctx, "task-2")
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, got.State)
	require.NotNil(t, got.Result)
	require.True(t, got.Result.Success)

	// Further updates after a terminal state must be ignored.
	require.NoError(t, s.UpdateTaskStatus(ctx, "task-2", model.TaskFailed, nil, "should not apply", model.ErrorSemantic))
	got, err = s.GetTask(ctx, "task-2")
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, got.State)
}

func TestSQLStore_IncrementTaskAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, &model.Task{ID: "r1", Agent: "agent-a", Command: "x", State: model.TaskRunning, CreatedAt: time.Now()}))

	attempt, err := s.IncrementTaskAttempt(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 1, attempt)

	attempt, err = s.IncrementTaskAttempt(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 2, attempt)

	got, err := s.GetTask(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempt)
}

func TestSQLStore_GetPendingTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, &model.Task{ID: "p1", Agent: "agent-a", Command: "x", State: model.TaskPending, Priority: model.PriorityLow, CreatedAt: time.Now()}))
	require.NoError(t, s.SaveTask(ctx, &model.Task{ID: "p2", Agent: "agent-a", Command: "x", State: model.TaskPending, Priority: model.PriorityCritical, CreatedAt: time.Now()}))
	require.NoError(t, s.SaveTask(ctx, &model.Task{ID: "p3", Agent: "agent-b", Command: "x", State: model.TaskPending, CreatedAt: time.Now()}))
	require.NoError(t, s.SaveTask(ctx, &model.Task{ID: "p4", Agent: "agent-a", Command: "x", State: model.TaskRunning, CreatedAt: time.Now()}))

	pending, err := s.GetPendingTasks(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "p2", pending[0].ID) // highest priority first

	all, err := s.GetPendingTasks(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestSQLStore_WorkflowAndExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &model.WorkflowDefinition{
		ID:   "wf-1",
		Name: "deploy",
		Steps: []model.StepDefinition{
			{ID: "build", Agent: "agent-a", Action: "build"},
			{ID: "deploy", Agent: "agent-b", Action: "deploy", DependsOn: []string{"build"}},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, wf.Name, got.Name)
	require.Len(t, got.Steps, 2)
	step, ok := got.StepByID("deploy")
	require.True(t, ok)
	require.Equal(t, []string{"build"}, step.DependsOn)

	exec := &model.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		State:      model.ExecutionRunning,
		Steps: map[string]*model.StepRecord{
			"build": {StepID: "build", Status: model.StepRunning, StartedAt: time.Now()},
		},
		Context:   map[string]string{"env": "staging"},
		StartedAt: time.Now(),
	}
	require.NoError(t, s.SaveWorkflowExecution(ctx, exec))

	gotExec, err := s.GetWorkflowExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, model.ExecutionRunning, gotExec.State)
	require.Equal(t, "staging", gotExec.Context["env"])
	require.Contains(t, gotExec.Steps, "build")

	step2 := gotExec.Steps["build"]
	step2.Status = model.StepCompleted
	step2.CompletedAt = time.Now()
	step2.Result = &model.Result{RawOutput: "ok", Success: true}
	require.NoError(t, s.UpdateWorkflowStep(ctx, "exec-1", step2))

	exec.State = model.ExecutionCompleted
	exec.CompletedAt = time.Now()
	require.NoError(t, s.UpdateWorkflowExecution(ctx, exec))

	gotExec, err = s.GetWorkflowExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, model.ExecutionCompleted, gotExec.State)
	require.Equal(t, model.StepCompleted, gotExec.Steps["build"].Status)
	require.NotNil(t, gotExec.Steps["build"].Result)
}

func TestSQLStore_GetIncompleteExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflowExecution(ctx, &model.WorkflowExecution{ID: "e1", WorkflowID: "wf-1", State: model.ExecutionRunning, StartedAt: time.Now()}))
	require.NoError(t, s.SaveWorkflowExecution(ctx, &model.WorkflowExecution{ID: "e2", WorkflowID: "wf-1", State: model.ExecutionCompleted, StartedAt: time.Now(), CompletedAt: time.Now()}))
	require.NoError(t, s.SaveWorkflowExecution(ctx, &model.WorkflowExecution{ID: "e3", WorkflowID: "wf-1", State: model.ExecutionPending, StartedAt: time.Now()}))

	incomplete, err := s.GetIncompleteExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 2)
}

func TestSQLStore_AgentStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateAgentStatus(ctx, "agent-a", model.AgentReady, map[string]string{"pid": "123"}))
	got, err := s.GetAgentStatus(ctx, "agent-a")
	require.NoError(t, err)
	require.Equal(t, model.AgentReady, got.State)
	require.Equal(t, "123", got.Details["pid"])

	require.NoError(t, s.UpdateAgentStatus(ctx, "agent-a", model.AgentBusy, map[string]string{"task_id": "t-9"}))
	got, err = s.GetAgentStatus(ctx, "agent-a")
	require.NoError(t, err)
	require.Equal(t, model.AgentBusy, got.State)
	require.Equal(t, "t-9", got.LastTaskID)
}

func TestSQLStore_AgentStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgentStatus(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_LogEventAndCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogEvent(ctx, "task_dispatched", "bus", map[string]any{"task_id": "t-1"}))
	require.NoError(t, s.LogEvent(ctx, "task_completed", "bus", map[string]any{"task_id": "t-1"}))

	require.NoError(t, s.SaveTask(ctx, &model.Task{
		ID: "old-task", Agent: "agent-a", Command: "x",
		State: model.TaskCompleted, CreatedAt: time.Now().AddDate(0, 0, -40),
	}))
	require.NoError(t, s.UpdateTaskStatus(ctx, "old-task", model.TaskCompleted, &model.Result{Success: true}, "", ""))

	require.NoError(t, s.CleanupOldData(ctx, 30))
}

func TestSQLStore_Ping(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
