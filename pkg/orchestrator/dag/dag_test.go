package dag

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hector/pkg/config"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridge"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridgeadapter"
	"github.com/kadirpekel/hector/pkg/orchestrator/bus"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
)

func newHarness(t *testing.T) (*Engine, *bus.Bus, store.Store, *bridgeadapter.Fake) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "dag.db")
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: dbFile}
	s, err := store.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := bus.New(s)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	e := New(s, b, nil)
	return e, b, s, bridgeadapter.NewFake()
}

func bridgeConfig() bridge.Config {
	return bridge.Config{
		PollInterval:      10 * time.Millisecond,
		SettleInterval:    5 * time.Millisecond,
		InterLinePause:    time.Millisecond,
		StableSampleCount: 3,
	}
}

func startEchoAgent(t *testing.T, agent string, b *bus.Bus, s store.Store, fake *bridgeadapter.Fake, echo string) {
	t.Helper()
	fake.OnSendCommand = func(session, line string, emit func(string)) {
		if line != "clear" && !isMarkerLine(line) {
			emit(echo)
		}
	}
	br := bridge.New(agent, fake, b, s, bridgeConfig(), nil, nil)
	require.NoError(t, br.Start(context.Background()))
	t.Cleanup(func() { _ = br.Stop(context.Background()) })
}

func isMarkerLine(line string) bool {
	return len(line) >= 3 && line[:3] == "###"
}

// silentEndFake is a Fake that does not echo the task end marker line, so
// its pane looks like a command that is still running.
type silentEndFake struct{ *bridgeadapter.Fake }

func (f silentEndFake) SendCommand(ctx context.Context, session, line string) error {
	if strings.HasPrefix(line, "### TASK_END:") {
		return nil
	}
	return f.Fake.SendCommand(ctx, session, line)
}

func TestDefineWorkflow_RejectsCycle(t *testing.T) {
	e, _, _, _ := newHarness(t)

	_, err := e.DefineWorkflow(context.Background(), &model.WorkflowDefinition{
		Name: "cyclic",
		Steps: []model.StepDefinition{
			{ID: "a", Agent: "agent-a", Action: "echo a", DependsOn: []string{"b"}},
			{ID: "b", Agent: "agent-a", Action: "echo b", DependsOn: []string{"a"}},
		},
	})
	require.Error(t, err)
}

func TestDefineWorkflow_RejectsUnknownDependency(t *testing.T) {
	e, _, _, _ := newHarness(t)

	_, err := e.DefineWorkflow(context.Background(), &model.WorkflowDefinition{
		Name: "broken",
		Steps: []model.StepDefinition{
			{ID: "a", Agent: "agent-a", Action: "echo a", DependsOn: []string{"missing"}},
		},
	})
	require.Error(t, err)
}

func TestExecute_EmptyWorkflowCompletesImmediately(t *testing.T) {
	e, _, _, _ := newHarness(t)

	wfID, err := e.DefineWorkflow(context.Background(), &model.WorkflowDefinition{Name: "empty"})
	require.NoError(t, err)

	execID, err := e.Execute(context.Background(), wfID, nil)
	require.NoError(t, err)

	exec, err := e.GetExecutionStatus(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionCompleted, exec.State)
}

func TestExecute_LinearChainSucceeds(t *testing.T) {
	e, b, s, fake := newHarness(t)
	startEchoAgent(t, "agent-a", b, s, fake, "ok")

	wfID, err := e.DefineWorkflow(context.Background(), &model.WorkflowDefinition{
		Name: "chain",
		Steps: []model.StepDefinition{
			{ID: "first", Agent: "agent-a", Action: "echo first", Timeout: 2 * time.Second, Retry: model.DefaultRetryPolicy()},
			{ID: "second", Agent: "agent-a", Action: "echo second", DependsOn: []string{"first"}, Timeout: 2 * time.Second, Retry: model.DefaultRetryPolicy()},
		},
	})
	require.NoError(t, err)

	execID, err := e.Execute(context.Background(), wfID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, err := e.GetExecutionStatus(context.Background(), execID)
		require.NoError(t, err)
		return exec.State == model.ExecutionCompleted
	}, 5*time.Second, 20*time.Millisecond)

	exec, err := e.GetExecutionStatus(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, model.StepCompleted, exec.Steps["first"].Status)
	require.Equal(t, model.StepCompleted, exec.Steps["second"].Status)
}

func TestExecute_FailureSkipsDependents(t *testing.T) {
	e, b, s, fake := newHarness(t)

	fake.OnSendCommand = func(session, line string, emit func(string)) {
		if line == "fail-me" {
			emit("fatal: boom")
		} else if line == "echo sibling" {
			emit("ok")
		}
	}
	br := bridge.New("agent-a", fake, b, s, bridgeConfig(), nil, nil)
	require.NoError(t, br.Start(context.Background()))
	t.Cleanup(func() { _ = br.Stop(context.Background()) })

	wfID, err := e.DefineWorkflow(context.Background(), &model.WorkflowDefinition{
		Name: "diamond",
		Steps: []model.StepDefinition{
			{ID: "root", Agent: "agent-a", Action: "fail-me", Timeout: 2 * time.Second,
				Retry: model.RetryPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}},
			{ID: "dependent", Agent: "agent-a", Action: "echo sibling", DependsOn: []string{"root"}, Timeout: 2 * time.Second, Retry: model.DefaultRetryPolicy()},
		},
	})
	require.NoError(t, err)

	execID, err := e.Execute(context.Background(), wfID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, err := e.GetExecutionStatus(context.Background(), execID)
		require.NoError(t, err)
		return exec.State == model.ExecutionFailed
	}, 5*time.Second, 20*time.Millisecond)

	exec, err := e.GetExecutionStatus(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, model.StepFailed, exec.Steps["root"].Status)
	require.Equal(t, model.StepSkipped, exec.Steps["dependent"].Status)
}

func TestCancel_MarksRemainingStepsSkipped(t *testing.T) {
	e, b, s, fake := newHarness(t)
	// silentEndFake drops the end marker line: the step never completes on its own.
	_ = fake

	wfID, err := e.DefineWorkflow(context.Background(), &model.WorkflowDefinition{
		Name: "stuck",
		Steps: []model.StepDefinition{
			{ID: "never", Agent: "agent-a", Action: "sleep 100", Timeout: time.Hour, Retry: model.DefaultRetryPolicy()},
		},
	})
	require.NoError(t, err)

	br := bridge.New("agent-a", silentEndFake{fake}, b, s, bridgeConfig(), nil, nil)
	require.NoError(t, br.Start(context.Background()))
	t.Cleanup(func() { _ = br.Stop(context.Background()) })

	execID, err := e.Execute(context.Background(), wfID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, err := e.GetExecutionStatus(context.Background(), execID)
		require.NoError(t, err)
		return exec.Steps["never"].Status == model.StepRunning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, e.Cancel(context.Background(), execID))

	exec, err := e.GetExecutionStatus(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionCancelled, exec.State)
	require.Equal(t, model.StepSkipped, exec.Steps["never"].Status)
}
