package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hector/pkg/config"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridge"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridgeadapter"
	"github.com/kadirpekel/hector/pkg/orchestrator/bus"
	"github.com/kadirpekel/hector/pkg/orchestrator/dag"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
)

func newHarness(t *testing.T) (*bus.Bus, store.Store, *dag.Engine) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "recovery.db")
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: dbFile}
	s, err := store.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := bus.New(s)
	e := dag.New(s, b, nil)
	return b, s, e
}

func bridgeConfig() bridge.Config {
	return bridge.Config{
		PollInterval:      10 * time.Millisecond,
		SettleInterval:    5 * time.Millisecond,
		InterLinePause:    time.Millisecond,
		StableSampleCount: 3,
	}
}

func TestRecover_CreatesMissingSessionsAndStartsBusAndBridges(t *testing.T) {
	b, s, e := newHarness(t)
	fake := bridgeadapter.NewFake()

	c := New(s, b, e, []AgentConfig{
		{Agent: "agent-a", Session: "session-a", Adapter: fake, Bridge: bridgeConfig()},
	})

	require.NoError(t, c.Recover(context.Background()))

	exists, err := fake.SessionExists(context.Background(), "session-a")
	require.NoError(t, err)
	require.True(t, exists)
	require.True(t, b.Running())

	report, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	require.True(t, report.Sessions["agent-a"])
	require.True(t, report.BusRunning)
	require.Equal(t, 0, report.MissingBridgeCount)
}

func TestRecover_RequeuesStaleTask(t *testing.T) {
	b, s, e := newHarness(t)
	fake := bridgeadapter.NewFake()

	c := New(s, b, e, []AgentConfig{
		{Agent: "agent-a", Session: "session-a", Adapter: fake, Bridge: bridgeConfig()},
	}, WithStaleTaskThreshold(time.Millisecond))

	require.NoError(t, s.SaveTask(context.Background(), &model.Task{
		ID: "stale-1", Agent: "agent-a", Command: "echo hi",
		State: model.TaskPending, CreatedAt: time.Now().Add(-time.Hour),
		Retry: model.DefaultRetryPolicy(),
	}))

	require.NoError(t, c.Recover(context.Background()))

	original, err := s.GetTask(context.Background(), "stale-1")
	require.NoError(t, err)
	require.Equal(t, model.TaskRetried, original.State)

	pending, err := s.GetPendingTasks(context.Background(), "agent-a")
	require.NoError(t, err)
	found := false
	for _, task := range pending {
		if task.OriginalTaskID == "stale-1" {
			found = true
		}
	}
	require.True(t, found, "expected a successor task referencing the stale original")
}

func TestRecover_FailsStaleExecution(t *testing.T) {
	b, s, e := newHarness(t)
	fake := bridgeadapter.NewFake()

	c := New(s, b, e, []AgentConfig{
		{Agent: "agent-a", Session: "session-a", Adapter: fake, Bridge: bridgeConfig()},
	}, WithStaleExecutionThreshold(time.Millisecond))

	wfID, err := e.DefineWorkflow(context.Background(), &model.WorkflowDefinition{
		Name: "stale-wf",
		Steps: []model.StepDefinition{
			{ID: "only", Agent: "agent-a", Action: "echo hi", Timeout: time.Second, Retry: model.DefaultRetryPolicy()},
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.SaveWorkflowExecution(context.Background(), &model.WorkflowExecution{
		ID: "exec-1", WorkflowID: wfID, State: model.ExecutionRunning,
		Steps: map[string]*model.StepRecord{
			"only": {StepID: "only", Status: model.StepRunning},
		},
		Context:   map[string]string{},
		StartedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, s.SaveWorkflowStep(context.Background(), "exec-1", &model.StepRecord{StepID: "only", Status: model.StepRunning}))

	require.NoError(t, c.Recover(context.Background()))

	exec, err := s.GetWorkflowExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Equal(t, model.ExecutionFailed, exec.State)
	require.Equal(t, "timeout", exec.Error)
}

func TestHealthReport_Healthy(t *testing.T) {
	r := &HealthReport{Sessions: map[string]bool{"a": true}, BusRunning: true, StoreReachable: true}
	require.True(t, r.Healthy())

	r.StaleTaskCount = 1
	require.False(t, r.Healthy())
}
