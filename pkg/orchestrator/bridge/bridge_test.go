package bridge

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hector/pkg/config"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridgeadapter"
	"github.com/kadirpekel/hector/pkg/orchestrator/bus"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
)

func newHarness(t *testing.T) (*bus.Bus, store.Store, *bridgeadapter.Fake) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "bridge.db")
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: dbFile}
	s, err := store.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := bus.New(s)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	return b, s, bridgeadapter.NewFake()
}

func testConfig() Config {
	return Config{
		PollInterval:      10 * time.Millisecond,
		SettleInterval:    5 * time.Millisecond,
		InterLinePause:    time.Millisecond,
		StableSampleCount: 3,
	}
}

// silentEndFake is a Fake that does not echo the task end marker line, so
// its pane looks like a command that is still running.
type silentEndFake struct{ *bridgeadapter.Fake }

func (f silentEndFake) SendCommand(ctx context.Context, session, line string) error {
	if strings.HasPrefix(line, endMarkerPrefix) {
		return nil
	}
	return f.Fake.SendCommand(ctx, session, line)
}

func TestBridge_SuccessfulEcho(t *testing.T) {
	b, s, fake := newHarness(t)

	fake.OnSendCommand = func(session, line string, emit func(string)) {
		if line == "echo hello" {
			emit("hello")
		}
	}

	br := New("agent-a", fake, b, s, testConfig(), nil, nil)
	require.NoError(t, br.Start(context.Background()))
	defer br.Stop(context.Background())

	results := make(chan model.Message, 1)
	sub := b.Subscribe(bus.ResultSubject("t-1"), func(msg model.Message) { results <- msg })
	defer sub.Unsubscribe()

	_, err := b.PublishTask(context.Background(), "agent-a", &model.Task{
		ID: "t-1", Command: "echo hello", Timeout: 2 * time.Second, Retry: model.DefaultRetryPolicy(),
	})
	require.NoError(t, err)

	select {
	case <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
	}

	task, err := b.GetTaskStatus(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, task.State)
	require.NotNil(t, task.Result)
	require.Contains(t, task.Result.RawOutput, "hello")
}

func TestBridge_ErrorSignatureFailsFast(t *testing.T) {
	b, s, fake := newHarness(t)

	fake.OnSendCommand = func(session, line string, emit func(string)) {
		if line == "badcmd" {
			emit("bash: badcmd: command not found")
		}
	}

	br := New("agent-a", fake, b, s, testConfig(), nil, nil)
	require.NoError(t, br.Start(context.Background()))
	defer br.Stop(context.Background())

	results := make(chan model.Message, 1)
	sub := b.Subscribe(bus.ResultSubject("t-2"), func(msg model.Message) { results <- msg })
	defer sub.Unsubscribe()

	_, err := b.PublishTask(context.Background(), "agent-a", &model.Task{
		ID: "t-2", Command: "badcmd", Timeout: 2 * time.Second,
		Retry: model.RetryPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond},
	})
	require.NoError(t, err)

	select {
	case <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
	}

	task, err := b.GetTaskStatus(context.Background(), "t-2")
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, task.State)
}

func TestBridge_TimeoutFailsAfterDeadline(t *testing.T) {
	b, s, fake := newHarness(t)
	// silentEndFake drops the end marker line: it never appears in the pane.

	br := New("agent-a", silentEndFake{fake}, b, s, testConfig(), nil, nil)
	require.NoError(t, br.Start(context.Background()))
	defer br.Stop(context.Background())

	results := make(chan model.Message, 1)
	sub := b.Subscribe(bus.ResultSubject("t-3"), func(msg model.Message) { results <- msg })
	defer sub.Unsubscribe()

	_, err := b.PublishTask(context.Background(), "agent-a", &model.Task{
		ID: "t-3", Command: "sleep 100", Timeout: 50 * time.Millisecond,
		Retry: model.RetryPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond},
	})
	require.NoError(t, err)

	select {
	case <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
	}

	task, err := b.GetTaskStatus(context.Background(), "t-3")
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, task.State)
	require.Equal(t, model.ErrorTimeout, task.ErrorCategory)
}

func TestBridge_RetriesBeforeSucceeding(t *testing.T) {
	b, s, fake := newHarness(t)

	attempts := 0
	fake.OnSendCommand = func(session, line string, emit func(string)) {
		if line == "flaky" {
			attempts++
			if attempts < 2 {
				emit("fatal: transient failure")
			} else {
				emit("ok")
			}
		}
	}

	br := New("agent-a", fake, b, s, testConfig(), nil, nil)
	require.NoError(t, br.Start(context.Background()))
	defer br.Stop(context.Background())

	results := make(chan model.Message, 1)
	sub := b.Subscribe(bus.ResultSubject("t-4"), func(msg model.Message) { results <- msg })
	defer sub.Unsubscribe()

	_, err := b.PublishTask(context.Background(), "agent-a", &model.Task{
		ID: "t-4", Command: "flaky", Timeout: 2 * time.Second,
		Retry: model.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	select {
	case <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
	}

	task, err := b.GetTaskStatus(context.Background(), "t-4")
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, task.State)
	require.GreaterOrEqual(t, attempts, 2)
}
