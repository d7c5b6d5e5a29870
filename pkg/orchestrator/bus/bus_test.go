package bus

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hector/pkg/config"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "bus.db")
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: dbFile}
	s, err := store.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := New(s)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"tasks:agent-a", "tasks:agent-a", true},
		{"tasks:*", "tasks:agent-a", true},
		{"tasks:*", "results:t-1", false},
		{"*:*", "events:foo", true},
		{"results:t-1", "results:t-2", false},
		{"tasks:agent-a", "tasks", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, matchSubject(c.pattern, c.subject), "%s vs %s", c.pattern, c.subject)
	}
}

func TestBus_PublishTask_DeliversToSubscriber(t *testing.T) {
	b := newTestBus(t)

	received := make(chan model.Message, 1)
	sub := b.Subscribe(TaskSubject("agent-a"), func(msg model.Message) {
		received <- msg
	})
	defer sub.Unsubscribe()

	taskID, err := b.PublishTask(context.Background(), "agent-a", &model.Task{Command: "echo hi"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	select {
	case msg := <-received:
		require.Equal(t, model.MessageTask, msg.Type)
		task, ok := msg.Payload.(*model.Task)
		require.True(t, ok)
		require.Equal(t, taskID, task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task delivery")
	}

	saved, err := b.GetTaskStatus(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.TaskPending, saved.State)
}

func TestBus_PublishResult_UpdatesStoreAndDelivers(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	taskID, err := b.PublishTask(ctx, "agent-a", &model.Task{Command: "echo hi"})
	require.NoError(t, err)

	received := make(chan model.Message, 1)
	sub := b.Subscribe(ResultSubject(taskID), func(msg model.Message) { received <- msg })
	defer sub.Unsubscribe()

	b.PublishResult(ctx, taskID, &model.Result{RawOutput: "hi", Success: true}, true, "", "")

	select {
	case msg := <-received:
		require.Equal(t, model.MessageResult, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result delivery")
	}

	saved, err := b.GetTaskStatus(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, saved.State)
	require.True(t, saved.Result.Success)
}

func TestBus_Subscribe_Wildcard(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var topics []string
	sub := b.Subscribe("events:*", func(msg model.Message) {
		mu.Lock()
		defer mu.Unlock()
		topics = append(topics, msg.Subject)
	})
	defer sub.Unsubscribe()

	b.BroadcastEvent("deploy", map[string]string{"env": "staging"})
	b.BroadcastEvent("alert", map[string]string{"level": "warn"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) == 2
	}, 2*time.Second, 10*time.Millisecond)
	_ = ctx
}

func TestBus_UpdateAgentStatus(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	received := make(chan model.Message, 1)
	sub := b.Subscribe(StatusSubject("agent-a"), func(msg model.Message) { received <- msg })
	defer sub.Unsubscribe()

	require.NoError(t, b.UpdateAgentStatus(ctx, "agent-a", model.AgentReady, nil))

	select {
	case msg := <-received:
		st, ok := msg.Payload.(model.AgentStatus)
		require.True(t, ok)
		require.Equal(t, model.AgentReady, st.State)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status delivery")
	}
}

func TestBus_Unsubscribe_StopsDelivery(t *testing.T) {
	b := newTestBus(t)

	count := 0
	var mu sync.Mutex
	sub := b.Subscribe("events:*", func(msg model.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.BroadcastEvent("a", nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 10*time.Millisecond)

	sub.Unsubscribe()
	b.BroadcastEvent("b", nil)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestBus_History_Bounded(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "bus-hist.db")
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: dbFile}
	s, err := store.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	b := New(s, WithHistorySize(3))
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	for i := 0; i < 5; i++ {
		b.BroadcastEvent("x", i)
	}
	require.Eventually(t, func() bool {
		return len(b.History()) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestBus_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	b := newTestBus(t)

	panicking := b.Subscribe("events:*", func(msg model.Message) {
		panic("boom")
	})
	defer panicking.Unsubscribe()

	received := make(chan model.Message, 1)
	ok := b.Subscribe("events:*", func(msg model.Message) { received <- msg })
	defer ok.Unsubscribe()

	b.BroadcastEvent("topic", nil)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("panic in one subscriber should not block delivery to others")
	}
}
