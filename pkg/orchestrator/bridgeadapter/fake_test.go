package bridgeadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFake_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	exists, err := f.SessionExists(ctx, "agent-a")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, f.CreateSession(ctx, "agent-a"))
	exists, err = f.SessionExists(ctx, "agent-a")
	require.NoError(t, err)
	require.True(t, exists)

	require.Error(t, f.CreateSession(ctx, "agent-a"))

	require.NoError(t, f.KillSession(ctx, "agent-a"))
	exists, err = f.SessionExists(ctx, "agent-a")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFake_SendCommandAndCapture(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	require.NoError(t, f.CreateSession(ctx, "agent-a"))

	require.NoError(t, f.SendCommand(ctx, "agent-a", "### TASK_START:t1"))
	require.NoError(t, f.SendCommand(ctx, "agent-a", "echo hi"))
	f.Emit("agent-a", "hi")
	require.NoError(t, f.SendCommand(ctx, "agent-a", "### TASK_END:t1"))

	out, err := f.CapturePane(ctx, "agent-a")
	require.NoError(t, err)
	require.Contains(t, out, "### TASK_START:t1")
	require.Contains(t, out, "hi")
	require.Contains(t, out, "### TASK_END:t1")
}

func TestFake_OnSendCommandHook(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	require.NoError(t, f.CreateSession(ctx, "agent-a"))

	f.OnSendCommand = func(session, line string, emit func(string)) {
		if line == "trigger" {
			emit("triggered output")
		}
	}

	require.NoError(t, f.SendCommand(ctx, "agent-a", "trigger"))
	out, err := f.CapturePane(ctx, "agent-a")
	require.NoError(t, err)
	require.Contains(t, out, "triggered output")
}

func TestFake_CapturePane_UnknownSession(t *testing.T) {
	f := NewFake()
	_, err := f.CapturePane(context.Background(), "ghost")
	require.Error(t, err)
}
