package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hector/pkg/config"
	"github.com/kadirpekel/hector/pkg/orchestrator/bus"
	"github.com/kadirpekel/hector/pkg/orchestrator/dag"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
	"github.com/kadirpekel/hector/pkg/orchestrator/recovery"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
)

func newHarness(t *testing.T) (*bus.Bus, *Server) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "httpapi.db")
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: dbFile}
	s, err := store.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := bus.New(s)
	e := dag.New(s, b, nil)
	coord := recovery.New(s, b, e, nil)
	return b, New(b, coord)
}

func TestHandleTaskStatus_NotFound(t *testing.T) {
	_, srv := newHarness(t)

	req := httptest.NewRequest("GET", "/tasks/missing", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, 404, w.Code)
}

func TestHandleTaskStatus_Found(t *testing.T) {
	b, srv := newHarness(t)

	taskID, err := b.PublishTask(context.Background(), "agent-a", &model.Task{Command: "echo hi"})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/tasks/"+taskID, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var task model.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&task))
	require.Equal(t, taskID, task.ID)
}

func TestHandlePendingTasks(t *testing.T) {
	b, srv := newHarness(t)

	_, err := b.PublishTask(context.Background(), "agent-a", &model.Task{Command: "echo hi"})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/agents/agent-a/tasks", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var tasks []*model.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
}

func TestHandleHealth_NoCoordinator(t *testing.T) {
	_, b := newHarnessNoCoord(t)
	srv := New(b, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
}

func newHarnessNoCoord(t *testing.T) (store.Store, *bus.Bus) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "httpapi-nocoord.db")
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: dbFile}
	s, err := store.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, bus.New(s)
}
