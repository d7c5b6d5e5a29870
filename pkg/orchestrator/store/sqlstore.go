// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/hector/pkg/config"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
)

// SQLStore is the default Store implementation, backed by database/sql.
// It supports SQLite, PostgreSQL, and MySQL, selected by cfg.Driver,
// mirroring pkg/agent's SQLTaskService dialect handling.
type SQLStore struct {
	db      *sql.DB
	dialect string
	log     *slog.Logger
}

// Open creates a SQLStore from a database config and initializes its schema.
func Open(ctx context.Context, cfg *config.DatabaseConfig, log *slog.Logger) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store: database config is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid database config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", cfg.Driver, err)
	}

	dialect := cfg.Driver
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}

	s := &SQLStore{db: db, dialect: dialect, log: log.With("component", "store")}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	eventsSQL, ok := eventsTableSQL[s.dialect]
	if !ok {
		eventsSQL = eventsTableSQL["sqlite"]
	}
	if _, err := s.db.ExecContext(ctx, eventsSQL); err != nil {
		return fmt.Errorf("store: init events table: %w", err)
	}
	return nil
}

// placeholder returns the i-th (1-indexed) bind placeholder for the store's
// dialect: "?" for SQLite/MySQL, "$N" for PostgreSQL.
func (s *SQLStore) placeholder(i int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// --- tasks -----------------------------------------------------------------

func (s *SQLStore) SaveTask(ctx context.Context, t *model.Task) error {
	paramsJSON, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("store: marshal task params: %w", err)
	}
	var resultJSON []byte
	if t.Result != nil {
		if resultJSON, err = json.Marshal(t.Result); err != nil {
			return fmt.Errorf("store: marshal task result: %w", err)
		}
	}

	query := s.rebind(`
INSERT INTO tasks (
    task_id, agent, command, params, priority, timeout_seconds,
    max_attempts, backoff_base_seconds, backoff_cap_seconds,
    status, attempt, created_at, started_at, completed_at,
    result, error, error_category, correlation_id, original_task_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.Agent, t.Command, string(paramsJSON), int(t.Priority), int(t.Timeout.Seconds()),
		t.Retry.MaxAttempts, int(t.Retry.BackoffBase.Seconds()), int(t.Retry.BackoffCap.Seconds()),
		string(t.State), t.Attempt, nullableTime(t.CreatedAt), nullableTime(t.StartedAt), nullableTime(t.CompletedAt),
		nullableString(string(resultJSON)), nullableString(t.Error), nullableString(string(t.ErrorCategory)),
		nullableString(t.CorrelationID), nullableString(t.OriginalTaskID),
	)
	if err != nil {
		return fmt.Errorf("store: save task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTaskStatus performs a monotone status transition: it is a no-op if
// the task is already terminal, matching the spec's idempotence law.
func (s *SQLStore) UpdateTaskStatus(ctx context.Context, taskID string, state model.TaskState, result *model.Result, errMsg string, category model.ErrorCategory) error {
	existing, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if existing.State.IsTerminal() {
		s.log.Debug("ignoring status update on terminal task", "task_id", taskID, "state", existing.State)
		return nil
	}

	var resultJSON []byte
	if result != nil {
		if resultJSON, err = json.Marshal(result); err != nil {
			return fmt.Errorf("store: marshal result: %w", err)
		}
	}

	now := time.Now()
	var startedAt, completedAt any
	switch state {
	case model.TaskRunning:
		startedAt = now
	case model.TaskCompleted, model.TaskFailed, model.TaskRetried, model.TaskCancelled:
		completedAt = now
	}

	query := s.rebind(`UPDATE tasks SET status = ?, result = COALESCE(?, result), error = ?, error_category = ?`)
	args := []any{string(state), nullableString(string(resultJSON)), nullableString(errMsg), nullableString(string(category))}
	if startedAt != nil {
		query += `, started_at = ?`
		args = append(args, startedAt)
	}
	if completedAt != nil {
		query += `, completed_at = ?`
		args = append(args, completedAt)
	}
	query += ` WHERE task_id = ?`
	args = append(args, taskID)

	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("store: update task status %s: %w", taskID, err)
	}
	return nil
}

func (s *SQLStore) IncrementTaskAttempt(ctx context.Context, taskID string) (int, error) {
	existing, err := s.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	attempt := existing.Attempt + 1
	query := s.rebind(`UPDATE tasks SET attempt = ? WHERE task_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, attempt, taskID); err != nil {
		return 0, fmt.Errorf("store: increment task attempt %s: %w", taskID, err)
	}
	return attempt, nil
}

func (s *SQLStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	query := s.rebind(`
SELECT task_id, agent, command, params, priority, timeout_seconds,
       max_attempts, backoff_base_seconds, backoff_cap_seconds,
       status, attempt, created_at, started_at, completed_at,
       result, error, error_category, correlation_id, original_task_id
FROM tasks WHERE task_id = ?
`)
	row := s.db.QueryRowContext(ctx, query, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", taskID, err)
	}
	return t, nil
}

func (s *SQLStore) GetPendingTasks(ctx context.Context, agent string) ([]*model.Task, error) {
	query := `
SELECT task_id, agent, command, params, priority, timeout_seconds,
       max_attempts, backoff_base_seconds, backoff_cap_seconds,
       status, attempt, created_at, started_at, completed_at,
       result, error, error_category, correlation_id, original_task_id
FROM tasks WHERE status = 'pending'`
	args := []any{}
	if agent != "" {
		query += fmt.Sprintf(" AND agent = %s", s.placeholder(1))
		args = append(args, agent)
	}
	query += " ORDER BY priority DESC, created_at ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: get pending tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan pending task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                                           model.Task
		paramsJSON, resultJSON, errCategory         sql.NullString
		correlationID, originalTaskID               sql.NullString
		errMsg                                      sql.NullString
		priority, timeoutSec, maxAttempts           int
		backoffBaseSec, backoffCapSec               int
		startedAt, completedAt                      sql.NullTime
	)
	if err := row.Scan(
		&t.ID, &t.Agent, &t.Command, &paramsJSON, &priority, &timeoutSec,
		&maxAttempts, &backoffBaseSec, &backoffCapSec,
		&t.State, &t.Attempt, &t.CreatedAt, &startedAt, &completedAt,
		&resultJSON, &errMsg, &errCategory, &correlationID, &originalTaskID,
	); err != nil {
		return nil, err
	}

	t.Priority = model.Priority(priority)
	t.Timeout = time.Duration(timeoutSec) * time.Second
	t.Retry = model.RetryPolicy{
		MaxAttempts: maxAttempts,
		BackoffBase: time.Duration(backoffBaseSec) * time.Second,
		BackoffCap:  time.Duration(backoffCapSec) * time.Second,
	}
	if startedAt.Valid {
		t.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &t.Params)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var r model.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err == nil {
			t.Result = &r
		}
	}
	t.Error = errMsg.String
	t.ErrorCategory = model.ErrorCategory(errCategory.String)
	t.CorrelationID = correlationID.String
	t.OriginalTaskID = originalTaskID.String
	return &t, nil
}

// --- workflows ---------------------------------------------------------------

func (s *SQLStore) SaveWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("store: marshal workflow definition: %w", err)
	}
	query := s.rebind(`INSERT INTO workflows (workflow_id, name, description, definition, created_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, wf.ID, wf.Name, wf.Description, string(def), nullableTime(wf.CreatedAt)); err != nil {
		return fmt.Errorf("store: save workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, workflowID string) (*model.WorkflowDefinition, error) {
	query := s.rebind(`SELECT definition FROM workflows WHERE workflow_id = ?`)
	var def string
	if err := s.db.QueryRowContext(ctx, query, workflowID).Scan(&def); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get workflow %s: %w", workflowID, err)
	}
	var wf model.WorkflowDefinition
	if err := json.Unmarshal([]byte(def), &wf); err != nil {
		return nil, fmt.Errorf("store: unmarshal workflow %s: %w", workflowID, err)
	}
	return &wf, nil
}

// --- workflow executions -----------------------------------------------------

func (s *SQLStore) SaveWorkflowExecution(ctx context.Context, exec *model.WorkflowExecution) error {
	ctxJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("store: marshal execution context: %w", err)
	}
	query := s.rebind(`
INSERT INTO workflow_executions (execution_id, workflow_id, status, started_at, completed_at, context, error)
VALUES (?, ?, ?, ?, ?, ?, ?)
`)
	_, err = s.db.ExecContext(ctx, query, exec.ID, exec.WorkflowID, string(exec.State),
		nullableTime(exec.StartedAt), nullableTime(exec.CompletedAt), string(ctxJSON), nullableString(exec.Error))
	if err != nil {
		return fmt.Errorf("store: save execution %s: %w", exec.ID, err)
	}
	for _, step := range exec.Steps {
		if err := s.SaveWorkflowStep(ctx, exec.ID, step); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) UpdateWorkflowExecution(ctx context.Context, exec *model.WorkflowExecution) error {
	ctxJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("store: marshal execution context: %w", err)
	}
	query := s.rebind(`
UPDATE workflow_executions SET status = ?, started_at = ?, completed_at = ?, context = ?, error = ?
WHERE execution_id = ?
`)
	_, err = s.db.ExecContext(ctx, query, string(exec.State), nullableTime(exec.StartedAt),
		nullableTime(exec.CompletedAt), string(ctxJSON), nullableString(exec.Error), exec.ID)
	if err != nil {
		return fmt.Errorf("store: update execution %s: %w", exec.ID, err)
	}
	return nil
}

func (s *SQLStore) GetWorkflowExecution(ctx context.Context, executionID string) (*model.WorkflowExecution, error) {
	query := s.rebind(`SELECT execution_id, workflow_id, status, started_at, completed_at, context, error FROM workflow_executions WHERE execution_id = ?`)
	row := s.db.QueryRowContext(ctx, query, executionID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get execution %s: %w", executionID, err)
	}
	exec.Steps, err = s.getSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *SQLStore) GetIncompleteExecutions(ctx context.Context) ([]*model.WorkflowExecution, error) {
	query := `
SELECT execution_id, workflow_id, status, started_at, completed_at, context, error
FROM workflow_executions WHERE status IN ('pending', 'running') ORDER BY started_at ASC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("store: get incomplete executions: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan execution: %w", err)
		}
		exec.Steps, err = s.getSteps(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*model.WorkflowExecution, error) {
	var (
		exec                    model.WorkflowExecution
		ctxJSON                 sql.NullString
		errMsg                  sql.NullString
		startedAt, completedAt  sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.State, &startedAt, &completedAt, &ctxJSON, &errMsg); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		exec.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = completedAt.Time
	}
	exec.Error = errMsg.String
	exec.Context = map[string]string{}
	if ctxJSON.Valid && ctxJSON.String != "" {
		_ = json.Unmarshal([]byte(ctxJSON.String), &exec.Context)
	}
	exec.Steps = map[string]*model.StepRecord{}
	return &exec, nil
}

// --- workflow steps -----------------------------------------------------------

func (s *SQLStore) SaveWorkflowStep(ctx context.Context, executionID string, step *model.StepRecord) error {
	var resultJSON []byte
	if step.Result != nil {
		var err error
		if resultJSON, err = json.Marshal(step.Result); err != nil {
			return fmt.Errorf("store: marshal step result: %w", err)
		}
	}
	query := s.rebind(`
INSERT INTO workflow_steps (execution_id, step_id, status, task_id, started_at, completed_at, result, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query, executionID, step.StepID, string(step.Status), step.TaskID,
		nullableTime(step.StartedAt), nullableTime(step.CompletedAt), nullableString(string(resultJSON)), nullableString(step.Error))
	if err != nil {
		return fmt.Errorf("store: save step %s/%s: %w", executionID, step.StepID, err)
	}
	return nil
}

func (s *SQLStore) UpdateWorkflowStep(ctx context.Context, executionID string, step *model.StepRecord) error {
	var resultJSON []byte
	if step.Result != nil {
		var err error
		if resultJSON, err = json.Marshal(step.Result); err != nil {
			return fmt.Errorf("store: marshal step result: %w", err)
		}
	}
	query := s.rebind(`
UPDATE workflow_steps SET status = ?, task_id = ?, started_at = ?, completed_at = ?, result = ?, error = ?
WHERE execution_id = ? AND step_id = ?
`)
	_, err := s.db.ExecContext(ctx, query, string(step.Status), step.TaskID, nullableTime(step.StartedAt),
		nullableTime(step.CompletedAt), nullableString(string(resultJSON)), nullableString(step.Error), executionID, step.StepID)
	if err != nil {
		return fmt.Errorf("store: update step %s/%s: %w", executionID, step.StepID, err)
	}
	return nil
}

func (s *SQLStore) getSteps(ctx context.Context, executionID string) (map[string]*model.StepRecord, error) {
	query := s.rebind(`SELECT step_id, status, task_id, started_at, completed_at, result, error FROM workflow_steps WHERE execution_id = ?`)
	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: get steps for %s: %w", executionID, err)
	}
	defer rows.Close()

	out := map[string]*model.StepRecord{}
	for rows.Next() {
		var (
			step                   model.StepRecord
			taskID, resultJSON     sql.NullString
			errMsg                 sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&step.StepID, &step.Status, &taskID, &startedAt, &completedAt, &resultJSON, &errMsg); err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		step.TaskID = taskID.String
		step.Error = errMsg.String
		if startedAt.Valid {
			step.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = completedAt.Time
		}
		if resultJSON.Valid && resultJSON.String != "" {
			var r model.Result
			if err := json.Unmarshal([]byte(resultJSON.String), &r); err == nil {
				step.Result = &r
			}
		}
		out[step.StepID] = &step
	}
	return out, rows.Err()
}

// --- agent status ---------------------------------------------------------

func (s *SQLStore) UpdateAgentStatus(ctx context.Context, agent string, state model.AgentState, details map[string]string) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("store: marshal agent status details: %w", err)
	}
	now := time.Now()

	var lastTaskID string
	if details != nil {
		lastTaskID = details["task_id"]
	}

	upsert := s.upsertAgentStatusSQL()
	if _, err := s.db.ExecContext(ctx, upsert, agent, string(state), nullableString(lastTaskID), now, string(detailsJSON)); err != nil {
		return fmt.Errorf("store: update agent status %s: %w", agent, err)
	}
	return nil
}

func (s *SQLStore) upsertAgentStatusSQL() string {
	switch s.dialect {
	case "postgres":
		return `
INSERT INTO agent_status (agent, status, last_task_id, last_heartbeat, details)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (agent) DO UPDATE SET status = EXCLUDED.status, last_task_id = EXCLUDED.last_task_id,
    last_heartbeat = EXCLUDED.last_heartbeat, details = EXCLUDED.details
`
	case "mysql":
		return `
INSERT INTO agent_status (agent, status, last_task_id, last_heartbeat, details)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE status = VALUES(status), last_task_id = VALUES(last_task_id),
    last_heartbeat = VALUES(last_heartbeat), details = VALUES(details)
`
	default: // sqlite
		return `
INSERT INTO agent_status (agent, status, last_task_id, last_heartbeat, details)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(agent) DO UPDATE SET status = excluded.status, last_task_id = excluded.last_task_id,
    last_heartbeat = excluded.last_heartbeat, details = excluded.details
`
	}
}

func (s *SQLStore) GetAgentStatus(ctx context.Context, agent string) (*model.AgentStatus, error) {
	query := s.rebind(`SELECT agent, status, last_task_id, last_heartbeat, details FROM agent_status WHERE agent = ?`)
	var (
		st                model.AgentStatus
		lastTaskID        sql.NullString
		lastHeartbeat     sql.NullTime
		detailsJSON       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, agent).Scan(&st.Agent, &st.State, &lastTaskID, &lastHeartbeat, &detailsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent status %s: %w", agent, err)
	}
	st.LastTaskID = lastTaskID.String
	if lastHeartbeat.Valid {
		st.LastHeartbeat = lastHeartbeat.Time
	}
	st.Details = map[string]string{}
	if detailsJSON.Valid && detailsJSON.String != "" {
		_ = json.Unmarshal([]byte(detailsJSON.String), &st.Details)
	}
	return &st, nil
}

// --- events -----------------------------------------------------------------

func (s *SQLStore) LogEvent(ctx context.Context, eventType, source string, data map[string]any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: marshal event data: %w", err)
	}
	query := s.rebind(`INSERT INTO events (event_type, source, timestamp, data) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, eventType, source, time.Now(), string(dataJSON)); err != nil {
		return fmt.Errorf("store: log event: %w", err)
	}
	return nil
}

// --- cleanup ------------------------------------------------------------------

func (s *SQLStore) CleanupOldData(ctx context.Context, olderThanDays int) error {
	if olderThanDays <= 0 {
		return fmt.Errorf("store: olderThanDays must be positive")
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	terminalStates := []string{string(model.TaskCompleted), string(model.TaskFailed), string(model.TaskCancelled), string(model.TaskRetried)}
	placeholders := ""
	args := []any{cutoff}
	for i, st := range terminalStates {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += s.placeholder(i + 2)
		args = append(args, st)
	}
	taskQuery := s.rebind(fmt.Sprintf(`DELETE FROM tasks WHERE completed_at < ? AND status IN (%s)`, placeholders))
	if _, err := s.db.ExecContext(ctx, taskQuery, args...); err != nil {
		return fmt.Errorf("store: cleanup tasks: %w", err)
	}

	eventQuery := s.rebind(`DELETE FROM events WHERE timestamp < ?`)
	if _, err := s.db.ExecContext(ctx, eventQuery, cutoff); err != nil {
		return fmt.Errorf("store: cleanup events: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
