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

// Package store is the durable persistence layer (tasks, workflows,
// workflow executions, workflow steps, agent status, events) backing the
// orchestrator. The default implementation is a SQL store supporting
// SQLite, PostgreSQL, and MySQL through database/sql, mirroring how
// pkg/agent's SQLTaskService picks a dialect off config.DatabaseConfig.
package store

import (
	"context"
	"errors"

	"github.com/kadirpekel/hector/pkg/orchestrator/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract consumed by the bus, bridge, workflow
// engine, and recovery coordinator. Every method is expected to be atomic;
// the core does not require multi-statement transactions.
type Store interface {
	SaveTask(ctx context.Context, task *model.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, state model.TaskState, result *model.Result, errMsg string, category model.ErrorCategory) error
	// IncrementTaskAttempt bumps a still-running task's attempt counter in
	// place for an in-bridge retry, which reuses the same task row rather
	// than spawning a successor (unlike a recovery-driven requeue, which
	// creates a new task carrying OriginalTaskID).
	IncrementTaskAttempt(ctx context.Context, taskID string) (int, error)
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	GetPendingTasks(ctx context.Context, agent string) ([]*model.Task, error)

	SaveWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, workflowID string) (*model.WorkflowDefinition, error)

	SaveWorkflowExecution(ctx context.Context, exec *model.WorkflowExecution) error
	UpdateWorkflowExecution(ctx context.Context, exec *model.WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, executionID string) (*model.WorkflowExecution, error)
	GetIncompleteExecutions(ctx context.Context) ([]*model.WorkflowExecution, error)

	SaveWorkflowStep(ctx context.Context, executionID string, step *model.StepRecord) error
	UpdateWorkflowStep(ctx context.Context, executionID string, step *model.StepRecord) error

	UpdateAgentStatus(ctx context.Context, agent string, state model.AgentState, details map[string]string) error
	GetAgentStatus(ctx context.Context, agent string) (*model.AgentStatus, error)

	LogEvent(ctx context.Context, eventType, source string, data map[string]any) error

	CleanupOldData(ctx context.Context, olderThanDays int) error

	Ping(ctx context.Context) error
	Close() error
}
