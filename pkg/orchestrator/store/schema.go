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

// schemaSQL is compatible with SQLite, PostgreSQL, and MySQL: no
// dialect-specific pragmas, just portable types and IF NOT EXISTS guards.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id VARCHAR(255) PRIMARY KEY,
    agent VARCHAR(255) NOT NULL,
    command TEXT NOT NULL,
    params TEXT,
    priority INTEGER NOT NULL DEFAULT 1,
    timeout_seconds INTEGER NOT NULL DEFAULT 300,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    backoff_base_seconds INTEGER NOT NULL DEFAULT 2,
    backoff_cap_seconds INTEGER NOT NULL DEFAULT 30,
    status VARCHAR(32) NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    result TEXT,
    error TEXT,
    error_category VARCHAR(32),
    correlation_id VARCHAR(255),
    original_task_id VARCHAR(255)
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent);

CREATE TABLE IF NOT EXISTS workflows (
    workflow_id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    definition TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_executions (
    execution_id VARCHAR(255) PRIMARY KEY,
    workflow_id VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    context TEXT,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status);

CREATE TABLE IF NOT EXISTS workflow_steps (
    execution_id VARCHAR(255) NOT NULL,
    step_id VARCHAR(255) NOT NULL,
    name VARCHAR(255),
    agent VARCHAR(255),
    action TEXT,
    status VARCHAR(32) NOT NULL,
    task_id VARCHAR(255),
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    result TEXT,
    error TEXT,
    PRIMARY KEY (execution_id, step_id)
);

CREATE TABLE IF NOT EXISTS agent_status (
    agent VARCHAR(255) PRIMARY KEY,
    status VARCHAR(32) NOT NULL,
    last_task_id VARCHAR(255),
    last_heartbeat TIMESTAMP,
    details TEXT
);
`

// eventsTableSQL creates the append-only events table. The auto-increment
// syntax is the one part of the schema that isn't portable across all three
// dialects, so it is kept separate and chosen by dialect in sqlstore.go.
var eventsTableSQL = map[string]string{
	"sqlite": `
CREATE TABLE IF NOT EXISTS events (
    event_id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type VARCHAR(255) NOT NULL,
    source VARCHAR(255) NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    data TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`,
	"postgres": `
CREATE TABLE IF NOT EXISTS events (
    event_id SERIAL PRIMARY KEY,
    event_type VARCHAR(255) NOT NULL,
    source VARCHAR(255) NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    data TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`,
	"mysql": `
CREATE TABLE IF NOT EXISTS events (
    event_id INTEGER PRIMARY KEY AUTO_INCREMENT,
    event_type VARCHAR(255) NOT NULL,
    source VARCHAR(255) NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    data TEXT
);
`,
}
