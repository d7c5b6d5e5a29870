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

// Package recovery is the recovery coordinator (C6): on process start, or on
// demand, it verifies agent sessions exist, the bus is running, every
// configured agent has a live bridge, requeues stale pending tasks, and
// fails-and-restarts stale workflow executions.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/hector/pkg/observability"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridge"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridgeadapter"
	"github.com/kadirpekel/hector/pkg/orchestrator/bus"
	"github.com/kadirpekel/hector/pkg/orchestrator/dag"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
)

const (
	defaultStaleTaskThreshold      = 5 * time.Minute
	defaultStaleExecutionThreshold = 10 * time.Minute
)

// AgentConfig is one expected agent session and the bridge that should be
// running against it.
type AgentConfig struct {
	Agent   string
	Session string
	Adapter bridgeadapter.Adapter
	Bridge  bridge.Config
}

// HealthReport is the structured result of HealthCheck, matching the
// spec's per-subsystem report shape.
type HealthReport struct {
	Sessions             map[string]bool `json:"sessions"`
	BusRunning           bool            `json:"bus_running"`
	StoreReachable       bool            `json:"store_reachable"`
	StaleTaskCount       int             `json:"stale_task_count"`
	StaleExecutionCount  int             `json:"stale_execution_count"`
	MissingBridgeCount   int             `json:"missing_bridge_count"`
}

// Healthy reports whether every subsystem the report covers looks normal.
func (r *HealthReport) Healthy() bool {
	if !r.BusRunning || !r.StoreReachable {
		return false
	}
	if r.StaleTaskCount > 0 || r.StaleExecutionCount > 0 || r.MissingBridgeCount > 0 {
		return false
	}
	for _, ok := range r.Sessions {
		if !ok {
			return false
		}
	}
	return true
}

// Coordinator runs the recovery sweep described in spec §4.C6.
type Coordinator struct {
	store  store.Store
	bus    *bus.Bus
	engine *dag.Engine
	agents []AgentConfig
	locker Locker

	staleTaskThreshold      time.Duration
	staleExecutionThreshold time.Duration

	log     *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLocker attaches a distributed Locker so recovery sweeps are
// serialized across hosts. Single-host deployments can omit this.
func WithLocker(l Locker) Option {
	return func(c *Coordinator) { c.locker = l }
}

// WithStaleTaskThreshold overrides the default 5-minute stale task window.
func WithStaleTaskThreshold(d time.Duration) Option {
	return func(c *Coordinator) { c.staleTaskThreshold = d }
}

// WithStaleExecutionThreshold overrides the default 10-minute stale
// execution window.
func WithStaleExecutionThreshold(d time.Duration) Option {
	return func(c *Coordinator) { c.staleExecutionThreshold = d }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics wires Prometheus recording into the bridges the coordinator
// starts during recovery.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a Coordinator over the given store, bus, workflow engine, and
// expected agent set.
func New(s store.Store, b *bus.Bus, engine *dag.Engine, agents []AgentConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:                   s,
		bus:                     b,
		engine:                  engine,
		agents:                  agents,
		locker:                  noopLocker{},
		staleTaskThreshold:      defaultStaleTaskThreshold,
		staleExecutionThreshold: defaultStaleExecutionThreshold,
		log:                     slog.Default(),
		bridges:                 make(map[string]*bridge.Bridge),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "recovery")
	return c
}

// Recover runs the full ordered sweep: sessions, bus, bridges, stale tasks,
// stale executions.
func (c *Coordinator) Recover(ctx context.Context) error {
	unlock, err := c.locker.Lock(ctx)
	if err != nil {
		return fmt.Errorf("recovery: acquire lock: %w", err)
	}
	defer func() {
		if uerr := unlock(ctx); uerr != nil {
			c.log.Error("failed to release recovery lock", "error", uerr)
		}
	}()

	if err := c.recoverSessions(ctx); err != nil {
		return err
	}
	if err := c.recoverBus(ctx); err != nil {
		return err
	}
	if err := c.recoverBridges(ctx); err != nil {
		return err
	}
	if err := c.recoverStaleTasks(ctx); err != nil {
		return err
	}
	if err := c.recoverStaleExecutions(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) recoverSessions(ctx context.Context) error {
	for _, a := range c.agents {
		exists, err := a.Adapter.SessionExists(ctx, a.Session)
		if err != nil {
			return fmt.Errorf("recovery: check session %q: %w", a.Session, err)
		}
		if exists {
			continue
		}
		c.log.Info("creating missing agent session", "agent", a.Agent, "session", a.Session)
		if err := a.Adapter.CreateSession(ctx, a.Session); err != nil {
			return fmt.Errorf("recovery: create session %q: %w", a.Session, err)
		}
	}
	return nil
}

func (c *Coordinator) recoverBus(ctx context.Context) error {
	if c.bus.Running() {
		return nil
	}
	c.log.Info("starting bus")
	return c.bus.Start(ctx)
}

func (c *Coordinator) recoverBridges(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range c.agents {
		br, ok := c.bridges[a.Agent]
		if ok && br.State() != model.AgentStopped {
			continue
		}
		c.log.Info("starting bridge", "agent", a.Agent)
		newBridge := bridge.New(a.Agent, a.Adapter, c.bus, c.store, a.Bridge, c.log, c.metrics)
		if err := newBridge.Start(ctx); err != nil {
			return fmt.Errorf("recovery: start bridge %q: %w", a.Agent, err)
		}
		c.bridges[a.Agent] = newBridge
	}
	return nil
}

// recoverStaleTasks re-publishes any pending task older than the stale
// threshold as a new task carrying OriginalTaskID, and marks the original
// retried.
func (c *Coordinator) recoverStaleTasks(ctx context.Context) error {
	for _, a := range c.agents {
		pending, err := c.store.GetPendingTasks(ctx, a.Agent)
		if err != nil {
			return fmt.Errorf("recovery: get pending tasks for %q: %w", a.Agent, err)
		}
		for _, task := range pending {
			if time.Since(task.CreatedAt) <= c.staleTaskThreshold {
				continue
			}
			if err := c.requeueStaleTask(ctx, task); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) requeueStaleTask(ctx context.Context, stale *model.Task) error {
	successor := &model.Task{
		Agent:          stale.Agent,
		Command:        stale.Command,
		Params:         stale.Params,
		Priority:       stale.Priority,
		Timeout:        stale.Timeout,
		Retry:          stale.Retry,
		CorrelationID:  stale.CorrelationID,
		OriginalTaskID: stale.ID,
		CreatedAt:      time.Now(),
	}
	newID, err := c.bus.PublishTask(ctx, stale.Agent, successor)
	if err != nil {
		return fmt.Errorf("recovery: republish stale task %s: %w", stale.ID, err)
	}
	c.log.Info("requeued stale task", "original_task_id", stale.ID, "new_task_id", newID, "agent", stale.Agent)

	if err := c.store.UpdateTaskStatus(ctx, stale.ID, model.TaskRetried, nil, "superseded by "+newID, ""); err != nil {
		return fmt.Errorf("recovery: mark stale task %s retried: %w", stale.ID, err)
	}
	return nil
}

// recoverStaleExecutions fails any incomplete workflow execution older than
// the stale threshold and starts a fresh run of the same workflow.
func (c *Coordinator) recoverStaleExecutions(ctx context.Context) error {
	incomplete, err := c.store.GetIncompleteExecutions(ctx)
	if err != nil {
		return fmt.Errorf("recovery: get incomplete executions: %w", err)
	}
	for _, exec := range incomplete {
		if time.Since(exec.StartedAt) <= c.staleExecutionThreshold {
			continue
		}
		exec.State = model.ExecutionFailed
		exec.Error = "timeout"
		exec.CompletedAt = time.Now()
		if err := c.store.UpdateWorkflowExecution(ctx, exec); err != nil {
			return fmt.Errorf("recovery: fail stale execution %s: %w", exec.ID, err)
		}
		c.log.Info("failed stale execution", "execution_id", exec.ID, "workflow_id", exec.WorkflowID)

		if c.engine == nil {
			continue
		}
		if _, err := c.engine.Execute(ctx, exec.WorkflowID, exec.Context); err != nil {
			return fmt.Errorf("recovery: restart workflow %s: %w", exec.WorkflowID, err)
		}
	}
	return nil
}

// HealthCheck returns a structured report without taking any recovery
// action.
func (c *Coordinator) HealthCheck(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{Sessions: make(map[string]bool, len(c.agents))}

	for _, a := range c.agents {
		exists, err := a.Adapter.SessionExists(ctx, a.Session)
		if err != nil {
			return nil, fmt.Errorf("recovery: check session %q: %w", a.Session, err)
		}
		report.Sessions[a.Agent] = exists
	}

	report.BusRunning = c.bus.Running()
	report.StoreReachable = c.store.Ping(ctx) == nil

	c.mu.Lock()
	for _, a := range c.agents {
		br, ok := c.bridges[a.Agent]
		if !ok || br.State() == model.AgentStopped {
			report.MissingBridgeCount++
		}
	}
	c.mu.Unlock()

	for _, a := range c.agents {
		pending, err := c.store.GetPendingTasks(ctx, a.Agent)
		if err != nil {
			return nil, fmt.Errorf("recovery: get pending tasks for %q: %w", a.Agent, err)
		}
		for _, task := range pending {
			if time.Since(task.CreatedAt) > c.staleTaskThreshold {
				report.StaleTaskCount++
			}
		}
	}

	incomplete, err := c.store.GetIncompleteExecutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: get incomplete executions: %w", err)
	}
	for _, exec := range incomplete {
		if time.Since(exec.StartedAt) > c.staleExecutionThreshold {
			report.StaleExecutionCount++
		}
	}

	return report, nil
}

// AutoRecover runs a health check and then only the sweep steps covering
// components it found unhealthy.
func (c *Coordinator) AutoRecover(ctx context.Context) (*HealthReport, error) {
	report, err := c.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	if report.Healthy() {
		return report, nil
	}

	unlock, err := c.locker.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: acquire lock: %w", err)
	}
	defer func() {
		if uerr := unlock(ctx); uerr != nil {
			c.log.Error("failed to release recovery lock", "error", uerr)
		}
	}()

	for agent, ok := range report.Sessions {
		if !ok {
			c.log.Info("auto-recovering missing session", "agent", agent)
		}
	}
	if err := c.recoverSessions(ctx); err != nil {
		return nil, err
	}
	if !report.BusRunning {
		if err := c.recoverBus(ctx); err != nil {
			return nil, err
		}
	}
	if report.MissingBridgeCount > 0 {
		if err := c.recoverBridges(ctx); err != nil {
			return nil, err
		}
	}
	if report.StaleTaskCount > 0 {
		if err := c.recoverStaleTasks(ctx); err != nil {
			return nil, err
		}
	}
	if report.StaleExecutionCount > 0 {
		if err := c.recoverStaleExecutions(ctx); err != nil {
			return nil, err
		}
	}
	return c.HealthCheck(ctx)
}
