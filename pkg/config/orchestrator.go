// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import "fmt"

// OrchestratorConfig configures the multi-agent terminal orchestrator: the
// message bus, per-agent bridges, the workflow engine, the watchdog, and
// the recovery coordinator. It does not import the orchestrator packages
// themselves (that would create an import cycle, since pkg/orchestrator/store
// already depends on this package for DatabaseConfig); cmd/hector converts
// this plain config into the concrete types each package expects.
type OrchestratorConfig struct {
	// Database references an entry in Config.Databases used for task,
	// workflow, and agent-status persistence.
	Database string `yaml:"database"`

	// Agents lists the terminal sessions the orchestrator manages.
	Agents []OrchestratorAgentConfig `yaml:"agents,omitempty"`

	// DefaultTaskTimeoutMS is filled in by SetDefaults (30s when unset), but
	// no orchestrator component reads it: a bridge bounds each attempt by the
	// task's own Timeout, or five minutes when that is zero, and staleness
	// is judged by Recovery.StaleTaskThresholdMS.
	DefaultTaskTimeoutMS int `yaml:"default_task_timeout_ms,omitempty"`

	// DefaultRetry is filled in by SetDefaults, but no orchestrator component
	// reads it: each task carries its own RetryPolicy, and a task whose
	// MaxAttempts is zero runs once with no retry.
	DefaultRetry RetryPolicyConfig `yaml:"default_retry,omitempty"`

	// Bridge holds the polling/settling defaults applied to any agent that
	// does not override them under Agents[].Bridge.
	Bridge BridgeConfig `yaml:"bridge,omitempty"`

	// Watchdog configures per-agent heartbeat timeout detection.
	Watchdog WatchdogConfig `yaml:"watchdog,omitempty"`

	// Recovery configures the startup/periodic recovery sweep.
	Recovery RecoveryConfig `yaml:"recovery,omitempty"`

	// BusWorkers is the number of dispatch workers the message bus runs.
	BusWorkers int `yaml:"bus_workers,omitempty"`

	// BusHistorySize bounds the bus's in-memory recent-message ring buffer.
	BusHistorySize int `yaml:"bus_history_size,omitempty"`

	// StatusAddr, if set, serves the read-only task/health status HTTP
	// surface on this address (e.g. ":8090"). Empty disables it.
	StatusAddr string `yaml:"status_addr,omitempty"`
}

// OrchestratorAgentConfig names one managed terminal session and any
// per-agent overrides.
type OrchestratorAgentConfig struct {
	// Agent is the agent id used to address tasks (tasks:<agent> on the bus).
	Agent string `yaml:"agent"`

	// Session is the terminal session name the adapter manages for this
	// agent. Defaults to Agent if empty.
	Session string `yaml:"session,omitempty"`

	// Bridge overrides the orchestrator-wide bridge defaults for this agent.
	Bridge *BridgeConfig `yaml:"bridge,omitempty"`

	// WatchdogTimeoutMS overrides Watchdog.DefaultTimeoutMS for this agent.
	WatchdogTimeoutMS int `yaml:"watchdog_timeout_ms,omitempty"`

	// AdapterPlugin is the path to an external go-plugin binary implementing
	// bridgeadapter.Adapter for this agent's terminal session (tmux, screen,
	// a PTY manager). A concrete built-in adapter is out of scope; this is
	// the hook a real deployment uses to supply one. Empty means the
	// orchestrator uses its in-memory fake adapter, useful only for
	// smoke-testing the wiring without a real terminal.
	AdapterPlugin string `yaml:"adapter_plugin,omitempty"`
}

// BridgeConfig configures a bridge's output-polling behavior.
type BridgeConfig struct {
	// PollIntervalMS is how often the pane is captured while waiting.
	PollIntervalMS int `yaml:"poll_interval_ms,omitempty"`

	// SettleIntervalMS is how long to wait after the pane clears or the end
	// marker appears before treating output as final.
	SettleIntervalMS int `yaml:"settle_interval_ms,omitempty"`

	// InterLinePauseMS is the pause between lines sent to the session.
	InterLinePauseMS int `yaml:"inter_line_pause_ms,omitempty"`

	// StableSampleCount is the number of consecutive unchanged captures
	// required, with the end marker present, for the secondary success
	// condition.
	StableSampleCount int `yaml:"stable_sample_count,omitempty"`
}

// RetryPolicyConfig configures task retry/backoff.
type RetryPolicyConfig struct {
	MaxAttempts   int `yaml:"max_attempts,omitempty"`
	BackoffBaseMS int `yaml:"backoff_base_ms,omitempty"`
	BackoffCapMS  int `yaml:"backoff_cap_ms,omitempty"`
}

// WatchdogConfig configures heartbeat-timeout detection.
type WatchdogConfig struct {
	// TickIntervalMS is how often the watchdog sweeps for stale heartbeats.
	TickIntervalMS int `yaml:"tick_interval_ms,omitempty"`

	// DefaultTimeoutMS is the per-agent staleness timeout applied unless an
	// agent overrides it via OrchestratorAgentConfig.WatchdogTimeoutMS.
	DefaultTimeoutMS int `yaml:"default_timeout_ms,omitempty"`
}

// RecoveryConfig configures the recovery coordinator's sweep thresholds and
// optional cross-host locking.
type RecoveryConfig struct {
	// StaleTaskThresholdMS is how long after its creation a task may stay
	// pending before it is requeued. Running tasks are not requeued.
	StaleTaskThresholdMS int `yaml:"stale_task_threshold_ms,omitempty"`

	// StaleExecutionThresholdMS is how long a running workflow execution
	// may go without completing before it is failed out.
	StaleExecutionThresholdMS int `yaml:"stale_execution_threshold_ms,omitempty"`

	// Locker selects the distributed-lock backend guarding a recovery
	// sweep against concurrent runs on more than one host: "none" (default,
	// single-host), "etcd", or "zookeeper". All three pass Validate, but
	// cmd/hector builds no etcd or ZooKeeper client: with "etcd" or
	// "zookeeper" its orchestrator commands fail with an error.
	Locker string `yaml:"locker,omitempty"`

	// LockerEndpoints are the etcd or ZooKeeper endpoints for the selected
	// Locker backend. Validate requires them when Locker is not "none";
	// cmd/hector does not read them.
	LockerEndpoints []string `yaml:"locker_endpoints,omitempty"`
}

// SetDefaults applies default values to the orchestrator config and its
// nested sections, mirroring DatabaseConfig.SetDefaults.
func (c *OrchestratorConfig) SetDefaults() {
	if c.DefaultTaskTimeoutMS == 0 {
		c.DefaultTaskTimeoutMS = 30_000
	}
	c.DefaultRetry.setDefaults()
	c.Bridge.setDefaults()
	for i := range c.Agents {
		if c.Agents[i].Session == "" {
			c.Agents[i].Session = c.Agents[i].Agent
		}
		if c.Agents[i].Bridge != nil {
			c.Agents[i].Bridge.setDefaults()
		}
	}
	c.Watchdog.setDefaults()
	c.Recovery.setDefaults()
	if c.BusWorkers == 0 {
		c.BusWorkers = 4
	}
	if c.BusHistorySize == 0 {
		c.BusHistorySize = 1000
	}
	if c.Recovery.Locker == "" {
		c.Recovery.Locker = "none"
	}
}

func (c *RetryPolicyConfig) setDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBaseMS == 0 {
		c.BackoffBaseMS = 2000
	}
	if c.BackoffCapMS == 0 {
		c.BackoffCapMS = 30_000
	}
}

func (c *BridgeConfig) setDefaults() {
	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = 500
	}
	if c.SettleIntervalMS == 0 {
		c.SettleIntervalMS = 500
	}
	if c.InterLinePauseMS == 0 {
		c.InterLinePauseMS = 50
	}
	if c.StableSampleCount == 0 {
		c.StableSampleCount = 3
	}
}

func (c *WatchdogConfig) setDefaults() {
	if c.TickIntervalMS == 0 {
		c.TickIntervalMS = 5000
	}
	if c.DefaultTimeoutMS == 0 {
		c.DefaultTimeoutMS = 90_000
	}
}

func (c *RecoveryConfig) setDefaults() {
	if c.StaleTaskThresholdMS == 0 {
		c.StaleTaskThresholdMS = 5 * 60 * 1000
	}
	if c.StaleExecutionThresholdMS == 0 {
		c.StaleExecutionThresholdMS = 10 * 60 * 1000
	}
}

// Validate checks the orchestrator configuration.
func (c *OrchestratorConfig) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Agent == "" {
			return fmt.Errorf("agent entry missing agent id")
		}
		if seen[a.Agent] {
			return fmt.Errorf("duplicate agent %q", a.Agent)
		}
		seen[a.Agent] = true
	}
	switch c.Recovery.Locker {
	case "none", "etcd", "zookeeper":
	default:
		return fmt.Errorf("recovery.locker: invalid value %q (valid: none, etcd, zookeeper)", c.Recovery.Locker)
	}
	if c.Recovery.Locker != "none" && len(c.Recovery.LockerEndpoints) == 0 {
		return fmt.Errorf("recovery.locker_endpoints is required when recovery.locker is %q", c.Recovery.Locker)
	}
	return nil
}
