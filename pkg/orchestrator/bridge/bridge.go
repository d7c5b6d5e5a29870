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

// Package bridge is the agent bridge (C4): one instance per known agent,
// driving an opaque terminal session through a bridgeadapter.Adapter to
// execute tasks received from the bus and publish their results.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/hector/pkg/observability"
	"github.com/kadirpekel/hector/pkg/orchestrator"
	"github.com/kadirpekel/hector/pkg/orchestrator/bridgeadapter"
	"github.com/kadirpekel/hector/pkg/orchestrator/bus"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
)

// Config tunes the timings and patterns of the completion wait loop and
// output parsing. Zero values fall back to the spec's defaults.
type Config struct {
	PollInterval      time.Duration // how often the pane is captured while waiting
	SettleInterval    time.Duration // wait after clearing the pane / after the end marker appears
	InterLinePause    time.Duration // pause between lines sent to the session
	StableSampleCount int           // consecutive unchanged samples needed for the secondary success condition
	PromptRegex       *regexp.Regexp
	ErrorSignatures   []string
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = 500 * time.Millisecond
	}
	if c.InterLinePause <= 0 {
		c.InterLinePause = 200 * time.Millisecond
	}
	if c.StableSampleCount <= 0 {
		c.StableSampleCount = 3
	}
	if c.PromptRegex == nil {
		c.PromptRegex = defaultPromptRegex
	}
	if c.ErrorSignatures == nil {
		c.ErrorSignatures = defaultErrorSignatures
	}
}

// Bridge drives one agent's terminal session through its task lifecycle.
type Bridge struct {
	agent   string
	session string

	adapter bridgeadapter.Adapter
	bus     *bus.Bus
	store   store.Store
	log     *slog.Logger
	metrics *observability.Metrics
	cfg     Config

	queue *taskQueue

	mu       sync.Mutex
	state    model.AgentState
	sub      *bus.Subscription
	stopCh   chan struct{}
	doneCh   chan struct{}
	dedup    map[string]time.Time
	dedupTTL time.Duration
}

// New creates a bridge for the given agent, addressing the session of the
// same name by default.
func New(agent string, adapter bridgeadapter.Adapter, b *bus.Bus, s store.Store, cfg Config, log *slog.Logger, metrics *observability.Metrics) *Bridge {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		agent:   agent,
		session: agent,
		adapter: adapter,
		bus:     b,
		store:   s,
		log:     log.With("component", "bridge", "agent", agent),
		metrics: metrics,
		cfg:     cfg,
		queue:   newTaskQueue(),
		state:   model.AgentUnknown,
		dedup:   make(map[string]time.Time),
	}
}

// Start ensures the session exists, marks the agent ready, subscribes to
// its task subject, and begins the execution loop.
func (br *Bridge) Start(ctx context.Context) error {
	exists, err := br.adapter.SessionExists(ctx, br.session)
	if err != nil {
		return fmt.Errorf("bridge[%s]: check session: %w", br.agent, err)
	}
	if !exists {
		if err := br.adapter.CreateSession(ctx, br.session); err != nil {
			return fmt.Errorf("bridge[%s]: create session: %w", br.agent, err)
		}
	}

	br.mu.Lock()
	br.state = model.AgentReady
	br.stopCh = make(chan struct{})
	br.doneCh = make(chan struct{})
	br.mu.Unlock()

	if err := br.bus.UpdateAgentStatus(ctx, br.agent, model.AgentReady, nil); err != nil {
		br.log.Error("failed to publish ready status", "error", err)
	}

	br.sub = br.bus.Subscribe(bus.TaskSubject(br.agent), br.onTask)

	go br.run()
	br.log.Info("bridge started", "session", br.session)
	return nil
}

// Stop unsubscribes, marks the agent stopped, and waits for any in-flight
// task to finish.
func (br *Bridge) Stop(ctx context.Context) error {
	if br.sub != nil {
		br.sub.Unsubscribe()
	}
	br.mu.Lock()
	stopCh := br.stopCh
	doneCh := br.doneCh
	br.state = model.AgentStopped
	br.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}

	if err := br.bus.UpdateAgentStatus(ctx, br.agent, model.AgentStopped, nil); err != nil {
		br.log.Error("failed to publish stopped status", "error", err)
	}
	br.log.Info("bridge stopped")
	return nil
}

// State returns the bridge's current lifecycle state.
func (br *Bridge) State() model.AgentState {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.state
}

// onTask is the bus subscriber callback: it dedups by task id within a
// window equal to timeout + max backoff (guarding against the bus's
// at-least-once delivery) and enqueues the task for execution.
func (br *Bridge) onTask(msg model.Message) {
	task, ok := msg.Payload.(*model.Task)
	if !ok || task == nil {
		return
	}

	window := task.Timeout + task.Retry.BackoffCap
	if window <= 0 {
		window = 5*time.Minute + 30*time.Second
	}

	br.mu.Lock()
	if last, seen := br.dedup[task.ID]; seen && time.Since(last) < window {
		br.mu.Unlock()
		br.log.Debug("dropping duplicate task delivery", "task_id", task.ID)
		return
	}
	br.dedup[task.ID] = time.Now()
	br.pruneDedupLocked()
	br.mu.Unlock()

	br.queue.Push(task)
}

func (br *Bridge) pruneDedupLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for id, seen := range br.dedup {
		if seen.Before(cutoff) {
			delete(br.dedup, id)
		}
	}
}

// run is the bridge's main loop: pop a task, execute it to completion
// (including retries), then go idle and wait for the next one.
func (br *Bridge) run() {
	defer close(br.doneCh)
	for {
		task, ok := br.queue.Pop(br.stopCh)
		if !ok {
			return
		}
		br.executeWithRetry(task)
	}
}

// executeWithRetry drives one task through attempts until it succeeds, is
// declared a terminal failure, or the bridge is stopped.
func (br *Bridge) executeWithRetry(task *model.Task) {
	ctx := context.Background()

	for {
		br.mu.Lock()
		br.state = model.AgentBusy
		br.mu.Unlock()

		start := time.Now()
		result, taskErr := br.executeOnce(ctx, task)
		if br.metrics != nil {
			br.metrics.RecordBridgeBusy(br.agent, time.Since(start))
		}

		if taskErr == nil {
			br.bus.PublishResult(ctx, task.ID, result, true, "", "")
			br.finishBusy(ctx, task.ID)
			return
		}

		var te *orchestrator.TaskError
		category := model.ErrorCategory("")
		if ok := asTaskError(taskErr, &te); ok {
			category = te.Category
		}

		task.Attempt++
		if task.Attempt >= task.Retry.MaxAttempts {
			br.log.Warn("task failed, retries exhausted", "task_id", task.ID, "attempt", task.Attempt, "error", taskErr)
			var out string
			if te != nil {
				out = te.Output
			}
			br.bus.PublishResult(ctx, task.ID, &model.Result{RawOutput: out, Success: false, HasErrors: true}, false, taskErr.Error(), category)
			br.finishBusy(ctx, task.ID)
			return
		}

		if _, err := br.store.IncrementTaskAttempt(ctx, task.ID); err != nil {
			br.log.Error("failed to persist retry attempt", "task_id", task.ID, "error", err)
		}
		if br.metrics != nil {
			br.metrics.RecordTaskRetried(br.agent)
		}

		backoff := task.Retry.Backoff(task.Attempt)
		br.log.Info("retrying task", "task_id", task.ID, "attempt", task.Attempt, "backoff", backoff, "error", taskErr)

		select {
		case <-time.After(backoff):
		case <-br.stopCh:
			return
		}
	}
}

func (br *Bridge) finishBusy(ctx context.Context, taskID string) {
	br.mu.Lock()
	br.state = model.AgentReady
	br.mu.Unlock()
	if err := br.bus.UpdateAgentStatus(ctx, br.agent, model.AgentReady, map[string]string{"task_id": taskID}); err != nil {
		br.log.Error("failed to publish ready status", "error", err)
	}
}

// executeOnce runs the framed-command protocol for a single attempt and
// returns the parsed result, or a *orchestrator.TaskError describing why
// the attempt failed.
func (br *Bridge) executeOnce(ctx context.Context, task *model.Task) (result *model.Result, err error) {
	tracer := observability.GetTracer("hector.orchestrator.bridge")
	ctx, span := tracer.Start(ctx, "bridge.execute_once",
		trace.WithAttributes(
			attribute.String("agent", br.agent),
			attribute.String("task_id", task.ID),
			attribute.Int("attempt", task.Attempt),
		),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if err := br.bus.UpdateAgentStatus(ctx, br.agent, model.AgentBusy, map[string]string{"task_id": task.ID}); err != nil {
		br.log.Error("failed to publish busy status", "error", err)
	}

	rendered := task.Render()
	lines := framedCommand(task.ID, rendered)

	if err := br.adapter.SendCommand(ctx, br.session, "clear"); err != nil {
		return nil, orchestrator.NewTaskError(model.ErrorTransport, fmt.Sprintf("clear session: %v", err), "")
	}
	time.Sleep(br.cfg.SettleInterval)

	for _, line := range lines {
		if err := br.adapter.SendCommand(ctx, br.session, line); err != nil {
			return nil, orchestrator.NewTaskError(model.ErrorTransport, fmt.Sprintf("send command: %v", err), "")
		}
		time.Sleep(br.cfg.InterLinePause)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.Now().Add(timeout)

	captured, failSig, timedOut := br.waitForCompletion(ctx, task.ID, deadline)

	if timedOut {
		return nil, orchestrator.NewTaskError(model.ErrorTimeout, "task timed out", captured)
	}
	if failSig != "" {
		return nil, orchestrator.NewTaskError(model.ErrorSemantic, errorContext("semantic", failSig, captured), captured)
	}

	between, ok := extractBetweenMarkers(captured, task.ID)
	if !ok {
		return nil, orchestrator.NewTaskError(model.ErrorTransport, "end marker not found in captured output", captured)
	}

	parsed := parseOutput(between, br.cfg.PromptRegex)
	return &model.Result{
		RawOutput:      parsed.RawOutput,
		Lines:          parsed.Lines,
		Success:        true,
		HasErrors:      false,
		StructuredData: parsed.StructuredData,
	}, nil
}

// waitForCompletion polls the session's pane until the end marker appears
// (confirmed by a settle re-capture or by sample stability), an error
// signature appears, or the deadline passes.
func (br *Bridge) waitForCompletion(ctx context.Context, taskID string, deadline time.Time) (captured string, errorSignature string, timedOut bool) {
	endRe := endMarkerRegex(taskID)
	ticker := time.NewTicker(br.cfg.PollInterval)
	defer ticker.Stop()

	var lastSamples []string

	for {
		if time.Now().After(deadline) {
			out, _ := br.adapter.CapturePane(ctx, br.session)
			return out, "", true
		}

		out, err := br.adapter.CapturePane(ctx, br.session)
		if err != nil {
			br.log.Warn("capture pane failed, will retry", "error", err)
		} else {
			if sig := detectErrorSignature(out, br.cfg.ErrorSignatures); sig != "" {
				return out, sig, false
			}

			if endRe.MatchString(out) {
				time.Sleep(br.cfg.SettleInterval)
				final, _ := br.adapter.CapturePane(ctx, br.session)
				if final == "" {
					final = out
				}
				return final, "", false
			}

			lastSamples = append(lastSamples, out)
			if len(lastSamples) > br.cfg.StableSampleCount {
				lastSamples = lastSamples[len(lastSamples)-br.cfg.StableSampleCount:]
			}
			if len(lastSamples) == br.cfg.StableSampleCount && allEqual(lastSamples) && endRe.MatchString(out) {
				return out, "", false
			}
		}

		select {
		case <-ticker.C:
		case <-br.stopCh:
			out, _ := br.adapter.CapturePane(ctx, br.session)
			return out, "", true
		case <-ctx.Done():
			out, _ := br.adapter.CapturePane(ctx, br.session)
			return out, "", true
		}
	}
}

func allEqual(samples []string) bool {
	if len(samples) == 0 {
		return false
	}
	for _, s := range samples[1:] {
		if s != samples[0] {
			return false
		}
	}
	return true
}

// asTaskError reports whether err is itself a *orchestrator.TaskError and,
// if so, stores it in target. It is a direct type assertion: a TaskError
// wrapped inside another error is not found.
func asTaskError(err error, target **orchestrator.TaskError) bool {
	if err == nil {
		return false
	}
	te, ok := err.(*orchestrator.TaskError)
	if !ok {
		return false
	}
	*target = te
	return true
}
