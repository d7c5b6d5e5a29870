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

// Package dag is the workflow engine (C5): it validates and stores workflow
// definitions, schedules their steps as a dependency DAG over the message
// bus, and tracks per-step status through to completion.
package dag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/hector/pkg/observability"
	"github.com/kadirpekel/hector/pkg/orchestrator"
	"github.com/kadirpekel/hector/pkg/orchestrator/bus"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
)

// Engine is the workflow scheduler. One Engine serves any number of
// concurrent executions; each execution is single-writer internally but
// executions proceed independently of one another. The engine owns no
// dedicated long-lived goroutine: scheduling advances in response to
// PublishTask/result callbacks, per the spec.
type Engine struct {
	store store.Store
	bus   *bus.Bus
	log   *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run holds the in-flight scheduling state for one workflow execution.
type run struct {
	mu        sync.Mutex
	def       *model.WorkflowDefinition
	exec      *model.WorkflowExecution
	taskSteps map[string]string // task id -> step id
	subs      map[string]*bus.Subscription
}

// New creates a workflow Engine over the given store and bus.
func New(s store.Store, b *bus.Bus, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: s,
		bus:   b,
		log:   log.With("component", "dag"),
		runs:  make(map[string]*run),
	}
}

// DefineWorkflow validates a workflow's shape (unique step ids, every
// dependency resolves, no cycles), assigns it an id if absent, persists it,
// and returns the id.
func (e *Engine) DefineWorkflow(ctx context.Context, def *model.WorkflowDefinition) (string, error) {
	if err := validateShape(def); err != nil {
		return "", err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	if err := e.store.SaveWorkflow(ctx, def); err != nil {
		return "", fmt.Errorf("dag: save workflow: %w", err)
	}
	return def.ID, nil
}

func validateShape(def *model.WorkflowDefinition) error {
	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" {
			return fmt.Errorf("dag: step with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("dag: duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step %q depends on unknown step %q", orchestrator.ErrUnknownStep, s.ID, dep)
			}
		}
	}
	return detectCycle(def)
}

// detectCycle runs a standard white/gray/black DFS over the dependency
// graph (edges point from a step to its dependencies).
func detectCycle(def *model.WorkflowDefinition) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Steps))
	byID := make(map[string]model.StepDefinition, len(def.Steps))
	for _, s := range def.Steps {
		byID[s.ID] = s
	}

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: cycle through step %q", orchestrator.ErrCyclicWorkflow, id)
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range def.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Execute starts a new run of workflowID with the given initial context and
// returns the execution id. Re-execution of an already-used execution id is
// not supported; each call starts a fresh run.
func (e *Engine) Execute(ctx context.Context, workflowID string, inputs map[string]string) (string, error) {
	def, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}

	execCtx := make(map[string]string, len(inputs))
	for k, v := range inputs {
		execCtx[k] = v
	}

	steps := make(map[string]*model.StepRecord, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.ID] = &model.StepRecord{StepID: s.ID, Status: model.StepPending}
	}

	exec := &model.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		State:      model.ExecutionRunning,
		Steps:      steps,
		Context:    execCtx,
		StartedAt:  time.Now(),
	}

	if len(def.Steps) == 0 {
		exec.State = model.ExecutionCompleted
		exec.CompletedAt = exec.StartedAt
		if err := e.store.SaveWorkflowExecution(ctx, exec); err != nil {
			return "", fmt.Errorf("dag: save execution: %w", err)
		}
		return exec.ID, nil
	}

	if err := e.store.SaveWorkflowExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("dag: save execution: %w", err)
	}
	for _, record := range steps {
		if err := e.store.SaveWorkflowStep(ctx, exec.ID, record); err != nil {
			return "", fmt.Errorf("dag: save step %s: %w", record.StepID, err)
		}
	}

	r := &run{
		def:       def,
		exec:      exec,
		taskSteps: make(map[string]string),
		subs:      make(map[string]*bus.Subscription),
	}
	e.mu.Lock()
	e.runs[exec.ID] = r
	e.mu.Unlock()

	e.scheduleReady(ctx, r)
	return exec.ID, nil
}

// GetExecutionStatus returns the current state of an execution, including
// per-step statuses. In-flight executions are served from memory; completed
// or not-yet-touched ones are read back from the store.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (*model.WorkflowExecution, error) {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		return copyExecution(r.exec), nil
	}
	return e.store.GetWorkflowExecution(ctx, executionID)
}

// Cancel marks every not-yet-complete step skipped and the execution
// cancelled. Tasks already dispatched for running steps keep running on
// their bridge (the engine cannot interrupt an opaque shell command); their
// eventual results are discarded by unsubscribing here.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if !ok {
		return orchestrator.ErrTaskNotFound
	}

	r.mu.Lock()
	var skipped []*model.StepRecord
	for _, step := range r.exec.Steps {
		if step.Status == model.StepPending || step.Status == model.StepRunning {
			step.Status = model.StepSkipped
			skipped = append(skipped, step)
		}
	}
	r.exec.State = model.ExecutionCancelled
	r.exec.CompletedAt = time.Now()
	e.unsubscribeAllLocked(r)
	exec := copyExecution(r.exec)
	r.mu.Unlock()

	e.forgetRun(executionID)
	for _, step := range skipped {
		if err := e.store.UpdateWorkflowStep(ctx, executionID, step); err != nil {
			e.log.Error("failed to persist skipped step", "execution_id", executionID, "step_id", step.StepID, "error", err)
		}
	}
	return e.store.UpdateWorkflowExecution(ctx, exec)
}

// scheduleReady computes the ready set (pending steps whose dependencies are
// all completed) and dispatches a task for each.
func (e *Engine) scheduleReady(ctx context.Context, r *run) {
	r.mu.Lock()
	ready := r.readySetLocked()
	r.mu.Unlock()

	for _, step := range ready {
		e.dispatchStep(ctx, r, step)
	}
}

func (r *run) readySetLocked() []model.StepDefinition {
	var ready []model.StepDefinition
	for _, step := range r.def.Steps {
		record := r.exec.Steps[step.ID]
		if record.Status != model.StepPending {
			continue
		}
		allDone := true
		for _, dep := range step.DependsOn {
			if r.exec.Steps[dep].Status != model.StepCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, step)
		}
	}
	return ready
}

func (e *Engine) dispatchStep(ctx context.Context, r *run, step model.StepDefinition) {
	tracer := observability.GetTracer("hector.orchestrator.dag")
	ctx, span := tracer.Start(ctx, "dag.dispatch_step",
		trace.WithAttributes(
			attribute.String("execution_id", r.exec.ID),
			attribute.String("step_id", step.ID),
			attribute.String("agent", step.Agent),
		),
	)
	defer span.End()

	r.mu.Lock()
	record := r.exec.Steps[step.ID]
	if record.Status != model.StepPending {
		r.mu.Unlock()
		span.SetStatus(codes.Ok, "already dispatched")
		return
	}
	rendered := renderAction(step.Action, r.exec.Context)
	params := make(map[string]string, len(step.Params))
	for k, v := range step.Params {
		params[k] = renderAction(v, r.exec.Context)
	}
	r.mu.Unlock()

	task := &model.Task{
		ID:       uuid.NewString(),
		Agent:    step.Agent,
		Command:  rendered,
		Params:   params,
		Priority: model.PriorityNormal,
		Timeout:  step.Timeout,
		Retry:    step.Retry,
	}

	taskID, err := e.bus.PublishTask(ctx, step.Agent, task)
	if err != nil {
		e.log.Error("failed to dispatch workflow step", "execution_id", r.exec.ID, "step_id", step.ID, "error", err)
		span.SetStatus(codes.Error, err.Error())
		r.mu.Lock()
		record.Status = model.StepFailed
		record.Error = err.Error()
		record.CompletedAt = time.Now()
		r.mu.Unlock()
		if stepErr := e.store.UpdateWorkflowStep(ctx, r.exec.ID, record); stepErr != nil {
			e.log.Error("failed to persist step dispatch failure", "execution_id", r.exec.ID, "step_id", step.ID, "error", stepErr)
		}
		e.onStepFailed(ctx, r, step.ID)
		return
	}
	span.SetAttributes(attribute.String("task_id", taskID))
	span.SetStatus(codes.Ok, "")

	r.mu.Lock()
	record.Status = model.StepRunning
	record.TaskID = taskID
	record.StartedAt = time.Now()
	r.taskSteps[taskID] = step.ID
	sub := e.bus.Subscribe(bus.ResultSubject(taskID), func(msg model.Message) {
		e.onResult(ctx, r, taskID, msg)
	})
	r.subs[taskID] = sub
	r.mu.Unlock()

	if err := e.store.UpdateWorkflowStep(ctx, r.exec.ID, record); err != nil {
		e.log.Error("failed to persist step transition", "execution_id", r.exec.ID, "step_id", step.ID, "error", err)
	}
}

func (e *Engine) onResult(ctx context.Context, r *run, taskID string, msg model.Message) {
	task, ok := msg.Payload.(model.Task)
	if !ok {
		return
	}

	r.mu.Lock()
	stepID, known := r.taskSteps[taskID]
	if !known {
		r.mu.Unlock()
		return
	}
	delete(r.taskSteps, taskID)
	if sub, ok := r.subs[taskID]; ok {
		sub.Unsubscribe()
		delete(r.subs, taskID)
	}

	if r.exec.State != model.ExecutionRunning {
		r.mu.Unlock()
		return
	}

	record := r.exec.Steps[stepID]
	if task.State == model.TaskCompleted {
		record.Status = model.StepCompleted
		record.Result = task.Result
		record.CompletedAt = time.Now()
		mergeStepOutput(r.exec.Context, stepID, task.Result)
	} else {
		record.Status = model.StepFailed
		record.Error = task.Error
		record.CompletedAt = time.Now()
	}
	failed := record.Status == model.StepFailed
	r.mu.Unlock()

	if err := e.store.UpdateWorkflowStep(ctx, r.exec.ID, record); err != nil {
		e.log.Error("failed to persist step result", "execution_id", r.exec.ID, "step_id", stepID, "error", err)
	}

	if failed {
		e.onStepFailed(ctx, r, stepID)
		return
	}

	if e.checkTermination(ctx, r) {
		return
	}
	e.scheduleReady(ctx, r)
}

// onStepFailed marks stepID failed, skips every step that transitively
// depends on it, and fails the execution.
func (e *Engine) onStepFailed(ctx context.Context, r *run, stepID string) {
	r.mu.Lock()
	var skippedRecords []*model.StepRecord
	for _, skipped := range r.transitiveDependentsLocked(stepID) {
		record := r.exec.Steps[skipped]
		if record.Status == model.StepPending {
			record.Status = model.StepSkipped
			skippedRecords = append(skippedRecords, record)
		}
	}
	r.exec.State = model.ExecutionFailed
	r.exec.Error = fmt.Sprintf("step %q failed", stepID)
	r.exec.CompletedAt = time.Now()
	executionID := r.exec.ID
	e.unsubscribeAllLocked(r)
	exec := copyExecution(r.exec)
	r.mu.Unlock()

	e.forgetRun(executionID)
	for _, record := range skippedRecords {
		if err := e.store.UpdateWorkflowStep(ctx, executionID, record); err != nil {
			e.log.Error("failed to persist skipped step", "execution_id", executionID, "step_id", record.StepID, "error", err)
		}
	}
	if err := e.store.UpdateWorkflowExecution(ctx, exec); err != nil {
		e.log.Error("failed to persist failed execution", "execution_id", executionID, "error", err)
	}
}

// transitiveDependentsLocked returns every step that depends, directly or
// indirectly, on stepID. r.mu must be held.
func (r *run) transitiveDependentsLocked(stepID string) []string {
	dependents := make(map[string][]string, len(r.def.Steps))
	for _, s := range r.def.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var out []string
	seen := map[string]bool{}
	var visit func(id string)
	visit = func(id string) {
		for _, child := range dependents[id] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			visit(child)
		}
	}
	visit(stepID)
	return out
}

// checkTermination marks the execution completed once no step is pending or
// running, and returns whether it terminated.
func (e *Engine) checkTermination(ctx context.Context, r *run) bool {
	r.mu.Lock()
	for _, record := range r.exec.Steps {
		if record.Status == model.StepPending || record.Status == model.StepRunning {
			r.mu.Unlock()
			return false
		}
	}
	r.exec.State = model.ExecutionCompleted
	r.exec.CompletedAt = time.Now()
	exec := copyExecution(r.exec)
	r.mu.Unlock()

	e.forgetRun(r.exec.ID)
	if err := e.store.UpdateWorkflowExecution(ctx, exec); err != nil {
		e.log.Error("failed to persist completed execution", "execution_id", r.exec.ID, "error", err)
	}
	return true
}

func (e *Engine) unsubscribeAllLocked(r *run) {
	for id, sub := range r.subs {
		sub.Unsubscribe()
		delete(r.subs, id)
	}
}

func (e *Engine) forgetRun(executionID string) {
	e.mu.Lock()
	delete(e.runs, executionID)
	e.mu.Unlock()
}

// mergeStepOutput flattens a completed step's result into the execution
// context: {<step_id>} holds the raw output, and {<step_id>.<field>} holds
// each structured_data field, if the step produced any.
func mergeStepOutput(execCtx map[string]string, stepID string, result *model.Result) {
	if result == nil {
		return
	}
	execCtx[stepID] = result.RawOutput
	for field, value := range result.StructuredData {
		execCtx[stepID+"."+field] = fmt.Sprintf("%v", value)
	}
}

// renderAction substitutes {key} placeholders from the execution context,
// mirroring model.Task.Render's literal substitution style.
func renderAction(action string, execCtx map[string]string) string {
	out := action
	for key, value := range execCtx {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

func copyExecution(exec *model.WorkflowExecution) *model.WorkflowExecution {
	cp := *exec
	cp.Steps = make(map[string]*model.StepRecord, len(exec.Steps))
	for id, record := range exec.Steps {
		r := *record
		cp.Steps[id] = &r
	}
	cp.Context = make(map[string]string, len(exec.Context))
	for k, v := range exec.Context {
		cp.Context[k] = v
	}
	return &cp
}
