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

// Package bus is the in-process publish/subscribe message bus (C3):
// task dispatch, result routing, status broadcast, and system events, with
// a durable side-write of tasks and results to the persistence store.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/hector/pkg/observability"
	"github.com/kadirpekel/hector/pkg/orchestrator/model"
	"github.com/kadirpekel/hector/pkg/orchestrator/store"
)

const defaultHistorySize = 1000
const defaultQueueSize = 4096
const defaultWorkers = 4

// Subscription is a handle returned by Subscribe; call Unsubscribe to stop
// receiving further callbacks.
type Subscription struct {
	id      string
	pattern string
	bus     *Bus
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.id)
}

type subscriber struct {
	id       string
	pattern  string
	callback func(model.Message)
}

// Bus is the in-process pub/sub implementation of C3.
type Bus struct {
	store   store.Store
	log     *slog.Logger
	metrics *observability.Metrics

	mu   sync.RWMutex
	subs []subscriber

	historyMu sync.Mutex
	history   []model.Message
	histSize  int

	queue   chan model.Message
	workers int
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopped   chan struct{}
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger overrides the bus's logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithMetrics attaches a Prometheus metrics recorder. Safe to pass nil.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithHistorySize overrides the bounded event-history ring buffer size.
func WithHistorySize(n int) Option {
	return func(b *Bus) { b.histSize = n }
}

// WithWorkers overrides the number of dispatch workers.
func WithWorkers(n int) Option {
	return func(b *Bus) { b.workers = n }
}

// New creates a Bus backed by the given persistence store.
func New(s store.Store, opts ...Option) *Bus {
	b := &Bus{
		store:    s,
		log:      slog.Default().With("component", "bus"),
		histSize: defaultHistorySize,
		workers:  defaultWorkers,
		queue:    make(chan model.Message, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the dispatch workers. Idempotent.
func (b *Bus) Start(ctx context.Context) error {
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.started = true
		b.stopped = make(chan struct{})
		b.mu.Unlock()

		for i := 0; i < b.workers; i++ {
			b.wg.Add(1)
			go b.dispatchLoop()
		}
		b.log.Info("bus started", "workers", b.workers)
	})
	return nil
}

// Running reports whether Start has launched the dispatch workers and Stop
// has not yet torn them down.
func (b *Bus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.started {
		return false
	}
	select {
	case <-b.stopped:
		return false
	default:
		return true
	}
}

// Stop drains the pending dispatch queue and waits for in-flight callbacks
// to finish. Idempotent.
func (b *Bus) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.queue)
		b.wg.Wait()
		b.mu.Lock()
		if b.stopped != nil {
			close(b.stopped)
		}
		b.mu.Unlock()
		b.log.Info("bus stopped")
	})
	return nil
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for msg := range b.queue {
		b.deliver(msg)
	}
}

func (b *Bus) deliver(msg model.Message) {
	b.mu.RLock()
	matched := make([]subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchSubject(sub.pattern, msg.Subject) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.invoke(sub, msg)
	}
}

// invoke calls a subscriber's callback, recovering from a panicking
// callback so one bad subscriber cannot stop the bus from flowing
// subsequent messages.
func (b *Bus) invoke(sub subscriber, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber callback panicked", "subscription", sub.id, "pattern", sub.pattern, "panic", r)
		}
	}()
	sub.callback(msg)
}

func (b *Bus) enqueue(msg model.Message) {
	b.recordHistory(msg)
	if b.metrics != nil {
		b.metrics.SetBusQueueDepth(len(b.queue))
	}
	select {
	case b.queue <- msg:
	default:
		// Queue saturated: dispatch synchronously rather than drop the
		// message, since delivery is at-least-once within a process
		// lifetime per the bus's delivery contract.
		b.deliver(msg)
	}
}

func (b *Bus) recordHistory(msg model.Message) {
	if b.histSize <= 0 {
		return
	}
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, msg)
	if len(b.history) > b.histSize {
		b.history = b.history[len(b.history)-b.histSize:]
	}
}

// History returns a copy of the bounded in-memory ring of recently
// dispatched messages, most recent last.
func (b *Bus) History() []model.Message {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	out := make([]model.Message, len(b.history))
	copy(out, b.history)
	return out
}

// Subscribe registers a non-blocking callback against a subject pattern.
// Callbacks are dispatched on the bus's own worker pool; a panicking
// callback is logged and dropped without affecting later deliveries.
func (b *Bus) Subscribe(pattern string, callback func(model.Message)) *Subscription {
	sub := subscriber{id: uuid.NewString(), pattern: pattern, callback: callback}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return &Subscription{id: sub.id, pattern: pattern, bus: b}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// PublishTask generates a task id if task.ID is empty, writes a pending
// record to the store, and publishes a task message on tasks:<agent>. It
// fails only if the store write fails; the publish step is best-effort.
func (b *Bus) PublishTask(ctx context.Context, agent string, task *model.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Agent = agent
	if task.State == "" {
		task.State = model.TaskPending
	}

	if err := b.store.SaveTask(ctx, task); err != nil {
		return "", fmt.Errorf("bus: publish task: %w", err)
	}

	if b.metrics != nil {
		b.metrics.RecordTaskDispatched(agent)
	}

	msg := model.Message{
		ID:        uuid.NewString(),
		Type:      model.MessageTask,
		Source:    "bus",
		Target:    agent,
		Subject:   TaskSubject(agent),
		Payload:   task,
		Priority:  task.Priority,
		Timestamp: time.Now(),
	}
	b.enqueue(msg)
	return task.ID, nil
}

// PublishResult writes the terminal state and result/error to the store and
// publishes on results:<task_id>. A store write failure is logged but the
// message is still published; the recovery coordinator reconciles
// persistence afterward.
func (b *Bus) PublishResult(ctx context.Context, taskID string, result *model.Result, success bool, errMsg string, category model.ErrorCategory) {
	state := model.TaskCompleted
	if !success {
		state = model.TaskFailed
	}
	if err := b.store.UpdateTaskStatus(ctx, taskID, state, result, errMsg, category); err != nil {
		b.log.Error("failed to persist task result", "task_id", taskID, "error", err)
	}

	if b.metrics != nil {
		task, lookupErr := b.store.GetTask(ctx, taskID)
		agent := ""
		if lookupErr == nil {
			agent = task.Agent
		}
		if success {
			b.metrics.RecordTaskCompleted(agent)
		} else {
			b.metrics.RecordTaskFailed(agent, string(category))
		}
	}

	msg := model.Message{
		ID:      uuid.NewString(),
		Type:    model.MessageResult,
		Source:  "bus",
		Subject: ResultSubject(taskID),
		Payload: model.Task{
			ID:            taskID,
			State:         state,
			Result:        result,
			Error:         errMsg,
			ErrorCategory: category,
		},
		Timestamp: time.Now(),
	}
	b.enqueue(msg)
}

// UpdateAgentStatus writes to the store and publishes on status:<agent>.
func (b *Bus) UpdateAgentStatus(ctx context.Context, agent string, state model.AgentState, details map[string]string) error {
	if err := b.store.UpdateAgentStatus(ctx, agent, state, details); err != nil {
		return fmt.Errorf("bus: update agent status: %w", err)
	}
	msg := model.Message{
		ID:      uuid.NewString(),
		Type:    model.MessageStatus,
		Source:  "bus",
		Target:  agent,
		Subject: StatusSubject(agent),
		Payload: model.AgentStatus{
			Agent:         agent,
			State:         state,
			LastHeartbeat: time.Now(),
			Details:       details,
		},
		Timestamp: time.Now(),
	}
	b.enqueue(msg)
	return nil
}

// BroadcastEvent publishes on events:<topic>; it is not persisted unless
// the caller also calls the store's LogEvent.
func (b *Bus) BroadcastEvent(topic string, payload any) {
	msg := model.Message{
		ID:        uuid.NewString(),
		Type:      model.MessageEvent,
		Source:    "bus",
		Subject:   EventSubject(topic),
		Payload:   payload,
		Timestamp: time.Now(),
	}
	b.enqueue(msg)
}

// GetTaskStatus reads a task from the store (authoritative).
func (b *Bus) GetTaskStatus(ctx context.Context, taskID string) (*model.Task, error) {
	return b.store.GetTask(ctx, taskID)
}

// GetPendingTasks reads pending tasks from the store, optionally filtered
// by agent.
func (b *Bus) GetPendingTasks(ctx context.Context, agent string) ([]*model.Task, error) {
	return b.store.GetPendingTasks(ctx, agent)
}
