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

// Package watchdog is the liveness monitor (C7): an in-memory map of
// agent -> last heartbeat, polled by a background ticker, firing a callback
// for any agent whose heartbeat has gone stale.
package watchdog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/hector/pkg/observability"
)

const (
	defaultTickInterval = 5 * time.Second
	defaultTimeout      = 90 * time.Second
)

// Callback is invoked once when an agent's heartbeat age exceeds its
// timeout; the entry is dropped just before the callback runs.
type Callback func(agent string, age time.Duration)

type entry struct {
	lastHeartbeat time.Time
	timeout       time.Duration
}

// Watchdog tracks per-agent heartbeats and fires a callback on timeout.
type Watchdog struct {
	mu      sync.Mutex
	entries map[string]*entry
	cb      Callback

	tickInterval time.Duration
	log          *slog.Logger
	metrics      *observability.Metrics

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Option configures a Watchdog at construction time.
type Option func(*Watchdog)

// WithTickInterval overrides the default ~5s polling interval.
func WithTickInterval(d time.Duration) Option {
	return func(w *Watchdog) { w.tickInterval = d }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Watchdog) { w.log = log }
}

// WithMetrics wires Prometheus counters for timeout events.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Watchdog) { w.metrics = m }
}

// New creates a Watchdog that invokes cb when an agent's heartbeat goes
// stale. Register agents with Heartbeat before Start.
func New(cb Callback, opts ...Option) *Watchdog {
	w := &Watchdog{
		entries:      make(map[string]*entry),
		cb:           cb,
		tickInterval: defaultTickInterval,
		log:          slog.Default(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "watchdog")
	return w
}

// Heartbeat records agent as alive now, registering it with defaultTimeout
// if it isn't already tracked.
func (w *Watchdog) Heartbeat(agent string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[agent]
	if !ok {
		e = &entry{timeout: defaultTimeout}
		w.entries[agent] = e
	}
	e.lastHeartbeat = time.Now()
}

// SetTimeout sets agent's timeout, registering it if not already tracked.
func (w *Watchdog) SetTimeout(agent string, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[agent]
	if !ok {
		e = &entry{lastHeartbeat: time.Now()}
		w.entries[agent] = e
	}
	e.timeout = d
}

// ResetTimeout is an alias for Heartbeat, matching the spec's naming.
func (w *Watchdog) ResetTimeout(agent string) {
	w.Heartbeat(agent)
}

// Forget stops tracking agent, e.g. on a clean bridge shutdown.
func (w *Watchdog) Forget(agent string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, agent)
}

// Start launches the background ticker goroutine.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop halts the ticker goroutine and waits for it to exit.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watchdog) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watchdog) sweep() {
	now := time.Now()

	var timedOut []string
	var ages []time.Duration

	w.mu.Lock()
	for agent, e := range w.entries {
		age := now.Sub(e.lastHeartbeat)
		if age > e.timeout {
			timedOut = append(timedOut, agent)
			ages = append(ages, age)
		}
	}
	for _, agent := range timedOut {
		delete(w.entries, agent)
	}
	w.mu.Unlock()

	for i, agent := range timedOut {
		w.log.Warn("agent heartbeat timed out", "agent", agent, "age", ages[i])
		if w.metrics != nil {
			w.metrics.RecordWatchdogTimeout(agent)
		}
		if w.cb != nil {
			w.cb(agent, ages[i])
		}
	}
}
