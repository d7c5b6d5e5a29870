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

package bridge

import (
	"container/heap"
	"sync"

	"github.com/kadirpekel/hector/pkg/orchestrator/model"
)

// taskQueue orders tasks received while the bridge is busy: highest
// priority first, FIFO within the same priority (via a monotonic sequence
// number), per the bridge's tie-break rule.
type taskQueue struct {
	mu     sync.Mutex
	items  taskHeap
	seq    int64
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

type queuedTask struct {
	task *model.Task
	seq  int64
}

type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[j].task.Priority.Less(h[i].task.Priority)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Push enqueues a task and wakes one waiting Pop, if any.
func (q *taskQueue) Push(t *model.Task) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, queuedTask{task: t, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until a task is available or stop is closed, in which case it
// returns (nil, false).
func (q *taskQueue) Pop(stop <-chan struct{}) (*model.Task, bool) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(queuedTask)
			q.mu.Unlock()
			return item.task, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-stop:
			return nil, false
		}
	}
}

// Len reports the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
