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

// Package orchestrator holds the sentinel errors and the TaskError type
// shared by the orchestrator subpackages (bus, bridge, dag, store,
// recovery, watchdog); cmd/hector wires those subpackages into one running
// system.
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/kadirpekel/hector/pkg/orchestrator/model"
)

// Common sentinel errors, shared across orchestrator subpackages.
var (
	ErrTaskNotFound    = errors.New("orchestrator: task not found")
	ErrUnknownAgent    = errors.New("orchestrator: unknown agent")
	ErrCyclicWorkflow  = errors.New("orchestrator: workflow dependency graph is cyclic")
	ErrUnknownStep     = errors.New("orchestrator: workflow step references unknown dependency")
	ErrBridgeStopped   = errors.New("orchestrator: bridge is stopped")
	ErrBusStopped      = errors.New("orchestrator: bus is stopped")
	ErrSessionMissing  = errors.New("orchestrator: agent session does not exist")
	ErrDuplicateTask   = errors.New("orchestrator: duplicate task delivery")
)

// TaskError categorizes a task failure the way the bridge reports it: by a
// fixed taxonomy (transport, semantic, timeout) plus the captured output, so
// callers can distinguish "retry is likely to help" from "this command is
// wrong" without string-matching the message.
type TaskError struct {
	Category model.ErrorCategory
	Message  string
	Output   string
}

func (e *TaskError) Error() string {
	if e.Category == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// NewTaskError builds a TaskError tagged with the given category.
func NewTaskError(category model.ErrorCategory, message, output string) *TaskError {
	return &TaskError{Category: category, Message: message, Output: output}
}

// IsTimeout reports whether err is a TaskError categorized as a timeout.
func IsTimeout(err error) bool {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Category == model.ErrorTimeout
	}
	return false
}

// IsTransport reports whether err is a TaskError categorized as transport.
func IsTransport(err error) bool {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Category == model.ErrorTransport
	}
	return false
}
