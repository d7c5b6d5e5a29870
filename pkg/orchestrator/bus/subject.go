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

package bus

import "strings"

// TaskSubject returns the subject a given agent's tasks are published on.
func TaskSubject(agent string) string { return "tasks:" + agent }

// ResultSubject returns the subject a given task's result is published on.
func ResultSubject(taskID string) string { return "results:" + taskID }

// EventSubject returns the subject a given event topic is published on.
func EventSubject(topic string) string { return "events:" + topic }

// StatusSubject returns the subject a given agent's status is published on.
func StatusSubject(agent string) string { return "status:" + agent }

// matchSubject reports whether subject matches pattern. Subjects and
// patterns are ":"-separated segments; "*" in the pattern matches exactly
// one segment. Pattern and subject must have the same segment count.
func matchSubject(pattern, subject string) bool {
	pSegs := strings.Split(pattern, ":")
	sSegs := strings.Split(subject, ":")
	if len(pSegs) != len(sSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != sSegs[i] {
			return false
		}
	}
	return true
}
