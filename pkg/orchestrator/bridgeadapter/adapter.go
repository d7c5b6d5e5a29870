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

// Package bridgeadapter defines the interface an agent bridge uses to drive
// an opaque terminal session (C1 in the design). A concrete adapter
// (tmux, screen, a raw PTY) is explicitly out of scope for this module; what
// is in scope is the interface's shape, an in-memory fake for tests, and a
// go-plugin loader so a real adapter can be shipped as a separate binary.
package bridgeadapter

import "context"

// Adapter is the five operations an agent bridge needs from a terminal
// session manager. Session names are 1:1 with agent ids.
type Adapter interface {
	// SessionExists reports whether the named session is currently alive.
	SessionExists(ctx context.Context, session string) (bool, error)

	// CreateSession starts a new session with the given name.
	CreateSession(ctx context.Context, session string) error

	// KillSession terminates the named session.
	KillSession(ctx context.Context, session string) error

	// SendCommand writes one line of input to the session, as if typed.
	SendCommand(ctx context.Context, session, line string) error

	// CapturePane returns the session's currently visible output buffer.
	CapturePane(ctx context.Context, session string) (string, error)
}
