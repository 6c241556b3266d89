/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"encoding/json"
	"strings"
	"time"
)

// InstallState is the per-package install state machine position. The primary
// chain NotInstalled -> Downloading -> Installing -> Installed is ordered and
// forward-only; Error, Skipped and Postponed are terminal side-exits.
type InstallState int

const (
	StateNotInstalled InstallState = iota
	StateDownloading
	StateInstalling
	StateInstalled
	StateSkipped
	StatePostponed
	StateError
)

var installStateNames = map[InstallState]string{
	StateNotInstalled: "NotInstalled",
	StateDownloading:  "Downloading",
	StateInstalling:   "Installing",
	StateInstalled:    "Installed",
	StateSkipped:      "Skipped",
	StatePostponed:    "Postponed",
	StateError:        "Error",
}

func (s InstallState) String() string {
	if name, ok := installStateNames[s]; ok {
		return name
	}

	return "NotInstalled"
}

// ParseInstallState resolves a state name case-insensitively.
func ParseInstallState(name string) InstallState {
	trimmed := strings.TrimSpace(name)
	for state, stateName := range installStateNames {
		if strings.EqualFold(stateName, trimmed) {
			return state
		}
	}

	return StateNotInstalled
}

// Terminal reports whether the state ends tracking for its package.
func (s InstallState) Terminal() bool {
	switch s {
	case StateInstalled, StateSkipped, StatePostponed, StateError:
		return true
	default:
		return false
	}
}

// SideExit reports whether the state is one of the abnormal exits reachable
// from any non-terminal state.
func (s InstallState) SideExit() bool {
	switch s {
	case StateError, StateSkipped, StatePostponed:
		return true
	default:
		return false
	}
}

// MarshalJSON encodes the state by name.
func (s InstallState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a state name.
func (s *InstallState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	*s = ParseInstallState(name)

	return nil
}

// AppPackageState is the tracked install state of one software package within
// a session. Owned exclusively by the agent's app state tracker; mutated only
// through state-transition calls and cleared only at session boundaries.
type AppPackageState struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	State            InstallState `json:"state"`
	BytesDownloaded  int64        `json:"bytes_downloaded"`
	BytesTotal       int64        `json:"bytes_total"`
	ProgressPercent  int          `json:"progress_percent"`
	LastTransitionAt time.Time    `json:"last_transition_at"`
}
