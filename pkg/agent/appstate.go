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

package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/espwatch/espwatch/pkg/models"
)

// Observation carries the per-line progress fields that accompany a state
// observation. Zero values leave the stored fields untouched.
type Observation struct {
	BytesDownloaded int64
	BytesTotal      int64
	ProgressPercent int
	At              time.Time
}

// TransitionFunc receives every accepted state transition. The tracker is
// policy-free; the orchestrator decides what to emit.
type TransitionFunc func(pkg *models.AppPackageState, oldState, newState models.InstallState)

// AppStateTracker maintains the per-package install state machine for one
// session. The primary chain only moves forward; Error, Skipped and Postponed
// are reachable from any non-terminal state and end tracking for that
// package. One writer (the tailer tick) mutates; the summary timer reads
// snapshots.
type AppStateTracker struct {
	mu           sync.Mutex
	packages     map[string]*models.AppPackageState
	onTransition TransitionFunc
	onProgress   ProgressFunc
}

// ProgressFunc receives progress-only updates: observations that changed
// byte or percent fields without moving the state machine.
type ProgressFunc func(pkg *models.AppPackageState)

// NewAppStateTracker creates an empty tracker.
func NewAppStateTracker() *AppStateTracker {
	return &AppStateTracker{
		packages: make(map[string]*models.AppPackageState),
	}
}

// OnTransition registers the transition callback. Must be set before the
// tailer starts feeding observations.
func (t *AppStateTracker) OnTransition(fn TransitionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onTransition = fn
}

// OnProgress registers the progress-only callback.
func (t *AppStateTracker) OnProgress(fn ProgressFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onProgress = fn
}

// Apply folds one observed state into the machine and returns the old and new
// states. Repeated observations of the current state are idempotent for the
// state itself, but progress fields still update (monotonically).
func (t *AppStateTracker) Apply(packageID, name string, observed models.InstallState, obs Observation) (oldState, newState models.InstallState) {
	t.mu.Lock()

	pkg, ok := t.packages[packageID]
	if !ok {
		pkg = &models.AppPackageState{
			ID:    packageID,
			Name:  name,
			State: models.StateNotInstalled,
		}
		t.packages[packageID] = pkg
	}

	if name != "" && pkg.Name == "" {
		pkg.Name = name
	}

	oldState = pkg.State
	newState = oldState

	if accepts(oldState, observed) {
		newState = observed
		pkg.State = observed

		at := obs.At
		if at.IsZero() {
			at = time.Now()
		}

		pkg.LastTransitionAt = at
	}

	progressed := applyProgress(pkg, obs)

	fn := t.onTransition
	progressFn := t.onProgress
	snapshot := *pkg

	t.mu.Unlock()

	if newState != oldState {
		if fn != nil {
			fn(&snapshot, oldState, newState)
		}
	} else if progressed && progressFn != nil {
		progressFn(&snapshot)
	}

	return oldState, newState
}

// accepts reports whether the machine may move from current to observed.
func accepts(current, observed models.InstallState) bool {
	if current == observed {
		return false
	}

	// Terminal states (including side-exits) never change again.
	if current.Terminal() {
		return false
	}

	if observed.SideExit() {
		return true
	}

	// Primary chain moves forward only.
	return observed > current
}

func applyProgress(pkg *models.AppPackageState, obs Observation) bool {
	changed := false

	if obs.BytesDownloaded > pkg.BytesDownloaded {
		pkg.BytesDownloaded = obs.BytesDownloaded
		changed = true
	}

	if obs.BytesTotal > pkg.BytesTotal {
		pkg.BytesTotal = obs.BytesTotal
		changed = true
	}

	if obs.ProgressPercent > pkg.ProgressPercent {
		pkg.ProgressPercent = obs.ProgressPercent
		changed = true
	}

	return changed
}

// PackageSnapshot is a read-only view of the tracked packages with derived
// counts, shared with the orchestrator's periodic summaries.
type PackageSnapshot struct {
	Packages       []models.AppPackageState
	CountAll       int
	CountCompleted int
	ErrorCount     int
	HasError       bool
}

// AllTerminal reports whether every tracked package has finished.
func (s PackageSnapshot) AllTerminal() bool {
	if s.CountAll == 0 {
		return false
	}

	for i := range s.Packages {
		if !s.Packages[i].State.Terminal() {
			return false
		}
	}

	return true
}

// Snapshot copies current package state and derived counts.
func (t *AppStateTracker) Snapshot() PackageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := PackageSnapshot{
		Packages: make([]models.AppPackageState, 0, len(t.packages)),
	}

	for _, pkg := range t.packages {
		snap.Packages = append(snap.Packages, *pkg)
		snap.CountAll++

		switch pkg.State {
		case models.StateInstalled:
			snap.CountCompleted++
		case models.StateError:
			snap.ErrorCount++
			snap.HasError = true
		}
	}

	sort.Slice(snap.Packages, func(i, j int) bool {
		return snap.Packages[i].ID < snap.Packages[j].ID
	})

	return snap
}

// Reset clears all package state. Called only at session boundaries, never
// on log rotation.
func (t *AppStateTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.packages = make(map[string]*models.AppPackageState)
}
