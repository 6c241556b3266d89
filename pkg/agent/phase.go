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
	"context"
	"sync"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

// SignalKind distinguishes collector output.
type SignalKind string

const (
	SignalPhase         SignalKind = "phase"
	SignalHelloComplete SignalKind = "hello_complete"
)

// Signal is one observation produced by an OS state collector.
type Signal struct {
	Kind  SignalKind
	Phase string
	Extra models.EventData
}

// Collector reads one OS-side enrollment signal source (registry keys, event
// log, WMI). Collectors are polled alongside the log tailer; a failing
// collector is isolated and must never abort the session.
type Collector interface {
	Name() string
	Poll(ctx context.Context) ([]Signal, error)
}

// PhaseDetector folds log markers and collector signals into the coarse
// enrollment phase. It reports observations to a sink; de-duplication policy
// lives in the orchestrator.
type PhaseDetector struct {
	mu         sync.Mutex
	collectors []Collector
	enabled    map[string]bool
	logger     logger.Logger
	sink       func(Signal)
}

// NewPhaseDetector wires the given collectors to a signal sink.
func NewPhaseDetector(collectors []Collector, log logger.Logger) *PhaseDetector {
	return &PhaseDetector{
		collectors: collectors,
		enabled:    make(map[string]bool),
		logger:     log,
	}
}

// SetSink registers the signal sink. Must be set before Poll runs.
func (d *PhaseDetector) SetSink(sink func(Signal)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sink = sink
}

// SetToggles enables or disables collectors by name. Unlisted collectors
// stay enabled.
func (d *PhaseDetector) SetToggles(toggles map[string]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.enabled = make(map[string]bool, len(toggles))
	for name, on := range toggles {
		d.enabled[name] = on
	}
}

// Poll runs every enabled collector once. Collector errors are logged as
// warnings and the rest continue unaffected.
func (d *PhaseDetector) Poll(ctx context.Context) {
	d.mu.Lock()
	collectors := d.collectors
	sink := d.sink
	enabled := d.enabled
	d.mu.Unlock()

	if sink == nil {
		return
	}

	for _, collector := range collectors {
		if on, listed := enabled[collector.Name()]; listed && !on {
			continue
		}

		signals, err := collector.Poll(ctx)
		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("collector", collector.Name()).
				Msg("Collector poll failed, continuing without it")

			continue
		}

		for _, signal := range signals {
			sink(signal)
		}
	}
}

// HelloDetector tracks Windows Hello provisioning: whether a Hello policy is
// configured for the session and whether provisioning has completed. Its
// completion signal arrives asynchronously relative to the log tailer, so
// completion state is mutex-guarded and the callback fires exactly once.
type HelloDetector struct {
	mu               sync.Mutex
	policyConfigured bool
	completed        bool
	notified         bool
	onCompleted      func()
}

// NewHelloDetector creates a detector. policyConfigured comes from tenant
// policy discovered at session start.
func NewHelloDetector(policyConfigured bool) *HelloDetector {
	return &HelloDetector{policyConfigured: policyConfigured}
}

// OnCompleted registers the asynchronous completion callback. If provisioning
// already completed, the callback fires immediately.
func (h *HelloDetector) OnCompleted(fn func()) {
	h.mu.Lock()

	h.onCompleted = fn
	fire := h.completed && !h.notified
	if fire {
		h.notified = true
	}

	h.mu.Unlock()

	if fire && fn != nil {
		fn()
	}
}

// MarkCompleted records Hello provisioning completion and fires the callback
// once. Safe to call redundantly.
func (h *HelloDetector) MarkCompleted() {
	h.mu.Lock()

	h.completed = true
	fn := h.onCompleted
	fire := fn != nil && !h.notified
	if fire {
		h.notified = true
	}

	h.mu.Unlock()

	if fire {
		fn()
	}
}

// PolicyConfigured reports whether a Hello policy gates completion.
func (h *HelloDetector) PolicyConfigured() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.policyConfigured
}

// Completed reports whether Hello provisioning has finished.
func (h *HelloDetector) Completed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.completed
}
