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
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

const (
	defaultSummaryInterval = 30 * time.Second
	progressEmitStep       = 25
)

// Emitter receives finished strategic events. Implementations must not
// block; transport retries live behind this boundary.
type Emitter interface {
	Emit(ctx context.Context, event *models.EnrollmentEvent) error
}

// TrackerConfig configures the enrollment tracker for one session.
type TrackerConfig struct {
	SessionID            string          `json:"session_id"`
	TenantID             string          `json:"tenant_id"`
	Source               string          `json:"source,omitempty"`
	SummaryInterval      models.Duration `json:"summary_interval,omitempty"`
	CompletionMarkerPath string          `json:"completion_marker_path,omitempty"`
}

// EnrollmentTracker turns raw tailer observations into the strategic event
// stream: de-duplicated phase changes, exactly-one install lifecycle events
// per package, periodic aggregate summaries, and a completion event gated on
// the join of app completion and Hello provisioning.
type EnrollmentTracker struct {
	cfg     TrackerConfig
	logger  logger.Logger
	emitter Emitter
	tailer  *LogTailer
	apps    *AppStateTracker
	hello   *HelloDetector

	mu sync.Mutex
	// guarded by mu
	ctx                 context.Context
	seq                 int64
	lastPhaseName       string
	currentPhase        models.EnrollmentPhase
	inferredThisEpoch   bool
	appsComplete        bool
	waitingEmitted      bool
	completionFired     bool
	lastEmittedProgress map[string]int

	summaryOnce sync.Once
	summaryStop chan struct{}
	stopOnce    sync.Once
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewEnrollmentTracker wires the orchestrator onto its sub-trackers. Call
// Start to begin processing and Stop to release all resources.
func NewEnrollmentTracker(cfg TrackerConfig, tailer *LogTailer, apps *AppStateTracker, hello *HelloDetector, emitter Emitter, log logger.Logger) *EnrollmentTracker {
	return &EnrollmentTracker{
		cfg:                 cfg,
		logger:              log,
		emitter:             emitter,
		tailer:              tailer,
		apps:                apps,
		hello:               hello,
		currentPhase:        models.PhaseUnknown,
		lastEmittedProgress: make(map[string]int),
		summaryStop:         make(chan struct{}),
		done:                make(chan struct{}),
	}
}

// Start attaches callbacks and launches the tailer polling loop. It returns
// immediately; processing continues until Stop or context cancellation.
func (e *EnrollmentTracker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.ctx = runCtx
	e.cancel = cancel
	e.mu.Unlock()

	e.apps.OnTransition(e.handleAppTransition)
	e.apps.OnProgress(e.handleAppProgress)
	e.hello.OnCompleted(e.handleHelloCompleted)
	e.tailer.SetHooks(TailerHooks{
		OnPhaseMarker: e.handlePhaseObserved,
		OnMatch:       e.handleGenericMatch,
	})

	if e.tailer.phase != nil {
		e.tailer.phase.SetSink(e.handleCollectorSignal)
	}

	go func() {
		defer close(e.done)
		e.tailer.Run(runCtx)
	}()
}

// Stop disarms timers, detaches callbacks and releases tailer resources.
// Safe to call redundantly and from deferred paths.
func (e *EnrollmentTracker) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()

		close(e.summaryStop)

		if cancel != nil {
			cancel()
			<-e.done
		}

		e.apps.OnTransition(nil)
		e.apps.OnProgress(nil)
		e.tailer.SetHooks(TailerHooks{})

		e.logger.Info().Str("session_id", e.cfg.SessionID).Msg("Enrollment tracker stopped")
	})
}

// handlePhaseObserved applies phase de-duplication: an observation equal to
// the last emitted phase (case-insensitive) produces no event.
func (e *EnrollmentTracker) handlePhaseObserved(phaseName string) {
	phaseName = strings.TrimSpace(phaseName)
	if phaseName == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if strings.EqualFold(phaseName, e.lastPhaseName) {
		return
	}

	e.applyPhaseLocked(phaseName, models.ParsePhase(phaseName))
}

// handleGenericMatch forwards matched lines the tailer does not route
// itself, such as configured failure patterns. A terminal failure match
// closes the session and suppresses any later completion.
func (e *EnrollmentTracker) handleGenericMatch(match *LineMatch) {
	if match.EventType == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.completionFired {
		return
	}

	data := make(models.EventData, 0, len(match.Captures))

	keys := make([]string, 0, len(match.Captures))
	for key := range match.Captures {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		data = append(data, models.DataField{Key: key, Value: match.Captures[key]})
	}

	message := match.Line
	if errorCode := match.Captures["errorCode"]; errorCode != "" {
		message = "Enrollment failed with error " + errorCode
	}

	e.emitLocked(&models.EnrollmentEvent{
		EventType: match.EventType,
		Severity:  match.Severity,
		Phase:     e.currentPhase,
		Message:   message,
		Data:      data,
	})

	if match.EventType == models.EventEnrollmentFailed {
		e.completionFired = true
	}
}

func (e *EnrollmentTracker) handleCollectorSignal(signal Signal) {
	switch signal.Kind {
	case SignalPhase:
		e.handlePhaseObserved(signal.Phase)
	case SignalHelloComplete:
		e.hello.MarkCompleted()
	}
}

// applyPhaseLocked emits the phase change and opens a new phase epoch.
// Caller holds mu.
func (e *EnrollmentTracker) applyPhaseLocked(phaseName string, phase models.EnrollmentPhase) {
	e.lastPhaseName = phaseName
	if phase != models.PhaseUnknown {
		e.currentPhase = phase
	}

	e.inferredThisEpoch = false

	e.emitLocked(&models.EnrollmentEvent{
		EventType: models.EventPhaseChanged,
		Severity:  models.SeverityInfo,
		Phase:     e.currentPhase,
		Message:   "Enrollment phase changed to " + phaseName,
		Data: models.EventData{
			{Key: "phase", Value: phaseName},
		},
	})

	e.armSummaryTask()
}

// handleAppTransition converts accepted state transitions into strategic
// events and drives phase inference and completion.
func (e *EnrollmentTracker) handleAppTransition(pkg *models.AppPackageState, oldState, newState models.InstallState) {
	e.mu.Lock()

	e.inferPhaseLocked(newState)

	eventType, severity := transitionEvent(newState)
	if eventType != "" {
		data := models.EventData{
			{Key: "package_id", Value: pkg.ID},
			{Key: "package_name", Value: pkg.Name},
			{Key: "old_state", Value: oldState.String()},
			{Key: "new_state", Value: newState.String()},
		}

		if pkg.BytesTotal > 0 {
			data.Set("bytes_total", pkg.BytesTotal)
		}

		e.emitLocked(&models.EnrollmentEvent{
			EventType: eventType,
			Severity:  severity,
			Phase:     e.currentPhase,
			Message:   pkg.Name + ": " + oldState.String() + " -> " + newState.String(),
			Data:      data,
		})
	}

	e.mu.Unlock()

	if newState.Terminal() {
		e.checkAppsComplete()
	}
}

// handleAppProgress emits a download_progress event when a package crosses
// the next progress step, keeping the stream compact for slow downloads.
func (e *EnrollmentTracker) handleAppProgress(pkg *models.AppPackageState) {
	if pkg.State != models.StateDownloading || pkg.ProgressPercent <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	last := e.lastEmittedProgress[pkg.ID]
	if pkg.ProgressPercent < last+progressEmitStep && pkg.ProgressPercent < 100 {
		return
	}

	e.lastEmittedProgress[pkg.ID] = pkg.ProgressPercent

	e.emitLocked(&models.EnrollmentEvent{
		EventType: models.EventDownloadProgress,
		Severity:  models.SeverityDebug,
		Phase:     e.currentPhase,
		Message:   pkg.Name + " download progress",
		Data: models.EventData{
			{Key: "package_id", Value: pkg.ID},
			{Key: "package_name", Value: pkg.Name},
			{Key: "percent", Value: pkg.ProgressPercent},
			{Key: "bytes", Value: pkg.BytesDownloaded},
			{Key: "bytes_total", Value: pkg.BytesTotal},
		},
	})
}

// inferPhaseLocked synthesizes the app-installation sub-phase when app
// activity starts inside DeviceSetup or AccountSetup. Fires at most once per
// phase epoch; the guard resets when the phase changes again. The guard does
// not distinguish a package that errors immediately from the real first
// transition, so a brief early failure can still open the sub-phase.
func (e *EnrollmentTracker) inferPhaseLocked(newState models.InstallState) {
	if e.inferredThisEpoch {
		return
	}

	if newState != models.StateDownloading && newState != models.StateInstalling {
		return
	}

	var inferred models.EnrollmentPhase

	switch e.currentPhase {
	case models.PhaseDeviceSetup:
		inferred = models.PhaseDeviceSetupApps
	case models.PhaseAccountSetup:
		inferred = models.PhaseAccountSetupApps
	default:
		return
	}

	e.inferredThisEpoch = true
	e.applyPhaseLocked(inferred.String(), inferred)
	// applyPhaseLocked reset the epoch guard; re-arm it so app activity in
	// the synthesized sub-phase cannot re-infer.
	e.inferredThisEpoch = true
}

func transitionEvent(state models.InstallState) (string, models.Severity) {
	switch state {
	case models.StateDownloading:
		return models.EventDownloadStarted, models.SeverityInfo
	case models.StateInstalling:
		return models.EventInstallStarted, models.SeverityInfo
	case models.StateInstalled:
		return models.EventInstallCompleted, models.SeverityInfo
	case models.StateError:
		return models.EventInstallFailed, models.SeverityError
	case models.StateSkipped:
		return models.EventInstallSkipped, models.SeverityWarning
	case models.StatePostponed:
		return models.EventInstallPostponed, models.SeverityWarning
	default:
		return "", models.SeverityInfo
	}
}

// armSummaryTask starts the periodic aggregate summary once the first phase
// signal arrives. Caller holds mu.
func (e *EnrollmentTracker) armSummaryTask() {
	e.summaryOnce.Do(func() {
		interval := e.cfg.SummaryInterval.Duration()
		if interval <= 0 {
			interval = defaultSummaryInterval
		}

		go e.runSummaryTask(interval)
	})
}

func (e *EnrollmentTracker) runSummaryTask(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.summaryStop:
			return
		case <-ticker.C:
			snap := e.apps.Snapshot()
			if snap.CountAll == 0 {
				continue
			}

			if snap.AllTerminal() {
				// All packages finished; the task disarms itself.
				return
			}

			e.mu.Lock()
			e.emitLocked(&models.EnrollmentEvent{
				EventType: models.EventInstallSummary,
				Severity:  models.SeverityInfo,
				Phase:     e.currentPhase,
				Message:   "App installation progress summary",
				Data: models.EventData{
					{Key: "count_all", Value: snap.CountAll},
					{Key: "count_completed", Value: snap.CountCompleted},
					{Key: "error_count", Value: snap.ErrorCount},
					{Key: "has_error", Value: snap.HasError},
				},
			})
			e.mu.Unlock()
		}
	}
}

// checkAppsComplete re-evaluates the completion join after a package reached
// a terminal state.
func (e *EnrollmentTracker) checkAppsComplete() {
	snap := e.apps.Snapshot()
	if !snap.AllTerminal() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.appsComplete = true
	e.decideCompletionLocked()
}

// handleHelloCompleted is the asynchronous Hello provisioning signal. It
// races with log-driven completion, so the decision runs under the same
// mutex as checkAppsComplete.
func (e *EnrollmentTracker) handleHelloCompleted() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.decideCompletionLocked()
}

// decideCompletionLocked is the single decision point for the two
// independent completion signals. Caller holds mu.
func (e *EnrollmentTracker) decideCompletionLocked() {
	if e.completionFired || !e.appsComplete {
		return
	}

	if e.hello.PolicyConfigured() && !e.hello.Completed() {
		if !e.waitingEmitted {
			e.waitingEmitted = true
			e.emitLocked(&models.EnrollmentEvent{
				EventType: models.EventHelloWaiting,
				Severity:  models.SeverityInfo,
				Phase:     e.currentPhase,
				Message:   "All apps installed, waiting for Windows Hello provisioning",
			})
		}

		return
	}

	e.completionFired = true
	e.currentPhase = models.PhaseComplete

	snap := e.apps.Snapshot()

	e.emitLocked(&models.EnrollmentEvent{
		EventType: models.EventEnrollmentComplete,
		Severity:  models.SeverityInfo,
		Phase:     models.PhaseComplete,
		Message:   "Enrollment completed",
		Data: models.EventData{
			{Key: "count_all", Value: snap.CountAll},
			{Key: "count_completed", Value: snap.CountCompleted},
			{Key: "error_count", Value: snap.ErrorCount},
		},
	})

	e.writeCompletionMarker()
}

// writeCompletionMarker drops the restart-safe completion artifact. Failure
// is logged and non-fatal.
func (e *EnrollmentTracker) writeCompletionMarker() {
	if e.cfg.CompletionMarkerPath == "" {
		return
	}

	content := []byte(e.cfg.SessionID + " " + time.Now().UTC().Format(time.RFC3339) + "\n")

	if err := os.WriteFile(e.cfg.CompletionMarkerPath, content, 0o600); err != nil {
		e.logger.Warn().Err(err).
			Str("path", e.cfg.CompletionMarkerPath).
			Msg("Failed to write completion marker")
	}
}

// emitLocked stamps identity, sequence and timestamp onto the event and
// hands it to the emitter. Caller holds mu; sequence assignment and emission
// order stay consistent.
func (e *EnrollmentTracker) emitLocked(event *models.EnrollmentEvent) {
	e.seq++

	event.SessionID = e.cfg.SessionID
	event.TenantID = e.cfg.TenantID
	event.Sequence = e.seq
	event.Timestamp = time.Now().UTC()

	if event.Source == "" {
		event.Source = e.cfg.Source
	}

	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := e.emitter.Emit(ctx, event); err != nil {
		e.logger.Warn().Err(err).
			Str("event_type", event.EventType).
			Int64("sequence", event.Sequence).
			Msg("Failed to hand off event to emitter")
	}
}
