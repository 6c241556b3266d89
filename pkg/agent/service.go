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
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

var (
	errTenantRequired  = errors.New("tenant_id is required")
	errLogPathRequired = errors.New("log.path is required")
	errIngestRequired  = errors.New("emitter.ingest_url is required")
)

// ReplayConfig enables simulation mode: a static log replayed with a time
// compression factor instead of live tailing.
type ReplayConfig struct {
	Factor float64 `json:"factor"`
}

// ServerConfig is the agent service configuration document.
type ServerConfig struct {
	TenantID              string          `json:"tenant_id"`
	SessionID             string          `json:"session_id,omitempty"`
	Source                string          `json:"source,omitempty"`
	Log                   TailerConfig    `json:"log"`
	Patterns              []PatternConfig `json:"patterns"`
	HelloPolicyConfigured bool            `json:"hello_policy_configured"`
	SummaryInterval       models.Duration `json:"summary_interval,omitempty"`
	CompletionMarkerPath  string          `json:"completion_marker_path,omitempty"`
	Emitter               EmitterConfig   `json:"emitter"`
	ConfigURL             string          `json:"config_url,omitempty"`
	Replay                *ReplayConfig   `json:"replay,omitempty"`
	Logging               *logger.Config  `json:"logging,omitempty"`
}

// Validate implements config.Validator.
func (c *ServerConfig) Validate() error {
	if c.TenantID == "" {
		return errTenantRequired
	}

	if c.Log.Path == "" {
		return errLogPathRequired
	}

	if c.Emitter.IngestURL == "" {
		return errIngestRequired
	}

	return nil
}

// Service assembles the agent pipeline for one enrollment session: matcher,
// trackers, tailer, orchestrator, emitter and config sync.
type Service struct {
	cfg     *ServerConfig
	logger  logger.Logger
	tracker *EnrollmentTracker
	emitter *BatchEmitter
	sync    *ConfigSync
	matcher *Matcher
	phase   *PhaseDetector

	cancel context.CancelFunc
}

// NewService wires the agent from configuration. Collectors are optional;
// pass nil when only log markers drive phase detection.
func NewService(cfg *ServerConfig, collectors []Collector, log logger.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}

	matcher, err := NewMatcher(cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("compile patterns: %w", err)
	}

	apps := NewAppStateTracker()
	hello := NewHelloDetector(cfg.HelloPolicyConfigured)
	phase := NewPhaseDetector(collectors, log)
	tailer := NewLogTailer(cfg.Log, matcher, apps, phase, hello, log)
	emitter := NewBatchEmitter(cfg.Emitter, log)

	tracker := NewEnrollmentTracker(TrackerConfig{
		SessionID:            cfg.SessionID,
		TenantID:             cfg.TenantID,
		Source:               cfg.Source,
		SummaryInterval:      cfg.SummaryInterval,
		CompletionMarkerPath: cfg.CompletionMarkerPath,
	}, tailer, apps, hello, emitter, log)

	s := &Service{
		cfg:     cfg,
		logger:  log,
		tracker: tracker,
		emitter: emitter,
		matcher: matcher,
		phase:   phase,
	}

	if cfg.ConfigURL != "" {
		s.sync = NewConfigSync(cfg.ConfigURL, cfg.TenantID, s.applyRemoteConfig, log)
	}

	return s, nil
}

// Start launches the pipeline. In replay mode the static log is fed once
// through the same processing path and the service stops when it finishes.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.emitter.Run(runCtx)

	if s.sync != nil {
		go s.sync.Run(runCtx)
	}

	if s.cfg.Replay != nil {
		s.tracker.Start(runCtx)

		lines, err := s.tracker.tailer.Replay(runCtx, s.cfg.Replay.Factor)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}

		s.logger.Info().Int("lines", lines).Msg("Replay finished")

		return nil
	}

	s.tracker.Start(runCtx)

	s.logger.Info().
		Str("session_id", s.cfg.SessionID).
		Str("log_path", s.cfg.Log.Path).
		Msg("Agent started")

	return nil
}

// Stop tears the pipeline down. Every resource releases even when called on
// an error path.
func (s *Service) Stop() {
	s.tracker.Stop()

	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) applyRemoteConfig(remote *models.AgentRemoteConfig) {
	s.phase.SetToggles(remote.CollectorToggles)

	if len(remote.Patterns) > 0 {
		if err := s.matcher.Reload(remote.Patterns); err != nil {
			s.logger.Warn().Err(err).Msg("Rejected remote pattern set, keeping current patterns")
		}
	}

	s.logger.Debug().
		Int("collector_toggles", len(remote.CollectorToggles)).
		Int("active_rules", len(remote.ActiveRules)).
		Int("patterns", len(remote.Patterns)).
		Msg("Applied remote configuration")
}
