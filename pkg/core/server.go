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

package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/espwatch/espwatch/pkg/db"
	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

var (
	// ErrUnauthorized indicates a missing or unusable device certificate.
	ErrUnauthorized = errors.New("device not authorized")
	// ErrRateLimited indicates the device exceeded its per-minute budget.
	ErrRateLimited = errors.New("device rate limit exceeded")
	// ErrCircuitOpen indicates repeated auth failures tripped the
	// stop-retrying breaker for this device.
	ErrCircuitOpen = errors.New("device auth circuit breaker open")
	// ErrHardwareNotAllowed indicates the device identity failed the
	// tenant's hardware allowlist.
	ErrHardwareNotAllowed = errors.New("device hardware not allowed for tenant")
)

// Broadcaster pushes live updates to connected viewers. The api package
// provides the websocket implementation; a nil-safe no-op is used in tests.
type Broadcaster interface {
	BroadcastSummary(tenantID string, summary *models.SessionSummary)
	BroadcastDetail(tenantID, sessionID string, events []models.EnrollmentEvent, summary *models.SessionSummary)
}

// Server is the ingestion service: it correlates event batches into session
// state, maintains per-app rollups, and triggers rule evaluation when a
// session terminates.
type Server struct {
	store       db.Service
	tenants     *TenantCache
	limiter     *RateLimiter
	rules       *RuleEngine
	broadcaster Broadcaster
	stats       IngestionStats
	logger      logger.Logger

	defaultMaxDecompressed int64
	agentRefreshSeconds    int
}

// ServerOption mutates the server during construction.
type ServerOption func(*Server)

// WithRuleEngine attaches the sigma rule engine.
func WithRuleEngine(rules *RuleEngine) ServerOption {
	return func(s *Server) { s.rules = rules }
}

// WithBroadcaster attaches the realtime fan-out.
func WithBroadcaster(b Broadcaster) ServerOption {
	return func(s *Server) { s.broadcaster = b }
}

// WithDefaultMaxDecompressedBytes overrides the batch size ceiling applied
// to tenants without an explicit limit.
func WithDefaultMaxDecompressedBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.defaultMaxDecompressed = n
		}
	}
}

// WithAgentRefreshInterval sets the refresh interval handed to agents via
// the config endpoint.
func WithAgentRefreshInterval(seconds int) ServerOption {
	return func(s *Server) {
		if seconds > 0 {
			s.agentRefreshSeconds = seconds
		}
	}
}

// NewServer builds the ingestion service on the given store.
func NewServer(store db.Service, log logger.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:                  store,
		tenants:                NewTenantCache(store),
		limiter:                NewRateLimiter(),
		logger:                 log,
		defaultMaxDecompressed: DefaultMaxDecompressedBytes,
		agentRefreshSeconds:    300,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Stats exposes the ingestion counters.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// RecordBatchRejected counts a batch refused before processing.
func (s *Server) RecordBatchRejected() {
	s.stats.BatchesRejected.Add(1)
}

// MaxDecompressedBytes resolves the batch ceiling for a tenant.
func (s *Server) MaxDecompressedBytes(ctx context.Context, tenantID string) int64 {
	cfg, err := s.tenants.Get(ctx, tenantID)
	if err != nil || cfg.MaxDecompressedBytes <= 0 {
		return s.defaultMaxDecompressed
	}

	return cfg.MaxDecompressedBytes
}

// AuthorizeDevice runs the pre-processing authorization chain: certificate
// presence, circuit breaker, then the per-device rate limit. Failures bump
// the device's failure counter; the returned error is ErrCircuitOpen once
// the tenant's threshold is exceeded.
func (s *Server) AuthorizeDevice(ctx context.Context, tenantID, deviceCert string) error {
	deviceKey := tenantID + "/" + deviceCert

	threshold := 0
	limit := 0

	if cfg, err := s.tenants.Get(ctx, tenantID); err == nil {
		threshold = cfg.AuthFailureThreshold
		limit = cfg.RateLimitPerMinute
	}

	if s.limiter.Tripped(deviceKey) {
		s.stats.AuthFailures.Add(1)
		return ErrCircuitOpen
	}

	if deviceCert == "" {
		s.stats.AuthFailures.Add(1)

		if s.limiter.RecordAuthFailure(deviceKey, threshold) {
			return ErrCircuitOpen
		}

		return ErrUnauthorized
	}

	if !s.limiter.Allow(deviceKey, limit) {
		s.stats.AuthFailures.Add(1)

		if s.limiter.RecordAuthFailure(deviceKey, threshold) {
			return ErrCircuitOpen
		}

		return ErrRateLimited
	}

	s.limiter.ResetAuthFailures(deviceKey)

	return nil
}

// RegisterSession validates device identity against the tenant's hardware
// allowlist and creates the session record.
func (s *Server) RegisterSession(ctx context.Context, req *models.RegistrationRequest) (*models.RegistrationResponse, error) {
	if req.SessionID == "" || req.TenantID == "" {
		return nil, ErrMissingIDs
	}

	if cfg, err := s.tenants.Get(ctx, req.TenantID); err == nil {
		if !hardwareAllowed(cfg.AllowedHardware, req.Manufacturer, req.Model) {
			return nil, ErrHardwareNotAllowed
		}
	}

	summary := &models.SessionSummary{
		SessionID:    req.SessionID,
		TenantID:     req.TenantID,
		DeviceName:   req.DeviceName,
		DeviceSerial: req.DeviceSerial,
		Manufacturer: req.Manufacturer,
		Model:        req.Model,
		OSVersion:    req.OSVersion,
		StartedAt:    time.Now().UTC(),
		Status:       models.SessionInProgress,
		CurrentPhase: models.PhaseUnknown,
	}

	if err := s.store.RegisterSession(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	s.logger.Info().
		Str("session_id", req.SessionID).
		Str("tenant_id", req.TenantID).
		Str("device", req.DeviceName).
		Msg("Session registered")

	return &models.RegistrationResponse{
		Success:   true,
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ProcessBatch persists a decoded batch and folds it into session state.
// Individual event failures are logged and skipped; the response counts
// reflect them. Rule evaluation and fan-out failures never fail the batch.
func (s *Server) ProcessBatch(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error) {
	s.stats.BatchesReceived.Add(1)
	s.stats.EventsReceived.Add(int64(len(req.Events)))

	session, err := s.store.GetSession(ctx, req.TenantID, req.SessionID)
	if err != nil {
		if !errors.Is(err, db.ErrSessionNotFound) {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}

		// Agents may start streaming before registration lands.
		session = &models.SessionSummary{
			SessionID:    req.SessionID,
			TenantID:     req.TenantID,
			StartedAt:    time.Now().UTC(),
			Status:       models.SessionInProgress,
			CurrentPhase: models.PhaseUnknown,
		}

		if err := s.store.RegisterSession(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to create implicit session: %w", err)
		}
	}

	wasTerminal := session.Status.Terminal()

	resp := &models.IngestResponse{EventsReceived: len(req.Events)}

	var stored []models.EnrollmentEvent

	for i := range req.Events {
		event := req.Events[i]
		// Identity comes from the authenticated batch header, never from
		// the event payload.
		event.SessionID = req.SessionID
		event.TenantID = req.TenantID

		inserted, err := s.store.StoreEvent(ctx, &event)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("session_id", req.SessionID).
				Int64("sequence", event.Sequence).
				Msg("Failed to store event, skipping")

			continue
		}

		resp.EventsProcessed++

		if inserted {
			s.stats.EventsStored.Add(1)
			session.EventCount++
			stored = append(stored, event)
			// Rollups fold first deliveries only; a redelivered early event
			// must not walk an app's status back from a terminal state.
			s.foldAppEvent(ctx, &event)
		} else {
			s.stats.EventsDuplicate.Add(1)
		}
	}

	s.foldSessionState(session, stored)

	if err := s.store.UpdateSession(ctx, session); err != nil {
		s.logger.Error().Err(err).
			Str("session_id", req.SessionID).
			Msg("Failed to update session summary")
	}

	if session.Status.Terminal() && !wasTerminal {
		s.runRules(ctx, session)
	}

	s.broadcast(session, stored)

	return resp, nil
}

// foldSessionState derives status, phase and duration from newly stored
// events. The last terminal event by sequence wins; a terminal status never
// regresses.
func (s *Server) foldSessionState(session *models.SessionSummary, stored []models.EnrollmentEvent) {
	var lastTerminal *models.EnrollmentEvent

	for i := range stored {
		event := &stored[i]

		if event.Timestamp.After(session.StartedAt) {
			session.DurationSeconds = int64(event.Timestamp.Sub(session.StartedAt) / time.Second)
		}

		if event.EventType == models.EventPhaseChanged && !session.Status.Terminal() {
			if event.Phase != models.PhaseUnknown {
				session.CurrentPhase = event.Phase
			}
		}

		if event.IsTerminal() {
			if lastTerminal == nil || event.Sequence > lastTerminal.Sequence {
				lastTerminal = event
			}
		}
	}

	if lastTerminal == nil || session.Status.Terminal() {
		return
	}

	switch lastTerminal.EventType {
	case models.EventEnrollmentComplete:
		session.Status = models.SessionSucceeded
		session.CurrentPhase = models.PhaseComplete
	case models.EventEnrollmentFailed:
		session.Status = models.SessionFailed
		session.FailureMessage = failureMessage(lastTerminal)
	}
}

// foldAppEvent maintains the per-(session, app) install rollup. Failures are
// logged and skipped so one bad rollup never stalls the batch.
func (s *Server) foldAppEvent(ctx context.Context, event *models.EnrollmentEvent) {
	summary := appSummaryFromEvent(event)
	if summary == nil {
		return
	}

	if err := s.store.UpsertAppInstallSummary(ctx, summary); err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", event.SessionID).
			Str("app", summary.AppName).
			Msg("Failed to upsert app install summary")
	}
}

func (s *Server) runRules(ctx context.Context, session *models.SessionSummary) {
	if s.rules == nil {
		return
	}

	s.stats.RuleRuns.Add(1)

	history, err := s.store.GetSessionEvents(ctx, session.TenantID, session.SessionID)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", session.SessionID).
			Msg("Failed to load history for rule evaluation")

		return
	}

	results := s.rules.Evaluate(ctx, session.TenantID, session.SessionID, history)
	if len(results) == 0 {
		return
	}

	if err := s.store.StoreRuleResults(ctx, results); err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", session.SessionID).
			Msg("Failed to store rule results")
	}
}

func (s *Server) broadcast(session *models.SessionSummary, stored []models.EnrollmentEvent) {
	if s.broadcaster == nil || len(stored) == 0 {
		return
	}

	s.broadcaster.BroadcastSummary(session.TenantID, session)
	s.broadcaster.BroadcastDetail(session.TenantID, session.SessionID, stored, session)
}

// ListSessions returns the tenant's sessions.
func (s *Server) ListSessions(ctx context.Context, tenantID string) ([]models.SessionSummary, error) {
	return s.store.ListSessions(ctx, tenantID)
}

// GetSessionEvents returns a session's history ordered by sequence.
func (s *Server) GetSessionEvents(ctx context.Context, tenantID, sessionID string) ([]models.EnrollmentEvent, error) {
	return s.store.GetSessionEvents(ctx, tenantID, sessionID)
}

// GetSession returns the session record.
func (s *Server) GetSession(ctx context.Context, tenantID, sessionID string) (*models.SessionSummary, error) {
	return s.store.GetSession(ctx, tenantID, sessionID)
}

// ListRuleResults returns the findings for a terminated session.
func (s *Server) ListRuleResults(ctx context.Context, tenantID, sessionID string) ([]models.RuleResult, error) {
	return s.store.ListRuleResults(ctx, tenantID, sessionID)
}

// ListAppInstallSummaries returns the per-app rollups for a session.
func (s *Server) ListAppInstallSummaries(ctx context.Context, tenantID, sessionID string) ([]models.AppInstallSummary, error) {
	return s.store.ListAppInstallSummaries(ctx, tenantID, sessionID)
}

// AgentConfig builds the document agents poll from the config endpoint.
func (s *Server) AgentConfig(ctx context.Context, tenantID string) *models.AgentRemoteConfig {
	cfg := &models.AgentRemoteConfig{
		CollectorToggles:       map[string]bool{},
		RefreshIntervalSeconds: s.agentRefreshSeconds,
	}

	if s.rules != nil {
		cfg.ActiveRules = s.rules.RuleIDs()
	}

	if tenant, err := s.tenants.Get(ctx, tenantID); err == nil {
		cfg.CollectorToggles["hello"] = tenant.HelloPolicyConfigured
		cfg.Patterns = tenant.Patterns
	}

	return cfg
}

func hardwareAllowed(filters []models.HardwareFilter, manufacturer, model string) bool {
	if len(filters) == 0 {
		return true
	}

	for _, filter := range filters {
		if !strings.EqualFold(filter.Manufacturer, manufacturer) {
			continue
		}

		if filter.Model == "" || strings.EqualFold(filter.Model, model) {
			return true
		}
	}

	return false
}

func failureMessage(event *models.EnrollmentEvent) string {
	message := event.Message

	code := event.Data.GetString("errorCode")
	if code == "" {
		code = event.Data.GetString("error_code")
	}

	if code != "" && !strings.Contains(message, code) {
		if message == "" {
			return "Enrollment failed with error " + code
		}

		return message + " (error " + code + ")"
	}

	if message == "" {
		return "Enrollment failed"
	}

	return message
}

// appSummaryFromEvent translates one app lifecycle event into a rollup
// delta. Monotonic merge happens in the store.
func appSummaryFromEvent(event *models.EnrollmentEvent) *models.AppInstallSummary {
	name := event.Data.GetString("package_name")
	if name == "" {
		name = event.Data.GetString("package_id")
	}

	if name == "" {
		return nil
	}

	ts := event.Timestamp
	summary := &models.AppInstallSummary{
		AppName:   name,
		SessionID: event.SessionID,
		TenantID:  event.TenantID,
	}

	switch event.EventType {
	case models.EventDownloadStarted:
		summary.Status = models.StateDownloading.String()
		summary.StartedAt = &ts
	case models.EventDownloadProgress:
		summary.Status = models.StateDownloading.String()
		summary.DownloadBytes = dataInt64(event.Data, "bytes")
	case models.EventInstallStarted:
		summary.Status = models.StateInstalling.String()
		summary.DownloadBytes = dataInt64(event.Data, "bytes_total")
		summary.DownloadDurationSeconds = dataInt64(event.Data, "download_duration_seconds")
	case models.EventInstallCompleted:
		summary.Status = models.StateInstalled.String()
		summary.CompletedAt = &ts
		summary.DurationSeconds = dataInt64(event.Data, "duration_seconds")
	case models.EventInstallFailed:
		summary.Status = models.StateError.String()
		summary.CompletedAt = &ts
		summary.DurationSeconds = dataInt64(event.Data, "duration_seconds")
		summary.FailureCode = event.Data.GetString("errorCode")
		summary.FailureMessage = event.Message
	case models.EventInstallSkipped:
		summary.Status = models.StateSkipped.String()
		summary.CompletedAt = &ts
	case models.EventInstallPostponed:
		summary.Status = models.StatePostponed.String()
		summary.CompletedAt = &ts
	default:
		return nil
	}

	return summary
}

func dataInt64(data models.EventData, key string) int64 {
	switch v := data.Get(key).(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n
		}
	case interface{ Int64() (int64, error) }:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}

	return 0
}
