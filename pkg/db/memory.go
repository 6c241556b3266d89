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

package db

import (
	"context"
	"sort"
	"sync"

	"github.com/espwatch/espwatch/pkg/models"
)

type sessionKey struct {
	tenantID  string
	sessionID string
}

type eventKey struct {
	tenantID  string
	sessionID string
	sequence  int64
}

type appKey struct {
	tenantID  string
	sessionID string
	appName   string
}

type ruleKey struct {
	tenantID  string
	sessionID string
	ruleID    string
}

// MemoryStore is an in-memory Service used by tests and single-node
// development deployments. It applies the same conflict semantics as the
// Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[sessionKey]models.SessionSummary
	events   map[eventKey]models.EnrollmentEvent
	apps     map[appKey]models.AppInstallSummary
	rules    map[ruleKey]models.RuleResult
	tenants  map[string]models.TenantConfig
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[sessionKey]models.SessionSummary),
		events:   make(map[eventKey]models.EnrollmentEvent),
		apps:     make(map[appKey]models.AppInstallSummary),
		rules:    make(map[ruleKey]models.RuleResult),
		tenants:  make(map[string]models.TenantConfig),
	}
}

func (s *MemoryStore) RegisterSession(_ context.Context, summary *models.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{summary.TenantID, summary.SessionID}

	if existing, ok := s.sessions[key]; ok {
		existing.DeviceName = summary.DeviceName
		existing.DeviceSerial = summary.DeviceSerial
		existing.Manufacturer = summary.Manufacturer
		existing.Model = summary.Model
		existing.OSVersion = summary.OSVersion
		s.sessions[key] = existing

		return nil
	}

	s.sessions[key] = *summary

	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, tenantID, sessionID string) (*models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.sessions[sessionKey{tenantID, sessionID}]
	if !ok {
		return nil, ErrSessionNotFound
	}

	return &summary, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, tenantID string) ([]models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []models.SessionSummary

	for key, summary := range s.sessions {
		if key.tenantID == tenantID {
			sessions = append(sessions, summary)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].SessionID < sessions[j].SessionID
		}

		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	return sessions, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, summary *models.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{summary.TenantID, summary.SessionID}
	if _, ok := s.sessions[key]; !ok {
		return ErrSessionNotFound
	}

	s.sessions[key] = *summary

	return nil
}

func (s *MemoryStore) StoreEvent(_ context.Context, event *models.EnrollmentEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey{event.TenantID, event.SessionID, event.Sequence}
	if _, ok := s.events[key]; ok {
		return false, nil
	}

	s.events[key] = *event

	return true, nil
}

func (s *MemoryStore) GetSessionEvents(_ context.Context, tenantID, sessionID string) ([]models.EnrollmentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []models.EnrollmentEvent

	for key, event := range s.events {
		if key.tenantID == tenantID && key.sessionID == sessionID {
			events = append(events, event)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Sequence < events[j].Sequence
	})

	return events, nil
}

func (s *MemoryStore) UpsertAppInstallSummary(_ context.Context, summary *models.AppInstallSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := appKey{summary.TenantID, summary.SessionID, summary.AppName}

	existing, ok := s.apps[key]
	if !ok {
		s.apps[key] = *summary
		return nil
	}

	existing.Status = summary.Status

	if existing.StartedAt == nil {
		existing.StartedAt = summary.StartedAt
	}

	if existing.CompletedAt == nil {
		existing.CompletedAt = summary.CompletedAt
	}

	if summary.DurationSeconds > existing.DurationSeconds {
		existing.DurationSeconds = summary.DurationSeconds
	}

	if summary.DownloadBytes > existing.DownloadBytes {
		existing.DownloadBytes = summary.DownloadBytes
	}

	if summary.DownloadDurationSeconds > existing.DownloadDurationSeconds {
		existing.DownloadDurationSeconds = summary.DownloadDurationSeconds
	}

	if summary.FailureCode != "" {
		existing.FailureCode = summary.FailureCode
	}

	if summary.FailureMessage != "" {
		existing.FailureMessage = summary.FailureMessage
	}

	s.apps[key] = existing

	return nil
}

func (s *MemoryStore) ListAppInstallSummaries(_ context.Context, tenantID, sessionID string) ([]models.AppInstallSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []models.AppInstallSummary

	for key, summary := range s.apps {
		if key.tenantID == tenantID && key.sessionID == sessionID {
			summaries = append(summaries, summary)
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].AppName < summaries[j].AppName
	})

	return summaries, nil
}

func (s *MemoryStore) StoreRuleResults(_ context.Context, results []models.RuleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range results {
		result := results[i]

		key := ruleKey{result.TenantID, result.SessionID, result.RuleID}
		if _, ok := s.rules[key]; ok {
			continue
		}

		s.rules[key] = result
	}

	return nil
}

func (s *MemoryStore) ListRuleResults(_ context.Context, tenantID, sessionID string) ([]models.RuleResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []models.RuleResult

	for key, result := range s.rules {
		if key.tenantID == tenantID && key.sessionID == sessionID {
			results = append(results, result)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].RuleID < results[j].RuleID
	})

	return results, nil
}

func (s *MemoryStore) GetTenantConfig(_ context.Context, tenantID string) (*models.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}

	return &cfg, nil
}

// SetTenantConfig seeds per-tenant policy. Used by tests and development
// bootstrap.
func (s *MemoryStore) SetTenantConfig(cfg *models.TenantConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tenants[cfg.TenantID] = *cfg
}

func (s *MemoryStore) Close() error {
	return nil
}
