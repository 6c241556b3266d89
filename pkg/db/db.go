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

// Package db defines the keyed record store boundary used by the core
// service, plus its Postgres and in-memory implementations.
package db

import (
	"context"
	"errors"

	"github.com/espwatch/espwatch/pkg/models"
)

var (
	// ErrSessionNotFound indicates the (tenant, session) pair is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTenantNotFound indicates no stored configuration for the tenant.
	ErrTenantNotFound = errors.New("tenant not found")
)

// Service is the durable store contract. All operations are tenant-scoped;
// implementations must never return a record outside the caller's tenant.
// Calls take a context and surface connectivity failures promptly rather
// than blocking indefinitely.
type Service interface {
	// RegisterSession creates or refreshes the per-session record.
	RegisterSession(ctx context.Context, summary *models.SessionSummary) error
	GetSession(ctx context.Context, tenantID, sessionID string) (*models.SessionSummary, error)
	ListSessions(ctx context.Context, tenantID string) ([]models.SessionSummary, error)
	// UpdateSession persists the full summary row.
	UpdateSession(ctx context.Context, summary *models.SessionSummary) error

	// StoreEvent persists one event, idempotent on (session, sequence).
	// The bool reports whether a new row was inserted; a duplicate
	// delivery returns (false, nil).
	StoreEvent(ctx context.Context, event *models.EnrollmentEvent) (bool, error)
	// GetSessionEvents returns the full history ordered by sequence.
	GetSessionEvents(ctx context.Context, tenantID, sessionID string) ([]models.EnrollmentEvent, error)

	// UpsertAppInstallSummary merges one rollup row. Monotonic fields
	// (bytes, durations) only increase; timestamps only fill forward.
	UpsertAppInstallSummary(ctx context.Context, summary *models.AppInstallSummary) error
	ListAppInstallSummaries(ctx context.Context, tenantID, sessionID string) ([]models.AppInstallSummary, error)

	// StoreRuleResults appends findings, idempotent on
	// (session, rule id).
	StoreRuleResults(ctx context.Context, results []models.RuleResult) error
	ListRuleResults(ctx context.Context, tenantID, sessionID string) ([]models.RuleResult, error)

	GetTenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error)

	Close() error
}
