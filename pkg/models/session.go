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

import "time"

// SessionStatus is the lifecycle status of an enrollment session. A session
// leaves InProgress at most once and never regresses from a terminal value.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "InProgress"
	SessionSucceeded  SessionStatus = "Succeeded"
	SessionFailed     SessionStatus = "Failed"
)

// Terminal reports whether the status ends the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionSucceeded || s == SessionFailed
}

// SessionSummary is the durable per-session record, created on registration
// and updated by the ingestion service on every relevant batch.
type SessionSummary struct {
	SessionID       string          `json:"sessionId"`
	TenantID        string          `json:"tenantId"`
	DeviceName      string          `json:"deviceName,omitempty"`
	DeviceSerial    string          `json:"deviceSerial,omitempty"`
	Manufacturer    string          `json:"manufacturer,omitempty"`
	Model           string          `json:"model,omitempty"`
	OSVersion       string          `json:"osVersion,omitempty"`
	StartedAt       time.Time       `json:"startedAt"`
	Status          SessionStatus   `json:"status"`
	CurrentPhase    EnrollmentPhase `json:"currentPhase"`
	EventCount      int             `json:"eventCount"`
	DurationSeconds int64           `json:"durationSeconds"`
	FailureMessage  string          `json:"failureMessage,omitempty"`
}

// AppInstallSummary is the per-(session, app) install rollup, upserted
// incrementally as download/install events arrive. Byte and duration fields
// are monotonic and only increase.
type AppInstallSummary struct {
	AppName                 string     `json:"appName"`
	SessionID               string     `json:"sessionId"`
	TenantID                string     `json:"tenantId"`
	Status                  string     `json:"status"`
	StartedAt               *time.Time `json:"startedAt,omitempty"`
	CompletedAt             *time.Time `json:"completedAt,omitempty"`
	DurationSeconds         int64      `json:"durationSeconds"`
	DownloadBytes           int64      `json:"downloadBytes"`
	DownloadDurationSeconds int64      `json:"downloadDurationSeconds"`
	FailureCode             string     `json:"failureCode,omitempty"`
	FailureMessage          string     `json:"failureMessage,omitempty"`
}

// RuleResult is one finding produced by the rule engine at session
// termination. Results are appended, never updated.
type RuleResult struct {
	SessionID string   `json:"sessionId"`
	TenantID  string   `json:"tenantId"`
	RuleID    string   `json:"ruleId"`
	RuleTitle string   `json:"ruleTitle,omitempty"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Evidence  []int64  `json:"evidence,omitempty"`
}

// RegistrationRequest is the device identity payload sent when a session
// starts.
type RegistrationRequest struct {
	SessionID    string `json:"sessionId"`
	TenantID     string `json:"tenantId"`
	DeviceName   string `json:"deviceName"`
	DeviceSerial string `json:"deviceSerial"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	OSVersion    string `json:"osVersion,omitempty"`
}

// RegistrationResponse acknowledges a session registration.
type RegistrationResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestRequest is the legacy single-document batch body for /events/ingest.
type IngestRequest struct {
	SessionID string            `json:"sessionId"`
	TenantID  string            `json:"tenantId"`
	Events    []EnrollmentEvent `json:"events"`
}

// BatchHeader is the first NDJSON line of a compressed batch.
type BatchHeader struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
}

// IngestResponse reports batch outcome counts; processed never exceeds
// received.
type IngestResponse struct {
	EventsReceived  int `json:"eventsReceived"`
	EventsProcessed int `json:"eventsProcessed"`
}

// HardwareFilter is one allowlist entry matched against device registration
// identity. An empty Model matches every model of the manufacturer.
type HardwareFilter struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model,omitempty"`
}

// PatternConfig declares one agent line pattern: a named regex whose named
// capture groups become match fields. Fields optionally renames captures on
// output (capture name -> output field name).
type PatternConfig struct {
	Name       string            `json:"name"`
	Expression string            `json:"expression"`
	EventType  string            `json:"event_type"`
	Severity   Severity          `json:"severity,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// TenantConfig carries per-tenant ingestion policy. Served from a short-TTL
// cache in front of the store.
type TenantConfig struct {
	TenantID              string           `json:"tenantId"`
	MaxDecompressedBytes  int64            `json:"maxDecompressedBytes"`
	RateLimitPerMinute    int              `json:"rateLimitPerMinute"`
	AuthFailureThreshold  int              `json:"authFailureThreshold"`
	AllowedHardware       []HardwareFilter `json:"allowedHardware,omitempty"`
	HelloPolicyConfigured bool             `json:"helloPolicyConfigured"`
	// Patterns, when set, replaces the agents' line pattern table on their
	// next config fetch.
	Patterns []PatternConfig `json:"patterns,omitempty"`
}

// AgentRemoteConfig is the document agents periodically fetch from the core
// config endpoint.
type AgentRemoteConfig struct {
	CollectorToggles       map[string]bool `json:"collectorToggles"`
	ActiveRules            []string        `json:"activeRules"`
	Patterns               []PatternConfig `json:"patterns,omitempty"`
	RefreshIntervalSeconds int             `json:"refreshIntervalSeconds"`
}

// ErrorResponse is the JSON error body returned by the HTTP API.
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	// Retry is false when the device should stop retrying (auth circuit
	// breaker tripped).
	Retry *bool `json:"retry,omitempty"`
}

// CORSConfig controls the API middleware's CORS behavior.
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowCredentials bool     `json:"allow_credentials"`
}
