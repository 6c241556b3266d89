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
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

const defaultPostgresPort = 5432

// NewPool dials the configured Postgres cluster and returns a pgx pool for
// the session store.
func NewPool(ctx context.Context, cfg *models.PostgresConfig, log logger.Logger) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, nil
	}

	pg := *cfg
	if pg.Port == 0 {
		pg.Port = defaultPostgresPort
	}

	connURL := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", pg.Host, pg.Port),
		Path:   "/" + pg.Database,
	}

	if pg.Username != "" {
		if pg.Password != "" {
			connURL.User = url.UserPassword(pg.Username, pg.Password)
		} else {
			connURL.User = url.User(pg.Username)
		}
	}

	query := connURL.Query()

	sslMode := pg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	query.Set("sslmode", sslMode)

	if pg.ApplicationName != "" {
		query.Set("application_name", pg.ApplicationName)
	}

	connURL.RawQuery = query.Encode()

	poolConfig, err := pgxpool.ParseConfig(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}

	if pg.MaxConnections > 0 {
		poolConfig.MaxConns = pg.MaxConnections
	}

	if pg.MinConnections > 0 {
		poolConfig.MinConns = pg.MinConnections
	}

	if pg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = pg.MaxConnLifetime.Duration()
	}

	if pg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = pg.HealthCheckPeriod.Duration()
	}

	if pg.StatementTimeout > 0 {
		if poolConfig.ConnConfig.RuntimeParams == nil {
			poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
		}

		timeout := pg.StatementTimeout.Duration() / time.Millisecond
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", timeout)
	}

	for k, v := range pg.ExtraRuntimeParams {
		if k == "" {
			continue
		}

		if poolConfig.ConnConfig.RuntimeParams == nil {
			poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
		}

		poolConfig.ConnConfig.RuntimeParams[k] = v
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	log.Info().
		Str("host", pg.Host).
		Str("database", pg.Database).
		Msg("Connected to Postgres")

	return pool, nil
}

// PostgresStore implements Service on a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

// NewPostgresStore wraps an existing pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, log logger.Logger) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, logger: log}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		tenant_id        TEXT NOT NULL,
		session_id       TEXT NOT NULL,
		device_name      TEXT NOT NULL DEFAULT '',
		device_serial    TEXT NOT NULL DEFAULT '',
		manufacturer     TEXT NOT NULL DEFAULT '',
		model            TEXT NOT NULL DEFAULT '',
		os_version       TEXT NOT NULL DEFAULT '',
		started_at       TIMESTAMPTZ NOT NULL,
		status           TEXT NOT NULL,
		current_phase    TEXT NOT NULL,
		event_count      BIGINT NOT NULL DEFAULT 0,
		duration_seconds BIGINT NOT NULL DEFAULT 0,
		failure_message  TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		tenant_id  TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sequence   BIGINT NOT NULL,
		timestamp  TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		severity   TEXT NOT NULL,
		source     TEXT NOT NULL DEFAULT '',
		phase      TEXT NOT NULL DEFAULT '',
		message    TEXT NOT NULL DEFAULT '',
		data       JSONB,
		PRIMARY KEY (tenant_id, session_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS app_install_summaries (
		tenant_id                 TEXT NOT NULL,
		session_id                TEXT NOT NULL,
		app_name                  TEXT NOT NULL,
		status                    TEXT NOT NULL,
		started_at                TIMESTAMPTZ,
		completed_at              TIMESTAMPTZ,
		duration_seconds          BIGINT NOT NULL DEFAULT 0,
		download_bytes            BIGINT NOT NULL DEFAULT 0,
		download_duration_seconds BIGINT NOT NULL DEFAULT 0,
		failure_code              TEXT NOT NULL DEFAULT '',
		failure_message           TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, session_id, app_name)
	)`,
	`CREATE TABLE IF NOT EXISTS rule_results (
		tenant_id  TEXT NOT NULL,
		session_id TEXT NOT NULL,
		rule_id    TEXT NOT NULL,
		rule_title TEXT NOT NULL DEFAULT '',
		severity   TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		evidence   BIGINT[],
		PRIMARY KEY (tenant_id, session_id, rule_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_configs (
		tenant_id               TEXT PRIMARY KEY,
		max_decompressed_bytes  BIGINT NOT NULL DEFAULT 0,
		rate_limit_per_minute   INT NOT NULL DEFAULT 0,
		auth_failure_threshold  INT NOT NULL DEFAULT 0,
		allowed_hardware        JSONB,
		hello_policy_configured BOOLEAN NOT NULL DEFAULT FALSE,
		patterns                JSONB
	)`,
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return nil
}

func (s *PostgresStore) RegisterSession(ctx context.Context, summary *models.SessionSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (
			tenant_id, session_id, device_name, device_serial, manufacturer,
			model, os_version, started_at, status, current_phase,
			event_count, duration_seconds, failure_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, session_id) DO UPDATE SET
			device_name   = EXCLUDED.device_name,
			device_serial = EXCLUDED.device_serial,
			manufacturer  = EXCLUDED.manufacturer,
			model         = EXCLUDED.model,
			os_version    = EXCLUDED.os_version`,
		summary.TenantID, summary.SessionID, summary.DeviceName, summary.DeviceSerial,
		summary.Manufacturer, summary.Model, summary.OSVersion, summary.StartedAt,
		string(summary.Status), summary.CurrentPhase.String(),
		summary.EventCount, summary.DurationSeconds, summary.FailureMessage)
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, tenantID, sessionID string) (*models.SessionSummary, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, session_id, device_name, device_serial, manufacturer,
		       model, os_version, started_at, status, current_phase,
		       event_count, duration_seconds, failure_message
		FROM sessions
		WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID)

	summary, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}

		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return summary, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, tenantID string) ([]models.SessionSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, session_id, device_name, device_serial, manufacturer,
		       model, os_version, started_at, status, current_phase,
		       event_count, duration_seconds, failure_message
		FROM sessions
		WHERE tenant_id = $1
		ORDER BY started_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionSummary

	for rows.Next() {
		summary, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		sessions = append(sessions, *summary)
	}

	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSession(ctx context.Context, summary *models.SessionSummary) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			status           = $3,
			current_phase    = $4,
			event_count      = $5,
			duration_seconds = $6,
			failure_message  = $7
		WHERE tenant_id = $1 AND session_id = $2`,
		summary.TenantID, summary.SessionID, string(summary.Status),
		summary.CurrentPhase.String(), summary.EventCount,
		summary.DurationSeconds, summary.FailureMessage)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

func (s *PostgresStore) StoreEvent(ctx context.Context, event *models.EnrollmentEvent) (bool, error) {
	var data []byte

	if len(event.Data) > 0 {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return false, fmt.Errorf("failed to encode event data: %w", err)
		}

		data = encoded
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO events (
			tenant_id, session_id, sequence, timestamp, event_type,
			severity, source, phase, message, data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, session_id, sequence) DO NOTHING`,
		event.TenantID, event.SessionID, event.Sequence, event.Timestamp,
		event.EventType, string(event.Severity), event.Source,
		event.Phase.String(), event.Message, data)
	if err != nil {
		return false, fmt.Errorf("failed to store event: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetSessionEvents(ctx context.Context, tenantID, sessionID string) ([]models.EnrollmentEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, session_id, sequence, timestamp, event_type,
		       severity, source, phase, message, data
		FROM events
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY sequence ASC`,
		tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.EnrollmentEvent

	for rows.Next() {
		var (
			event    models.EnrollmentEvent
			severity string
			phase    string
			data     []byte
		)

		if err := rows.Scan(&event.TenantID, &event.SessionID, &event.Sequence,
			&event.Timestamp, &event.EventType, &severity, &event.Source,
			&phase, &event.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Severity = models.Severity(severity)
		event.Phase = models.ParsePhase(phase)

		if len(data) > 0 {
			if err := json.Unmarshal(data, &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func (s *PostgresStore) UpsertAppInstallSummary(ctx context.Context, summary *models.AppInstallSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO app_install_summaries (
			tenant_id, session_id, app_name, status, started_at,
			completed_at, duration_seconds, download_bytes,
			download_duration_seconds, failure_code, failure_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, session_id, app_name) DO UPDATE SET
			status                    = EXCLUDED.status,
			started_at                = COALESCE(app_install_summaries.started_at, EXCLUDED.started_at),
			completed_at              = COALESCE(app_install_summaries.completed_at, EXCLUDED.completed_at),
			duration_seconds          = GREATEST(app_install_summaries.duration_seconds, EXCLUDED.duration_seconds),
			download_bytes            = GREATEST(app_install_summaries.download_bytes, EXCLUDED.download_bytes),
			download_duration_seconds = GREATEST(app_install_summaries.download_duration_seconds, EXCLUDED.download_duration_seconds),
			failure_code              = CASE WHEN EXCLUDED.failure_code <> '' THEN EXCLUDED.failure_code ELSE app_install_summaries.failure_code END,
			failure_message           = CASE WHEN EXCLUDED.failure_message <> '' THEN EXCLUDED.failure_message ELSE app_install_summaries.failure_message END`,
		summary.TenantID, summary.SessionID, summary.AppName, summary.Status,
		summary.StartedAt, summary.CompletedAt, summary.DurationSeconds,
		summary.DownloadBytes, summary.DownloadDurationSeconds,
		summary.FailureCode, summary.FailureMessage)
	if err != nil {
		return fmt.Errorf("failed to upsert app install summary: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListAppInstallSummaries(ctx context.Context, tenantID, sessionID string) ([]models.AppInstallSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, session_id, app_name, status, started_at,
		       completed_at, duration_seconds, download_bytes,
		       download_duration_seconds, failure_code, failure_message
		FROM app_install_summaries
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY app_name ASC`,
		tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query app install summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.AppInstallSummary

	for rows.Next() {
		var summary models.AppInstallSummary

		if err := rows.Scan(&summary.TenantID, &summary.SessionID, &summary.AppName,
			&summary.Status, &summary.StartedAt, &summary.CompletedAt,
			&summary.DurationSeconds, &summary.DownloadBytes,
			&summary.DownloadDurationSeconds, &summary.FailureCode,
			&summary.FailureMessage); err != nil {
			return nil, fmt.Errorf("failed to scan app install summary: %w", err)
		}

		summaries = append(summaries, summary)
	}

	return summaries, rows.Err()
}

func (s *PostgresStore) StoreRuleResults(ctx context.Context, results []models.RuleResult) error {
	for i := range results {
		result := &results[i]

		_, err := s.pool.Exec(ctx, `
			INSERT INTO rule_results (
				tenant_id, session_id, rule_id, rule_title, severity,
				message, evidence
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tenant_id, session_id, rule_id) DO NOTHING`,
			result.TenantID, result.SessionID, result.RuleID, result.RuleTitle,
			string(result.Severity), result.Message, result.Evidence)
		if err != nil {
			return fmt.Errorf("failed to store rule result: %w", err)
		}
	}

	return nil
}

func (s *PostgresStore) ListRuleResults(ctx context.Context, tenantID, sessionID string) ([]models.RuleResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, session_id, rule_id, rule_title, severity, message, evidence
		FROM rule_results
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY rule_id ASC`,
		tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule results: %w", err)
	}
	defer rows.Close()

	var results []models.RuleResult

	for rows.Next() {
		var (
			result   models.RuleResult
			severity string
		)

		if err := rows.Scan(&result.TenantID, &result.SessionID, &result.RuleID,
			&result.RuleTitle, &severity, &result.Message, &result.Evidence); err != nil {
			return nil, fmt.Errorf("failed to scan rule result: %w", err)
		}

		result.Severity = models.Severity(severity)

		results = append(results, result)
	}

	return results, rows.Err()
}

func (s *PostgresStore) GetTenantConfig(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	var (
		cfg      models.TenantConfig
		hardware []byte
		patterns []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, max_decompressed_bytes, rate_limit_per_minute,
		       auth_failure_threshold, allowed_hardware, hello_policy_configured,
		       patterns
		FROM tenant_configs
		WHERE tenant_id = $1`,
		tenantID).Scan(&cfg.TenantID, &cfg.MaxDecompressedBytes,
		&cfg.RateLimitPerMinute, &cfg.AuthFailureThreshold, &hardware,
		&cfg.HelloPolicyConfigured, &patterns)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}

		return nil, fmt.Errorf("failed to get tenant config: %w", err)
	}

	if len(hardware) > 0 {
		if err := json.Unmarshal(hardware, &cfg.AllowedHardware); err != nil {
			return nil, fmt.Errorf("failed to decode allowed hardware: %w", err)
		}
	}

	if len(patterns) > 0 {
		if err := json.Unmarshal(patterns, &cfg.Patterns); err != nil {
			return nil, fmt.Errorf("failed to decode tenant patterns: %w", err)
		}
	}

	return &cfg, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*models.SessionSummary, error) {
	var (
		summary models.SessionSummary
		status  string
		phase   string
	)

	if err := row.Scan(&summary.TenantID, &summary.SessionID, &summary.DeviceName,
		&summary.DeviceSerial, &summary.Manufacturer, &summary.Model,
		&summary.OSVersion, &summary.StartedAt, &status, &phase,
		&summary.EventCount, &summary.DurationSeconds,
		&summary.FailureMessage); err != nil {
		return nil, err
	}

	summary.Status = models.SessionStatus(status)
	summary.CurrentPhase = models.ParsePhase(phase)

	return &summary, nil
}
