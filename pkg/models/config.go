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

import "github.com/espwatch/espwatch/pkg/logger"

// PostgresConfig holds connection settings for the session store.
type PostgresConfig struct {
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Database           string            `json:"database"`
	Username           string            `json:"username"`
	Password           string            `json:"password"`
	SSLMode            string            `json:"ssl_mode,omitempty"`
	ApplicationName    string            `json:"application_name,omitempty"`
	MaxConnections     int32             `json:"max_connections,omitempty"`
	MinConnections     int32             `json:"min_connections,omitempty"`
	MaxConnLifetime    Duration          `json:"max_conn_lifetime,omitempty"`
	HealthCheckPeriod  Duration          `json:"health_check_period,omitempty"`
	StatementTimeout   Duration          `json:"statement_timeout,omitempty"`
	ExtraRuntimeParams map[string]string `json:"extra_runtime_params,omitempty"`
}

// CoreServiceConfig is the top-level configuration for the core service.
type CoreServiceConfig struct {
	ListenAddr string          `json:"listen_addr"`
	Database   *PostgresConfig `json:"database,omitempty"`
	CORS       CORSConfig      `json:"cors,omitempty"`
	// RuleDir holds sigma rule files loaded at startup.
	RuleDir string `json:"rule_dir,omitempty"`
	// DefaultMaxDecompressedBytes applies to tenants without an explicit
	// limit. Zero selects the built-in default.
	DefaultMaxDecompressedBytes int64 `json:"default_max_decompressed_bytes,omitempty"`
	// AgentRefreshIntervalSeconds is handed to agents via the config
	// endpoint.
	AgentRefreshIntervalSeconds int            `json:"agent_refresh_interval_seconds,omitempty"`
	Logging                     *logger.Config `json:"logging,omitempty"`
}
