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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

const (
	defaultConfigRefresh = 5 * time.Minute
	configHTTPTimeout    = 10 * time.Second
	maxConfigBody        = 256 * 1024
)

// ConfigSync periodically fetches the tenant's agent configuration from the
// core config endpoint and applies it: collector toggles and active rule
// names. The refresh interval follows the fetched document.
type ConfigSync struct {
	endpoint string
	tenantID string
	client   *http.Client
	logger   logger.Logger
	apply    func(cfg *models.AgentRemoteConfig)
}

// NewConfigSync builds a sync loop against the core /api/config endpoint.
// apply runs for every successfully fetched document.
func NewConfigSync(endpoint, tenantID string, apply func(cfg *models.AgentRemoteConfig), log logger.Logger) *ConfigSync {
	return &ConfigSync{
		endpoint: endpoint,
		tenantID: tenantID,
		client:   &http.Client{Timeout: configHTTPTimeout},
		logger:   log,
		apply:    apply,
	}
}

// Run fetches immediately, then on the server-directed interval, until the
// context is canceled. Fetch failures keep the previous configuration.
func (c *ConfigSync) Run(ctx context.Context) {
	interval := defaultConfigRefresh

	for {
		cfg, err := c.fetch(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Config fetch failed, keeping previous configuration")
		} else {
			if c.apply != nil {
				c.apply(cfg)
			}

			if cfg.RefreshIntervalSeconds > 0 {
				interval = time.Duration(cfg.RefreshIntervalSeconds) * time.Second
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *ConfigSync) fetch(ctx context.Context) (*models.AgentRemoteConfig, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse config endpoint: %w", err)
	}

	query := u.Query()
	query.Set("tenantId", c.tenantID)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config endpoint returned %s", resp.Status)
	}

	var cfg models.AgentRemoteConfig
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxConfigBody)).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}
