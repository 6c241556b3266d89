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
	"sync"
	"time"

	"github.com/espwatch/espwatch/pkg/db"
	"github.com/espwatch/espwatch/pkg/models"
)

const tenantCacheTTL = 5 * time.Minute

type tenantEntry struct {
	config    *models.TenantConfig
	fetchedAt time.Time
}

// TenantCache serves per-tenant policy from a short-TTL cache in front of
// the store, so the hot ingestion path does not hit the database on every
// batch.
type TenantCache struct {
	mu      sync.Mutex
	store   db.Service
	entries map[string]tenantEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewTenantCache wraps the store with a 5-minute TTL cache.
func NewTenantCache(store db.Service) *TenantCache {
	return &TenantCache{
		store:   store,
		entries: make(map[string]tenantEntry),
		ttl:     tenantCacheTTL,
		now:     time.Now,
	}
}

// Get returns the tenant's policy, fetching through the store on a cache
// miss or expired entry. Unknown tenants surface db.ErrTenantNotFound.
func (c *TenantCache) Get(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	c.mu.Lock()
	entry, ok := c.entries[tenantID]
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.config, nil
	}
	c.mu.Unlock()

	cfg, err := c.store.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[tenantID] = tenantEntry{config: cfg, fetchedAt: c.now()}
	c.mu.Unlock()

	return cfg, nil
}

// Invalidate drops the tenant's cached entry so the next Get refetches.
func (c *TenantCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, tenantID)
}
