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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espwatch/espwatch/pkg/models"
)

func TestRegisterSessionConflictKeepsState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.RegisterSession(ctx, &models.SessionSummary{
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		Status:    models.SessionFailed,
	}))

	// Re-registration refreshes identity fields only, never status.
	require.NoError(t, store.RegisterSession(ctx, &models.SessionSummary{
		SessionID:  "sess-1",
		TenantID:   "tenant-1",
		DeviceName: "DESKTOP-42",
		Status:     models.SessionInProgress,
	}))

	session, err := store.GetSession(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "DESKTOP-42", session.DeviceName)
	assert.Equal(t, models.SessionFailed, session.Status)
}

func TestGetSessionNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetSession(context.Background(), "tenant-1", "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateSessionRequiresExisting(t *testing.T) {
	store := NewMemoryStore()

	err := store.UpdateSession(context.Background(), &models.SessionSummary{SessionID: "s", TenantID: "t"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreEventIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	event := &models.EnrollmentEvent{
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		Sequence:  1,
		EventType: models.EventPhaseChanged,
		Message:   "first delivery",
	}

	inserted, err := store.StoreEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, inserted)

	redelivered := *event
	redelivered.Message = "second delivery"

	inserted, err = store.StoreEvent(ctx, &redelivered)
	require.NoError(t, err)
	assert.False(t, inserted)

	events, err := store.GetSessionEvents(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "first delivery", events[0].Message, "first write wins")
}

func TestGetSessionEventsOrderedBySequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, seq := range []int64{5, 1, 3} {
		_, err := store.StoreEvent(ctx, &models.EnrollmentEvent{
			SessionID: "sess-1",
			TenantID:  "tenant-1",
			Sequence:  seq,
		})
		require.NoError(t, err)
	}

	events, err := store.GetSessionEvents(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[1].Sequence)
	assert.Equal(t, int64(5), events[2].Sequence)
}

func TestEventsScopedByTenant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.StoreEvent(ctx, &models.EnrollmentEvent{SessionID: "sess-1", TenantID: "tenant-a", Sequence: 1})
	require.NoError(t, err)

	// Same session id under another tenant is a distinct stream.
	_, err = store.StoreEvent(ctx, &models.EnrollmentEvent{SessionID: "sess-1", TenantID: "tenant-b", Sequence: 1})
	require.NoError(t, err)

	events, err := store.GetSessionEvents(ctx, "tenant-a", "sess-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestUpsertAppInstallSummaryMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	started := time.Now().UTC()
	completed := started.Add(30 * time.Second)

	require.NoError(t, store.UpsertAppInstallSummary(ctx, &models.AppInstallSummary{
		AppName:       "Contoso VPN",
		SessionID:     "sess-1",
		TenantID:      "tenant-1",
		Status:        models.StateDownloading.String(),
		StartedAt:     &started,
		DownloadBytes: 4096,
	}))

	// A redelivered smaller progress value never shrinks the rollup.
	require.NoError(t, store.UpsertAppInstallSummary(ctx, &models.AppInstallSummary{
		AppName:       "Contoso VPN",
		SessionID:     "sess-1",
		TenantID:      "tenant-1",
		Status:        models.StateDownloading.String(),
		DownloadBytes: 1024,
	}))

	require.NoError(t, store.UpsertAppInstallSummary(ctx, &models.AppInstallSummary{
		AppName:         "Contoso VPN",
		SessionID:       "sess-1",
		TenantID:        "tenant-1",
		Status:          models.StateInstalled.String(),
		CompletedAt:     &completed,
		DurationSeconds: 30,
	}))

	apps, err := store.ListAppInstallSummaries(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, apps, 1)

	app := apps[0]
	assert.Equal(t, models.StateInstalled.String(), app.Status)
	assert.Equal(t, int64(4096), app.DownloadBytes)
	assert.Equal(t, int64(30), app.DurationSeconds)
	require.NotNil(t, app.StartedAt)
	require.NotNil(t, app.CompletedAt)
	assert.True(t, app.StartedAt.Equal(started))
}

func TestListAppInstallSummariesSorted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, name := range []string{"Zebra", "Alpha", "Mango"} {
		require.NoError(t, store.UpsertAppInstallSummary(ctx, &models.AppInstallSummary{
			AppName:   name,
			SessionID: "sess-1",
			TenantID:  "tenant-1",
		}))
	}

	apps, err := store.ListAppInstallSummaries(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, apps, 3)
	assert.Equal(t, "Alpha", apps[0].AppName)
	assert.Equal(t, "Zebra", apps[2].AppName)
}

func TestStoreRuleResultsInsertOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := []models.RuleResult{{
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		RuleID:    "esp-failure",
		Message:   "original finding",
	}}
	require.NoError(t, store.StoreRuleResults(ctx, first))

	replay := []models.RuleResult{{
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		RuleID:    "esp-failure",
		Message:   "replayed finding",
	}}
	require.NoError(t, store.StoreRuleResults(ctx, replay))

	results, err := store.ListRuleResults(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "original finding", results[0].Message)
}

func TestTenantConfigRoundTrip(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetTenantConfig(context.Background(), "tenant-1")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	store.SetTenantConfig(&models.TenantConfig{TenantID: "tenant-1", RateLimitPerMinute: 10})

	cfg, err := store.GetTenantConfig(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RateLimitPerMinute)
}

func TestListSessionsNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()

	for i, id := range []string{"old", "new", "mid"} {
		offsets := []time.Duration{0, 2 * time.Minute, time.Minute}
		require.NoError(t, store.RegisterSession(ctx, &models.SessionSummary{
			SessionID: id,
			TenantID:  "tenant-1",
			StartedAt: base.Add(offsets[i]),
		}))
	}

	sessions, err := store.ListSessions(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "new", sessions[0].SessionID)
	assert.Equal(t, "mid", sessions[1].SessionID)
	assert.Equal(t, "old", sessions[2].SessionID)
}
