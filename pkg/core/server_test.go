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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espwatch/espwatch/pkg/db"
	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

type recordingBroadcaster struct {
	mu        sync.Mutex
	summaries []string
	details   []string
}

func (b *recordingBroadcaster) BroadcastSummary(tenantID string, _ *models.SessionSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.summaries = append(b.summaries, tenantID)
}

func (b *recordingBroadcaster) BroadcastDetail(tenantID, sessionID string, _ []models.EnrollmentEvent, _ *models.SessionSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.details = append(b.details, tenantID+"/"+sessionID)
}

func newTestServer(t *testing.T, store db.Service, opts ...ServerOption) *Server {
	t.Helper()
	return NewServer(store, logger.NewTestLogger(), opts...)
}

func phaseEvent(seq int64, phase models.EnrollmentPhase) models.EnrollmentEvent {
	return models.EnrollmentEvent{
		EventType: models.EventPhaseChanged,
		Severity:  models.SeverityInfo,
		Phase:     phase,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	}
}

func TestRegisterSession(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()

	resp, err := srv.RegisterSession(ctx, &models.RegistrationRequest{
		SessionID:  "sess-1",
		TenantID:   "tenant-1",
		DeviceName: "DESKTOP-42",
		OSVersion:  "10.0.26100",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	session, err := store.GetSession(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, session.Status)
	assert.Equal(t, models.PhaseUnknown, session.CurrentPhase)
	assert.Equal(t, "DESKTOP-42", session.DeviceName)
}

func TestRegisterSessionMissingIDs(t *testing.T) {
	srv := newTestServer(t, db.NewMemoryStore())

	_, err := srv.RegisterSession(context.Background(), &models.RegistrationRequest{SessionID: "sess-1"})
	assert.ErrorIs(t, err, ErrMissingIDs)
}

func TestRegisterSessionHardwareAllowlist(t *testing.T) {
	store := db.NewMemoryStore()
	store.SetTenantConfig(&models.TenantConfig{
		TenantID: "tenant-1",
		AllowedHardware: []models.HardwareFilter{
			{Manufacturer: "Dell Inc.", Model: "Latitude 7440"},
			{Manufacturer: "LENOVO"},
		},
	})

	srv := newTestServer(t, store)
	ctx := context.Background()

	_, err := srv.RegisterSession(ctx, &models.RegistrationRequest{
		SessionID: "s1", TenantID: "tenant-1",
		Manufacturer: "dell inc.", Model: "latitude 7440",
	})
	assert.NoError(t, err, "exact match is case-insensitive")

	_, err = srv.RegisterSession(ctx, &models.RegistrationRequest{
		SessionID: "s2", TenantID: "tenant-1",
		Manufacturer: "Lenovo", Model: "ThinkPad X1",
	})
	assert.NoError(t, err, "empty model matches any model of the manufacturer")

	_, err = srv.RegisterSession(ctx, &models.RegistrationRequest{
		SessionID: "s3", TenantID: "tenant-1",
		Manufacturer: "Dell Inc.", Model: "XPS 13",
	})
	assert.ErrorIs(t, err, ErrHardwareNotAllowed)
}

func TestProcessBatchCreatesImplicitSession(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()

	resp, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		Events:    []models.EnrollmentEvent{phaseEvent(1, models.PhaseDeviceSetup)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.EventsReceived)
	assert.Equal(t, 1, resp.EventsProcessed)

	session, err := store.GetSession(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, session.Status)
	assert.Equal(t, models.PhaseDeviceSetup, session.CurrentPhase)
	assert.Equal(t, 1, session.EventCount)
}

func TestProcessBatchStampsIdentityFromHeader(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()

	event := phaseEvent(1, models.PhaseDeviceSetup)
	event.SessionID = "spoofed-session"
	event.TenantID = "spoofed-tenant"

	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		Events:    []models.EnrollmentEvent{event},
	})
	require.NoError(t, err)

	events, err := store.GetSessionEvents(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, "tenant-1", events[0].TenantID)

	spoofed, err := store.GetSessionEvents(ctx, "spoofed-tenant", "spoofed-session")
	require.NoError(t, err)
	assert.Empty(t, spoofed)
}

func TestProcessBatchDuplicatesConverge(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()

	batch := &models.IngestRequest{
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		Events: []models.EnrollmentEvent{
			phaseEvent(1, models.PhaseDeviceSetup),
			phaseEvent(2, models.PhaseAccountSetup),
		},
	}

	first, err := srv.ProcessBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, first.EventsProcessed)

	// Redelivery of the same batch is counted processed but changes nothing.
	second, err := srv.ProcessBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, second.EventsProcessed)

	events, err := store.GetSessionEvents(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	session, err := store.GetSession(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, session.EventCount)

	stats := srv.Stats()
	assert.Equal(t, int64(2), stats.EventsStored)
	assert.Equal(t, int64(2), stats.EventsDuplicate)
}

func TestProcessBatchEnrollmentFailure(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()

	failed := models.EnrollmentEvent{
		EventType: models.EventEnrollmentFailed,
		Severity:  models.SeverityError,
		Sequence:  3,
		Message:   "Enrollment failed",
		Timestamp: time.Now().UTC(),
	}
	failed.Data.Set("errorCode", "0x8000")

	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1",
		TenantID:  "tenant-1",
		Events: []models.EnrollmentEvent{
			phaseEvent(1, models.PhaseDeviceSetup),
			phaseEvent(2, models.PhaseDeviceSetupApps),
			failed,
		},
	})
	require.NoError(t, err)

	session, err := store.GetSession(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, session.Status)
	assert.Contains(t, session.FailureMessage, "0x8000")
}

func TestProcessBatchTerminalNeverRegresses(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()

	complete := models.EnrollmentEvent{
		EventType: models.EventEnrollmentComplete,
		Severity:  models.SeverityInfo,
		Sequence:  5,
		Timestamp: time.Now().UTC(),
	}

	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{complete},
	})
	require.NoError(t, err)

	// Late-arriving in-progress events must not reopen the session.
	_, err = srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{phaseEvent(6, models.PhaseDeviceSetup)},
	})
	require.NoError(t, err)

	session, err := store.GetSession(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionSucceeded, session.Status)
	assert.Equal(t, models.PhaseComplete, session.CurrentPhase)
}

func TestProcessBatchLastTerminalBySequenceWins(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()

	complete := models.EnrollmentEvent{EventType: models.EventEnrollmentComplete, Sequence: 4, Timestamp: time.Now().UTC()}
	failed := models.EnrollmentEvent{EventType: models.EventEnrollmentFailed, Sequence: 7, Message: "boom", Timestamp: time.Now().UTC()}

	// Wire reordering: the failure carries the higher sequence so it wins
	// regardless of slice order.
	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{failed, complete},
	})
	require.NoError(t, err)

	session, err := store.GetSession(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, session.Status)
}

func TestProcessBatchAppRollup(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()
	now := time.Now().UTC()

	mkEvent := func(seq int64, eventType string, data map[string]interface{}) models.EnrollmentEvent {
		event := models.EnrollmentEvent{
			EventType: eventType,
			Sequence:  seq,
			Timestamp: now.Add(time.Duration(seq) * time.Second),
		}
		event.Data.Set("package_name", "Contoso VPN")

		for key, value := range data {
			event.Data.Set(key, value)
		}

		return event
	}

	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{
			mkEvent(1, models.EventDownloadStarted, nil),
			mkEvent(2, models.EventDownloadProgress, map[string]interface{}{"bytes": int64(1024)}),
			mkEvent(3, models.EventDownloadProgress, map[string]interface{}{"bytes": int64(4096)}),
			mkEvent(4, models.EventInstallStarted, map[string]interface{}{"bytes_total": int64(8192), "download_duration_seconds": int64(3)}),
			mkEvent(5, models.EventInstallCompleted, map[string]interface{}{"duration_seconds": int64(12)}),
		},
	})
	require.NoError(t, err)

	apps, err := store.ListAppInstallSummaries(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, apps, 1)

	app := apps[0]
	assert.Equal(t, "Contoso VPN", app.AppName)
	assert.Equal(t, models.StateInstalled.String(), app.Status)
	assert.Equal(t, int64(8192), app.DownloadBytes)
	assert.Equal(t, int64(3), app.DownloadDurationSeconds)
	assert.Equal(t, int64(12), app.DurationSeconds)
	require.NotNil(t, app.StartedAt)
	require.NotNil(t, app.CompletedAt)
}

func TestProcessBatchAppRollupDuplicateRedelivery(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()
	now := time.Now().UTC()

	mkEvent := func(seq int64, eventType string) models.EnrollmentEvent {
		event := models.EnrollmentEvent{
			EventType: eventType,
			Sequence:  seq,
			Timestamp: now.Add(time.Duration(seq) * time.Second),
		}
		event.Data.Set("package_name", "Contoso VPN")

		return event
	}

	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{
			mkEvent(1, models.EventInstallStarted),
			mkEvent(2, models.EventInstallCompleted),
		},
	})
	require.NoError(t, err)

	// Redelivering the early event after the terminal one must not walk the
	// rollup status back to Installing.
	resp, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events:    []models.EnrollmentEvent{mkEvent(1, models.EventInstallStarted)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.EventsProcessed)

	apps, err := store.ListAppInstallSummaries(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, models.StateInstalled.String(), apps[0].Status)
	require.NotNil(t, apps[0].CompletedAt)
	assert.Equal(t, int64(1), srv.Stats().EventsDuplicate)
}

func TestProcessBatchAppRollupKeyedByName(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()
	now := time.Now().UTC()

	mkEvent := func(seq int64, eventType string, data map[string]interface{}) models.EnrollmentEvent {
		event := models.EnrollmentEvent{
			EventType: eventType,
			Sequence:  seq,
			Timestamp: now.Add(time.Duration(seq) * time.Second),
		}
		event.Data.Set("package_id", "{d1b7e9a0-0000-4f00-9c1a-contoso}")
		event.Data.Set("package_name", "Contoso VPN")

		for key, value := range data {
			event.Data.Set(key, value)
		}

		return event
	}

	// A package id distinct from the display name must still land on one row.
	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{
			mkEvent(1, models.EventDownloadStarted, nil),
			mkEvent(2, models.EventDownloadProgress, map[string]interface{}{"bytes": int64(2048)}),
			mkEvent(3, models.EventInstallCompleted, nil),
		},
	})
	require.NoError(t, err)

	apps, err := store.ListAppInstallSummaries(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "Contoso VPN", apps[0].AppName)
	assert.Equal(t, models.StateInstalled.String(), apps[0].Status)
	assert.Equal(t, int64(2048), apps[0].DownloadBytes)
}

func TestProcessBatchAppInstallFailure(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store)

	ctx := context.Background()

	event := models.EnrollmentEvent{
		EventType: models.EventInstallFailed,
		Sequence:  1,
		Message:   "Install failed",
		Timestamp: time.Now().UTC(),
	}
	event.Data.Set("package_name", "Contoso VPN")
	event.Data.Set("errorCode", "0x87D300C9")

	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{event},
	})
	require.NoError(t, err)

	apps, err := store.ListAppInstallSummaries(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, models.StateError.String(), apps[0].Status)
	assert.Equal(t, "0x87D300C9", apps[0].FailureCode)
}

func TestProcessBatchBroadcasts(t *testing.T) {
	store := db.NewMemoryStore()
	caster := &recordingBroadcaster{}
	srv := newTestServer(t, store, WithBroadcaster(caster))

	ctx := context.Background()

	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{phaseEvent(1, models.PhaseDeviceSetup)},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"tenant-1"}, caster.summaries)
	assert.Equal(t, []string{"tenant-1/sess-1"}, caster.details)

	// A fully duplicate batch stores nothing and broadcasts nothing.
	_, err = srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{phaseEvent(1, models.PhaseDeviceSetup)},
	})
	require.NoError(t, err)

	assert.Len(t, caster.summaries, 1)
}

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

const failureRule = `title: Enrollment ended in failure
id: esp-enrollment-failed
description: The enrollment session reported a terminal failure
level: high
detection:
  selection:
    event_type: enrollment_failed
  condition: selection
`

const helloStallRule = `title: Hello provisioning stalled
id: esp-hello-waiting
description: Windows Hello provisioning reported waiting
level: low
detection:
  selection:
    event_type: hello_provisioning_waiting
  condition: selection
`

func newRuleEngineFromDir(t *testing.T) *RuleEngine {
	t.Helper()

	dir := t.TempDir()
	writeRuleFile(t, dir, "failure.yml", failureRule)
	writeRuleFile(t, dir, "hello.yaml", helloStallRule)

	engine, stats, err := NewRuleEngine(dir, logger.NewTestLogger())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Loaded)

	return engine
}

func TestRulesRunOnceAtTermination(t *testing.T) {
	store := db.NewMemoryStore()
	srv := newTestServer(t, store, WithRuleEngine(newRuleEngineFromDir(t)))

	ctx := context.Background()

	_, err := srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{phaseEvent(1, models.PhaseDeviceSetup)},
	})
	require.NoError(t, err)

	results, err := store.ListRuleResults(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Empty(t, results, "rules only run when the session terminates")

	failed := models.EnrollmentEvent{
		EventType: models.EventEnrollmentFailed,
		Sequence:  2,
		Message:   "Enrollment failed",
		Timestamp: time.Now().UTC(),
	}
	failed.Data.Set("errorCode", "0x8000")

	_, err = srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{failed},
	})
	require.NoError(t, err)

	results, err = store.ListRuleResults(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "esp-enrollment-failed", results[0].RuleID)
	assert.Equal(t, models.SeverityError, results[0].Severity)
	assert.Equal(t, []int64{2}, results[0].Evidence)

	// Replaying the terminal batch neither reruns rules nor duplicates
	// findings.
	_, err = srv.ProcessBatch(ctx, &models.IngestRequest{
		SessionID: "sess-1", TenantID: "tenant-1",
		Events: []models.EnrollmentEvent{failed},
	})
	require.NoError(t, err)

	results, err = store.ListRuleResults(ctx, "tenant-1", "sess-1")
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int64(1), srv.Stats().RuleRuns)
}

func TestRuleEvaluationDeterministic(t *testing.T) {
	engine := newRuleEngineFromDir(t)

	events := []models.EnrollmentEvent{
		{EventType: models.EventHelloWaiting, Sequence: 1},
		{EventType: models.EventHelloWaiting, Sequence: 2},
		{EventType: models.EventEnrollmentFailed, Sequence: 3},
	}

	ctx := context.Background()

	first := engine.Evaluate(ctx, "tenant-1", "sess-1", events)
	second := engine.Evaluate(ctx, "tenant-1", "sess-1", events)
	assert.Equal(t, first, second)

	require.Len(t, first, 2)

	for _, result := range first {
		switch result.RuleID {
		case "esp-enrollment-failed":
			assert.Equal(t, []int64{3}, result.Evidence)
		case "esp-hello-waiting":
			assert.Equal(t, []int64{1, 2}, result.Evidence)
			assert.Equal(t, models.SeverityInfo, result.Severity)
		default:
			t.Fatalf("unexpected rule id %q", result.RuleID)
		}
	}
}

func TestAuthorizeDeviceChain(t *testing.T) {
	store := db.NewMemoryStore()
	store.SetTenantConfig(&models.TenantConfig{
		TenantID:             "tenant-1",
		RateLimitPerMinute:   2,
		AuthFailureThreshold: 2,
	})

	srv := newTestServer(t, store)
	ctx := context.Background()

	assert.ErrorIs(t, srv.AuthorizeDevice(ctx, "tenant-1", ""), ErrUnauthorized)

	assert.NoError(t, srv.AuthorizeDevice(ctx, "tenant-1", "cert-a"))
	assert.NoError(t, srv.AuthorizeDevice(ctx, "tenant-1", "cert-a"))
	assert.ErrorIs(t, srv.AuthorizeDevice(ctx, "tenant-1", "cert-a"), ErrRateLimited)
}

func TestAuthorizeDeviceBreakerTrips(t *testing.T) {
	store := db.NewMemoryStore()
	store.SetTenantConfig(&models.TenantConfig{
		TenantID:             "tenant-1",
		AuthFailureThreshold: 2,
	})

	srv := newTestServer(t, store)
	ctx := context.Background()

	assert.ErrorIs(t, srv.AuthorizeDevice(ctx, "tenant-1", ""), ErrUnauthorized)
	assert.ErrorIs(t, srv.AuthorizeDevice(ctx, "tenant-1", ""), ErrUnauthorized)
	assert.ErrorIs(t, srv.AuthorizeDevice(ctx, "tenant-1", ""), ErrCircuitOpen)

	assert.ErrorIs(t, srv.AuthorizeDevice(ctx, "tenant-1", ""), ErrCircuitOpen)
}

func TestMaxDecompressedBytes(t *testing.T) {
	store := db.NewMemoryStore()
	store.SetTenantConfig(&models.TenantConfig{TenantID: "capped", MaxDecompressedBytes: 1024})

	srv := newTestServer(t, store)
	ctx := context.Background()

	assert.Equal(t, int64(1024), srv.MaxDecompressedBytes(ctx, "capped"))
	assert.Equal(t, int64(DefaultMaxDecompressedBytes), srv.MaxDecompressedBytes(ctx, "unknown"))
}

func TestAgentConfig(t *testing.T) {
	store := db.NewMemoryStore()
	store.SetTenantConfig(&models.TenantConfig{
		TenantID:              "tenant-1",
		HelloPolicyConfigured: true,
		Patterns: []models.PatternConfig{
			{Name: "oobe-error", Expression: `OOBE error (?P<errorCode>0x[0-9A-Fa-f]+)`, EventType: models.EventEnrollmentFailed},
		},
	})

	srv := newTestServer(t, store,
		WithRuleEngine(newRuleEngineFromDir(t)),
		WithAgentRefreshInterval(120))

	cfg := srv.AgentConfig(context.Background(), "tenant-1")

	assert.Equal(t, 120, cfg.RefreshIntervalSeconds)
	assert.True(t, cfg.CollectorToggles["hello"])
	assert.ElementsMatch(t, []string{"esp-enrollment-failed", "esp-hello-waiting"}, cfg.ActiveRules)
	require.Len(t, cfg.Patterns, 1)
	assert.Equal(t, "oobe-error", cfg.Patterns[0].Name)
}
